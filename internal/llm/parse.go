package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"hopper/internal/model"
)

var jsonBlock = regexp.MustCompile(`(?s)\{.*\}`)

// ParseExtraction turns raw model output into a structured extraction.
// Models wrap JSON in markdown fences or chatter around it; this strips
// fences, then salvages the outermost brace block. If nothing parses, the
// raw text is preserved as a low-confidence result rather than dropped.
func ParseExtraction(raw string) model.EmailExtraction {
	candidate := strings.TrimSpace(raw)
	candidate = strings.TrimPrefix(candidate, "```json")
	candidate = strings.TrimPrefix(candidate, "```")
	candidate = strings.TrimSuffix(candidate, "```")
	candidate = strings.TrimSpace(candidate)

	var out model.EmailExtraction
	if err := json.Unmarshal([]byte(candidate), &out); err == nil {
		return normalize(out, raw)
	}

	if block := jsonBlock.FindString(candidate); block != "" {
		if err := json.Unmarshal([]byte(block), &out); err == nil {
			return normalize(out, raw)
		}
	}

	return model.EmailExtraction{
		Confidence:  model.ConfidenceLow,
		RawAnalysis: raw,
	}
}

func normalize(out model.EmailExtraction, raw string) model.EmailExtraction {
	switch out.Confidence {
	case model.ConfidenceHigh, model.ConfidenceMedium, model.ConfidenceLow:
	default:
		out.Confidence = model.ConfidenceLow
	}

	// A structurally valid but empty extraction carries the raw text so the
	// artifact stays auditable.
	if len(out.Items) == 0 && out.Transaction == nil {
		out.RawAnalysis = raw
	}
	return out
}

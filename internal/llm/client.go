package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hopper/internal/config"
)

// Summarizer is the opaque document-understanding capability: it turns a
// document into raw model text. Parsing that text is the caller's problem
// (see ParseExtraction), so a malformed response never surfaces here as
// anything but plain text.
type Summarizer interface {
	Summarize(ctx context.Context, document string) (string, error)
}

const extractionPrompt = `Analyze this email or document for a personal property inventory.
Extract purchase details and return ONLY a JSON object with this shape:
{
  "items": [{"name": "", "description": "", "price": 0, "currency": "USD", "category": "", "quantity": 1}],
  "transaction": {"merchant": "", "date": "YYYY-MM-DD", "orderNumber": "", "total": 0, "currency": "USD"},
  "confidence": "High" | "Medium" | "Low"
}
Omit "transaction" if no order-level details are present. Do not include any text outside the JSON.`

// Client calls an OpenAI-compatible chat completions endpoint
type Client struct {
	endpoint         string
	model            string
	apiKey           string
	maxDocumentBytes int
	httpClient       *http.Client
}

var _ Summarizer = (*Client)(nil)

// NewClient builds a client from configuration
func NewClient(cfg config.LLMConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	maxDoc := cfg.MaxDocumentBytes
	if maxDoc <= 0 {
		maxDoc = 16000
	}

	return &Client{
		endpoint:         cfg.Endpoint,
		model:            cfg.Model,
		apiKey:           cfg.APIKey,
		maxDocumentBytes: maxDoc,
		httpClient:       &http.Client{Timeout: timeout},
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Summarize posts the document as a user message and returns the raw model
// text. The call is synchronous and may take seconds.
func (c *Client) Summarize(ctx context.Context, document string) (string, error) {
	if c.apiKey == "" || c.endpoint == "" || c.model == "" {
		return "", fmt.Errorf("llm client misconfigured")
	}

	if len(document) > c.maxDocumentBytes {
		document = document[:c.maxDocumentBytes]
	}

	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": extractionPrompt},
			{"role": "user", "content": document},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal llm payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("llm error %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode llm response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

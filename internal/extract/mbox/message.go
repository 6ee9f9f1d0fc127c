package mbox

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// StableID derives a deterministic identity for one message. The Message-ID
// header wins; messages without one fall back to a digest of the raw bytes,
// so reprocessing the same mailbox always lands on the same artifact names.
func StableID(messageID string, raw []byte) string {
	id := strings.TrimSpace(messageID)
	id = strings.Trim(id, "<>")
	if id != "" {
		return id
	}

	sum := sha256.Sum256(raw)
	return "noid-" + hex.EncodeToString(sum[:])[:16]
}

// SanitizeID maps a message identity to a string safe to embed in object
// keys and file names.
func SanitizeID(id string) string {
	return unsafeIDChars.ReplaceAllString(id, "_")
}

// headerGetter is the common surface of mail.Header and multipart part
// headers, so body traversal works at any nesting depth.
type headerGetter interface {
	Get(key string) string
}

// HTMLBody walks the MIME structure depth-first and returns the first
// text/html part, falling back to the first text/plain part. Transfer
// encodings are undone; decode failures on one part never abort the walk.
func HTMLBody(header headerGetter, body io.Reader) (content string, isHTML bool) {
	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return "", false
		}

		var plainFallback string
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				log.Debug().Err(err).Msg("Stopping multipart walk on malformed part")
				break
			}

			partContent, partIsHTML := HTMLBody(part.Header, part)
			if partIsHTML {
				return partContent, true
			}
			if plainFallback == "" && partContent != "" {
				plainFallback = partContent
			}
		}
		return plainFallback, false
	}

	decoded := decodeBody(body, header.Get("Content-Transfer-Encoding"))
	if decoded == "" {
		return "", false
	}

	if mediaType == "text/html" {
		return decoded, true
	}
	if mediaType == "text/plain" {
		return decoded, false
	}
	return "", false
}

func decodeBody(body io.Reader, encoding string) string {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		body = quotedprintable.NewReader(body)
	case "base64":
		body = base64.NewDecoder(base64.StdEncoding, body)
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		// Keep whatever decoded before the error; a truncated body is
		// still worth summarizing.
		log.Debug().Err(err).Msg("Body decode stopped early")
	}
	return string(raw)
}

// DocumentHTML renders an extracted body as a standalone HTML document.
// Plain text is escaped into a <pre> block; an HTML fragment without an
// <html> wrapper gets the same minimal shell unescaped; a full document
// passes through untouched.
func DocumentHTML(subject, content string, isHTML bool) string {
	if !isHTML {
		return WrapHTML(subject, content)
	}
	if strings.Contains(strings.ToLower(content), "<html") {
		return content
	}
	return fmt.Sprintf(
		"<html><head><title>%s</title></head><body>%s</body></html>",
		subject, content,
	)
}

// WrapHTML renders a plain-text body as a minimal HTML document so every
// archived message is viewable the same way.
func WrapHTML(subject, plainText string) string {
	escaped := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
	).Replace(plainText)

	return fmt.Sprintf(
		"<html><head><title>%s</title></head><body><pre>%s</pre></body></html>",
		subject, escaped,
	)
}

// parseMessage splits one raw mbox entry into its header and body offsets
func parseMessage(raw []byte) (*mail.Message, error) {
	return mail.ReadMessage(strings.NewReader(string(raw)))
}

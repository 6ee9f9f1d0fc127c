package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	apiBase    = "https://www.googleapis.com/drive/v3"
	uploadBase = "https://www.googleapis.com/upload/drive/v3"
	folderMIME = "application/vnd.google-apps.folder"
)

// Destination is the user-owned output location for extraction artifacts.
// All calls act on behalf of the user via their delegated token; tokens are
// request-scoped and never persisted.
type Destination interface {
	// EnsureFolder returns the id of a child folder with the given name,
	// creating it if missing.
	EnsureFolder(ctx context.Context, parentID, name string) (string, error)

	// EnsurePath walks the segments from parentID, creating folders as
	// needed, and returns the id of the last one.
	EnsurePath(ctx context.Context, parentID string, segments ...string) (string, error)

	// CreateFile uploads content as a new file under the parent folder
	CreateFile(ctx context.Context, parentID, name, mimeType string, content []byte) (string, error)

	// UpdateFile replaces the content of an existing file
	UpdateFile(ctx context.Context, fileID string, content []byte) error

	// FindByName returns the id of a non-trashed child with the name, or ""
	FindByName(ctx context.Context, parentID, name string) (string, error)
}

// Client talks to the Drive v3 REST API with a user's bearer token
type Client struct {
	httpClient *http.Client
}

var _ Destination = (*Client)(nil)

// NewClient builds a destination client for one user's token
func NewClient(ctx context.Context, token string) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return &Client{httpClient: oauth2.NewClient(ctx, src)}
}

type fileResource struct {
	ID       string   `json:"id,omitempty"`
	Name     string   `json:"name,omitempty"`
	MimeType string   `json:"mimeType,omitempty"`
	Parents  []string `json:"parents,omitempty"`
}

type fileList struct {
	Files []fileResource `json:"files"`
}

// FindByName returns the id of a non-trashed child with the name, or ""
func (c *Client) FindByName(ctx context.Context, parentID, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and '%s' in parents and trashed = false",
		escapeQuery(name), parentID)

	endpoint := apiBase + "/files?" + url.Values{
		"q":      {query},
		"fields": {"files(id, name, mimeType)"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	var list fileList
	if err := c.do(req, &list); err != nil {
		return "", fmt.Errorf("find %q: %w", name, err)
	}

	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].ID, nil
}

// EnsureFolder returns the id of a child folder with the given name,
// creating it if missing.
func (c *Client) EnsureFolder(ctx context.Context, parentID, name string) (string, error) {
	id, err := c.FindByName(ctx, parentID, name)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	body, err := json.Marshal(fileResource{
		Name:     name,
		MimeType: folderMIME,
		Parents:  parents(parentID),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiBase+"/files", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var created fileResource
	if err := c.do(req, &created); err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}

	log.Debug().Str("folder", name).Str("id", created.ID).Msg("Created destination folder")
	return created.ID, nil
}

// EnsurePath walks the segments from parentID, creating folders as needed
func (c *Client) EnsurePath(ctx context.Context, parentID string, segments ...string) (string, error) {
	current := parentID
	for _, segment := range segments {
		id, err := c.EnsureFolder(ctx, current, segment)
		if err != nil {
			return "", err
		}
		current = id
	}
	return current, nil
}

// CreateFile uploads content as a new file using a multipart/related request:
// metadata part first, content part second.
func (c *Client) CreateFile(ctx context.Context, parentID, name, mimeType string, content []byte) (string, error) {
	meta, err := json.Marshal(fileResource{
		Name:    name,
		Parents: parents(parentID),
	})
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	metaPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"application/json; charset=UTF-8"},
	})
	if err != nil {
		return "", err
	}
	if _, err := metaPart.Write(meta); err != nil {
		return "", err
	}

	contentPart, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type": {mimeType},
	})
	if err != nil {
		return "", err
	}
	if _, err := contentPart.Write(content); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	endpoint := uploadBase + "/files?uploadType=multipart"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+writer.Boundary())

	var created fileResource
	if err := c.do(req, &created); err != nil {
		return "", fmt.Errorf("upload %q: %w", name, err)
	}

	return created.ID, nil
}

// UpdateFile replaces the content of an existing file
func (c *Client) UpdateFile(ctx context.Context, fileID string, content []byte) error {
	endpoint := fmt.Sprintf("%s/files/%s?uploadType=media", uploadBase, fileID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(content))
	if err != nil {
		return err
	}

	if err := c.do(req, nil); err != nil {
		return fmt.Errorf("update file %s: %w", fileID, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("drive api %s: %s", resp.Status, strings.TrimSpace(string(payload)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parents(parentID string) []string {
	if parentID == "" {
		return nil
	}
	return []string{parentID}
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `'`, `\'`)
}

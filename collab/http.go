package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xraph/conduit/middleware"
)

// TenantHeader carries the tenant on every collaborator request.
const TenantHeader = "X-Conduit-Tenant"

// Client is a small JSON-over-HTTP client shared by the collaborator
// implementations.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithBearerToken authenticates requests with a bearer token.
func WithBearerToken(token string) ClientOption {
	return func(cl *Client) { cl.token = token }
}

// NewClient creates a client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collab: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// do sends in as JSON and decodes a 2xx response into out. 404 is returned
// as a status without an error so callers can map it to "none".
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("collab: marshal %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("collab: build %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if tenant, ok := middleware.TenantFrom(ctx); ok {
		req.Header.Set(TenantHeader, tenant)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("collab: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("collab: decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func hasBody(status int) bool {
	return status != http.StatusNotFound && status != http.StatusNoContent
}

// ──────────────────────────────────────────────────
// HTTP implementations
// ──────────────────────────────────────────────────

// HTTPExtractor calls POST /extract. A 204 or 404 response means no
// suggestion.
type HTTPExtractor struct{ c *Client }

// NewHTTPExtractor creates an extractor client.
func NewHTTPExtractor(c *Client) *HTTPExtractor { return &HTTPExtractor{c: c} }

type extractRequest struct {
	Text    string         `json:"text"`
	Context ExtractContext `json:"context"`
}

// Extract posts the text and returns the suggestion, or nil on 204/404.
func (e *HTTPExtractor) Extract(ctx context.Context, text string, ec ExtractContext) (*Extraction, error) {
	var out Extraction
	status, err := e.c.do(ctx, http.MethodPost, "/extract", extractRequest{Text: text, Context: ec}, &out)
	if err != nil || !hasBody(status) {
		return nil, err
	}
	return &out, nil
}

// HTTPDestination calls GET /documents/match and PUT /documents/{id}.
type HTTPDestination struct{ c *Client }

// NewHTTPDestination creates a destination client.
func NewHTTPDestination(c *Client) *HTTPDestination { return &HTTPDestination{c: c} }

// FindMatch looks up a document by title.
func (d *HTTPDestination) FindMatch(ctx context.Context, title string) (*Reference, error) {
	var out Reference
	status, err := d.c.do(ctx, http.MethodGet, "/documents/match?title="+url.QueryEscape(title), nil, &out)
	if err != nil || !hasBody(status) {
		return nil, err
	}
	return &out, nil
}

type writeRequest struct {
	Content string `json:"content"`
}

// Write replaces the content of ref.
func (d *HTTPDestination) Write(ctx context.Context, ref Reference, content string) error {
	status, err := d.c.do(ctx, http.MethodPut, "/documents/"+url.PathEscape(ref.ID), writeRequest{Content: content}, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return fmt.Errorf("collab: write %s: document not found", ref.ID)
	}
	return nil
}

// HTTPNotifier calls POST /notifications.
type HTTPNotifier struct{ c *Client }

// NewHTTPNotifier creates a notifier client.
func NewHTTPNotifier(c *Client) *HTTPNotifier { return &HTTPNotifier{c: c} }

// Notify posts n.
func (n *HTTPNotifier) Notify(ctx context.Context, note Notification) error {
	_, err := n.c.do(ctx, http.MethodPost, "/notifications", note, nil)
	return err
}

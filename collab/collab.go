// Package collab defines the boundary to the external services job handlers
// call: an extraction service, a document destination and a notification
// channel. It ships HTTP/JSON clients for each and no-op implementations.
package collab

import (
	"context"
	"time"
)

// ExtractContext describes where extracted text came from.
type ExtractContext struct {
	TenantID   string    `json:"tenant_id"`
	Source     string    `json:"source"`
	ChannelID  string    `json:"channel_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Title      string    `json:"title,omitempty"`
	OccurredAt time.Time `json:"occurred_at,omitzero"`
}

// Extraction is a suggestion produced from free text.
type Extraction struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
}

// Extractor turns free text into an optional suggestion. A nil Extraction
// with a nil error means nothing worth suggesting was found.
type Extractor interface {
	Extract(ctx context.Context, text string, ec ExtractContext) (*Extraction, error)
}

// Reference points at a document in the destination.
type Reference struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
}

// Destination is the document store synced by file-change jobs. FindMatch
// returns nil when no document matches.
type Destination interface {
	FindMatch(ctx context.Context, title string) (*Reference, error)
	Write(ctx context.Context, ref Reference, content string) error
}

// Notification is a fire-and-forget message to the tenant's users.
type Notification struct {
	TenantID string         `json:"tenant_id"`
	Kind     string         `json:"kind"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	URL      string         `json:"url,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ──────────────────────────────────────────────────
// No-op implementations
// ──────────────────────────────────────────────────

// NopExtractor never finds anything.
type NopExtractor struct{}

// Extract returns no suggestion.
func (NopExtractor) Extract(context.Context, string, ExtractContext) (*Extraction, error) {
	return nil, nil //nolint:nilnil // no suggestion is not an error
}

// NopDestination matches nothing and discards writes.
type NopDestination struct{}

// FindMatch returns no match.
func (NopDestination) FindMatch(context.Context, string) (*Reference, error) {
	return nil, nil //nolint:nilnil // no match is not an error
}

// Write discards the content.
func (NopDestination) Write(context.Context, Reference, string) error { return nil }

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, Notification) error { return nil }

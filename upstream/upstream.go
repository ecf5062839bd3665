// Package upstream is the transport a tenant's live event stream rides on.
//
// A Source verifies a tenant's credentials and opens a Stream. A Stream
// yields Envelopes until it is closed or lost; every envelope must be
// acknowledged by ID once it is safely handed off.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

var (
	// ErrUnauthorized means the upstream rejected the tenant's credentials.
	ErrUnauthorized = errors.New("upstream: unauthorized")

	// ErrDisconnectRequested means the upstream asked the client to
	// reconnect, usually ahead of a server rotation.
	ErrDisconnectRequested = errors.New("upstream: disconnect requested")

	// ErrStreamClosed is returned by Receive after Close.
	ErrStreamClosed = errors.New("upstream: stream closed")
)

// Credentials is the opaque token bundle for one tenant. The bot token
// authenticates API calls; the app token opens the event stream.
type Credentials struct {
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// Empty reports whether no token is set.
func (c Credentials) Empty() bool {
	return c.BotToken == "" && c.AppToken == ""
}

// LogValue keeps tokens out of logs.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("bot_token_set", c.BotToken != ""),
		slog.Bool("app_token_set", c.AppToken != ""),
	)
}

// Identity is the workspace a set of credentials belongs to.
type Identity struct {
	TeamID    string `json:"team_id"`
	TeamName  string `json:"team"`
	BotUserID string `json:"user_id"`
	BotID     string `json:"bot_id,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Envelope types delivered on the stream.
const (
	EnvelopeEvents      = "events_api"
	EnvelopeSlash       = "slash_commands"
	EnvelopeInteractive = "interactive"
)

// Envelope is one delivery from the stream. It must be acked by ID.
type Envelope struct {
	ID           string          `json:"envelope_id" msgpack:"envelope_id"`
	Type         string          `json:"type" msgpack:"type"`
	Payload      json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	RetryAttempt int             `json:"retry_attempt,omitempty" msgpack:"retry_attempt,omitempty"`
	RetryReason  string          `json:"retry_reason,omitempty" msgpack:"retry_reason,omitempty"`
	Reason       string          `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// EventCallback is the payload of an events_api envelope.
type EventCallback struct {
	TeamID    string          `json:"team_id"`
	EventID   string          `json:"event_id"`
	EventTime int64           `json:"event_time,omitempty"`
	Event     json.RawMessage `json:"event"`
}

// MessageEvent is the subset of an inner message event the queue needs.
type MessageEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype,omitempty"`
	Channel  string `json:"channel"`
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// Source verifies credentials and opens streams.
type Source interface {
	// Verify checks the credentials and returns the workspace they
	// belong to.
	Verify(ctx context.Context, creds Credentials) (Identity, error)

	// Open establishes a new stream. The stream must not retain creds.
	Open(ctx context.Context, creds Credentials) (Stream, error)
}

// Stream is one live connection.
type Stream interface {
	// Receive blocks until the next envelope arrives. It returns an error
	// when the stream is lost, when the upstream requests a disconnect
	// (ErrDisconnectRequested) or after Close (ErrStreamClosed).
	Receive(ctx context.Context) (Envelope, error)

	// Ack acknowledges an envelope so the upstream does not redeliver it.
	Ack(ctx context.Context, envelopeID string) error

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

package job

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/conduit"
)

// Kind is the tag of the job payload variant.
type Kind string

const (
	// KindMessageIngested is produced for every inbound stream message.
	KindMessageIngested Kind = "message-ingested"
	// KindFileChanged is produced by the file-change watcher.
	KindFileChanged Kind = "file-changed"
	// KindTranscriptReady is produced by the meeting transcript webhook.
	KindTranscriptReady Kind = "transcript-ready"
)

// Kinds returns every known kind.
func Kinds() []Kind {
	return []Kind{KindMessageIngested, KindFileChanged, KindTranscriptReady}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindMessageIngested, KindFileChanged, KindTranscriptReady:
		return true
	}
	return false
}

// Payload is the closed set of job payload variants. Only types in this
// package implement it.
type Payload interface {
	Kind() Kind
	sealed()
}

// MessageIngested carries one inbound chat message.
type MessageIngested struct {
	TeamID    string          `json:"team_id,omitempty"`
	ChannelID string          `json:"channel_id"`
	UserID    string          `json:"user_id,omitempty"`
	Text      string          `json:"text"`
	TS        string          `json:"ts,omitempty"`
	ThreadTS  string          `json:"thread_ts,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// FileChanged announces a modified document.
type FileChanged struct {
	FileID     string `json:"file_id"`
	Title      string `json:"title"`
	MimeType   string `json:"mime_type,omitempty"`
	URL        string `json:"url,omitempty"`
	ModifiedBy string `json:"modified_by,omitempty"`
	Content    string `json:"content"`
}

// TranscriptReady announces a finished meeting transcript.
type TranscriptReady struct {
	MeetingID    string    `json:"meeting_id"`
	Title        string    `json:"title,omitempty"`
	Transcript   string    `json:"transcript"`
	Participants []string  `json:"participants,omitempty"`
	RecordedAt   time.Time `json:"recorded_at,omitzero"`
}

func (MessageIngested) Kind() Kind { return KindMessageIngested }
func (FileChanged) Kind() Kind     { return KindFileChanged }
func (TranscriptReady) Kind() Kind { return KindTranscriptReady }

func (MessageIngested) sealed() {}
func (FileChanged) sealed()     {}
func (TranscriptReady) sealed() {}

// Encode serializes p and returns its kind tag.
func Encode(p Payload) (Kind, json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return p.Kind(), data, nil
}

// Decode parses raw into the variant selected by kind. Unknown kinds
// return conduit.ErrUnknownKind.
func Decode(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindMessageIngested:
		return decodeAs[MessageIngested](kind, raw)
	case KindFileChanged:
		return decodeAs[FileChanged](kind, raw)
	case KindTranscriptReady:
		return decodeAs[TranscriptReady](kind, raw)
	default:
		return nil, fmt.Errorf("%w: %q", conduit.ErrUnknownKind, kind)
	}
}

func decodeAs[T Payload](kind Kind, raw json.RawMessage) (Payload, error) {
	var p T
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}

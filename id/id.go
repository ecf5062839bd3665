// Package id defines the identifiers conduit assigns to jobs, dead-letter
// entries and workers.
//
// An ID renders as "<prefix>_<32 hex>" over a UUIDv7, so IDs of one kind
// sort by creation time both as strings and in database indexes.
package id

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Prefix names the entity an ID belongs to.
type Prefix string

const (
	PrefixJob    Prefix = "job"
	PrefixDLQ    Prefix = "dlq"
	PrefixWorker Prefix = "wkr"
)

var known = map[Prefix]bool{PrefixJob: true, PrefixDLQ: true, PrefixWorker: true}

// ID is a prefixed UUIDv7. The zero value is Nil and renders as "".
//
//nolint:recvcheck // pointer receivers only where the ID is decoded in place.
type ID struct {
	prefix Prefix
	uuid   uuid.UUID
}

// Nil is the zero ID.
var Nil ID

type (
	JobID    = ID
	DLQID    = ID
	WorkerID = ID
)

func NewJobID() JobID       { return generate(PrefixJob) }
func NewDLQID() DLQID       { return generate(PrefixDLQ) }
func NewWorkerID() WorkerID { return generate(PrefixWorker) }

func ParseJobID(s string) (JobID, error)       { return parseAs(s, PrefixJob) }
func ParseDLQID(s string) (DLQID, error)       { return parseAs(s, PrefixDLQ) }
func ParseWorkerID(s string) (WorkerID, error) { return parseAs(s, PrefixWorker) }

func generate(p Prefix) ID {
	// NewV7 only fails when the system entropy source does.
	return ID{prefix: p, uuid: uuid.Must(uuid.NewV7())}
}

// Parse accepts any known prefix.
func Parse(s string) (ID, error) {
	head, tail, ok := strings.Cut(s, "_")
	if !ok || !known[Prefix(head)] {
		return Nil, fmt.Errorf("id: %q: unknown or missing prefix", s)
	}
	if len(tail) != 2*len(uuid.UUID{}) {
		return Nil, fmt.Errorf("id: %q: want 32 hex digits after the prefix", s)
	}

	var u uuid.UUID
	if _, err := hex.Decode(u[:], []byte(tail)); err != nil {
		return Nil, fmt.Errorf("id: %q: %w", s, err)
	}
	return ID{prefix: Prefix(head), uuid: u}, nil
}

func parseAs(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.prefix != want {
		return Nil, fmt.Errorf("id: %q is a %s id, want %s", s, parsed.prefix, want)
	}
	return parsed, nil
}

func (i ID) String() string {
	if i.IsNil() {
		return ""
	}
	return string(i.prefix) + "_" + hex.EncodeToString(i.uuid[:])
}

func (i ID) Prefix() Prefix { return i.prefix }

func (i ID) IsNil() bool { return i.prefix == "" }

// Time returns the creation time embedded in the UUIDv7, with millisecond
// precision. It is the zero time for Nil.
func (i ID) Time() time.Time {
	if i.IsNil() {
		return time.Time{}
	}
	ms := int64(binary.BigEndian.Uint64(i.uuid[:8]) >> 16)
	return time.UnixMilli(ms).UTC()
}

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Value stores Nil as NULL.
func (i ID) Value() (driver.Value, error) {
	if i.IsNil() {
		return nil, nil //nolint:nilnil // NULL column
	}
	return i.String(), nil
}

func (i *ID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*i = Nil
		return nil
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T", src)
	}
}

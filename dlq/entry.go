package dlq

import (
	"encoding/json"
	"time"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// Entry is the dead-letter record written when a job spends its attempt
// budget. It snapshots everything needed to diagnose or replay the job.
type Entry struct {
	ID          id.DLQID        `json:"id"           msgpack:"id"`
	JobID       id.JobID        `json:"job_id"       msgpack:"job_id"`
	TenantID    string          `json:"tenant_id"    msgpack:"tenant_id"`
	Kind        job.Kind        `json:"kind"         msgpack:"kind"`
	Payload     json.RawMessage `json:"payload"      msgpack:"payload"`
	Error       string          `json:"error"        msgpack:"error"`
	Attempts    int             `json:"attempts"     msgpack:"attempts"`
	MaxAttempts int             `json:"max_attempts" msgpack:"max_attempts"`
	Priority    int             `json:"priority"     msgpack:"priority"`
	FailedAt    time.Time       `json:"failed_at"    msgpack:"failed_at"`
	ReplayedAt  *time.Time      `json:"replayed_at,omitempty" msgpack:"replayed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"   msgpack:"created_at"`
}

// NewEntry snapshots a job that has just moved to failed.
func NewEntry(j *job.Job, now time.Time) *Entry {
	payload := make(json.RawMessage, len(j.Payload))
	copy(payload, j.Payload)

	return &Entry{
		ID:          id.NewDLQID(),
		JobID:       j.ID,
		TenantID:    j.TenantID,
		Kind:        j.Kind,
		Payload:     payload,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Priority:    j.Priority,
		FailedAt:    now,
		CreatedAt:   now,
	}
}

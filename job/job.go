package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/conduit/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job waits to be claimed once ScheduledFor passes.
	StatusPending Status = "pending"
	// StatusProcessing means a worker has claimed the job.
	StatusProcessing Status = "processing"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the job spent its attempt budget and was dead-lettered.
	StatusFailed Status = "failed"
)

// Job represents a unit of deferred work owned by one tenant.
type Job struct {
	ID           id.JobID        `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Kind         Kind            `json:"kind"`
	Status       Status          `json:"status"`
	Priority     int             `json:"priority"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Payload      json.RawMessage `json:"payload"`
	Error        string          `json:"error,omitempty"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	LockedAt     *time.Time      `json:"locked_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	return j.Status == StatusPending && !j.ScheduledFor.After(now)
}

// Claim binds the job to workerID.
func (j *Job) Claim(workerID string, now time.Time) {
	j.Status = StatusProcessing
	j.ClaimedBy = workerID
	j.LockedAt = timePtr(now)
	j.UpdatedAt = now
}

// Complete marks a processing job completed. It reports false, leaving the
// job untouched, when the job is already completed.
func (j *Job) Complete(now time.Time) bool {
	if j.Status == StatusCompleted {
		return false
	}
	j.Status = StatusCompleted
	j.CompletedAt = timePtr(now)
	j.ClaimedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
	return true
}

// Reschedule records a failed attempt and puts the job back in the queue
// to become eligible at runAt.
func (j *Job) Reschedule(errMsg string, runAt, now time.Time) {
	j.Status = StatusPending
	j.Attempts++
	j.Error = errMsg
	j.ClaimedBy = ""
	j.LockedAt = nil
	j.ScheduledFor = runAt
	j.UpdatedAt = now
}

// MarkFailed records the final failed attempt.
func (j *Job) MarkFailed(errMsg string, now time.Time) {
	j.Status = StatusFailed
	j.Attempts++
	j.Error = errMsg
	j.ClaimedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
}

// Requeue returns a job to pending with a fresh attempt budget.
func (j *Job) Requeue(scheduledFor, now time.Time) {
	j.Status = StatusPending
	j.Attempts = 0
	j.Error = ""
	j.ClaimedBy = ""
	j.LockedAt = nil
	j.CompletedAt = nil
	j.ScheduledFor = scheduledFor
	j.UpdatedAt = now
}

// Release drops a stale claim without counting an attempt.
func (j *Job) Release(now time.Time) {
	j.Status = StatusPending
	j.ClaimedBy = ""
	j.LockedAt = nil
	j.ScheduledFor = now
	j.UpdatedAt = now
}

// Counts holds job totals grouped by status.
type Counts struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}

// Total returns the sum across all statuses.
func (c Counts) Total() int64 {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// Add increments the counter for s by n.
func (c *Counts) Add(s Status, n int64) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// Package store defines the aggregate persistence interface. The job and
// dlq packages each define their own store interface; the composite Store
// adds the fail transition that spans both. Backends: Postgres, SQLite,
// Redis, and Memory.
package store

import (
	"context"
	"time"

	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// Store is the aggregate persistence interface.
// A single backend implements all subsystem stores.
type Store interface {
	job.Store
	dlq.Store

	// FailJob atomically records a failed attempt on a processing job.
	// The job is either rescheduled or moved to failed, in which case the
	// dead-letter entry is written in the same operation and returned.
	// Failing a job that is not processing, or whose claim is no longer
	// held by p.WorkerID, returns conduit.ErrInvalidState.
	FailJob(ctx context.Context, jobID id.JobID, p FailParams) (*job.Job, *dlq.Entry, error)

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}

// FailParams describes one failed attempt.
type FailParams struct {
	// WorkerID must match the job's current claim.
	WorkerID string
	// Error is the failure message recorded on the job.
	Error string
	// Now is the failure time.
	Now time.Time
	// Backoff computes the retry delay from the attempts made so far.
	Backoff backoff.Strategy
}

// ApplyFailure applies a failed attempt to j. While attempts+1 is below
// MaxAttempts the job is rescheduled after Backoff.Delay(attempts);
// otherwise it moves to failed and the returned entry must be persisted
// with it.
func ApplyFailure(j *job.Job, p FailParams) *dlq.Entry {
	if j.Attempts+1 < j.MaxAttempts {
		delay := p.Backoff.Delay(j.Attempts)
		j.Reschedule(p.Error, p.Now.Add(delay), p.Now)
		return nil
	}

	j.MarkFailed(p.Error, p.Now)
	return dlq.NewEntry(j, p.Now)
}

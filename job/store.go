package job

import (
	"context"
	"time"

	"github.com/xraph/conduit/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// TenantID filters by tenant. Empty means all tenants.
	TenantID string
	// Status filters by status. Empty means all statuses.
	Status Status
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// Store defines the persistence contract for jobs. Every method that
// changes a job does so atomically with respect to concurrent callers in
// any process sharing the backend.
type Store interface {
	// InsertJob persists a new job.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ClaimJob atomically selects the best eligible pending job whose tenant
	// has fewer than maxPerTenant jobs processing, ordered by priority
	// (descending) then CreatedAt (ascending), and moves it to processing
	// for workerID. It returns nil when nothing is claimable.
	ClaimJob(ctx context.Context, workerID string, maxPerTenant int, now time.Time) (*Job, error)

	// CompleteJob moves a processing job claimed by workerID to completed.
	// Completing a completed job is a no-op that returns the job unchanged.
	// A job whose claim has moved to another worker is left untouched and
	// conduit.ErrInvalidState is returned.
	CompleteJob(ctx context.Context, jobID id.JobID, workerID string, now time.Time) (*Job, error)

	// RetryJob moves a failed job back to pending with attempts reset.
	RetryJob(ctx context.Context, jobID id.JobID, scheduledFor, now time.Time) (*Job, error)

	// ListJobs returns jobs ordered by CreatedAt.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns per-status totals. Empty tenantID counts all tenants.
	CountJobs(ctx context.Context, tenantID string) (Counts, error)

	// DeleteCompletedBefore purges completed jobs whose CompletedAt is
	// before the cutoff and returns how many were removed.
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)

	// RetryFailedJobs requeues every failed job of a tenant.
	RetryFailedJobs(ctx context.Context, tenantID string, scheduledFor, now time.Time) (int64, error)

	// DeleteFailedJobs removes every failed job of a tenant.
	DeleteFailedJobs(ctx context.Context, tenantID string) (int64, error)

	// RequeueStaleJobs releases processing jobs locked before the cutoff.
	RequeueStaleJobs(ctx context.Context, lockedBefore, now time.Time) (int64, error)
}

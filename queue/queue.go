package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store"
)

var errTenantRequired = fmt.Errorf("%w: tenant id is required", conduit.ErrInvalidJob)

// Queue is the job queue service over a store.Store.
type Queue struct {
	store       store.Store
	dlq         *dlq.Service
	backoff     backoff.Strategy
	clock       clock.PassiveClock
	alerts      alert.Reporter
	extensions  *ext.Registry
	logger      *slog.Logger
	maxAttempts int
}

// New creates a Queue over s.
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:       s,
		backoff:     backoff.DefaultStrategy(),
		clock:       clock.RealClock{},
		alerts:      alert.Nop{},
		logger:      slog.Default(),
		maxAttempts: job.DefaultOptions().MaxAttempts,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.dlq = dlq.NewService(s, s, q.clock)
	return q
}

// Store returns the underlying store.
func (q *Queue) Store() store.Store { return q.store }

func (q *Queue) now() time.Time { return q.clock.Now().UTC() }

// ──────────────────────────────────────────────────
// Producer side
// ──────────────────────────────────────────────────

// Enqueue validates and persists a new pending job. The payload must decode
// as the variant named by kind; a nil payload is stored as an empty object.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, kind job.Kind, payload json.RawMessage, opts ...job.Option) (*job.Job, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := job.Decode(kind, payload); err != nil {
		return nil, fmt.Errorf("%w: %w", conduit.ErrInvalidJob, err)
	}

	o := job.DefaultOptions()
	o.MaxAttempts = q.maxAttempts
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be positive, got %d", conduit.ErrInvalidJob, o.MaxAttempts)
	}

	now := q.now()
	runAt := now
	if !o.NotBefore.IsZero() && o.NotBefore.After(now) {
		runAt = o.NotBefore.UTC()
	}

	j := &job.Job{
		ID:           id.NewJobID(),
		TenantID:     tenantID,
		Kind:         kind,
		Status:       job.StatusPending,
		Priority:     o.Priority,
		MaxAttempts:  o.MaxAttempts,
		Payload:      append(json.RawMessage(nil), payload...),
		ScheduledFor: runAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := q.store.InsertJob(ctx, j); err != nil {
		return nil, fmt.Errorf("conduit/queue: enqueue: %w", err)
	}

	q.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", tenantID),
		slog.String("kind", string(kind)),
	)
	q.extensions.EmitJobEnqueued(ctx, j)

	return j, nil
}

// EnqueuePayload encodes a typed payload and enqueues it.
func (q *Queue) EnqueuePayload(ctx context.Context, tenantID string, p job.Payload, opts ...job.Option) (*job.Job, error) {
	kind, raw, err := job.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", conduit.ErrInvalidJob, err)
	}
	return q.Enqueue(ctx, tenantID, kind, raw, opts...)
}

// ──────────────────────────────────────────────────
// Worker side
// ──────────────────────────────────────────────────

// ClaimNext atomically claims the most urgent eligible job whose tenant has
// fewer than maxPerTenant jobs processing. It returns nil when nothing is
// claimable.
func (q *Queue) ClaimNext(ctx context.Context, workerID string, maxPerTenant int) (*job.Job, error) {
	j, err := q.store.ClaimJob(ctx, workerID, maxPerTenant, q.now())
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: claim: %w", err)
	}
	return j, nil
}

// Complete marks a job processing under workerID's claim completed.
// Completing a completed job is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID id.JobID, workerID string) (*job.Job, error) {
	j, err := q.store.CompleteJob(ctx, jobID, workerID, q.now())
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: complete %s: %w", jobID, err)
	}
	return j, nil
}

// Fail records a failed attempt. The job is rescheduled with backoff while
// attempts remain; otherwise it moves to failed, a dead-letter entry is
// written and a critical alert is raised. A worker whose claim was taken
// over after a stale requeue gets conduit.ErrInvalidState.
func (q *Queue) Fail(ctx context.Context, jobID id.JobID, workerID string, cause error) (*job.Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	j, entry, err := q.store.FailJob(ctx, jobID, store.FailParams{
		WorkerID: workerID,
		Error:    msg,
		Now:      q.now(),
		Backoff:  q.backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: fail %s: %w", jobID, err)
	}

	if entry == nil {
		q.logger.Warn("job attempt failed, retrying",
			slog.String("job_id", j.ID.String()),
			slog.String("tenant_id", j.TenantID),
			slog.Int("attempts", j.Attempts),
			slog.Time("next_run_at", j.ScheduledFor),
			slog.String("error", msg),
		)
		q.extensions.EmitJobRetrying(ctx, j, j.ScheduledFor)
		return j, nil
	}

	q.logger.Error("job dead-lettered",
		slog.String("job_id", j.ID.String()),
		slog.String("tenant_id", j.TenantID),
		slog.String("dlq_id", entry.ID.String()),
		slog.Int("attempts", j.Attempts),
		slog.String("error", msg),
	)
	q.alerts.ReportCritical(ctx, alert.CategoryDeadLetter, "job exhausted its attempts", map[string]any{
		"job_id":    j.ID.String(),
		"dlq_id":    entry.ID.String(),
		"tenant_id": j.TenantID,
		"kind":      string(j.Kind),
		"attempts":  j.Attempts,
		"error":     msg,
	})
	q.extensions.EmitJobDeadLettered(ctx, j, entry)

	return j, nil
}

// RequeueStale hands processing jobs locked before lockedBefore back to the
// queue. Attempt counts are left unchanged.
func (q *Queue) RequeueStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	n, err := q.store.RequeueStaleJobs(ctx, lockedBefore, q.now())
	if err != nil {
		return 0, fmt.Errorf("conduit/queue: requeue stale: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued stale jobs",
			slog.Int64("count", n),
			slog.Time("locked_before", lockedBefore),
		)
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Queries and maintenance
// ──────────────────────────────────────────────────

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: get %s: %w", jobID, err)
	}
	return j, nil
}

// List returns jobs matching opts.
func (q *Queue) List(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	jobs, err := q.store.ListJobs(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: list: %w", err)
	}
	return jobs, nil
}

// Stats returns job counts by status. An empty tenantID counts every tenant.
func (q *Queue) Stats(ctx context.Context, tenantID string) (job.Counts, error) {
	c, err := q.store.CountJobs(ctx, tenantID)
	if err != nil {
		return job.Counts{}, fmt.Errorf("conduit/queue: stats: %w", err)
	}
	return c, nil
}

// Cleanup deletes completed jobs whose completion predates olderThan.
// Jobs in any other status are never touched.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := q.store.DeleteCompletedBefore(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("conduit/queue: cleanup: %w", err)
	}
	q.logger.Info("cleaned up completed jobs",
		slog.Int64("count", n),
		slog.Time("older_than", olderThan),
	)
	return n, nil
}

// Retry moves a failed job back to pending with a fresh attempt budget.
// A zero scheduledFor means now.
func (q *Queue) Retry(ctx context.Context, jobID id.JobID, scheduledFor time.Time) (*job.Job, error) {
	now := q.now()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	j, err := q.store.RetryJob(ctx, jobID, scheduledFor, now)
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: retry %s: %w", jobID, err)
	}
	return j, nil
}

// ──────────────────────────────────────────────────
// Tenant admin
// ──────────────────────────────────────────────────

// ListFailed returns the failed jobs of a tenant.
func (q *Queue) ListFailed(ctx context.Context, tenantID string) ([]*job.Job, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}
	return q.List(ctx, job.ListOpts{TenantID: tenantID, Status: job.StatusFailed})
}

// RetryAllFailed requeues every failed job of a tenant and returns how many
// were requeued.
func (q *Queue) RetryAllFailed(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, errTenantRequired
	}
	now := q.now()
	n, err := q.store.RetryFailedJobs(ctx, tenantID, now, now)
	if err != nil {
		return 0, fmt.Errorf("conduit/queue: retry failed for %s: %w", tenantID, err)
	}
	q.logger.Info("retried failed jobs",
		slog.String("tenant_id", tenantID),
		slog.Int64("count", n),
	)
	return n, nil
}

// ClearFailed deletes every failed job of a tenant together with the
// tenant's dead-letter entries. It returns the number of jobs deleted.
func (q *Queue) ClearFailed(ctx context.Context, tenantID string) (int64, error) {
	if tenantID == "" {
		return 0, errTenantRequired
	}
	n, err := q.store.DeleteFailedJobs(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("conduit/queue: clear failed for %s: %w", tenantID, err)
	}
	entries, err := q.store.DeleteDLQByTenant(ctx, tenantID)
	if err != nil {
		return n, fmt.Errorf("conduit/queue: clear dead letters for %s: %w", tenantID, err)
	}
	q.logger.Info("cleared failed jobs",
		slog.String("tenant_id", tenantID),
		slog.Int64("jobs", n),
		slog.Int64("dead_letters", entries),
	)
	return n, nil
}

// ──────────────────────────────────────────────────
// Dead letters
// ──────────────────────────────────────────────────

// ListDeadLetters returns dead-letter entries, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	entries, err := q.store.ListDLQ(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("conduit/queue: list dead letters: %w", err)
	}
	return entries, nil
}

// ReplayDeadLetter puts the job behind a dead-letter entry back in the
// queue and stamps the entry as replayed.
func (q *Queue) ReplayDeadLetter(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	j, err := q.dlq.Replay(ctx, entryID)
	if err != nil {
		if j != nil && !errors.Is(err, conduit.ErrDLQNotFound) {
			q.logger.Warn("job replayed but entry not stamped",
				slog.String("dlq_id", entryID.String()),
				slog.String("error", err.Error()),
			)
			return j, nil
		}
		return nil, fmt.Errorf("conduit/queue: replay %s: %w", entryID, err)
	}
	q.logger.Info("dead letter replayed",
		slog.String("dlq_id", entryID.String()),
		slog.String("job_id", j.ID.String()),
	)
	return j, nil
}

// PurgeDeadLetters removes dead-letter entries recorded before the given
// time. Replayed and unreplayed entries are treated alike.
func (q *Queue) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.store.PurgeDLQ(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("conduit/queue: purge dead letters: %w", err)
	}
	if n > 0 {
		q.logger.Info("purged dead letters",
			slog.Int64("count", n),
			slog.Time("before", before),
		)
	}
	return n, nil
}

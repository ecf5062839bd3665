package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Every mutation runs under a single mutex, so
// ClaimJob is one atomic read-modify-write.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*job.Job
	dlqs map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
		dlqs: make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// InsertJob persists a new job.
func (m *Store) InsertJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return conduit.ErrJobAlreadyExists
	}
	m.jobs[key] = cloneJob(j)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	return cloneJob(j), nil
}

// ClaimJob claims the best eligible job under the store mutex.
func (m *Store) ClaimJob(_ context.Context, workerID string, maxPerTenant int, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inFlight := make(map[string]int)
	for _, j := range m.jobs {
		if j.Status == job.StatusProcessing {
			inFlight[j.TenantID]++
		}
	}

	var best *job.Job
	for _, j := range m.jobs {
		if !j.Eligible(now) {
			continue
		}
		if maxPerTenant > 0 && inFlight[j.TenantID] >= maxPerTenant {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}

	if best == nil {
		return nil, nil
	}

	best.Claim(workerID, now)
	return cloneJob(best), nil
}

// CompleteJob moves a processing job claimed by workerID to completed.
func (m *Store) CompleteJob(_ context.Context, jobID id.JobID, workerID string, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	switch j.Status {
	case job.StatusCompleted:
	case job.StatusProcessing:
		if j.ClaimedBy != workerID {
			return nil, conduit.ErrInvalidState
		}
		j.Complete(now)
	default:
		return nil, conduit.ErrInvalidState
	}
	return cloneJob(j), nil
}

// FailJob records a failed attempt and, on exhaustion, the dead-letter entry.
func (m *Store) FailJob(_ context.Context, jobID id.JobID, p store.FailParams) (*job.Job, *dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, nil, conduit.ErrJobNotFound
	}
	if j.Status != job.StatusProcessing || j.ClaimedBy != p.WorkerID {
		return nil, nil, conduit.ErrInvalidState
	}

	entry := store.ApplyFailure(j, p)
	if entry != nil {
		m.dlqs[entry.ID.String()] = cloneEntry(entry)
	}
	return cloneJob(j), entry, nil
}

// RetryJob moves a failed job back to pending with attempts reset.
func (m *Store) RetryJob(_ context.Context, jobID id.JobID, scheduledFor, now time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, conduit.ErrJobNotFound
	}
	if j.Status != job.StatusFailed {
		return nil, conduit.ErrInvalidState
	}
	j.Requeue(scheduledFor, now)
	return cloneJob(j), nil
}

// ListJobs returns jobs matching the given options, oldest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if opts.TenantID != "" && j.TenantID != opts.TenantID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		result = append(result, cloneJob(j))
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountJobs returns per-status totals.
func (m *Store) CountJobs(_ context.Context, tenantID string) (job.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c job.Counts
	for _, j := range m.jobs {
		if tenantID != "" && j.TenantID != tenantID {
			continue
		}
		c.Add(j.Status, 1)
	}
	return c, nil
}

// DeleteCompletedBefore purges completed jobs finished before the cutoff.
func (m *Store) DeleteCompletedBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		if j.Status == job.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}

// RetryFailedJobs requeues every failed job of a tenant.
func (m *Store) RetryFailedJobs(_ context.Context, tenantID string, scheduledFor, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.TenantID == tenantID && j.Status == job.StatusFailed {
			j.Requeue(scheduledFor, now)
			n++
		}
	}
	return n, nil
}

// DeleteFailedJobs removes every failed job of a tenant.
func (m *Store) DeleteFailedJobs(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		if j.TenantID == tenantID && j.Status == job.StatusFailed {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}

// RequeueStaleJobs releases processing jobs locked before the cutoff.
func (m *Store) RequeueStaleJobs(_ context.Context, lockedBefore, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Status == job.StatusProcessing && j.LockedAt != nil && j.LockedAt.Before(lockedBefore) {
			j.Release(now)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// ListDLQ returns entries matching the given options, newest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		result = append(result, cloneEntry(e))
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].FailedAt.Equal(result[k].FailedAt) {
			return result[i].FailedAt.After(result[k].FailedAt)
		}
		return result[i].ID.String() > result[k].ID.String()
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves an entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, conduit.ErrDLQNotFound
	}
	return cloneEntry(e), nil
}

// MarkReplayed stamps ReplayedAt on an entry.
func (m *Store) MarkReplayed(_ context.Context, entryID id.DLQID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return conduit.ErrDLQNotFound
	}
	e.ReplayedAt = &at
	return nil
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, key)
			n++
		}
	}
	return n, nil
}

// DeleteDLQByTenant removes every entry of a tenant.
func (m *Store) DeleteDLQByTenant(_ context.Context, tenantID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, e := range m.dlqs {
		if e.TenantID == tenantID {
			delete(m.dlqs, key)
			n++
		}
	}
	return n, nil
}

// CountDLQ returns the number of entries.
func (m *Store) CountDLQ(_ context.Context, tenantID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if tenantID == "" {
		return int64(len(m.dlqs)), nil
	}
	var n int64
	for _, e := range m.dlqs {
		if e.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// claimsBefore orders candidates by priority DESC, CreatedAt ASC, ID ASC.
func claimsBefore(a, b *job.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func cloneJob(j *job.Job) *job.Job {
	cp := *j
	if j.Payload != nil {
		cp.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LockedAt != nil {
		t := *j.LockedAt
		cp.LockedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneEntry(e *dlq.Entry) *dlq.Entry {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		cp.ReplayedAt = &t
	}
	return &cp
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

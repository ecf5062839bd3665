// Package storetest is the behavioral suite shared by every store backend.
// Backend tests call Run with a factory that returns an empty store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

// base is the fixture epoch. Microsecond precision survives every backend.
var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Run executes the suite.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"ClaimOrder", testClaimOrder},
		{"ClaimSkipsFuture", testClaimSkipsFuture},
		{"ClaimTenantCap", testClaimTenantCap},
		{"ConcurrentClaimsAreExclusive", testConcurrentClaimsExclusive},
		{"ConcurrentClaimsRespectCap", testConcurrentClaimsRespectCap},
		{"CompleteIsIdempotent", testCompleteIdempotent},
		{"FailReschedules", testFailReschedules},
		{"FailExhaustsOnce", testFailExhaustsOnce},
		{"FailThenSucceed", testFailThenSucceed},
		{"RetryJob", testRetryJob},
		{"ListAndCount", testListAndCount},
		{"DeleteCompletedBefore", testDeleteCompletedBefore},
		{"TenantFailedAdmin", testTenantFailedAdmin},
		{"RequeueStale", testRequeueStale},
		{"StaleClaimCannotSettle", testStaleClaimCannotSettle},
		{"DLQ", testDLQ},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewJob builds a pending job created at base+offset.
func NewJob(tenantID string, priority int, offset time.Duration) *job.Job {
	created := base.Add(offset)
	return &job.Job{
		ID:           id.NewJobID(),
		TenantID:     tenantID,
		Kind:         job.KindMessageIngested,
		Status:       job.StatusPending,
		Priority:     priority,
		MaxAttempts:  3,
		Payload:      []byte(`{"channel_id":"C1","text":"hello"}`),
		ScheduledFor: created,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

func insert(t *testing.T, s store.Store, jobs ...*job.Job) {
	t.Helper()
	for _, j := range jobs {
		if err := s.InsertJob(context.Background(), j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}
}

func claim(t *testing.T, s store.Store, worker string, maxPerTenant int, now time.Time) *job.Job {
	t.Helper()
	j, err := s.ClaimJob(context.Background(), worker, maxPerTenant, now)
	if err != nil {
		t.Fatalf("ClaimJob: %v", err)
	}
	return j
}

func failParams(worker string, now time.Time) store.FailParams {
	return store.FailParams{
		WorkerID: worker,
		Error:    "handler exploded",
		Now:      now,
		Backoff:  backoff.NewExponential(30*time.Second, time.Hour),
	}
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func testInsertAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("tenant-a", 5, 0)
	insert(t, s, j)

	if err := s.InsertJob(ctx, j); !errors.Is(err, conduit.ErrJobAlreadyExists) {
		t.Fatalf("duplicate insert: got %v, want ErrJobAlreadyExists", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.ID != j.ID || got.TenantID != "tenant-a" || got.Kind != job.KindMessageIngested {
		t.Errorf("got %+v", got)
	}
	if got.Priority != 5 || got.MaxAttempts != 3 || got.Status != job.StatusPending {
		t.Errorf("got priority=%d max=%d status=%s", got.Priority, got.MaxAttempts, got.Status)
	}
	if string(got.Payload) != string(j.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, j.Payload)
	}
	if !got.CreatedAt.Equal(j.CreatedAt) || !got.ScheduledFor.Equal(j.ScheduledFor) {
		t.Errorf("times: created %v scheduled %v", got.CreatedAt, got.ScheduledFor)
	}

	if _, err := s.GetJob(ctx, id.NewJobID()); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("GetJob unknown: got %v, want ErrJobNotFound", err)
	}
}

func testClaimOrder(t *testing.T, s store.Store) {
	now := base.Add(time.Hour)

	oldLow := NewJob("tenant-a", 0, 0)
	newHigh := NewJob("tenant-b", 10, 2*time.Second)
	oldHigh := NewJob("tenant-c", 10, time.Second)
	insert(t, s, oldLow, newHigh, oldHigh)

	want := []id.JobID{oldHigh.ID, newHigh.ID, oldLow.ID}
	for i, wantID := range want {
		got := claim(t, s, "wkr_1", 0, now)
		if got == nil {
			t.Fatalf("claim %d: got nil", i)
		}
		if got.ID != wantID {
			t.Fatalf("claim %d: got %s, want %s", i, got.ID, wantID)
		}
		if got.Status != job.StatusProcessing || got.ClaimedBy != "wkr_1" || got.LockedAt == nil {
			t.Fatalf("claim %d: job not bound to worker: %+v", i, got)
		}
		if !got.LockedAt.Equal(now) {
			t.Errorf("claim %d: LockedAt = %v, want %v", i, got.LockedAt, now)
		}
	}

	if got := claim(t, s, "wkr_1", 0, now); got != nil {
		t.Fatalf("expected nil from empty queue, got %s", got.ID)
	}
}

func testClaimSkipsFuture(t *testing.T, s store.Store) {
	now := base.Add(time.Minute)

	future := NewJob("tenant-a", 100, 0)
	future.ScheduledFor = now.Add(time.Minute)
	insert(t, s, future)

	if got := claim(t, s, "wkr_1", 0, now); got != nil {
		t.Fatalf("claimed job scheduled in the future: %s", got.ID)
	}
	if got := claim(t, s, "wkr_1", 0, now.Add(time.Minute)); got == nil || got.ID != future.ID {
		t.Fatalf("job should be claimable once due, got %v", got)
	}
}

func testClaimTenantCap(t *testing.T, s store.Store) {
	now := base.Add(time.Hour)

	a1 := NewJob("tenant-a", 5, 0)
	a2 := NewJob("tenant-a", 5, time.Second)
	a3 := NewJob("tenant-a", 5, 2*time.Second)
	b1 := NewJob("tenant-b", 0, 3*time.Second)
	insert(t, s, a1, a2, a3, b1)

	got := []*job.Job{
		claim(t, s, "wkr_1", 2, now),
		claim(t, s, "wkr_1", 2, now),
		claim(t, s, "wkr_1", 2, now),
	}
	wantIDs := []id.JobID{a1.ID, a2.ID, b1.ID}
	for i := range got {
		if got[i] == nil || got[i].ID != wantIDs[i] {
			t.Fatalf("claim %d: got %v, want %s", i, got[i], wantIDs[i])
		}
	}

	if j := claim(t, s, "wkr_1", 2, now); j != nil {
		t.Fatalf("tenant-a is at its cap, yet %s was claimed", j.ID)
	}

	if _, err := s.CompleteJob(context.Background(), a1.ID, "wkr_1", now); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if j := claim(t, s, "wkr_1", 2, now); j == nil || j.ID != a3.ID {
		t.Fatalf("freed slot should admit a3, got %v", j)
	}
}

func testConcurrentClaimsExclusive(t *testing.T, s store.Store) {
	const total = 40
	now := base.Add(time.Hour)

	for i := range total {
		insert(t, s, NewJob([]string{"a", "b", "c", "d"}[i%4], i%3, time.Duration(i)*time.Millisecond))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[id.JobID]string)
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for range 8 {
		worker := id.NewWorkerID().String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			misses := 0
			for misses < 3 {
				j, err := s.ClaimJob(context.Background(), worker, 0, now)
				if err != nil {
					errs <- err
					return
				}
				if j == nil {
					misses++
					continue
				}
				mu.Lock()
				if prev, dup := claimed[j.ID]; dup {
					mu.Unlock()
					errs <- errors.New("job " + j.ID.String() + " claimed by " + prev + " and " + worker)
					return
				}
				claimed[j.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	// Claims may miss under contention; drain what is left.
	for {
		j := claim(t, s, "drain", 0, now)
		if j == nil {
			break
		}
		if _, dup := claimed[j.ID]; dup {
			t.Fatalf("job %s claimed twice", j.ID)
		}
		claimed[j.ID] = "drain"
	}
	if len(claimed) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), total)
	}
}

func testConcurrentClaimsRespectCap(t *testing.T, s store.Store) {
	const maxPerTenant = 3
	now := base.Add(time.Hour)

	for i := range 20 {
		insert(t, s, NewJob("noisy", 0, time.Duration(i)*time.Millisecond))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimJob(context.Background(), "wkr", maxPerTenant, now)
			if err != nil {
				t.Errorf("ClaimJob: %v", err)
				return
			}
			if j != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed > maxPerTenant {
		t.Fatalf("concurrent claims took %d jobs of one tenant, cap is %d", claimed, maxPerTenant)
	}
	for claim(t, s, "wkr", maxPerTenant, now) != nil {
		claimed++
	}
	if claimed != maxPerTenant {
		t.Fatalf("claimed %d, want exactly %d", claimed, maxPerTenant)
	}

	c, err := s.CountJobs(context.Background(), "noisy")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if c.Processing != maxPerTenant {
		t.Fatalf("processing = %d, want %d", c.Processing, maxPerTenant)
	}
}

func testCompleteIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	j := NewJob("tenant-a", 0, 0)
	insert(t, s, j)

	if _, err := s.CompleteJob(ctx, j.ID, "wkr_1", now); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("completing a pending job: got %v, want ErrInvalidState", err)
	}

	claim(t, s, "wkr_1", 0, now)

	first, err := s.CompleteJob(ctx, j.ID, "wkr_1", now)
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	second, err := s.CompleteJob(ctx, j.ID, "wkr_1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second CompleteJob: %v", err)
	}

	for _, got := range []*job.Job{first, second} {
		if got.Status != job.StatusCompleted || got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
			t.Fatalf("got status %s completed_at %v", got.Status, got.CompletedAt)
		}
		if got.ClaimedBy != "" || got.LockedAt != nil {
			t.Fatalf("completed job still claimed: %+v", got)
		}
	}

	if _, err := s.CompleteJob(ctx, id.NewJobID(), "wkr_1", now); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func testFailReschedules(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	j := NewJob("tenant-a", 0, 0)
	insert(t, s, j)
	claim(t, s, "wkr_1", 0, now)

	got, entry, err := s.FailJob(ctx, j.ID, failParams("wkr_1", now))
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if entry != nil {
		t.Fatal("first failure must not dead-letter")
	}
	if got.Status != job.StatusPending || got.Attempts != 1 || got.Error != "handler exploded" {
		t.Fatalf("got %+v", got)
	}
	if got.ClaimedBy != "" || got.LockedAt != nil {
		t.Fatalf("claim not cleared: %+v", got)
	}
	if want := now.Add(30 * time.Second); !got.ScheduledFor.Equal(want) {
		t.Fatalf("ScheduledFor = %v, want %v", got.ScheduledFor, want)
	}

	if j := claim(t, s, "wkr_1", 0, now.Add(29*time.Second)); j != nil {
		t.Fatal("job claimed before its backoff elapsed")
	}
	second := claim(t, s, "wkr_1", 0, now.Add(30*time.Second))
	if second == nil {
		t.Fatal("job not claimable after backoff")
	}

	later := now.Add(30 * time.Second)
	got, _, err = s.FailJob(ctx, j.ID, failParams("wkr_1", later))
	if err != nil {
		t.Fatalf("second FailJob: %v", err)
	}
	if want := later.Add(60 * time.Second); got.Attempts != 2 || !got.ScheduledFor.Equal(want) {
		t.Fatalf("attempts=%d scheduled=%v, want 2 and %v", got.Attempts, got.ScheduledFor, want)
	}
}

func testFailExhaustsOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	j := NewJob("tenant-a", 0, 0)
	j.MaxAttempts = 1
	insert(t, s, j)
	claim(t, s, "wkr_1", 0, now)

	got, entry, err := s.FailJob(ctx, j.ID, failParams("wkr_1", now))
	if err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if got.Status != job.StatusFailed || got.Attempts != 1 {
		t.Fatalf("got status %s attempts %d", got.Status, got.Attempts)
	}
	if entry == nil {
		t.Fatal("exhausted failure must return a dead-letter entry")
	}
	if entry.JobID != j.ID || entry.TenantID != "tenant-a" || entry.Kind != job.KindMessageIngested {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.Attempts != 1 || entry.Error != "handler exploded" || string(entry.Payload) != string(j.Payload) {
		t.Fatalf("entry = %+v", entry)
	}

	if _, _, err := s.FailJob(ctx, j.ID, failParams("wkr_1", now)); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("failing a failed job: got %v, want ErrInvalidState", err)
	}

	n, err := s.CountDLQ(ctx, "")
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if n != 1 {
		t.Fatalf("dead-letter entries = %d, want 1", n)
	}

	stored, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if stored.JobID != j.ID || !stored.FailedAt.Equal(now) {
		t.Fatalf("stored entry = %+v", stored)
	}
}

func testFailThenSucceed(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	j := NewJob("tenant-a", 0, 0)
	insert(t, s, j)
	claim(t, s, "wkr_1", 0, now)

	if _, _, err := s.FailJob(ctx, j.ID, failParams("wkr_1", now)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	later := now.Add(30 * time.Second)
	if c := claim(t, s, "wkr_2", 0, later); c == nil || c.ID != j.ID {
		t.Fatalf("retry claim = %v, want %s", c, j.ID)
	}
	if _, err := s.CompleteJob(ctx, j.ID, "wkr_2", later); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusCompleted || got.Attempts != 1 {
		t.Fatalf("got status %s attempts %d, want completed and 1", got.Status, got.Attempts)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(later) {
		t.Fatalf("CompletedAt = %v, want %v", got.CompletedAt, later)
	}

	n, err := s.CountDLQ(ctx, "")
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if n != 0 {
		t.Fatalf("dead-letter entries = %d, want 0", n)
	}
}

func testRetryJob(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	j := NewJob("tenant-a", 0, 0)
	j.MaxAttempts = 1
	insert(t, s, j)

	if _, err := s.RetryJob(ctx, j.ID, now, now); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("retrying a pending job: got %v, want ErrInvalidState", err)
	}

	claim(t, s, "wkr_1", 0, now)
	if _, _, err := s.FailJob(ctx, j.ID, failParams("wkr_1", now)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	at := now.Add(5 * time.Minute)
	got, err := s.RetryJob(ctx, j.ID, at, now)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if got.Status != job.StatusPending || got.Attempts != 0 || got.Error != "" || !got.ScheduledFor.Equal(at) {
		t.Fatalf("got %+v", got)
	}

	if _, err := s.RetryJob(ctx, id.NewJobID(), at, now); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func testListAndCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	a1 := NewJob("tenant-a", 0, 0)
	a2 := NewJob("tenant-a", 0, time.Second)
	b1 := NewJob("tenant-b", 0, 2*time.Second)
	insert(t, s, a1, a2, b1)

	claimed := claim(t, s, "wkr_1", 0, now)
	if claimed.ID != a1.ID {
		t.Fatalf("claimed %s, want %s", claimed.ID, a1.ID)
	}

	all, err := s.ListJobs(ctx, job.ListOpts{})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(all) != 3 || all[0].ID != a1.ID || all[2].ID != b1.ID {
		t.Fatalf("ListJobs returned %d jobs in unexpected order", len(all))
	}

	pendingA, err := s.ListJobs(ctx, job.ListOpts{TenantID: "tenant-a", Status: job.StatusPending})
	if err != nil {
		t.Fatalf("ListJobs filtered: %v", err)
	}
	if len(pendingA) != 1 || pendingA[0].ID != a2.ID {
		t.Fatalf("filtered list = %v", pendingA)
	}

	page, err := s.ListJobs(ctx, job.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListJobs page: %v", err)
	}
	if len(page) != 1 || page[0].ID != a2.ID {
		t.Fatalf("page = %v", page)
	}

	countA, err := s.CountJobs(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if countA.Pending != 1 || countA.Processing != 1 || countA.Total() != 2 {
		t.Fatalf("tenant-a counts = %+v", countA)
	}

	global, err := s.CountJobs(ctx, "")
	if err != nil {
		t.Fatalf("CountJobs global: %v", err)
	}
	if global.Pending != 2 || global.Processing != 1 || global.Total() != 3 {
		t.Fatalf("global counts = %+v", global)
	}
}

func testDeleteCompletedBefore(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := 24 * time.Hour
	old := base.Add(day)
	recent := base.Add(10 * day)

	oldDone := NewJob("tenant-a", 10, 0)
	recentDone := NewJob("tenant-a", 9, time.Second)
	oldFailed := NewJob("tenant-a", 8, 2*time.Second)
	oldFailed.MaxAttempts = 1
	oldPending := NewJob("tenant-a", 0, 3*time.Second)
	oldPending.ScheduledFor = base.Add(365 * day)
	insert(t, s, oldDone, recentDone, oldFailed, oldPending)

	claim(t, s, "w", 0, old)
	if _, err := s.CompleteJob(ctx, oldDone.ID, "w", old); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	claim(t, s, "w", 0, old)
	if _, err := s.CompleteJob(ctx, recentDone.ID, "w", recent); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	claim(t, s, "w", 0, old)
	if _, _, err := s.FailJob(ctx, oldFailed.ID, failParams("w", old)); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	n, err := s.DeleteCompletedBefore(ctx, base.Add(5*day))
	if err != nil {
		t.Fatalf("DeleteCompletedBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}

	if _, err := s.GetJob(ctx, oldDone.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("old completed job should be purged, got %v", err)
	}
	for _, keep := range []*job.Job{recentDone, oldFailed, oldPending} {
		if _, err := s.GetJob(ctx, keep.ID); err != nil {
			t.Fatalf("job %s should survive cleanup: %v", keep.ID, err)
		}
	}
}

func testTenantFailedAdmin(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	var failedA []*job.Job
	for i := range 3 {
		j := NewJob("tenant-a", 0, time.Duration(i)*time.Second)
		j.MaxAttempts = 1
		failedA = append(failedA, j)
	}
	failedB := NewJob("tenant-b", 0, 10*time.Second)
	failedB.MaxAttempts = 1
	insert(t, s, append(failedA, failedB)...)

	for range 4 {
		j := claim(t, s, "w", 0, now)
		if _, _, err := s.FailJob(ctx, j.ID, failParams("w", now)); err != nil {
			t.Fatalf("FailJob: %v", err)
		}
	}

	n, err := s.RetryFailedJobs(ctx, "tenant-a", now, now)
	if err != nil {
		t.Fatalf("RetryFailedJobs: %v", err)
	}
	if n != 3 {
		t.Fatalf("retried %d, want 3", n)
	}
	c, _ := s.CountJobs(ctx, "tenant-a")
	if c.Pending != 3 || c.Failed != 0 {
		t.Fatalf("tenant-a counts after retry = %+v", c)
	}

	n, err = s.DeleteFailedJobs(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("DeleteFailedJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if _, err := s.GetJob(ctx, failedB.ID); !errors.Is(err, conduit.ErrJobNotFound) {
		t.Fatalf("failed job should be gone, got %v", err)
	}

	n, err = s.DeleteFailedJobs(ctx, "tenant-a")
	if err != nil || n != 0 {
		t.Fatalf("tenant-a has no failed jobs left, deleted %d err %v", n, err)
	}
}

func testRequeueStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	stale := NewJob("tenant-a", 1, 0)
	fresh := NewJob("tenant-a", 0, time.Second)
	insert(t, s, stale, fresh)

	claim(t, s, "dead-worker", 0, now)
	claim(t, s, "live-worker", 0, now.Add(20*time.Minute))

	n, err := s.RequeueStaleJobs(ctx, now.Add(10*time.Minute), now.Add(21*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	got, _ := s.GetJob(ctx, stale.ID)
	if got.Status != job.StatusPending || got.ClaimedBy != "" || got.Attempts != 0 {
		t.Fatalf("stale job = %+v", got)
	}
	got, _ = s.GetJob(ctx, fresh.ID)
	if got.Status != job.StatusProcessing || got.ClaimedBy != "live-worker" {
		t.Fatalf("fresh job = %+v", got)
	}
}

func testStaleClaimCannotSettle(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := base.Add(time.Hour)

	j := NewJob("tenant-a", 0, 0)
	insert(t, s, j)
	claim(t, s, "wkr_1", 0, now)

	requeuedAt := now.Add(11 * time.Minute)
	if n, err := s.RequeueStaleJobs(ctx, now.Add(10*time.Minute), requeuedAt); err != nil || n != 1 {
		t.Fatalf("RequeueStaleJobs: n=%d err=%v", n, err)
	}
	if c := claim(t, s, "wkr_2", 0, requeuedAt); c == nil || c.ID != j.ID {
		t.Fatalf("reclaim = %v, want %s", c, j.ID)
	}

	if _, _, err := s.FailJob(ctx, j.ID, failParams("wkr_1", requeuedAt)); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("FailJob by previous owner: got %v, want ErrInvalidState", err)
	}
	if _, err := s.CompleteJob(ctx, j.ID, "wkr_1", requeuedAt); !errors.Is(err, conduit.ErrInvalidState) {
		t.Fatalf("CompleteJob by previous owner: got %v, want ErrInvalidState", err)
	}

	got, err := s.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != job.StatusProcessing || got.ClaimedBy != "wkr_2" || got.Attempts != 0 {
		t.Fatalf("current claim disturbed: %+v", got)
	}
	if n, _ := s.CountDLQ(ctx, ""); n != 0 {
		t.Fatalf("dead-letter entries = %d, want 0", n)
	}

	done, err := s.CompleteJob(ctx, j.ID, "wkr_2", requeuedAt.Add(time.Second))
	if err != nil {
		t.Fatalf("CompleteJob by current owner: %v", err)
	}
	if done.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

func testDLQ(t *testing.T, s store.Store) {
	ctx := context.Background()

	var entries []*dlq.Entry
	for i, tenant := range []string{"tenant-a", "tenant-a", "tenant-b"} {
		j := NewJob(tenant, 0, time.Duration(i)*time.Second)
		j.MaxAttempts = 1
		insert(t, s, j)

		now := base.Add(time.Hour + time.Duration(i)*time.Minute)
		if c := claim(t, s, "w", 0, now); c == nil {
			t.Fatal("claim returned nil")
		}
		_, entry, err := s.FailJob(ctx, j.ID, failParams("w", now))
		if err != nil || entry == nil {
			t.Fatalf("FailJob: entry %v err %v", entry, err)
		}
		entries = append(entries, entry)
	}

	all, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(all) != 3 || all[0].ID != entries[2].ID {
		t.Fatalf("ListDLQ should return newest first, got %d entries", len(all))
	}

	onlyA, err := s.ListDLQ(ctx, dlq.ListOpts{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("ListDLQ tenant: %v", err)
	}
	if len(onlyA) != 2 {
		t.Fatalf("tenant-a entries = %d, want 2", len(onlyA))
	}

	if n, _ := s.CountDLQ(ctx, "tenant-b"); n != 1 {
		t.Fatalf("tenant-b count = %d, want 1", n)
	}

	replayed := base.Add(2 * time.Hour)
	if err := s.MarkReplayed(ctx, entries[0].ID, replayed); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	got, err := s.GetDLQ(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.ReplayedAt == nil || !got.ReplayedAt.Equal(replayed) {
		t.Fatalf("ReplayedAt = %v, want %v", got.ReplayedAt, replayed)
	}

	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, conduit.ErrDLQNotFound) {
		t.Fatalf("unknown entry: got %v, want ErrDLQNotFound", err)
	}
	if err := s.MarkReplayed(ctx, id.NewDLQID(), replayed); !errors.Is(err, conduit.ErrDLQNotFound) {
		t.Fatalf("MarkReplayed unknown: got %v, want ErrDLQNotFound", err)
	}

	n, err := s.PurgeDLQ(ctx, base.Add(time.Hour+30*time.Second))
	if err != nil {
		t.Fatalf("PurgeDLQ: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}

	n, err = s.DeleteDLQByTenant(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("DeleteDLQByTenant: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	if total, _ := s.CountDLQ(ctx, ""); total != 1 {
		t.Fatalf("remaining entries = %d, want 1", total)
	}
}

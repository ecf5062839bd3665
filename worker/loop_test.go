package worker_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/middleware"
	"github.com/xraph/conduit/queue"
	"github.com/xraph/conduit/store/memory"
	"github.com/xraph/conduit/worker"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func slogDiscard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func newQueue(clk *clocktesting.FakeClock) *queue.Queue {
	return queue.New(memory.New(),
		queue.WithClock(clk),
		queue.WithBackoff(backoff.NewConstant(0)),
	)
}

func enqueueN(t *testing.T, q *queue.Queue, tenantID string, n int) {
	t.Helper()
	for i := range n {
		payload := fmt.Sprintf(`{"text":"%s-%d"}`, tenantID, i)
		if _, err := q.Enqueue(context.Background(), tenantID, job.KindMessageIngested, []byte(payload)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
}

// waitFor steps the fake clock by one poll interval until cond holds.
func waitFor(t *testing.T, clk *clocktesting.FakeClock, interval time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		clk.Step(interval)
		time.Sleep(2 * time.Millisecond)
	}
}

func stopLoop(t *testing.T, l *worker.Loop) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// concurrencyTracker records the peak number of running handlers overall
// and per tenant.
type concurrencyTracker struct {
	mu       sync.Mutex
	running  map[string]int
	total    int
	peak     map[string]int
	peakAll  int
	finished int
}

func newTracker() *concurrencyTracker {
	return &concurrencyTracker{running: map[string]int{}, peak: map[string]int{}}
}

func (c *concurrencyTracker) enter(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[tenantID]++
	c.total++
	c.peak[tenantID] = max(c.peak[tenantID], c.running[tenantID])
	c.peakAll = max(c.peakAll, c.total)
}

func (c *concurrencyTracker) leave(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[tenantID]--
	c.total--
	c.finished++
}

func (c *concurrencyTracker) snapshot() (running int, finished int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.finished
}

func TestLoop_TenantFairness(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := newQueue(clk)
	enqueueN(t, q, "tenant-a", 10)
	enqueueN(t, q, "tenant-b", 3)

	tracker := newTracker()
	release := make(chan struct{})
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(ctx context.Context, j *job.Job, _ job.MessageIngested) error {
			tracker.enter(j.TenantID)
			defer tracker.leave(j.TenantID)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	loop := worker.NewLoop(q, exec,
		worker.WithConcurrency(5),
		worker.WithMaxPerTenant(2),
		worker.WithPollInterval(time.Second),
		worker.WithLoopClock(clk),
	)
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopLoop(t, loop)

	// The caps allow two jobs per tenant, so only four of the five slots fill.
	waitFor(t, clk, time.Second, func() bool {
		running, _ := tracker.snapshot()
		return running == 4
	})
	clk.Step(time.Second)
	time.Sleep(20 * time.Millisecond)

	stats, err := q.Stats(context.Background(), "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Processing != 4 || stats.Pending != 9 {
		t.Fatalf("stats while blocked = %+v, want 4 processing / 9 pending", stats)
	}
	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		if got := loop.Slots().ActiveFor(tenant); got != 2 {
			t.Errorf("%s running = %d, want 2", tenant, got)
		}
	}

	close(release)
	waitFor(t, clk, time.Second, func() bool {
		_, finished := tracker.snapshot()
		return finished == 13
	})

	waitFor(t, clk, time.Second, func() bool {
		c, _ := q.Stats(context.Background(), "")
		return c.Completed == 13
	})

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if tracker.peak["tenant-a"] > 2 || tracker.peak["tenant-b"] > 2 {
		t.Errorf("per-tenant peak = %v, want <= 2", tracker.peak)
	}
	if tracker.peakAll > 5 {
		t.Errorf("global peak = %d, want <= 5", tracker.peakAll)
	}
}

func TestLoop_FailureIsRecorded(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := newQueue(clk)
	enqueueN(t, q, "tenant-a", 1)

	var calls atomic.Int32
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(context.Context, *job.Job, job.MessageIngested) error {
			calls.Add(1)
			panic("nil extractor")
		},
	}, middleware.Recover(slogDiscard()))

	loop := worker.NewLoop(q, exec, worker.WithLoopClock(clk), worker.WithPollInterval(time.Second))
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopLoop(t, loop)

	// Three attempts with zero backoff end in the dead-letter queue.
	waitFor(t, clk, time.Second, func() bool {
		c, _ := q.Stats(context.Background(), "tenant-a")
		return c.Failed == 1
	})

	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
	failed, err := q.ListFailed(context.Background(), "tenant-a")
	if err != nil || len(failed) != 1 {
		t.Fatalf("ListFailed = %v, %v", failed, err)
	}
	if !strings.Contains(failed[0].Error, "panic") {
		t.Errorf("recorded error = %q", failed[0].Error)
	}
}

func TestLoop_RetryThenSucceed(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := newQueue(clk)
	enqueueN(t, q, "tenant-a", 1)

	var calls atomic.Int32
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(context.Context, *job.Job, job.MessageIngested) error {
			if calls.Add(1) == 1 {
				return errors.New("extractor timeout")
			}
			return nil
		},
	})

	loop := worker.NewLoop(q, exec, worker.WithLoopClock(clk), worker.WithPollInterval(time.Second))
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopLoop(t, loop)

	waitFor(t, clk, time.Second, func() bool {
		c, _ := q.Stats(context.Background(), "tenant-a")
		return c.Completed == 1
	})

	if got := calls.Load(); got != 2 {
		t.Errorf("handler calls = %d, want 2", got)
	}
	jobs, err := q.List(context.Background(), job.ListOpts{TenantID: "tenant-a"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("List = %v, %v", jobs, err)
	}
	if j := jobs[0]; j.Status != job.StatusCompleted || j.Attempts != 1 || j.CompletedAt == nil {
		t.Errorf("job = %+v", j)
	}
	entries, err := q.ListDeadLetters(context.Background(), dlq.ListOpts{})
	if err != nil || len(entries) != 0 {
		t.Errorf("dead letters = %v, %v", entries, err)
	}
}

type flakyQueue struct {
	worker.Queue
	claims   atomic.Int32
	failures int32
}

func (f *flakyQueue) ClaimNext(ctx context.Context, workerID string, maxPerTenant int) (*job.Job, error) {
	if f.claims.Add(1) <= f.failures {
		return nil, fmt.Errorf("conduit/postgres: claim job: %w", conduit.ErrStoreUnavailable)
	}
	return f.Queue.ClaimNext(ctx, workerID, maxPerTenant)
}

func TestLoop_SurvivesClaimErrors(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := newQueue(clk)
	enqueueN(t, q, "tenant-a", 2)

	var done atomic.Int32
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(context.Context, *job.Job, job.MessageIngested) error {
			done.Add(1)
			return nil
		},
	})

	fq := &flakyQueue{Queue: q, failures: 3}
	loop := worker.NewLoop(fq, exec, worker.WithLoopClock(clk), worker.WithLoopLogger(slogDiscard()))
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopLoop(t, loop)

	waitFor(t, clk, time.Second, func() bool { return done.Load() == 2 })
	if fq.claims.Load() <= 3 {
		t.Errorf("claims = %d, expected retries after errors", fq.claims.Load())
	}
}

func TestLoop_StartTwice(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	loop := worker.NewLoop(newQueue(clk), worker.NewExecutor(worker.Handlers{}), worker.WithLoopClock(clk))

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.Start(context.Background()); !errors.Is(err, conduit.ErrAlreadyStarted) {
		t.Fatalf("second Start: err = %v, want ErrAlreadyStarted", err)
	}
	stopLoop(t, loop)
	stopLoop(t, loop)
}

func TestLoop_StopCancelsStuckJobs(t *testing.T) {
	clk := clocktesting.NewFakeClock(epoch)
	q := newQueue(clk)
	enqueueN(t, q, "tenant-a", 1)

	started := make(chan id.JobID, 1)
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(ctx context.Context, j *job.Job, _ job.MessageIngested) error {
			started <- j.ID
			<-ctx.Done()
			return ctx.Err()
		},
	})
	loop := worker.NewLoop(q, exec, worker.WithLoopClock(clk), worker.WithLoopLogger(slogDiscard()))
	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var jobID id.JobID
	select {
	case jobID = <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The cancelled attempt counts as a failure and the job goes back to pending.
	got, err := q.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != job.StatusPending || got.Attempts != 1 {
		t.Errorf("after cancelled stop: status=%s attempts=%d", got.Status, got.Attempts)
	}
	if loop.Slots().Active() != 0 {
		t.Errorf("slots leaked: %d", loop.Slots().Active())
	}
}

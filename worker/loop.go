package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// Queue is the part of the job queue the loop drives.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string, maxPerTenant int) (*job.Job, error)
	Complete(ctx context.Context, jobID id.JobID, workerID string) (*job.Job, error)
	Fail(ctx context.Context, jobID id.JobID, workerID string, cause error) (*job.Job, error)
}

// Loop claims jobs on every tick while it has free slots and runs each
// claimed job on its own goroutine. Claim, complete and fail errors are
// logged and never stop the loop.
type Loop struct {
	queue        Queue
	executor     *Executor
	extensions   *ext.Registry
	slots        *Slots
	clock        clock.WithTicker
	logger       *slog.Logger
	workerID     id.WorkerID
	pollInterval time.Duration
	maxPerTenant int
	concurrency  int
	claimRate    float64
	claimBurst   int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithConcurrency sets the global budget of jobs running at once.
func WithConcurrency(n int) LoopOption {
	return func(l *Loop) { l.concurrency = n }
}

// WithMaxPerTenant caps processing jobs per tenant across all workers.
// Zero means no cap.
func WithMaxPerTenant(n int) LoopOption {
	return func(l *Loop) { l.maxPerTenant = n }
}

// WithPollInterval sets the claim tick.
func WithPollInterval(d time.Duration) LoopOption {
	return func(l *Loop) { l.pollInterval = d }
}

// WithClaimRate limits claim attempts per second. Zero disables the limit.
func WithClaimRate(perSecond float64, burst int) LoopOption {
	return func(l *Loop) {
		l.claimRate = perSecond
		l.claimBurst = burst
	}
}

// WithLoopClock sets the clock driving the ticker.
func WithLoopClock(c clock.WithTicker) LoopOption {
	return func(l *Loop) { l.clock = c }
}

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithLoopExtensions sets the lifecycle hook registry.
func WithLoopExtensions(r *ext.Registry) LoopOption {
	return func(l *Loop) { l.extensions = r }
}

// NewLoop creates a worker loop.
func NewLoop(q Queue, executor *Executor, opts ...LoopOption) *Loop {
	l := &Loop{
		queue:        q,
		executor:     executor,
		clock:        clock.RealClock{},
		logger:       slog.Default(),
		workerID:     id.NewWorkerID(),
		pollInterval: time.Second,
		maxPerTenant: 2,
		concurrency:  10,
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.slots = NewSlots(l.concurrency)
	l.slots.SetClaimRate(l.claimRate, l.claimBurst)
	return l
}

// WorkerID returns the identity recorded as claimedBy.
func (l *Loop) WorkerID() id.WorkerID { return l.workerID }

// Slots returns the loop's active-job registry.
func (l *Loop) Slots() *Slots { return l.slots }

// Start launches the claim loop and returns immediately.
func (l *Loop) Start(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return conduit.ErrAlreadyStarted
	}
	l.running = true
	l.stopCh = make(chan struct{})

	l.logger.Info("worker loop starting",
		slog.String("worker_id", l.workerID.String()),
		slog.Int("concurrency", l.slots.Capacity()),
		slog.Int("max_per_tenant", l.maxPerTenant),
		slog.Duration("poll_interval", l.pollInterval),
	)

	ticker := l.clock.NewTicker(l.pollInterval)
	l.wg.Add(1)
	go l.run(ticker, l.stopCh)

	return nil
}

// Stop stops claiming and waits for in-flight jobs. When ctx ends first,
// the jobs' contexts are cancelled and Stop waits for them to return.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	close(l.stopCh)
	l.mu.Unlock()

	l.logger.Info("worker loop stopping", slog.String("worker_id", l.workerID.String()))

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("worker loop stopped gracefully")
	case <-ctx.Done():
		l.logger.Warn("worker loop shutdown timed out, cancelling active jobs")
		l.cancelActiveJobs()
		<-done
	}

	return nil
}

func (l *Loop) run(ticker clock.Ticker, stopCh <-chan struct{}) {
	defer l.wg.Done()
	defer ticker.Stop()

	l.fill(stopCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			l.fill(stopCh)
		}
	}
}

// fill claims jobs until the slots are full, the queue has nothing
// claimable, or the claim rate is exhausted.
func (l *Loop) fill(stopCh <-chan struct{}) {
	for l.slots.HasRoom() {
		select {
		case <-stopCh:
			return
		default:
		}

		if !l.slots.AllowClaim() {
			return
		}

		j, err := l.queue.ClaimNext(context.Background(), l.workerID.String(), l.maxPerTenant)
		if err != nil {
			l.logger.Error("claim failed", slog.String("error", err.Error()))
			return
		}
		if j == nil {
			return
		}

		l.slots.Acquire(j.TenantID)
		l.wg.Add(1)
		go l.process(j)
	}
}

func (l *Loop) process(j *job.Job) {
	defer l.wg.Done()
	defer l.slots.Release(j.TenantID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.trackJob(j.ID.String(), cancel)
	defer l.untrackJob(j.ID.String())

	l.extensions.EmitJobStarted(ctx, j)

	start := l.clock.Now()
	execErr := l.executor.Execute(ctx, j)
	elapsed := l.clock.Since(start)

	// Outcome bookkeeping must survive a shutdown cancellation.
	bctx := context.WithoutCancel(ctx)

	if execErr != nil {
		if _, err := l.queue.Fail(bctx, j.ID, j.ClaimedBy, execErr); err != nil {
			l.logger.Error("failed to record job failure",
				slog.String("job_id", j.ID.String()),
				slog.String("handler_error", execErr.Error()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	done, err := l.queue.Complete(bctx, j.ID, j.ClaimedBy)
	if err != nil {
		l.logger.Error("failed to record job completion",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	l.extensions.EmitJobCompleted(bctx, done, elapsed)
}

func (l *Loop) trackJob(jobID string, cancel context.CancelFunc) {
	l.activeMu.Lock()
	l.activeJobs[jobID] = cancel
	l.activeMu.Unlock()
}

func (l *Loop) untrackJob(jobID string) {
	l.activeMu.Lock()
	delete(l.activeJobs, jobID)
	l.activeMu.Unlock()
}

func (l *Loop) cancelActiveJobs() {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	for jobID, cancel := range l.activeJobs {
		l.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}

package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/xraph/conduit"
)

// Queue is the housekeeping surface of queue.Queue.
type Queue interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
	RequeueStale(ctx context.Context, lockedBefore time.Time) (int64, error)
	PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error)
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression or descriptor.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type task struct {
	name     string
	schedule cronlib.Schedule
	next     time.Time
	run      func(ctx context.Context, now time.Time) (int64, error)
}

// Scheduler fires housekeeping tasks when their schedule comes due.
type Scheduler struct {
	queue  Queue
	clock  clock.WithTicker
	logger *slog.Logger

	tickInterval   time.Duration
	retention      time.Duration
	cleanupExpr    string
	staleThreshold time.Duration
	staleExpr      string
	dlqRetention   time.Duration
	dlqExpr        string

	tasks []*task

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Scheduler. It fails when a schedule does not parse.
func New(q Queue, opts ...Option) (*Scheduler, error) {
	cfg := conduit.DefaultConfig()
	s := &Scheduler{
		queue:          q,
		clock:          clock.RealClock{},
		logger:         slog.Default(),
		tickInterval:   time.Second,
		retention:      cfg.Retention,
		cleanupExpr:    cfg.CleanupSchedule,
		staleThreshold: cfg.StaleLockThreshold,
		staleExpr:      cfg.StaleSchedule,
		dlqRetention:   cfg.DLQRetention,
		dlqExpr:        "@daily",
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.addTask("cleanup", s.cleanupExpr, s.RunCleanup); err != nil {
		return nil, err
	}
	if s.staleThreshold > 0 {
		if err := s.addTask("stale_requeue", s.staleExpr, s.RunStaleSweep); err != nil {
			return nil, err
		}
	}
	if s.dlqRetention > 0 {
		if err := s.addTask("dlq_purge", s.dlqExpr, s.RunDLQPurge); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) addTask(name, expr string, run func(context.Context, time.Time) (int64, error)) error {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("conduit/maintenance: parse %s schedule %q: %w", name, expr, err)
	}
	s.tasks = append(s.tasks, &task{name: name, schedule: sched, run: run})
	return nil
}

// Tasks returns the names of the scheduled tasks.
func (s *Scheduler) Tasks() []string {
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.name
	}
	return names
}

// Start launches the tick loop.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return conduit.ErrAlreadyStarted
	}
	s.running = true
	s.stopCh = make(chan struct{})

	now := s.clock.Now()
	for _, t := range s.tasks {
		t.next = t.schedule.Next(now)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	ticker := s.clock.NewTicker(s.tickInterval)
	s.wg.Add(1)
	go s.tickLoop(ctx, ticker, s.stopCh)

	s.logger.Info("maintenance scheduler started",
		slog.Int("tasks", len(s.tasks)),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop halts the tick loop and waits for a running task to return.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop(ctx context.Context, ticker clock.Ticker, stopCh <-chan struct{}) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.clock.Now()
	for _, t := range s.tasks {
		if t.next.After(now) {
			continue
		}
		n, err := t.run(ctx, now)
		if err != nil {
			s.logger.Error("maintenance task failed",
				slog.String("task", t.name),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Debug("maintenance task ran",
				slog.String("task", t.name),
				slog.Int64("affected", n),
			)
		}
		t.next = t.schedule.Next(now)
	}
}

// RunCleanup purges completed jobs older than the retention window.
func (s *Scheduler) RunCleanup(ctx context.Context, now time.Time) (int64, error) {
	return s.queue.Cleanup(ctx, now.Add(-s.retention))
}

// RunStaleSweep requeues jobs whose claim is older than the stale threshold.
func (s *Scheduler) RunStaleSweep(ctx context.Context, now time.Time) (int64, error) {
	return s.queue.RequeueStale(ctx, now.Add(-s.staleThreshold))
}

// RunDLQPurge removes dead-letter entries older than the DLQ retention.
func (s *Scheduler) RunDLQPurge(ctx context.Context, now time.Time) (int64, error) {
	return s.queue.PurgeDeadLetters(ctx, now.Add(-s.dlqRetention))
}

package maintenance

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRetention sets how long completed jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.retention = d }
}

// WithCleanupSchedule sets when completed jobs are purged.
func WithCleanupSchedule(expr string) Option {
	return func(s *Scheduler) { s.cleanupExpr = expr }
}

// WithStaleThreshold sets how long a job may stay processing before it is
// requeued. Zero disables the sweep.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Scheduler) { s.staleThreshold = d }
}

// WithStaleSchedule sets when the stale sweep runs.
func WithStaleSchedule(expr string) Option {
	return func(s *Scheduler) { s.staleExpr = expr }
}

// WithDLQRetention sets how long dead-letter entries are kept. Zero keeps
// them forever.
func WithDLQRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.dlqRetention = d }
}

// WithDLQSchedule sets when old dead-letter entries are purged.
func WithDLQSchedule(expr string) Option {
	return func(s *Scheduler) { s.dlqExpr = expr }
}

// WithTickInterval sets how often the scheduler checks for due tasks.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithClock sets the clock driving the ticker and the cutoffs.
func WithClock(c clock.WithTicker) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

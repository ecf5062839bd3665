package queue

import (
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/ext"
)

// Option configures a Queue.
type Option func(*Queue)

// WithBackoff sets the retry delay strategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = b }
}

// WithClock sets the time source. Tests pass a fake clock.
func WithClock(c clock.PassiveClock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithAlerts sets the reporter notified on dead-letter creation.
func WithAlerts(r alert.Reporter) Option {
	return func(q *Queue) { q.alerts = r }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(q *Queue) { q.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMaxAttempts sets the attempt budget applied when Enqueue is called
// without job.WithMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) { q.maxAttempts = n }
}

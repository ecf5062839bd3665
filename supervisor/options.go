package supervisor

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/ext"
)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxReconnectAttempts bounds consecutive reconnects per tenant.
func WithMaxReconnectAttempts(n int) Option {
	return func(s *Supervisor) { s.maxReconnectAttempts = n }
}

// WithReconnectBaseDelay sets the first reconnect delay. Each further
// attempt doubles it, without a cap.
func WithReconnectBaseDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.reconnectBackoff = backoff.NewExponential(d, 0) }
}

// WithReconnectBackoff replaces the doubling schedule. Delay receives the
// number of reconnects already scheduled since the last successful connect.
func WithReconnectBackoff(b backoff.Strategy) Option {
	return func(s *Supervisor) { s.reconnectBackoff = b }
}

// WithConnectTimeout bounds a single verify-and-open sequence started by a
// reconnect.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.connectTimeout = d }
}

// WithEnqueueTimeout bounds the enqueue of one inbound event.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.enqueueTimeout = d }
}

// WithStartupBatches sets the staged-startup batch size and the pause
// between batches.
func WithStartupBatches(size int, delay time.Duration) Option {
	return func(s *Supervisor) {
		s.batchSize = size
		s.batchDelay = delay
	}
}

// WithHeartbeat sets the monitor scan interval and the silence after which
// a connected tenant counts as idle.
func WithHeartbeat(interval, idleThreshold time.Duration) Option {
	return func(s *Supervisor) {
		s.heartbeatInterval = interval
		s.idleThreshold = idleThreshold
	}
}

// WithDedupeSize sets how many recent event IDs are remembered per tenant.
func WithDedupeSize(n int) Option {
	return func(s *Supervisor) { s.dedupeSize = n }
}

// WithCredentialProvider sets where reconnects fetch credentials.
func WithCredentialProvider(p CredentialProvider) Option {
	return func(s *Supervisor) { s.credentials = p }
}

// WithAlerts sets the reporter notified on reconnect exhaustion.
func WithAlerts(r alert.Reporter) Option {
	return func(s *Supervisor) { s.alerts = r }
}

// WithExtensions sets the lifecycle hook registry.
func WithExtensions(r *ext.Registry) Option {
	return func(s *Supervisor) { s.extensions = r }
}

// WithClock sets the clock for reconnect timers, batch pauses and the
// heartbeat ticker.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// Package ext defines the extension system for conduit.
// Extensions are notified of lifecycle events (job enqueued, completed,
// dead-lettered, tenant connected, etc.) and can react to them with logging,
// metrics, tracing and the like.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is successfully enqueued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a claimed job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a failed job is rescheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) error
}

// JobDeadLettered is called when a job spends its attempt budget.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, j *job.Job, entry *dlq.Entry) error
}

// ──────────────────────────────────────────────────
// Connection lifecycle hooks
// ──────────────────────────────────────────────────

// TenantConnected is called when a tenant stream is established.
type TenantConnected interface {
	OnTenantConnected(ctx context.Context, tenantID, workspace string) error
}

// TenantDisconnected is called when a tenant stream is lost or torn down.
// cause is nil for operator-initiated disconnects.
type TenantDisconnected interface {
	OnTenantDisconnected(ctx context.Context, tenantID string, cause error) error
}

// ReconnectScheduled is called when a reconnect attempt is scheduled.
type ReconnectScheduled interface {
	OnReconnectScheduled(ctx context.Context, tenantID string, attempt int, delay time.Duration) error
}

// ReconnectExhausted is called once when a tenant stops reconnecting.
type ReconnectExhausted interface {
	OnReconnectExhausted(ctx context.Context, tenantID string, attempts int) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}

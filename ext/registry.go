package ext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/job"
)

type entry[H any] struct {
	name string
	hook H
}

// hooks is the per-interface subscriber list, filled once at Register.
type hooks[H any] []entry[H]

func (l *hooks[H]) offer(e Extension) {
	if h, ok := e.(H); ok {
		*l = append(*l, entry[H]{name: e.Name(), hook: h})
	}
}

// Registry fans lifecycle events out to the extensions implementing the
// matching hook, in registration order. A hook that errors or panics is
// logged and skipped; the caller never sees it.
//
// Emit methods may be called on a nil *Registry. Register must not run
// concurrently with emits.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued        hooks[JobEnqueued]
	jobStarted         hooks[JobStarted]
	jobCompleted       hooks[JobCompleted]
	jobRetrying        hooks[JobRetrying]
	jobDeadLettered    hooks[JobDeadLettered]
	tenantConnected    hooks[TenantConnected]
	tenantDisconnected hooks[TenantDisconnected]
	reconnectScheduled hooks[ReconnectScheduled]
	reconnectExhausted hooks[ReconnectExhausted]
	shutdown           hooks[Shutdown]
}

// NewRegistry returns an empty registry. A nil logger means slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register subscribes e to every hook interface it implements.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)

	r.jobEnqueued.offer(e)
	r.jobStarted.offer(e)
	r.jobCompleted.offer(e)
	r.jobRetrying.offer(e)
	r.jobDeadLettered.offer(e)
	r.tenantConnected.offer(e)
	r.tenantDisconnected.offer(e)
	r.reconnectScheduled.offer(e)
	r.reconnectExhausted.offer(e)
	r.shutdown.offer(e)
}

// Extensions returns the registered extensions.
func (r *Registry) Extensions() []Extension {
	if r == nil {
		return nil
	}
	return r.extensions
}

func emit[H any](r *Registry, event string, subs hooks[H], call func(H) error) {
	for _, s := range subs {
		r.invoke(event, s.name, func() error { return call(s.hook) })
	}
}

func (r *Registry) invoke(event, name string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("extension hook panicked",
				slog.String("event", event),
				slog.String("extension", name),
				slog.String("panic", fmt.Sprint(p)),
			)
		}
	}()
	if err := fn(); err != nil {
		r.logger.Warn("extension hook failed",
			slog.String("event", event),
			slog.String("extension", name),
			slog.String("error", err.Error()),
		)
	}
}

// ── jobs ────────────────────────────────────────────

func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	emit(r, "job_enqueued", r.jobEnqueued, func(h JobEnqueued) error {
		return h.OnJobEnqueued(ctx, j)
	})
}

func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	if r == nil {
		return
	}
	emit(r, "job_started", r.jobStarted, func(h JobStarted) error {
		return h.OnJobStarted(ctx, j)
	})
}

func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	if r == nil {
		return
	}
	emit(r, "job_completed", r.jobCompleted, func(h JobCompleted) error {
		return h.OnJobCompleted(ctx, j, elapsed)
	})
}

func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) {
	if r == nil {
		return
	}
	emit(r, "job_retrying", r.jobRetrying, func(h JobRetrying) error {
		return h.OnJobRetrying(ctx, j, nextRunAt)
	})
}

func (r *Registry) EmitJobDeadLettered(ctx context.Context, j *job.Job, e *dlq.Entry) {
	if r == nil {
		return
	}
	emit(r, "job_dead_lettered", r.jobDeadLettered, func(h JobDeadLettered) error {
		return h.OnJobDeadLettered(ctx, j, e)
	})
}

// ── connections ─────────────────────────────────────

func (r *Registry) EmitTenantConnected(ctx context.Context, tenantID, workspace string) {
	if r == nil {
		return
	}
	emit(r, "tenant_connected", r.tenantConnected, func(h TenantConnected) error {
		return h.OnTenantConnected(ctx, tenantID, workspace)
	})
}

func (r *Registry) EmitTenantDisconnected(ctx context.Context, tenantID string, cause error) {
	if r == nil {
		return
	}
	emit(r, "tenant_disconnected", r.tenantDisconnected, func(h TenantDisconnected) error {
		return h.OnTenantDisconnected(ctx, tenantID, cause)
	})
}

func (r *Registry) EmitReconnectScheduled(ctx context.Context, tenantID string, attempt int, delay time.Duration) {
	if r == nil {
		return
	}
	emit(r, "reconnect_scheduled", r.reconnectScheduled, func(h ReconnectScheduled) error {
		return h.OnReconnectScheduled(ctx, tenantID, attempt, delay)
	})
}

func (r *Registry) EmitReconnectExhausted(ctx context.Context, tenantID string, attempts int) {
	if r == nil {
		return
	}
	emit(r, "reconnect_exhausted", r.reconnectExhausted, func(h ReconnectExhausted) error {
		return h.OnReconnectExhausted(ctx, tenantID, attempts)
	})
}

// EmitShutdown runs during Engine.Stop after the workers have drained.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	emit(r, "shutdown", r.shutdown, func(h Shutdown) error {
		return h.OnShutdown(ctx)
	})
}

package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.JobEnqueued        = (*Extension)(nil)
	_ ext.JobStarted         = (*Extension)(nil)
	_ ext.JobCompleted       = (*Extension)(nil)
	_ ext.JobRetrying        = (*Extension)(nil)
	_ ext.JobDeadLettered    = (*Extension)(nil)
	_ ext.TenantConnected    = (*Extension)(nil)
	_ ext.TenantDisconnected = (*Extension)(nil)
	_ ext.ReconnectScheduled = (*Extension)(nil)
	_ ext.ReconnectExhausted = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry of the audit trail.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	TenantID   string         `json:"tenant_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// NewSlogRecorder writes each event as one structured log record, at warn
// level for critical events and info otherwise.
func NewSlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		if evt.Severity == SeverityCritical {
			level = slog.LevelWarn
		}
		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("tenant_id", evt.TenantID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		if len(evt.Metadata) > 0 {
			attrs = append(attrs, slog.Any("metadata", evt.Metadata))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges conduit lifecycle events to a Recorder.
type Extension struct {
	recorder Recorder
	filters  []func(*AuditEvent) bool
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (e *Extension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobEnqueued, SeverityInfo, OutcomeSuccess, j, "",
		"priority", j.Priority,
		"scheduled_for", j.ScheduledFor.Format(time.RFC3339),
	)
}

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job) error {
	return e.recordJob(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess, j, "",
		"claimed_by", j.ClaimedBy,
		"attempt", j.Attempts+1,
	)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	return e.recordJob(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess, j, "",
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobRetrying implements ext.JobRetrying.
func (e *Extension) OnJobRetrying(ctx context.Context, j *job.Job, nextRunAt time.Time) error {
	return e.recordJob(ctx, ActionJobRetrying, SeverityWarning, OutcomeFailure, j, j.Error,
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (e *Extension) OnJobDeadLettered(ctx context.Context, j *job.Job, entry *dlq.Entry) error {
	kv := []any{"attempts", j.Attempts, "max_attempts", j.MaxAttempts}
	if entry != nil {
		kv = append(kv, "dlq_entry_id", entry.ID.String())
	}
	return e.recordJob(ctx, ActionJobDeadLettered, SeverityCritical, OutcomeFailure, j, j.Error, kv...)
}

// ── Connection lifecycle hooks ──────────────────────

// OnTenantConnected implements ext.TenantConnected.
func (e *Extension) OnTenantConnected(ctx context.Context, tenantID, workspace string) error {
	return e.recordTenant(ctx, ActionTenantConnected, SeverityInfo, OutcomeSuccess, tenantID, "",
		"workspace", workspace,
	)
}

// OnTenantDisconnected implements ext.TenantDisconnected. A nil cause is an
// operator-initiated disconnect.
func (e *Extension) OnTenantDisconnected(ctx context.Context, tenantID string, cause error) error {
	if cause == nil {
		return e.recordTenant(ctx, ActionTenantDisconnected, SeverityInfo, OutcomeSuccess, tenantID, "")
	}
	return e.recordTenant(ctx, ActionTenantDisconnected, SeverityWarning, OutcomeFailure, tenantID, cause.Error())
}

// OnReconnectScheduled implements ext.ReconnectScheduled.
func (e *Extension) OnReconnectScheduled(ctx context.Context, tenantID string, attempt int, delay time.Duration) error {
	return e.recordTenant(ctx, ActionReconnectScheduled, SeverityWarning, OutcomeFailure, tenantID, "",
		"attempt", attempt,
		"delay_ms", delay.Milliseconds(),
	)
}

// OnReconnectExhausted implements ext.ReconnectExhausted.
func (e *Extension) OnReconnectExhausted(ctx context.Context, tenantID string, attempts int) error {
	return e.recordTenant(ctx, ActionReconnectExhausted, SeverityCritical, OutcomeFailure, tenantID, "",
		"attempts", attempts,
	)
}

// ── Internal helpers ────────────────────────────────

func (e *Extension) recordJob(ctx context.Context, action, severity, outcome string, j *job.Job, reason string, kv ...any) error {
	kv = append(kv, "kind", string(j.Kind))
	return e.record(ctx, &AuditEvent{
		Action:     action,
		Resource:   ResourceJob,
		Category:   CategoryJob,
		ResourceID: j.ID.String(),
		TenantID:   j.TenantID,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}, kv)
}

func (e *Extension) recordTenant(ctx context.Context, action, severity, outcome, tenantID, reason string, kv ...any) error {
	return e.record(ctx, &AuditEvent{
		Action:     action,
		Resource:   ResourceTenant,
		Category:   CategoryConnection,
		ResourceID: tenantID,
		TenantID:   tenantID,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}, kv)
}

// record fills Metadata from key-value pairs and hands the event to the
// recorder unless a filter rejects it. Recorder errors are logged, never
// returned.
func (e *Extension) record(ctx context.Context, evt *AuditEvent, kvPairs []any) error {
	for _, f := range e.filters {
		if !f(evt) {
			return nil
		}
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}
	if len(meta) > 0 {
		evt.Metadata = meta
	}

	if err := e.recorder.Record(ctx, evt); err != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", evt.Action),
			slog.String("resource_id", evt.ResourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

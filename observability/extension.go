package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*MetricsExtension)(nil)
	_ ext.JobEnqueued        = (*MetricsExtension)(nil)
	_ ext.JobStarted         = (*MetricsExtension)(nil)
	_ ext.JobCompleted       = (*MetricsExtension)(nil)
	_ ext.JobRetrying        = (*MetricsExtension)(nil)
	_ ext.JobDeadLettered    = (*MetricsExtension)(nil)
	_ ext.TenantConnected    = (*MetricsExtension)(nil)
	_ ext.TenantDisconnected = (*MetricsExtension)(nil)
	_ ext.ReconnectScheduled = (*MetricsExtension)(nil)
	_ ext.ReconnectExhausted = (*MetricsExtension)(nil)
)

const scopeName = "github.com/xraph/conduit/observability"

// Option configures a MetricsExtension.
type Option func(*options)

type options struct {
	provider metric.MeterProvider
}

// WithMeterProvider records on the given provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.provider = mp }
}

// MetricsExtension records system-wide lifecycle metrics. Job instruments
// carry a kind attribute; tenant IDs are never used as attributes.
type MetricsExtension struct {
	jobEnqueued     metric.Int64Counter
	jobStarted      metric.Int64Counter
	jobCompleted    metric.Int64Counter
	jobDuration     metric.Float64Histogram
	jobRetried      metric.Int64Counter
	jobDeadLettered metric.Int64Counter

	connected          metric.Int64Counter
	disconnected       metric.Int64Counter
	reconnects         metric.Int64Counter
	reconnectExhausted metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension.
func NewMetricsExtension(opts ...Option) *MetricsExtension {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	meter := o.provider.Meter(scopeName)

	// On error the API hands back noop instruments.
	m := &MetricsExtension{}
	m.jobEnqueued, _ = meter.Int64Counter("conduit.job.enqueued",
		metric.WithDescription("Jobs accepted into the queue"))
	m.jobStarted, _ = meter.Int64Counter("conduit.job.started",
		metric.WithDescription("Jobs handed to a handler"))
	m.jobCompleted, _ = meter.Int64Counter("conduit.job.completed",
		metric.WithDescription("Jobs finished successfully"))
	m.jobDuration, _ = meter.Float64Histogram("conduit.job.completion_latency",
		metric.WithDescription("Time from claim to completion"),
		metric.WithUnit("s"))
	m.jobRetried, _ = meter.Int64Counter("conduit.job.retried",
		metric.WithDescription("Failed jobs rescheduled for another attempt"))
	m.jobDeadLettered, _ = meter.Int64Counter("conduit.job.dead_lettered",
		metric.WithDescription("Jobs moved to the dead letter queue"))
	m.connected, _ = meter.Int64Counter("conduit.tenant.connected",
		metric.WithDescription("Tenant streams established"))
	m.disconnected, _ = meter.Int64Counter("conduit.tenant.disconnected",
		metric.WithDescription("Tenant streams lost or closed"))
	m.reconnects, _ = meter.Int64Counter("conduit.tenant.reconnect_scheduled",
		metric.WithDescription("Reconnect attempts scheduled"))
	m.reconnectExhausted, _ = meter.Int64Counter("conduit.tenant.reconnect_exhausted",
		metric.WithDescription("Tenants that ran out of reconnect attempts"))
	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func kindAttr(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", string(j.Kind)))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.jobEnqueued.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job) error {
	m.jobStarted.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	m.jobCompleted.Add(ctx, 1, kindAttr(j))
	m.jobDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("kind", string(j.Kind))))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ time.Time) error {
	m.jobRetried.Add(ctx, 1, kindAttr(j))
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(ctx context.Context, j *job.Job, _ *dlq.Entry) error {
	m.jobDeadLettered.Add(ctx, 1, kindAttr(j))
	return nil
}

// ── Connection lifecycle hooks ──────────────────────

// OnTenantConnected implements ext.TenantConnected.
func (m *MetricsExtension) OnTenantConnected(ctx context.Context, _, _ string) error {
	m.connected.Add(ctx, 1)
	return nil
}

// OnTenantDisconnected implements ext.TenantDisconnected.
func (m *MetricsExtension) OnTenantDisconnected(ctx context.Context, _ string, cause error) error {
	m.disconnected.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", cause != nil)))
	return nil
}

// OnReconnectScheduled implements ext.ReconnectScheduled.
func (m *MetricsExtension) OnReconnectScheduled(ctx context.Context, _ string, _ int, _ time.Duration) error {
	m.reconnects.Add(ctx, 1)
	return nil
}

// OnReconnectExhausted implements ext.ReconnectExhausted.
func (m *MetricsExtension) OnReconnectExhausted(ctx context.Context, _ string, _ int) error {
	m.reconnectExhausted.Add(ctx, 1)
	return nil
}

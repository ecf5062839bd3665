package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/observability"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtension(observability.WithMeterProvider(mp)), reader
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		TenantID: "tenant-a",
		Kind:     job.KindMessageIngested,
	}
}

// counterTotal sums every data point of the named Int64 sum.
func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_JobHooks(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobStarted(ctx, j)
	_ = e.OnJobCompleted(ctx, j, 250*time.Millisecond)
	_ = e.OnJobRetrying(ctx, j, time.Now().Add(time.Minute))
	_ = e.OnJobDeadLettered(ctx, j, nil)

	cases := map[string]int64{
		"conduit.job.enqueued":      2,
		"conduit.job.started":       1,
		"conduit.job.completed":     1,
		"conduit.job.retried":       1,
		"conduit.job.dead_lettered": 1,
	}
	for name, want := range cases {
		if got := counterTotal(t, reader, name); got != want {
			t.Errorf("%s: want %d, got %d", name, want, got)
		}
	}
}

func TestMetricsExtension_CompletionLatency(t *testing.T) {
	e, reader := newTestExtension()
	_ = e.OnJobCompleted(context.Background(), newTestJob(), 2*time.Second)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "conduit.job.completion_latency" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("expected Histogram[float64], got %T", m.Data)
			}
			if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 2 {
				t.Fatalf("unexpected data points: %+v", hist.DataPoints)
			}
			return
		}
	}
	t.Fatal("conduit.job.completion_latency not recorded")
}

func TestMetricsExtension_ConnectionHooks(t *testing.T) {
	e, reader := newTestExtension()
	ctx := context.Background()

	_ = e.OnTenantConnected(ctx, "tenant-a", "ws-1")
	_ = e.OnTenantDisconnected(ctx, "tenant-a", errors.New("read: EOF"))
	_ = e.OnTenantDisconnected(ctx, "tenant-a", nil)
	_ = e.OnReconnectScheduled(ctx, "tenant-a", 1, time.Second)
	_ = e.OnReconnectScheduled(ctx, "tenant-a", 2, 2*time.Second)
	_ = e.OnReconnectExhausted(ctx, "tenant-a", 10)

	cases := map[string]int64{
		"conduit.tenant.connected":           1,
		"conduit.tenant.disconnected":        2,
		"conduit.tenant.reconnect_scheduled": 2,
		"conduit.tenant.reconnect_exhausted": 1,
	}
	for name, want := range cases {
		if got := counterTotal(t, reader, name); got != want {
			t.Errorf("%s: want %d, got %d", name, want, got)
		}
	}
}

func TestMetricsExtension_ThroughRegistry(t *testing.T) {
	e, reader := newTestExtension()
	reg := ext.NewRegistry(nil)
	reg.Register(e)

	reg.EmitJobEnqueued(context.Background(), newTestJob())

	if got := counterTotal(t, reader, "conduit.job.enqueued"); got != 1 {
		t.Errorf("want 1 enqueued via registry, got %d", got)
	}
}

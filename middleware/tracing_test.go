package middleware_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	mw "github.com/xraph/conduit/middleware"
)

func newTestJob() *job.Job {
	return &job.Job{
		ID:           id.NewJobID(),
		TenantID:     "tenant-a",
		Kind:         job.KindFileChanged,
		Status:       job.StatusProcessing,
		Priority:     4,
		Attempts:     1,
		MaxAttempts:  3,
		ScheduledFor: time.Now().Add(-time.Second),
	}
}

func recordSpan(t *testing.T, j *job.Job, h mw.Handler) (sdktrace.ReadOnlySpan, error) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	err := mw.Tracing(tp)(context.Background(), j, h)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	return spans[0], err
}

func spanAttrs(kvs []attribute.KeyValue) map[string]attribute.Value {
	out := make(map[string]attribute.Value, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value
	}
	return out
}

func TestTracing_SpanShape(t *testing.T) {
	j := newTestJob()
	span, err := recordSpan(t, j, func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if span.Name() != "job file-changed" {
		t.Errorf("name = %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindConsumer {
		t.Errorf("span kind = %v", span.SpanKind())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status().Code)
	}

	attrs := spanAttrs(span.Attributes())
	if got := attrs["conduit.job.id"].AsString(); got != j.ID.String() {
		t.Errorf("job id = %q", got)
	}
	if got := attrs["conduit.tenant_id"].AsString(); got != "tenant-a" {
		t.Errorf("tenant = %q", got)
	}
	if got := attrs["conduit.job.attempt"].AsInt64(); got != 2 {
		t.Errorf("attempt = %d, want 2", got)
	}
	if got := attrs["conduit.job.max_attempts"].AsInt64(); got != 3 {
		t.Errorf("max attempts = %d, want 3", got)
	}
}

func TestTracing_FailedAttemptEvent(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		handler   mw.Handler
		wantRetry bool
		wantPanic bool
	}{
		{
			name:      "retryable",
			attempts:  0,
			handler:   func(context.Context) error { return errors.New("upstream 500") },
			wantRetry: true,
		},
		{
			name:     "final attempt",
			attempts: 2,
			handler:  func(context.Context) error { return errors.New("upstream 500") },
		},
		{
			name:     "panic",
			attempts: 2,
			handler: func(ctx context.Context) error {
				return mw.Recover(slogDiscard())(ctx, newTestJob(), func(context.Context) error {
					panic("nil map")
				})
			},
			wantPanic: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := newTestJob()
			j.Attempts = tt.attempts

			span, err := recordSpan(t, j, tt.handler)
			if err == nil {
				t.Fatal("expected the handler error to propagate")
			}
			if span.Status().Code != codes.Error {
				t.Errorf("status = %v, want Error", span.Status().Code)
			}

			var failed *sdktrace.Event
			for i, ev := range span.Events() {
				if ev.Name == "attempt.failed" {
					failed = &span.Events()[i]
				}
			}
			if failed == nil {
				t.Fatal("attempt.failed event missing")
			}
			attrs := spanAttrs(failed.Attributes)
			if got := attrs["conduit.job.will_retry"].AsBool(); got != tt.wantRetry {
				t.Errorf("will_retry = %v, want %v", got, tt.wantRetry)
			}
			if got := attrs["conduit.job.panicked"].AsBool(); got != tt.wantPanic {
				t.Errorf("panicked = %v, want %v", got, tt.wantPanic)
			}
		})
	}
}

func TestTracing_HandlerSeesSpan(t *testing.T) {
	var inner trace.SpanContext
	span, _ := recordSpan(t, newTestJob(), func(ctx context.Context) error {
		inner = trace.SpanFromContext(ctx).SpanContext()
		return nil
	})

	if !inner.IsValid() || inner.SpanID() != span.SpanContext().SpanID() {
		t.Error("handler context does not carry the attempt span")
	}
}

func TestTracing_NilProvider(t *testing.T) {
	called := false
	err := mw.Tracing(nil)(context.Background(), newTestJob(), func(context.Context) error {
		called = true
		return nil
	})
	if err != nil || !called {
		t.Fatalf("called=%v err=%v", called, err)
	}
}

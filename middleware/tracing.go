package middleware

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/conduit/job"
)

const scopeName = "github.com/xraph/conduit/middleware"

// Tracing runs each attempt inside a span named after the job kind. A nil
// provider falls back to the global one.
//
// Failed attempts carry an "attempt.failed" event with a retry flag, and a
// panic is recorded as the span error.
func Tracing(tp trace.TracerProvider) Middleware {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	tracer := tp.Tracer(scopeName)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "job "+string(j.Kind),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("conduit.job.id", j.ID.String()),
				attribute.String("conduit.job.kind", string(j.Kind)),
				attribute.String("conduit.tenant_id", j.TenantID),
				attribute.Int("conduit.job.attempt", j.Attempts+1),
				attribute.Int("conduit.job.max_attempts", j.MaxAttempts),
				attribute.Int("conduit.job.priority", j.Priority),
			),
		)
		defer span.End()

		err := next(ctx)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}

		var pe *PanicError
		span.AddEvent("attempt.failed", trace.WithAttributes(
			attribute.Bool("conduit.job.will_retry", willRetry(j)),
			attribute.Bool("conduit.job.panicked", errors.As(err, &pe)),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

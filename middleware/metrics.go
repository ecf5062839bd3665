package middleware

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/conduit/job"
)

// Attempt outcomes recorded by Metrics.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFinal   = "final_failure"
	OutcomePanic   = "panic"
)

// Metrics records per-attempt instruments from the given provider, or the
// global one when nil:
//
//	conduit.attempt.duration   histogram (s)  kind, outcome
//	conduit.attempt.queue_wait histogram (s)  kind
//	conduit.attempt.in_flight  up-down        kind
//
// Tenant IDs stay out of attributes to bound cardinality.
func Metrics(mp metric.MeterProvider) Middleware {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(scopeName)

	// Instrument constructors return usable no-ops alongside an error.
	duration, _ := meter.Float64Histogram("conduit.attempt.duration",
		metric.WithDescription("Handler run time per attempt"),
		metric.WithUnit("s"),
	)
	wait, _ := meter.Float64Histogram("conduit.attempt.queue_wait",
		metric.WithDescription("Time between a job's scheduled time and the start of its attempt"),
		metric.WithUnit("s"),
	)
	inFlight, _ := meter.Int64UpDownCounter("conduit.attempt.in_flight",
		metric.WithDescription("Attempts currently running"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) error {
		kind := attribute.String("kind", string(j.Kind))

		start := time.Now()
		if !j.ScheduledFor.IsZero() {
			wait.Record(ctx, max(start.Sub(j.ScheduledFor), 0).Seconds(), metric.WithAttributes(kind))
		}
		inFlight.Add(ctx, 1, metric.WithAttributes(kind))

		err := next(ctx)

		inFlight.Add(ctx, -1, metric.WithAttributes(kind))
		duration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(kind, attribute.String("outcome", outcome(j, err))))
		return err
	}
}

func outcome(j *job.Job, err error) string {
	var pe *PanicError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.As(err, &pe):
		return OutcomePanic
	case willRetry(j):
		return OutcomeRetry
	default:
		return OutcomeFinal
	}
}

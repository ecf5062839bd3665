package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduit/job"
)

// Logging logs every attempt with the job's identity, how long it waited
// past its scheduled time, and whether a failure will be retried.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		log := logger.With(
			slog.String("job_id", j.ID.String()),
			slog.String("tenant_id", j.TenantID),
			slog.String("kind", string(j.Kind)),
			slog.Int("attempt", j.Attempts+1),
			slog.Int("max_attempts", j.MaxAttempts),
		)

		start := time.Now()
		if !j.ScheduledFor.IsZero() {
			log.Debug("attempt started", slog.Duration("queue_wait", start.Sub(j.ScheduledFor)))
		}

		err := next(ctx)
		elapsed := time.Since(start)
		switch {
		case err == nil:
			log.Info("attempt succeeded", slog.Duration("elapsed", elapsed))
		case willRetry(j):
			log.Warn("attempt failed", slog.Duration("elapsed", elapsed),
				slog.Bool("will_retry", true), slog.String("error", err.Error()))
		default:
			log.Error("final attempt failed", slog.Duration("elapsed", elapsed),
				slog.Bool("will_retry", false), slog.String("error", err.Error()))
		}
		return err
	}
}

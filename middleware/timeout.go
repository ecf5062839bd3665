package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/conduit/job"
)

// Timeout returns middleware that bounds each handler call by d. A handler
// still running past the deadline sees its context cancelled and the
// attempt fails with context.DeadlineExceeded. A non-positive d disables
// the bound.
func Timeout(d time.Duration, logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}

		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		err := next(ctx)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			logger.Warn("job timed out",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", d),
			)
			return fmt.Errorf("%s job timed out after %s: %w", j.Kind, d, context.DeadlineExceeded)
		}
		return err
	}
}

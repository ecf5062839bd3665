package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/conduit/job"
)

// PanicError is the failure recorded for an attempt whose handler panicked.
type PanicError struct {
	Kind  job.Kind
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s handler panicked: %v", e.Kind, e.Value)
}

// Recover turns a handler panic into a *PanicError so the attempt goes
// through the normal retry and dead-letter path.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			pe := &PanicError{Kind: j.Kind, Value: r, Stack: debug.Stack()}
			logger.Error("handler panic",
				slog.String("job_id", j.ID.String()),
				slog.String("tenant_id", j.TenantID),
				slog.String("kind", string(j.Kind)),
				slog.Any("panic", r),
				slog.String("stack", string(pe.Stack)),
			)
			err = pe
		}()
		return next(ctx)
	}
}

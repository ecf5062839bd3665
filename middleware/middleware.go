package middleware

import (
	"context"

	"github.com/xraph/conduit/job"
)

// Handler runs one attempt of a claimed job.
type Handler func(ctx context.Context) error

// Middleware wraps one attempt. It must call next unless it decides the
// attempt's outcome itself.
type Middleware func(ctx context.Context, j *job.Job, next Handler) error

// Chain folds mws into one Middleware. mws[0] sees the attempt first and
// the result last.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, final Handler) error {
		return step(mws, j, final)(ctx)
	}
}

func step(mws []Middleware, j *job.Job, final Handler) Handler {
	if len(mws) == 0 {
		return final
	}
	return func(ctx context.Context) error {
		return mws[0](ctx, j, step(mws[1:], j, final))
	}
}

// willRetry reports whether a failure of the current attempt leads to a
// reschedule rather than a dead letter.
func willRetry(j *job.Job) bool {
	return j.Attempts+1 < j.MaxAttempts
}

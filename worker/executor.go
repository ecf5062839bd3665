// Package worker provides the job execution engine: an Executor that
// dispatches a claimed job to its typed handler through middleware, and a
// Loop that claims jobs on a ticker and runs each on its own goroutine
// within a global and per-tenant budget.
package worker

import (
	"context"
	"fmt"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/middleware"
)

// HandlerFunc handles one decoded payload variant.
type HandlerFunc[P job.Payload] func(ctx context.Context, j *job.Job, p P) error

// Handlers binds one handler per job kind. A nil field makes jobs of that
// kind fail with conduit.ErrUnknownKind.
type Handlers struct {
	MessageIngested HandlerFunc[job.MessageIngested]
	FileChanged     HandlerFunc[job.FileChanged]
	TranscriptReady HandlerFunc[job.TranscriptReady]
}

// Executor runs a single job through middleware and its kind's handler.
// It only reports the outcome; recording it is the Loop's concern.
type Executor struct {
	handlers Handlers
	mw       middleware.Middleware
}

// NewExecutor creates an Executor. Middleware are applied in order, the
// first being the outermost.
func NewExecutor(handlers Handlers, mws ...middleware.Middleware) *Executor {
	return &Executor{
		handlers: handlers,
		mw:       middleware.Chain(mws...),
	}
}

// Execute decodes the job payload and calls the matching handler.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	return e.mw(ctx, j, func(ctx context.Context) error {
		return e.dispatch(ctx, j)
	})
}

func (e *Executor) dispatch(ctx context.Context, j *job.Job) error {
	p, err := job.Decode(j.Kind, j.Payload)
	if err != nil {
		return err
	}

	switch p := p.(type) {
	case job.MessageIngested:
		return call(ctx, j, e.handlers.MessageIngested, p)
	case job.FileChanged:
		return call(ctx, j, e.handlers.FileChanged, p)
	case job.TranscriptReady:
		return call(ctx, j, e.handlers.TranscriptReady, p)
	default:
		return fmt.Errorf("%w: %q", conduit.ErrUnknownKind, j.Kind)
	}
}

func call[P job.Payload](ctx context.Context, j *job.Job, h HandlerFunc[P], p P) error {
	if h == nil {
		return fmt.Errorf("%w: no handler for %q", conduit.ErrUnknownKind, j.Kind)
	}
	return h(ctx, j, p)
}

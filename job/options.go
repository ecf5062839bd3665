package job

import "time"

// DefaultMaxAttempts is the attempt budget of a job enqueued without
// WithMaxAttempts.
const DefaultMaxAttempts = 3

// Options are the per-enqueue settings.
type Options struct {
	Priority    int       // higher is claimed first
	MaxAttempts int       // attempts before the job is dead-lettered
	NotBefore   time.Time // zero means eligible immediately
}

// DefaultOptions returns priority 0, DefaultMaxAttempts and no delay.
func DefaultOptions() Options {
	return Options{MaxAttempts: DefaultMaxAttempts}
}

// Option adjusts Options for one Enqueue call.
type Option func(*Options)

func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithNotBefore keeps the job ineligible until t.
func WithNotBefore(t time.Time) Option {
	return func(o *Options) { o.NotBefore = t }
}

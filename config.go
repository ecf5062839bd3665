package conduit

import "time"

// Config holds the tunables shared by the queue, the worker loop and the
// connection supervisor.
type Config struct {
	// Concurrency is the global budget of jobs a worker loop runs at once.
	Concurrency int

	// MaxPerTenant caps how many jobs of one tenant may be processing
	// across all workers.
	MaxPerTenant int

	// PollInterval is the worker loop tick.
	PollInterval time.Duration

	// ShutdownTimeout bounds how long Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration

	// JobTimeout bounds a single handler execution. Zero disables it.
	JobTimeout time.Duration

	// MaxAttempts is the default attempt budget for new jobs.
	MaxAttempts int

	// RetryBaseDelay and RetryMaxDelay shape the retry backoff:
	// min(base*2^attempts, max).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Retention is how long completed jobs are kept before cleanup.
	Retention time.Duration

	// DLQRetention is how long dead-letter entries are kept. Zero keeps
	// them forever.
	DLQRetention time.Duration

	// CleanupSchedule is a cron expression or descriptor ("@every 1h").
	CleanupSchedule string

	// StaleLockThreshold is how long a job may stay processing before it is
	// handed back to the queue. Zero disables stale requeueing.
	StaleLockThreshold time.Duration

	// StaleSchedule is the cron expression for the stale requeue sweep.
	StaleSchedule string

	// MaxReconnectAttempts bounds consecutive reconnects per tenant.
	MaxReconnectAttempts int

	// ReconnectBaseDelay is the first reconnect delay; it doubles per attempt.
	ReconnectBaseDelay time.Duration

	// StartupBatchSize and StartupBatchDelay stage tenant connections at boot.
	StartupBatchSize  int
	StartupBatchDelay time.Duration

	// HeartbeatInterval is the connection scan period; IdleThreshold is the
	// silence after which a connected tenant counts as idle.
	HeartbeatInterval time.Duration
	IdleThreshold     time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:          10,
		MaxPerTenant:         2,
		PollInterval:         1 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		JobTimeout:           5 * time.Minute,
		MaxAttempts:          3,
		RetryBaseDelay:       30 * time.Second,
		RetryMaxDelay:        1 * time.Hour,
		Retention:            7 * 24 * time.Hour,
		DLQRetention:         30 * 24 * time.Hour,
		CleanupSchedule:      "@every 1h",
		StaleLockThreshold:   10 * time.Minute,
		StaleSchedule:        "@every 1m",
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   1 * time.Second,
		StartupBatchSize:     5,
		StartupBatchDelay:    2 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		IdleThreshold:        5 * time.Minute,
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/supervisor"
	"github.com/xraph/conduit/upstream"
)

// EnvConfig is the process configuration read from CONDUIT_* variables.
type EnvConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	Migrate   bool   `env:"MIGRATE" envDefault:"true"`
	StoreKind string `env:"STORE" envDefault:"memory"`

	PostgresDSN      string `env:"POSTGRES_DSN"`
	PostgresMaxConns int32  `env:"POSTGRES_MAX_CONNS" envDefault:"0"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"conduit.db"`
	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	Concurrency        int           `env:"CONCURRENCY" envDefault:"10"`
	MaxPerTenant       int           `env:"MAX_PER_TENANT" envDefault:"2"`
	PollInterval       time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	JobTimeout         time.Duration `env:"JOB_TIMEOUT" envDefault:"5m"`
	MaxAttempts        int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1h"`
	ClaimRate          float64       `env:"CLAIM_RATE" envDefault:"0"`
	Retention          time.Duration `env:"RETENTION" envDefault:"168h"`
	DLQRetention       time.Duration `env:"DLQ_RETENTION" envDefault:"720h"`
	CleanupSchedule    string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 1h"`
	StaleLockThreshold time.Duration `env:"STALE_LOCK_THRESHOLD" envDefault:"10m"`
	StaleSchedule      string        `env:"STALE_SCHEDULE" envDefault:"@every 1m"`

	MaxReconnectAttempts int           `env:"MAX_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	StartupBatchSize     int           `env:"STARTUP_BATCH_SIZE" envDefault:"5"`
	StartupBatchDelay    time.Duration `env:"STARTUP_BATCH_DELAY" envDefault:"2s"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	IdleThreshold        time.Duration `env:"IDLE_THRESHOLD" envDefault:"5m"`

	TenantsFile    string `env:"TENANTS_FILE"`
	UpstreamAPIURL string `env:"UPSTREAM_API_URL" envDefault:"https://slack.com/api"`
	UpstreamCodec  string `env:"UPSTREAM_CODEC" envDefault:"json"`

	ExtractorURL   string  `env:"EXTRACTOR_URL"`
	DestinationURL string  `env:"DESTINATION_URL"`
	NotifierURL    string  `env:"NOTIFIER_URL"`
	CollabToken    string  `env:"COLLAB_TOKEN"`
	MinConfidence  float64 `env:"MIN_CONFIDENCE" envDefault:"0.6"`

	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
	AuditLog        bool   `env:"AUDIT_LOG" envDefault:"true"`
}

// loadEnv parses the environment with the CONDUIT_ prefix.
func loadEnv(environ map[string]string) (EnvConfig, error) {
	var c EnvConfig
	opts := env.Options{Prefix: "CONDUIT_"}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return EnvConfig{}, fmt.Errorf("parse environment: %w", err)
	}
	return c, nil
}

// Config maps the environment onto conduit.Config.
func (c EnvConfig) Config() conduit.Config {
	return conduit.Config{
		Concurrency:          c.Concurrency,
		MaxPerTenant:         c.MaxPerTenant,
		PollInterval:         c.PollInterval,
		ShutdownTimeout:      c.ShutdownTimeout,
		JobTimeout:           c.JobTimeout,
		MaxAttempts:          c.MaxAttempts,
		RetryBaseDelay:       c.RetryBaseDelay,
		RetryMaxDelay:        c.RetryMaxDelay,
		Retention:            c.Retention,
		DLQRetention:         c.DLQRetention,
		CleanupSchedule:      c.CleanupSchedule,
		StaleLockThreshold:   c.StaleLockThreshold,
		StaleSchedule:        c.StaleSchedule,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		ReconnectBaseDelay:   c.ReconnectBaseDelay,
		StartupBatchSize:     c.StartupBatchSize,
		StartupBatchDelay:    c.StartupBatchDelay,
		HeartbeatInterval:    c.HeartbeatInterval,
		IdleThreshold:        c.IdleThreshold,
	}
}

// Level returns the slog level named by LogLevel.
func (c EnvConfig) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// loadTenants reads the startup roster: a JSON array of
// {"id": "...", "credentials": {"bot_token": "...", "app_token": "..."}}.
// An empty path yields no tenants.
func loadTenants(path string) ([]supervisor.Tenant, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	var tenants []supervisor.Tenant
	if err := json.Unmarshal(b, &tenants); err != nil {
		return nil, fmt.Errorf("decode tenants file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(tenants))
	for i, t := range tenants {
		if t.ID == "" {
			return nil, fmt.Errorf("tenants file %s: entry %d has no id", path, i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("tenants file %s: duplicate tenant %q", path, t.ID)
		}
		seen[t.ID] = true
	}
	return tenants, nil
}

// credentialMap indexes the roster for the reconnect credential provider.
func credentialMap(tenants []supervisor.Tenant) map[string]upstream.Credentials {
	m := make(map[string]upstream.Credentials, len(tenants))
	for _, t := range tenants {
		m[t.ID] = t.Credentials
	}
	return m
}

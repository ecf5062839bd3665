// Command conduitd runs the conduit job queue, worker loop and connection
// supervisor with the admin HTTP API. It is configured through CONDUIT_*
// environment variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/conduit/alert"
	audithook "github.com/xraph/conduit/audit_hook"
	"github.com/xraph/conduit/api"
	"github.com/xraph/conduit/collab"
	"github.com/xraph/conduit/engine"
	"github.com/xraph/conduit/handler"
	"github.com/xraph/conduit/store"
	"github.com/xraph/conduit/store/memory"
	"github.com/xraph/conduit/store/postgres"
	redisstore "github.com/xraph/conduit/store/redis"
	"github.com/xraph/conduit/store/sqlite"
	"github.com/xraph/conduit/supervisor"
	"github.com/xraph/conduit/upstream"
)

func main() {
	if err := run(); err != nil {
		slog.Error("conduitd exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadEnv(nil)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			return err
		}
	}

	tenants, err := loadTenants(cfg.TenantsFile)
	if err != nil {
		return err
	}

	alerts := alert.Multi{alert.NewLogger(logger)}
	if cfg.AlertWebhookURL != "" {
		alerts = append(alerts, alert.NewWebhook(cfg.AlertWebhookURL, alert.WithWebhookLogger(logger)))
	}

	handlers := handler.New(
		handler.WithExtractor(extractor(cfg)),
		handler.WithDestination(destination(cfg)),
		handler.WithNotifier(notifier(cfg)),
		handler.WithMinConfidence(cfg.MinConfidence),
		handler.WithLogger(logger),
	)

	source := upstream.NewWebSocketSource(
		upstream.WithAPIBaseURL(cfg.UpstreamAPIURL),
		upstream.WithCodec(upstream.GetCodec(cfg.UpstreamCodec)),
		upstream.WithLogger(logger),
	)

	engOpts := []engine.Option{
		engine.WithConfig(cfg.Config()),
		engine.WithHandlers(handlers.Handlers()),
		engine.WithSource(source),
		engine.WithCredentials(supervisor.NewStaticCredentials(credentialMap(tenants))),
		engine.WithAlerts(alerts),
		engine.WithClaimRate(cfg.ClaimRate, max(1, cfg.Concurrency)),
		engine.WithLogger(logger),
	}
	if cfg.AuditLog {
		engOpts = append(engOpts, engine.WithExtension(audithook.New(audithook.NewSlogRecorder(logger))))
	}

	eng, err := engine.New(s, engOpts...)
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(eng, api.WithLogger(logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	report := eng.ConnectTenants(ctx, tenants)
	for tenantID, cause := range report.Failed {
		logger.Warn("tenant failed to connect at startup",
			slog.String("tenant_id", tenantID),
			slog.String("error", cause.Error()),
		)
	}
	logger.Info("tenant startup complete",
		slog.Int("connected", len(report.Connected)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("batches", report.Batches),
		slog.Duration("elapsed", report.Elapsed),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.String("error", err.Error()))
	}
	return errors.Join(runErr, eng.Stop(shutdownCtx))
}

// openStore builds the configured backend and returns its closer.
func openStore(ctx context.Context, cfg EnvConfig, logger *slog.Logger) (store.Store, func(), error) {
	switch cfg.StoreKind {
	case "memory":
		s := memory.New()
		return s, func() { _ = s.Close() }, nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, nil, errors.New("CONDUIT_POSTGRES_DSN is required for the postgres store")
		}
		s, err := postgres.New(ctx, cfg.PostgresDSN,
			postgres.WithLogger(logger),
			postgres.WithMaxConns(cfg.PostgresMaxConns),
		)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "sqlite":
		s, err := sqlite.New(ctx, cfg.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse CONDUIT_REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		s := redisstore.New(client, redisstore.WithLogger(logger))
		return s, func() { _ = client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store %q (want memory, postgres, sqlite or redis)", cfg.StoreKind)
	}
}

func collabClient(url, token string) *collab.Client {
	var opts []collab.ClientOption
	if token != "" {
		opts = append(opts, collab.WithBearerToken(token))
	}
	return collab.NewClient(url, opts...)
}

func extractor(cfg EnvConfig) collab.Extractor {
	if cfg.ExtractorURL == "" {
		return collab.NopExtractor{}
	}
	return collab.NewHTTPExtractor(collabClient(cfg.ExtractorURL, cfg.CollabToken))
}

func destination(cfg EnvConfig) collab.Destination {
	if cfg.DestinationURL == "" {
		return collab.NopDestination{}
	}
	return collab.NewHTTPDestination(collabClient(cfg.DestinationURL, cfg.CollabToken))
}

func notifier(cfg EnvConfig) collab.Notifier {
	if cfg.NotifierURL == "" {
		return collab.NopNotifier{}
	}
	return collab.NewHTTPNotifier(collabClient(cfg.NotifierURL, cfg.CollabToken))
}

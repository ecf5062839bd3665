package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/maintenance"
	mw "github.com/xraph/conduit/middleware"
	"github.com/xraph/conduit/observability"
	"github.com/xraph/conduit/queue"
	"github.com/xraph/conduit/store"
	"github.com/xraph/conduit/supervisor"
	"github.com/xraph/conduit/upstream"
	"github.com/xraph/conduit/worker"
)

// Engine owns the running subsystems.
type Engine struct {
	cfg        conduit.Config
	store      store.Store
	extensions *ext.Registry
	queue      *queue.Queue
	loop       *worker.Loop
	scheduler  *maintenance.Scheduler
	supervisor *supervisor.Supervisor
	logger     *slog.Logger

	mu            sync.Mutex
	running       bool
	cancelMonitor context.CancelFunc
	monitorDone   chan struct{}
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	cfg            conduit.Config
	handlers       worker.Handlers
	source         upstream.Source
	credentials    supervisor.CredentialProvider
	alerts         alert.Reporter
	backoff        backoff.Strategy
	extensions     []ext.Extension
	mws            []mw.Middleware
	clock          clock.WithTickerAndDelayedExecution
	logger         *slog.Logger
	claimRate      float64
	claimBurst     int
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithConfig replaces conduit.DefaultConfig().
func WithConfig(cfg conduit.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithHandlers sets the per-kind job handlers.
func WithHandlers(h worker.Handlers) Option {
	return func(o *options) { o.handlers = h }
}

// WithSource enables the connection supervisor over the given source.
func WithSource(s upstream.Source) Option {
	return func(o *options) { o.source = s }
}

// WithCredentials sets where the supervisor fetches tenant credentials on
// reconnect.
func WithCredentials(p supervisor.CredentialProvider) Option {
	return func(o *options) { o.credentials = p }
}

// WithAlerts sets the critical alert reporter shared by the queue and the
// supervisor.
func WithAlerts(r alert.Reporter) Option {
	return func(o *options) { o.alerts = r }
}

// WithBackoff overrides the retry backoff derived from the config.
func WithBackoff(b backoff.Strategy) Option {
	return func(o *options) { o.backoff = b }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(o *options) { o.extensions = append(o.extensions, e) }
}

// WithMiddleware appends middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(o *options) { o.mws = append(o.mws, m) }
}

// WithClock sets the clock every subsystem runs on.
func WithClock(c clock.WithTickerAndDelayedExecution) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClaimRate limits the worker loop's claim attempts per second.
func WithClaimRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.claimRate = perSecond
		o.claimBurst = burst
	}
}

// WithTracerProvider sets the provider for the tracing middleware instead
// of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the provider for the metrics middleware and the
// observability extension instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// New builds an Engine over s. Nothing runs until Start.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, conduit.ErrNoStore
	}

	o := options{
		cfg:    conduit.DefaultConfig(),
		alerts: alert.Nop{},
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backoff == nil {
		o.backoff = backoff.NewExponential(o.cfg.RetryBaseDelay, o.cfg.RetryMaxDelay)
	}

	eng := &Engine{
		cfg:        o.cfg,
		store:      s,
		extensions: ext.NewRegistry(o.logger),
		logger:     o.logger,
	}

	var metricsExt *observability.MetricsExtension
	if o.meterProvider != nil {
		metricsExt = observability.NewMetricsExtension(observability.WithMeterProvider(o.meterProvider))
	} else {
		metricsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(metricsExt)
	for _, e := range o.extensions {
		eng.extensions.Register(e)
	}

	eng.queue = queue.New(s,
		queue.WithBackoff(o.backoff),
		queue.WithClock(o.clock),
		queue.WithAlerts(o.alerts),
		queue.WithExtensions(eng.extensions),
		queue.WithLogger(o.logger),
		queue.WithMaxAttempts(o.cfg.MaxAttempts),
	)

	chain := []mw.Middleware{
		mw.Tracing(o.tracerProvider),
		mw.Metrics(o.meterProvider),
		mw.Recover(o.logger),
		mw.Tenant(),
		mw.Logging(o.logger),
	}
	if o.cfg.JobTimeout > 0 {
		chain = append(chain, mw.Timeout(o.cfg.JobTimeout, o.logger))
	}
	chain = append(chain, o.mws...)

	eng.loop = worker.NewLoop(eng.queue, worker.NewExecutor(o.handlers, chain...),
		worker.WithConcurrency(o.cfg.Concurrency),
		worker.WithMaxPerTenant(o.cfg.MaxPerTenant),
		worker.WithPollInterval(o.cfg.PollInterval),
		worker.WithClaimRate(o.claimRate, o.claimBurst),
		worker.WithLoopClock(o.clock),
		worker.WithLoopLogger(o.logger),
		worker.WithLoopExtensions(eng.extensions),
	)

	sched, err := maintenance.New(eng.queue,
		maintenance.WithRetention(o.cfg.Retention),
		maintenance.WithCleanupSchedule(o.cfg.CleanupSchedule),
		maintenance.WithStaleThreshold(o.cfg.StaleLockThreshold),
		maintenance.WithStaleSchedule(o.cfg.StaleSchedule),
		maintenance.WithDLQRetention(o.cfg.DLQRetention),
		maintenance.WithClock(o.clock),
		maintenance.WithLogger(o.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("conduit/engine: maintenance: %w", err)
	}
	eng.scheduler = sched

	if o.source != nil {
		supOpts := []supervisor.Option{
			supervisor.WithMaxReconnectAttempts(o.cfg.MaxReconnectAttempts),
			supervisor.WithReconnectBaseDelay(o.cfg.ReconnectBaseDelay),
			supervisor.WithStartupBatches(o.cfg.StartupBatchSize, o.cfg.StartupBatchDelay),
			supervisor.WithHeartbeat(o.cfg.HeartbeatInterval, o.cfg.IdleThreshold),
			supervisor.WithAlerts(o.alerts),
			supervisor.WithExtensions(eng.extensions),
			supervisor.WithClock(o.clock),
			supervisor.WithLogger(o.logger),
		}
		if o.credentials != nil {
			supOpts = append(supOpts, supervisor.WithCredentialProvider(o.credentials))
		}
		eng.supervisor = supervisor.New(o.source, eng.queue, supOpts...)
	}

	return eng, nil
}

// Start begins claiming jobs, runs the maintenance scheduler and, with a
// supervisor, the heartbeat monitor. Tenants are connected separately with
// ConnectTenants.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.running {
		return conduit.ErrAlreadyStarted
	}

	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("conduit/engine: start maintenance: %w", err)
	}
	if err := eng.loop.Start(ctx); err != nil {
		_ = eng.scheduler.Stop(ctx)
		return fmt.Errorf("conduit/engine: start worker loop: %w", err)
	}

	if eng.supervisor != nil && eng.cfg.HeartbeatInterval > 0 {
		monitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		eng.cancelMonitor = cancel
		eng.monitorDone = make(chan struct{})
		go func() {
			defer close(eng.monitorDone)
			eng.supervisor.Monitor(monitorCtx)
		}()
	}

	eng.running = true
	eng.logger.Info("conduit engine started",
		slog.String("worker_id", eng.loop.WorkerID().String()),
		slog.Bool("supervisor", eng.supervisor != nil),
	)
	return nil
}

// ConnectTenants connects the startup roster in staged batches. It returns
// an empty report when no source is configured.
func (eng *Engine) ConnectTenants(ctx context.Context, tenants []supervisor.Tenant) supervisor.StartupReport {
	if eng.supervisor == nil {
		eng.logger.Warn("no upstream source configured, skipping tenant connections",
			slog.Int("tenants", len(tenants)),
		)
		return supervisor.StartupReport{Failed: map[string]error{}}
	}
	return eng.supervisor.InitializeAll(ctx, tenants)
}

// Enqueue adds a job with a pre-serialized payload.
func (eng *Engine) Enqueue(ctx context.Context, tenantID string, kind job.Kind, payload json.RawMessage, opts ...job.Option) (*job.Job, error) {
	return eng.queue.Enqueue(ctx, tenantID, kind, payload, opts...)
}

// Stop shuts the supervisor down, drains the worker loop within ctx, stops
// the scheduler and notifies Shutdown extensions. Errors are joined.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return nil
	}
	eng.running = false
	cancelMonitor, monitorDone := eng.cancelMonitor, eng.monitorDone
	eng.mu.Unlock()

	var errs []error
	if eng.supervisor != nil {
		if err := eng.supervisor.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if cancelMonitor != nil {
			cancelMonitor()
			<-monitorDone
		}
	}
	if err := eng.loop.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := eng.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("conduit engine stopped")
	return errors.Join(errs...)
}

// Config returns the effective configuration.
func (eng *Engine) Config() conduit.Config { return eng.cfg }

// Store returns the store backend.
func (eng *Engine) Store() store.Store { return eng.store }

// Queue returns the job queue.
func (eng *Engine) Queue() *queue.Queue { return eng.queue }

// Loop returns the worker loop.
func (eng *Engine) Loop() *worker.Loop { return eng.loop }

// Scheduler returns the maintenance scheduler.
func (eng *Engine) Scheduler() *maintenance.Scheduler { return eng.scheduler }

// Supervisor returns the connection supervisor, or nil when no source was
// configured.
func (eng *Engine) Supervisor() *supervisor.Supervisor { return eng.supervisor }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/alert"
	"github.com/xraph/conduit/backoff"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/upstream"
)

// Enqueuer is the part of the job queue the supervisor feeds.
type Enqueuer interface {
	Enqueue(ctx context.Context, tenantID string, kind job.Kind, payload json.RawMessage, opts ...job.Option) (*job.Job, error)
}

// tenantConn is the registry entry for one tenant. Every field is guarded
// by Supervisor.mu.
type tenantConn struct {
	tenantID string

	// gen increases on every connect attempt and teardown. Read loops and
	// timers carry the generation they were started for and give up when
	// it no longer matches.
	gen uint64

	stream   upstream.Stream
	cancel   context.CancelFunc
	creds    upstream.Credentials
	identity upstream.Identity

	connected           bool
	connecting          bool
	lastError           string
	lastConnectedAt     time.Time
	lastActivityAt      time.Time
	connectionStartedAt time.Time
	reconnectAttempts   int
	reconnectTimer      clock.Timer
	exhausted           bool
	health              Health

	seen *lru.Cache[string, struct{}]
}

// Supervisor owns the live upstream connection of every tenant.
type Supervisor struct {
	source      upstream.Source
	enqueuer    Enqueuer
	credentials CredentialProvider
	alerts      alert.Reporter
	extensions  *ext.Registry
	clock       clock.WithTickerAndDelayedExecution
	logger      *slog.Logger

	maxReconnectAttempts int
	reconnectBackoff     backoff.Strategy
	connectTimeout       time.Duration
	enqueueTimeout       time.Duration
	batchSize            int
	batchDelay           time.Duration
	heartbeatInterval    time.Duration
	idleThreshold        time.Duration
	dedupeSize           int

	mu      sync.Mutex
	tenants map[string]*tenantConn
	closed  bool
	wg      sync.WaitGroup
}

// New creates a Supervisor that opens streams from source and enqueues
// inbound events into q.
func New(source upstream.Source, q Enqueuer, opts ...Option) *Supervisor {
	cfg := conduit.DefaultConfig()
	s := &Supervisor{
		source:               source,
		enqueuer:             q,
		credentials:          NewStaticCredentials(nil),
		alerts:               alert.Nop{},
		clock:                clock.RealClock{},
		logger:               slog.Default(),
		maxReconnectAttempts: cfg.MaxReconnectAttempts,
		reconnectBackoff:     backoff.NewExponential(cfg.ReconnectBaseDelay, 0),
		connectTimeout:       30 * time.Second,
		enqueueTimeout:       10 * time.Second,
		batchSize:            cfg.StartupBatchSize,
		batchDelay:           cfg.StartupBatchDelay,
		heartbeatInterval:    cfg.HeartbeatInterval,
		idleThreshold:        cfg.IdleThreshold,
		dedupeSize:           1024,
		tenants:              make(map[string]*tenantConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.batchSize < 1 {
		s.batchSize = 1
	}
	return s
}

// ──────────────────────────────────────────────────
// Connect
// ──────────────────────────────────────────────────

// ConnectTenant verifies creds, opens the tenant's stream and starts
// consuming it. A nil error means the tenant is connected. A failed attempt
// is recorded and handed to the reconnect policy.
func (s *Supervisor) ConnectTenant(ctx context.Context, tenantID string, creds upstream.Credentials) error {
	if tenantID == "" {
		return fmt.Errorf("supervisor: connect: %w", conduit.ErrTenantNotFound)
	}
	if creds.Empty() {
		return fmt.Errorf("supervisor: connect %s: %w", tenantID, conduit.ErrNoCredentials)
	}
	return s.connect(ctx, tenantID, creds, false)
}

// Reconnect tears down any existing stream, clears the reconnect budget and
// connects again with credentials fetched from the provider. Operators use
// it after rotating a tenant's tokens or once reconnects were exhausted.
func (s *Supervisor) Reconnect(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	tc, ok := s.tenants[tenantID]
	if ok {
		tc.reconnectAttempts = 0
		tc.exhausted = false
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: reconnect %s: %w", tenantID, conduit.ErrTenantNotFound)
	}

	creds, err := s.credentials.Credentials(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("supervisor: reconnect %s: %w", tenantID, err)
	}
	return s.connect(ctx, tenantID, creds, true)
}

// connect runs the verify-open-register sequence. Only an existing
// registry entry may be reconnected when mustExist is set.
func (s *Supervisor) connect(ctx context.Context, tenantID string, creds upstream.Credentials, mustExist bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: connect %s: supervisor is shut down", tenantID)
	}
	tc, ok := s.tenants[tenantID]
	if !ok {
		if mustExist {
			s.mu.Unlock()
			return fmt.Errorf("supervisor: connect %s: %w", tenantID, conduit.ErrTenantNotFound)
		}
		tc = s.newTenantConn(tenantID)
		s.tenants[tenantID] = tc
	}
	s.teardownLocked(tc)
	tc.gen++
	gen := tc.gen
	tc.connecting = true
	s.mu.Unlock()

	identity, stream, err := s.dial(ctx, creds)
	if err != nil {
		s.logger.Warn("tenant connect failed",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		after := func() {}
		if cur, ok := s.tenants[tenantID]; ok && cur.gen == gen {
			cur.connecting = false
			after = s.disconnectedLocked(cur, err)
		}
		s.mu.Unlock()
		after()
		return fmt.Errorf("supervisor: connect %s: %w", tenantID, err)
	}

	now := s.clock.Now()
	s.mu.Lock()
	cur, ok := s.tenants[tenantID]
	if !ok || cur.gen != gen || s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("supervisor: connect %s: superseded by a concurrent disconnect", tenantID)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	cur.stream = stream
	cur.cancel = cancel
	cur.creds = creds
	cur.identity = identity
	cur.connecting = false
	cur.connected = true
	cur.exhausted = false
	cur.reconnectAttempts = 0
	cur.lastError = ""
	cur.lastConnectedAt = now
	cur.lastActivityAt = now
	cur.connectionStartedAt = now
	s.wg.Add(1)
	go s.readLoop(readCtx, cur, gen, stream)
	s.mu.Unlock()

	s.logger.Info("tenant connected",
		slog.String("tenant_id", tenantID),
		slog.String("team_id", identity.TeamID),
		slog.String("team", identity.TeamName),
	)
	s.extensions.EmitTenantConnected(ctx, tenantID, identity.TeamID)
	return nil
}

func (s *Supervisor) dial(ctx context.Context, creds upstream.Credentials) (upstream.Identity, upstream.Stream, error) {
	identity, err := s.source.Verify(ctx, creds)
	if err != nil {
		return upstream.Identity{}, nil, err
	}
	stream, err := s.source.Open(ctx, creds)
	if err != nil {
		return upstream.Identity{}, nil, err
	}
	return identity, stream, nil
}

func (s *Supervisor) newTenantConn(tenantID string) *tenantConn {
	seen, err := lru.New[string, struct{}](max(s.dedupeSize, 1))
	if err != nil {
		// Only a non-positive size fails.
		panic(fmt.Sprintf("supervisor: dedupe cache: %v", err))
	}
	return &tenantConn{tenantID: tenantID, seen: seen, health: HealthDisconnected}
}

// ──────────────────────────────────────────────────
// Disconnect and the reconnect policy
// ──────────────────────────────────────────────────

// teardownLocked closes the live stream and cancels any pending reconnect.
// It leaves the reconnect budget alone.
func (s *Supervisor) teardownLocked(tc *tenantConn) {
	tc.gen++
	if tc.reconnectTimer != nil {
		tc.reconnectTimer.Stop()
		tc.reconnectTimer = nil
	}
	if tc.cancel != nil {
		tc.cancel()
		tc.cancel = nil
	}
	if tc.stream != nil {
		_ = tc.stream.Close()
		tc.stream = nil
	}
	tc.creds = upstream.Credentials{}
	tc.connected = false
}

// disconnectedLocked records a lost or failed connection and applies the
// reconnect policy. The returned func emits hooks and alerts and must run
// after the lock is released.
func (s *Supervisor) disconnectedLocked(tc *tenantConn, cause error) func() {
	wasConnected := tc.connected
	s.teardownLocked(tc)
	if cause != nil {
		tc.lastError = cause.Error()
	}
	tenantID := tc.tenantID
	ctx := context.Background()

	if tc.exhausted || s.closed {
		return func() {}
	}

	if tc.reconnectAttempts < s.maxReconnectAttempts {
		delay := s.reconnectBackoff.Delay(tc.reconnectAttempts)
		tc.reconnectAttempts++
		attempt := tc.reconnectAttempts
		gen := tc.gen
		tc.reconnectTimer = s.clock.AfterFunc(delay, func() { s.fireReconnect(tenantID, gen) })

		return func() {
			s.logger.Warn("tenant reconnect scheduled",
				slog.String("tenant_id", tenantID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			if wasConnected {
				s.extensions.EmitTenantDisconnected(ctx, tenantID, cause)
			}
			s.extensions.EmitReconnectScheduled(ctx, tenantID, attempt, delay)
		}
	}

	tc.exhausted = true
	attempts := tc.reconnectAttempts
	lastError := tc.lastError
	return func() {
		s.logger.Error("tenant reconnect attempts exhausted",
			slog.String("tenant_id", tenantID),
			slog.Int("attempts", attempts),
			slog.String("last_error", lastError),
		)
		if wasConnected {
			s.extensions.EmitTenantDisconnected(ctx, tenantID, cause)
		}
		s.alerts.ReportCritical(ctx, alert.CategoryReconnectExhausted,
			fmt.Sprintf("tenant %s stays disconnected after %d reconnect attempts", tenantID, attempts),
			map[string]any{
				"tenant_id":  tenantID,
				"attempts":   attempts,
				"last_error": lastError,
			})
		s.extensions.EmitReconnectExhausted(ctx, tenantID, attempts)
	}
}

// fireReconnect runs when a reconnect timer expires.
func (s *Supervisor) fireReconnect(tenantID string, gen uint64) {
	s.mu.Lock()
	tc, ok := s.tenants[tenantID]
	if !ok || tc.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	tc.reconnectTimer = nil
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.connectTimeout)
	defer cancel()

	s.logger.Info("tenant reconnecting", slog.String("tenant_id", tenantID))

	creds, err := s.credentials.Credentials(ctx, tenantID)
	if err != nil {
		s.logger.Warn("tenant credentials unavailable",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		s.mu.Lock()
		after := func() {}
		if cur, ok := s.tenants[tenantID]; ok && cur.gen == gen {
			after = s.disconnectedLocked(cur, err)
		}
		s.mu.Unlock()
		after()
		return
	}

	// Failures are logged and rescheduled inside connect.
	_ = s.connect(ctx, tenantID, creds, true)
}

// streamLost is called by a read loop whose stream failed.
func (s *Supervisor) streamLost(tc *tenantConn, gen uint64, cause error) {
	s.mu.Lock()
	if tc.gen != gen || s.tenants[tc.tenantID] != tc {
		s.mu.Unlock()
		return
	}
	s.logger.Warn("tenant stream lost",
		slog.String("tenant_id", tc.tenantID),
		slog.String("error", cause.Error()),
	)
	after := s.disconnectedLocked(tc, cause)
	s.mu.Unlock()
	after()
}

// DisconnectTenant closes the tenant's stream, cancels any pending
// reconnect, drops its credentials and removes it from the registry.
func (s *Supervisor) DisconnectTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	tc, ok := s.tenants[tenantID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: disconnect %s: %w", tenantID, conduit.ErrTenantNotFound)
	}
	wasConnected := tc.connected
	s.teardownLocked(tc)
	delete(s.tenants, tenantID)
	s.mu.Unlock()

	s.logger.Info("tenant disconnected", slog.String("tenant_id", tenantID))
	if wasConnected {
		s.extensions.EmitTenantDisconnected(ctx, tenantID, nil)
	}
	return nil
}

// Shutdown disconnects every tenant and waits for read loops and running
// reconnects to finish or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.DisconnectTenant(ctx, id); err != nil && !errors.Is(err, conduit.ErrTenantNotFound) {
			s.logger.Warn("disconnect during shutdown failed",
				slog.String("tenant_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("supervisor stopped", slog.Int("tenants", len(ids)))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown: %w", ctx.Err())
	}
}

// ──────────────────────────────────────────────────
// Read-only views
// ──────────────────────────────────────────────────

// Snapshot is a read-only copy of a tenant's connection state. It never
// carries credentials.
type Snapshot struct {
	TenantID            string    `json:"tenant_id"`
	Workspace           string    `json:"workspace,omitempty"`
	WorkspaceName       string    `json:"workspace_name,omitempty"`
	Connected           bool      `json:"connected"`
	Connecting          bool      `json:"connecting"`
	Health              Health    `json:"health"`
	LastError           string    `json:"last_error,omitempty"`
	LastConnectedAt     time.Time `json:"last_connected_at,omitzero"`
	LastActivityAt      time.Time `json:"last_activity_at,omitzero"`
	ConnectionStartedAt time.Time `json:"connection_started_at,omitzero"`
	ReconnectAttempts   int       `json:"reconnect_attempts"`
	ReconnectPending    bool      `json:"reconnect_pending"`
	Exhausted           bool      `json:"exhausted"`
}

func (tc *tenantConn) snapshot() Snapshot {
	return Snapshot{
		TenantID:            tc.tenantID,
		Workspace:           tc.identity.TeamID,
		WorkspaceName:       tc.identity.TeamName,
		Connected:           tc.connected,
		Connecting:          tc.connecting,
		Health:              tc.health,
		LastError:           tc.lastError,
		LastConnectedAt:     tc.lastConnectedAt,
		LastActivityAt:      tc.lastActivityAt,
		ConnectionStartedAt: tc.connectionStartedAt,
		ReconnectAttempts:   tc.reconnectAttempts,
		ReconnectPending:    tc.reconnectTimer != nil,
		Exhausted:           tc.exhausted,
	}
}

// Snapshot returns the state of one tenant.
func (s *Supervisor) Snapshot(tenantID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.tenants[tenantID]
	if !ok {
		return Snapshot{}, false
	}
	return tc.snapshot(), true
}

// Snapshots returns the state of every tenant, ordered by tenant ID.
func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.tenants))
	for _, tc := range s.tenants {
		out = append(out, tc.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/engine"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store/memory"
	"github.com/xraph/conduit/supervisor"
	"github.com/xraph/conduit/upstream"
	"github.com/xraph/conduit/worker"
)

// ──────────────────────────────────────────────────
// Fixtures
// ──────────────────────────────────────────────────

func testConfig() conduit.Config {
	cfg := conduit.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	cfg.StartupBatchDelay = time.Millisecond
	return cfg
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func stopEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type chanSource struct {
	stream *chanStream
}

func (s *chanSource) Verify(context.Context, upstream.Credentials) (upstream.Identity, error) {
	return upstream.Identity{TeamID: "T1", TeamName: "Acme"}, nil
}

func (s *chanSource) Open(context.Context, upstream.Credentials) (upstream.Stream, error) {
	return s.stream, nil
}

type chanStream struct {
	in   chan upstream.Envelope
	mu   sync.Mutex
	acks []string
	done chan struct{}
	once sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{in: make(chan upstream.Envelope, 8), done: make(chan struct{})}
}

func (s *chanStream) Receive(ctx context.Context) (upstream.Envelope, error) {
	select {
	case env := <-s.in:
		return env, nil
	case <-s.done:
		return upstream.Envelope{}, upstream.ErrStreamClosed
	case <-ctx.Done():
		return upstream.Envelope{}, ctx.Err()
	}
}

func (s *chanStream) Ack(_ context.Context, envelopeID string) error {
	s.mu.Lock()
	s.acks = append(s.acks, envelopeID)
	s.mu.Unlock()
	return nil
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *chanStream) ackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acks)
}

type shutdownExt struct{ called atomic.Bool }

func (e *shutdownExt) Name() string { return "shutdown-recorder" }

func (e *shutdownExt) OnShutdown(context.Context) error {
	e.called.Store(true)
	return nil
}

type deadLetterExt struct{ entries atomic.Int32 }

func (e *deadLetterExt) Name() string { return "dlq-recorder" }

func (e *deadLetterExt) OnJobDeadLettered(context.Context, *job.Job, *dlq.Entry) error {
	e.entries.Add(1)
	return nil
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestNew_RequiresStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, conduit.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupSchedule = "not a schedule"
	if _, err := engine.New(memory.New(), engine.WithConfig(cfg), engine.WithLogger(discard())); err == nil {
		t.Fatal("expected a schedule parse error")
	}
}

func TestEngine_EnqueueProcess(t *testing.T) {
	s := memory.New()
	var got atomic.Value
	eng, err := engine.New(s,
		engine.WithConfig(testConfig()),
		engine.WithLogger(discard()),
		engine.WithHandlers(worker.Handlers{
			FileChanged: func(_ context.Context, _ *job.Job, p job.FileChanged) error {
				got.Store(p.Title)
				return nil
			},
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng.Supervisor() != nil {
		t.Fatal("supervisor should be nil without a source")
	}

	ctx := context.Background()
	j, err := eng.Enqueue(ctx, "tenant-a", job.KindFileChanged,
		json.RawMessage(`{"file_id":"f1","title":"Roadmap","content":"q3"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopEngine(t, eng)

	waitFor(t, "job completion", func() bool {
		cur, getErr := eng.Queue().Get(ctx, j.ID)
		return getErr == nil && cur.Status == job.StatusCompleted
	})
	if got.Load() != "Roadmap" {
		t.Errorf("handler saw title %v, want Roadmap", got.Load())
	}
}

func TestEngine_PanicReachesTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	cfg := testConfig()
	cfg.MaxAttempts = 1
	eng, err := engine.New(memory.New(),
		engine.WithConfig(cfg),
		engine.WithLogger(discard()),
		engine.WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))),
		engine.WithHandlers(worker.Handlers{
			FileChanged: func(context.Context, *job.Job, job.FileChanged) error {
				panic("destination client nil")
			},
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	j, err := eng.Enqueue(ctx, "tenant-a", job.KindFileChanged,
		json.RawMessage(`{"file_id":"f1","title":"Roadmap","content":"q3"}`))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopEngine(t, eng)

	waitFor(t, "dead letter", func() bool {
		cur, getErr := eng.Queue().Get(ctx, j.ID)
		return getErr == nil && cur.Status == job.StatusFailed
	})

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].Name() != "job file-changed" {
		t.Fatalf("spans = %d, want one job span", len(spans))
	}
	panicked := false
	for _, ev := range spans[0].Events() {
		for _, kv := range ev.Attributes {
			if kv.Key == "conduit.job.panicked" && kv.Value.AsBool() {
				panicked = true
			}
		}
	}
	if !panicked {
		t.Error("span does not record the handler panic")
	}
}

func TestEngine_StartTwice(t *testing.T) {
	eng, err := engine.New(memory.New(), engine.WithConfig(testConfig()), engine.WithLogger(discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopEngine(t, eng)

	if err := eng.Start(ctx); !errors.Is(err, conduit.ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngine_UnhandledKindDeadLetters(t *testing.T) {
	recorder := &deadLetterExt{}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	eng, err := engine.New(memory.New(),
		engine.WithConfig(cfg),
		engine.WithLogger(discard()),
		engine.WithExtension(recorder),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if _, err := eng.Enqueue(ctx, "tenant-a", job.KindTranscriptReady,
		json.RawMessage(`{"meeting_id":"m1","transcript":"hi"}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopEngine(t, eng)

	waitFor(t, "dead letter", func() bool { return recorder.entries.Load() == 1 })

	n, err := eng.Store().CountDLQ(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if n != 1 {
		t.Errorf("dlq count = %d, want 1", n)
	}
}

func TestEngine_StreamEventReachesHandler(t *testing.T) {
	stream := newChanStream()
	var texts sync.Map
	eng, err := engine.New(memory.New(),
		engine.WithConfig(testConfig()),
		engine.WithLogger(discard()),
		engine.WithSource(&chanSource{stream: stream}),
		engine.WithHandlers(worker.Handlers{
			MessageIngested: func(_ context.Context, j *job.Job, p job.MessageIngested) error {
				texts.Store(j.TenantID, p.Text)
				return nil
			},
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	report := eng.ConnectTenants(ctx, []supervisor.Tenant{{
		ID:          "tenant-a",
		Credentials: upstream.Credentials{BotToken: "xoxb", AppToken: "xapp"},
	}})
	if len(report.Connected) != 1 {
		t.Fatalf("connected = %v, failed = %v", report.Connected, report.Failed)
	}

	stream.in <- upstream.Envelope{
		ID:      "env-1",
		Type:    upstream.EnvelopeEvents,
		Payload: json.RawMessage(`{"team_id":"T1","event_id":"Ev1","event":{"type":"message","channel":"C1","user":"U1","text":"ship it","ts":"1.1"}}`),
	}

	waitFor(t, "message handled", func() bool {
		v, ok := texts.Load("tenant-a")
		return ok && v == "ship it"
	})
	if stream.ackCount() != 1 {
		t.Errorf("acks = %d, want 1", stream.ackCount())
	}

	stopEngine(t, eng)
	if snaps := eng.Supervisor().Snapshots(); len(snaps) != 0 {
		t.Errorf("tenants left after stop: %+v", snaps)
	}
}

func TestEngine_ConnectTenantsWithoutSource(t *testing.T) {
	eng, err := engine.New(memory.New(), engine.WithConfig(testConfig()), engine.WithLogger(discard()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report := eng.ConnectTenants(context.Background(), []supervisor.Tenant{{ID: "tenant-a"}})
	if len(report.Connected) != 0 || len(report.Failed) != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestEngine_StopEmitsShutdown(t *testing.T) {
	recorder := &shutdownExt{}
	eng, err := engine.New(memory.New(),
		engine.WithConfig(testConfig()),
		engine.WithLogger(discard()),
		engine.WithExtension(recorder),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopEngine(t, eng)

	if !recorder.called.Load() {
		t.Error("OnShutdown was not called")
	}
	// A second Stop is a no-op.
	stopEngine(t, eng)
}

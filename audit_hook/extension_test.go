package audithook_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/conduit/audit_hook"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/ext"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// ── Mock recorder ────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
	err    error
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return m.err
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func newTestJob() *job.Job {
	return &job.Job{
		ID:          id.NewJobID(),
		TenantID:    "tenant-a",
		Kind:        job.KindMessageIngested,
		Attempts:    2,
		MaxAttempts: 3,
		Error:       "extractor: 502",
		ClaimedBy:   "wkr_1",
	}
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	if got := ah.New(&mockRecorder{}).Name(); got != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", got)
	}
}

func TestExtension_Hooks(t *testing.T) {
	ctx := context.Background()
	j := newTestJob()
	entry := dlq.NewEntry(j, time.Now())

	tests := []struct {
		name     string
		fire     func(e *ah.Extension) error
		action   string
		resource string
		severity string
		outcome  string
		reason   string
		metaKey  string
		metaVal  any
	}{
		{
			name:     "enqueued",
			fire:     func(e *ah.Extension) error { return e.OnJobEnqueued(ctx, j) },
			action:   ah.ActionJobEnqueued,
			resource: ah.ResourceJob, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			metaKey: "kind", metaVal: string(job.KindMessageIngested),
		},
		{
			name:     "started",
			fire:     func(e *ah.Extension) error { return e.OnJobStarted(ctx, j) },
			action:   ah.ActionJobStarted,
			resource: ah.ResourceJob, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			metaKey: "claimed_by", metaVal: "wkr_1",
		},
		{
			name:     "completed",
			fire:     func(e *ah.Extension) error { return e.OnJobCompleted(ctx, j, 150*time.Millisecond) },
			action:   ah.ActionJobCompleted,
			resource: ah.ResourceJob, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			metaKey: "elapsed_ms", metaVal: int64(150),
		},
		{
			name:     "retrying",
			fire:     func(e *ah.Extension) error { return e.OnJobRetrying(ctx, j, time.Now().Add(time.Minute)) },
			action:   ah.ActionJobRetrying,
			resource: ah.ResourceJob, severity: ah.SeverityWarning, outcome: ah.OutcomeFailure,
			reason:  "extractor: 502",
			metaKey: "attempts", metaVal: 2,
		},
		{
			name:     "dead lettered",
			fire:     func(e *ah.Extension) error { return e.OnJobDeadLettered(ctx, j, entry) },
			action:   ah.ActionJobDeadLettered,
			resource: ah.ResourceJob, severity: ah.SeverityCritical, outcome: ah.OutcomeFailure,
			reason:  "extractor: 502",
			metaKey: "dlq_entry_id", metaVal: entry.ID.String(),
		},
		{
			name:     "connected",
			fire:     func(e *ah.Extension) error { return e.OnTenantConnected(ctx, "tenant-a", "T1") },
			action:   ah.ActionTenantConnected,
			resource: ah.ResourceTenant, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
			metaKey: "workspace", metaVal: "T1",
		},
		{
			name:     "stream lost",
			fire:     func(e *ah.Extension) error { return e.OnTenantDisconnected(ctx, "tenant-a", errors.New("EOF")) },
			action:   ah.ActionTenantDisconnected,
			resource: ah.ResourceTenant, severity: ah.SeverityWarning, outcome: ah.OutcomeFailure,
			reason: "EOF",
		},
		{
			name:     "operator disconnect",
			fire:     func(e *ah.Extension) error { return e.OnTenantDisconnected(ctx, "tenant-a", nil) },
			action:   ah.ActionTenantDisconnected,
			resource: ah.ResourceTenant, severity: ah.SeverityInfo, outcome: ah.OutcomeSuccess,
		},
		{
			name:     "reconnect scheduled",
			fire:     func(e *ah.Extension) error { return e.OnReconnectScheduled(ctx, "tenant-a", 3, 4*time.Second) },
			action:   ah.ActionReconnectScheduled,
			resource: ah.ResourceTenant, severity: ah.SeverityWarning, outcome: ah.OutcomeFailure,
			metaKey: "delay_ms", metaVal: int64(4000),
		},
		{
			name:     "reconnect exhausted",
			fire:     func(e *ah.Extension) error { return e.OnReconnectExhausted(ctx, "tenant-a", 5) },
			action:   ah.ActionReconnectExhausted,
			resource: ah.ResourceTenant, severity: ah.SeverityCritical, outcome: ah.OutcomeFailure,
			metaKey: "attempts", metaVal: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			if err := tt.fire(ah.New(rec)); err != nil {
				t.Fatalf("hook returned %v", err)
			}
			evt := rec.last()
			if evt == nil {
				t.Fatal("no event recorded")
			}
			if evt.Action != tt.action || evt.Resource != tt.resource {
				t.Errorf("got %s on %s, want %s on %s", evt.Action, evt.Resource, tt.action, tt.resource)
			}
			if evt.Severity != tt.severity || evt.Outcome != tt.outcome {
				t.Errorf("got %s/%s, want %s/%s", evt.Severity, evt.Outcome, tt.severity, tt.outcome)
			}
			if evt.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", evt.Reason, tt.reason)
			}
			if evt.TenantID != "tenant-a" {
				t.Errorf("TenantID = %q", evt.TenantID)
			}
			if tt.metaKey != "" && evt.Metadata[tt.metaKey] != tt.metaVal {
				t.Errorf("Metadata[%s] = %v (%T), want %v", tt.metaKey, evt.Metadata[tt.metaKey], evt.Metadata[tt.metaKey], tt.metaVal)
			}
		})
	}
}

func TestExtension_WithActions(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobDeadLettered))
	ctx := context.Background()
	j := newTestJob()

	_ = e.OnJobEnqueued(ctx, j)
	_ = e.OnJobCompleted(ctx, j, time.Second)
	_ = e.OnJobDeadLettered(ctx, j, nil)

	if rec.count() != 1 || rec.last().Action != ah.ActionJobDeadLettered {
		t.Fatalf("expected only the dead-letter event, got %d events", rec.count())
	}
}

func TestExtension_WithCategories(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec,
		ah.WithCategories(ah.CategoryConnection),
		ah.WithActions(ah.ActionTenantConnected, ah.ActionJobEnqueued),
	)
	ctx := context.Background()

	_ = e.OnJobEnqueued(ctx, newTestJob())
	_ = e.OnTenantDisconnected(ctx, "tenant-1", nil)
	_ = e.OnTenantConnected(ctx, "tenant-1", "acme")

	if rec.count() != 1 || rec.last().Action != ah.ActionTenantConnected {
		t.Fatalf("expected only the connect event, got %d events", rec.count())
	}
}

func TestExtension_RecorderErrorIsSwallowed(t *testing.T) {
	rec := &mockRecorder{err: errors.New("audit backend down")}
	e := ah.New(rec, ah.WithLogger(slog.New(slog.DiscardHandler)))

	if err := e.OnJobEnqueued(context.Background(), newTestJob()); err != nil {
		t.Fatalf("recorder errors must not propagate, got %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one attempt, got %d", rec.count())
	}
}

func TestExtension_ThroughRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.New(slog.DiscardHandler))
	reg.Register(ah.New(rec))

	reg.EmitReconnectExhausted(context.Background(), "tenant-a", 5)

	if rec.count() != 1 || rec.last().Action != ah.ActionReconnectExhausted {
		t.Fatalf("registry did not deliver the event: %+v", rec.last())
	}
}

func TestSlogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	e := ah.New(ah.NewSlogRecorder(logger))

	_ = e.OnReconnectExhausted(context.Background(), "tenant-a", 5)

	out := buf.String()
	for _, want := range []string{"level=WARN", "action=tenant.reconnect_exhausted", "tenant_id=tenant-a"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

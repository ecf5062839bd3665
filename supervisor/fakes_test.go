package supervisor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/upstream"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

var discard = slog.New(slog.DiscardHandler)

var errUpstreamDown = errors.New("upstream unreachable")

func credsFor(tenantID string) upstream.Credentials {
	return upstream.Credentials{BotToken: "xoxb-" + tenantID, AppToken: "xapp-" + tenantID}
}

// ---------------------------------------------------------------------------
// Source and stream
// ---------------------------------------------------------------------------

type fakeSource struct {
	clk *clocktesting.FakeClock

	mu       sync.Mutex
	failing  map[string]bool // by bot token
	verifies []verifyCall
	streams  map[string][]*fakeStream // by bot token
}

type verifyCall struct {
	token string
	at    time.Time
}

func newFakeSource(clk *clocktesting.FakeClock) *fakeSource {
	return &fakeSource{clk: clk, failing: map[string]bool{}, streams: map[string][]*fakeStream{}}
}

func (f *fakeSource) setFailing(creds upstream.Credentials, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[creds.BotToken] = failing
}

func (f *fakeSource) Verify(_ context.Context, creds upstream.Credentials) (upstream.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifies = append(f.verifies, verifyCall{token: creds.BotToken, at: f.clk.Now()})
	if f.failing[creds.BotToken] {
		return upstream.Identity{}, errUpstreamDown
	}
	return upstream.Identity{TeamID: "T-" + creds.BotToken, TeamName: "Team " + creds.BotToken}, nil
}

func (f *fakeSource) Open(_ context.Context, creds upstream.Credentials) (upstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := newFakeStream()
	f.streams[creds.BotToken] = append(f.streams[creds.BotToken], st)
	return st, nil
}

func (f *fakeSource) verifyCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.verifies {
		if v.token == token {
			n++
		}
	}
	return n
}

func (f *fakeSource) latest(token string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.streams[token]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

func (f *fakeSource) openCount(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[token])
}

type fakeStream struct {
	envs   chan upstream.Envelope
	errs   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	acks []string
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		envs:   make(chan upstream.Envelope, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Receive(ctx context.Context) (upstream.Envelope, error) {
	select {
	case <-s.closed:
		return upstream.Envelope{}, upstream.ErrStreamClosed
	default:
	}
	select {
	case env := <-s.envs:
		return env, nil
	case err := <-s.errs:
		return upstream.Envelope{}, err
	case <-s.closed:
		return upstream.Envelope{}, upstream.ErrStreamClosed
	case <-ctx.Done():
		return upstream.Envelope{}, ctx.Err()
	}
}

func (s *fakeStream) Ack(_ context.Context, envelopeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, envelopeID)
	return nil
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *fakeStream) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

func eventEnvelope(envelopeID, eventID, text string) upstream.Envelope {
	payload := fmt.Sprintf(`{"team_id":"T1","event_id":%q,"event":{"type":"message","channel":"C1","user":"U1","text":%q,"ts":"1700000000.000100"}}`, eventID, text)
	return upstream.Envelope{ID: envelopeID, Type: upstream.EnvelopeEvents, Payload: json.RawMessage(payload)}
}

// ---------------------------------------------------------------------------
// Enqueuer and alerts
// ---------------------------------------------------------------------------

type enqueued struct {
	tenantID string
	kind     job.Kind
	payload  job.MessageIngested
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	fail     bool
	attempts int
	jobs     []enqueued
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, tenantID string, kind job.Kind, payload json.RawMessage, _ ...job.Option) (*job.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attempts++
	if e.fail {
		return nil, errors.New("store unavailable")
	}
	var p job.MessageIngested
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	e.jobs = append(e.jobs, enqueued{tenantID: tenantID, kind: kind, payload: p})
	return &job.Job{ID: id.NewJobID(), TenantID: tenantID, Kind: kind, Payload: payload}, nil
}

func (e *fakeEnqueuer) setFail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fail
}

func (e *fakeEnqueuer) snapshot() (attempts int, jobs []enqueued) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts, append([]enqueued(nil), e.jobs...)
}

type alertCounter struct {
	mu       sync.Mutex
	category []string
}

func (a *alertCounter) ReportCritical(_ context.Context, category, _ string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.category = append(a.category, category)
}

func (a *alertCounter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.category)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/api"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/engine"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store/memory"
	"github.com/xraph/conduit/supervisor"
	"github.com/xraph/conduit/upstream"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

type idleSource struct{}

func (idleSource) Verify(context.Context, upstream.Credentials) (upstream.Identity, error) {
	return upstream.Identity{TeamID: "T1", TeamName: "Acme"}, nil
}

func (idleSource) Open(context.Context, upstream.Credentials) (upstream.Stream, error) {
	return &idleStream{done: make(chan struct{})}, nil
}

type idleStream struct {
	once sync.Once
	done chan struct{}
}

func (s *idleStream) Receive(ctx context.Context) (upstream.Envelope, error) {
	select {
	case <-s.done:
		return upstream.Envelope{}, upstream.ErrStreamClosed
	case <-ctx.Done():
		return upstream.Envelope{}, ctx.Err()
	}
}

func (s *idleStream) Ack(context.Context, string) error { return nil }

func (s *idleStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type fixture struct {
	eng *engine.Engine
	srv *httptest.Server
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	opts = append([]engine.Option{engine.WithLogger(logger)}, opts...)
	eng, err := engine.New(memory.New(), opts...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv := httptest.NewServer(api.New(eng, api.WithLogger(logger)).Handler())
	t.Cleanup(srv.Close)
	return &fixture{eng: eng, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, b
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %s: %v", b, err)
	}
	return v
}

// deadLetter enqueues a single-attempt job for tenantID and fails it.
func (f *fixture) deadLetter(t *testing.T, tenantID string) *job.Job {
	t.Helper()
	ctx := context.Background()
	q := f.eng.Queue()
	j, err := q.Enqueue(ctx, tenantID, job.KindFileChanged,
		json.RawMessage(`{"file_id":"f","title":"t","content":"c"}`), job.WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, "w1", 0)
	if err != nil || claimed == nil || claimed.ID != j.ID {
		t.Fatalf("ClaimNext = %v, %v", claimed, err)
	}
	if _, err := q.Fail(ctx, j.ID, "w1", errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	return j
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func TestEnqueueAndGet(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/v1/jobs",
		`{"tenant_id":"tenant-a","kind":"file-changed","payload":{"file_id":"f1","title":"Plan","content":"x"},"priority":5}`)
	if status != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", status, body)
	}
	created := decode[job.Job](t, body)
	if created.Priority != 5 || created.Status != job.StatusPending {
		t.Fatalf("unexpected job: %+v", created)
	}

	status, body = f.do(t, http.MethodGet, "/v1/jobs/"+created.ID.String(), "")
	if status != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", status, body)
	}
	got := decode[job.Job](t, body)
	if got.ID != created.ID || got.TenantID != "tenant-a" {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"unknown kind", `{"tenant_id":"t","kind":"nope","payload":{}}`, http.StatusBadRequest},
		{"missing tenant", `{"kind":"file-changed","payload":{}}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := f.do(t, http.MethodPost, "/v1/jobs", tt.body)
			if status != tt.want {
				t.Fatalf("status = %d, want %d, body = %s", status, tt.want, body)
			}
		})
	}
}

func TestGetJob_Errors(t *testing.T) {
	f := newFixture(t)

	if status, _ := f.do(t, http.MethodGet, "/v1/jobs/not-an-id", ""); status != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", status)
	}
	missing := "/v1/jobs/" + id.NewJobID().String()
	if status, _ := f.do(t, http.MethodGet, missing, ""); status != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", status)
	}
}

func TestRetryJob(t *testing.T) {
	f := newFixture(t)
	j := f.deadLetter(t, "tenant-a")

	status, body := f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/retry", "")
	if status != http.StatusOK {
		t.Fatalf("retry status = %d, body = %s", status, body)
	}
	if got := decode[job.Job](t, body); got.Status != job.StatusPending || got.Attempts != 0 {
		t.Fatalf("unexpected job after retry: %+v", got)
	}

	// A pending job cannot be retried.
	status, _ = f.do(t, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/retry", "")
	if status != http.StatusConflict {
		t.Fatalf("second retry status = %d, want 409", status)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "tenant-a")
	if _, err := f.eng.Queue().Enqueue(context.Background(), "tenant-b", job.KindFileChanged,
		json.RawMessage(`{"file_id":"f","title":"t","content":"c"}`)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status, body := f.do(t, http.MethodGet, "/v1/stats", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body = %s", status, body)
	}
	all := decode[api.StatsResponse](t, body)
	if all.Total != 2 || all.Jobs.Failed != 1 || all.Jobs.Pending != 1 || all.DeadLetters != 1 {
		t.Fatalf("unexpected stats: %+v", all)
	}

	_, body = f.do(t, http.MethodGet, "/v1/stats?tenant_id=tenant-b", "")
	scoped := decode[api.StatsResponse](t, body)
	if scoped.Total != 1 || scoped.DeadLetters != 0 || scoped.TenantID != "tenant-b" {
		t.Fatalf("unexpected tenant stats: %+v", scoped)
	}
}

// ---------------------------------------------------------------------------
// Tenant failed-job admin
// ---------------------------------------------------------------------------

func TestTenantFailedAdmin(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "tenant-a")
	f.deadLetter(t, "tenant-a")
	f.deadLetter(t, "tenant-b")

	status, body := f.do(t, http.MethodGet, "/v1/tenants/tenant-a/failed", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if jobs := decode[[]job.Job](t, body); len(jobs) != 2 {
		t.Fatalf("failed jobs = %d, want 2", len(jobs))
	}

	status, body = f.do(t, http.MethodPost, "/v1/tenants/tenant-a/failed/retry", "")
	if status != http.StatusOK || decode[api.CountResponse](t, body).Count != 2 {
		t.Fatalf("retry all: status = %d, body = %s", status, body)
	}

	status, body = f.do(t, http.MethodDelete, "/v1/tenants/tenant-b/failed", "")
	if status != http.StatusOK || decode[api.CountResponse](t, body).Count != 1 {
		t.Fatalf("clear: status = %d, body = %s", status, body)
	}

	_, body = f.do(t, http.MethodGet, "/v1/tenants/tenant-b/failed", "")
	if string(body) != "[]\n" {
		t.Fatalf("expected empty list, got %s", body)
	}
}

// ---------------------------------------------------------------------------
// Dead letters
// ---------------------------------------------------------------------------

func TestDLQListAndReplay(t *testing.T) {
	f := newFixture(t)
	f.deadLetter(t, "tenant-a")
	f.deadLetter(t, "tenant-b")

	status, body := f.do(t, http.MethodGet, "/v1/dlq?tenant_id=tenant-a", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	entries := decode[[]dlq.Entry](t, body)
	if len(entries) != 1 || entries[0].TenantID != "tenant-a" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	status, body = f.do(t, http.MethodPost, "/v1/dlq/"+entries[0].ID.String()+"/replay", "")
	if status != http.StatusCreated {
		t.Fatalf("replay status = %d, body = %s", status, body)
	}
	replayed := decode[job.Job](t, body)
	if replayed.TenantID != "tenant-a" || replayed.Status != job.StatusPending {
		t.Fatalf("unexpected replayed job: %+v", replayed)
	}

	if status, _ := f.do(t, http.MethodGet, "/v1/dlq?limit=0", ""); status != http.StatusBadRequest {
		t.Errorf("limit=0: status = %d, want 400", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/dlq/bogus/replay", ""); status != http.StatusBadRequest {
		t.Errorf("bad entry id: status = %d, want 400", status)
	}
}

// ---------------------------------------------------------------------------
// Connections
// ---------------------------------------------------------------------------

func TestConnections(t *testing.T) {
	f := newFixture(t, engine.WithSource(idleSource{}),
		engine.WithCredentials(supervisor.NewStaticCredentials(map[string]upstream.Credentials{
			"tenant-a": {BotToken: "xoxb", AppToken: "xapp"},
		})),
	)
	ctx := context.Background()
	report := f.eng.ConnectTenants(ctx, []supervisor.Tenant{{
		ID:          "tenant-a",
		Credentials: upstream.Credentials{BotToken: "xoxb", AppToken: "xapp"},
	}})
	if len(report.Connected) != 1 {
		t.Fatalf("connect failed: %+v", report.Failed)
	}
	t.Cleanup(func() { _ = f.eng.Supervisor().Shutdown(ctx) })

	status, body := f.do(t, http.MethodGet, "/v1/connections", "")
	if status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	snaps := decode[[]supervisor.Snapshot](t, body)
	if len(snaps) != 1 || !snaps[0].Connected || snaps[0].Workspace != "T1" {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	if strings.Contains(string(body), "xoxb") {
		t.Fatal("snapshot leaked credentials")
	}

	status, body = f.do(t, http.MethodPost, "/v1/tenants/tenant-a/reconnect", "")
	if status != http.StatusOK || !decode[supervisor.Snapshot](t, body).Connected {
		t.Fatalf("reconnect: status = %d, body = %s", status, body)
	}

	if status, _ := f.do(t, http.MethodDelete, "/v1/tenants/tenant-a/connection", ""); status != http.StatusNoContent {
		t.Fatalf("disconnect status = %d, want 204", status)
	}
	if status, _ := f.do(t, http.MethodDelete, "/v1/tenants/tenant-a/connection", ""); status != http.StatusNotFound {
		t.Fatalf("second disconnect status = %d, want 404", status)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/tenants/ghost/reconnect", ""); status != http.StatusNotFound {
		t.Fatalf("unknown tenant reconnect status = %d, want 404", status)
	}
}

func TestConnections_NoSource(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/v1/connections", "")
	if status != http.StatusOK || string(body) != "[]\n" {
		t.Fatalf("status = %d, body = %s", status, body)
	}
	if status, _ := f.do(t, http.MethodPost, "/v1/tenants/tenant-a/reconnect", ""); status != http.StatusNotFound {
		t.Fatalf("reconnect status = %d, want 404", status)
	}
}

// ---------------------------------------------------------------------------
// Health and error mapping
// ---------------------------------------------------------------------------

type downStore struct{ *memory.Store }

func (downStore) Ping(context.Context) error {
	return conduit.ErrStoreUnavailable
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if status, _ := f.do(t, http.MethodGet, "/healthz", ""); status != http.StatusOK {
		t.Fatalf("healthy status = %d", status)
	}

	eng, err := engine.New(downStore{memory.New()}, engine.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	srv := httptest.NewServer(api.New(eng, api.WithLogger(slog.New(slog.DiscardHandler))).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("down status = %d, want 503", resp.StatusCode)
	}
}

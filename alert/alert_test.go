package alert_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/conduit/alert"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := alert.NewLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	r.ReportCritical(context.Background(), alert.CategoryDeadLetter, "job dead-lettered",
		map[string]any{"job_id": "job_1", "attempts": 3})

	out := buf.String()
	for _, want := range []string{`"level":"ERROR"`, `"category":"dead_letter"`, `"job_id":"job_1"`, `"attempts":3`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %s missing %s", out, want)
		}
	}
}

func TestMulti(t *testing.T) {
	var n atomic.Int32
	count := alert.Func(func(context.Context, string, string, map[string]any) { n.Add(1) })

	alert.Multi{count, alert.Nop{}, count}.ReportCritical(context.Background(), "c", "m", nil)

	if got := n.Load(); got != 2 {
		t.Fatalf("reports = %d, want 2", got)
	}
}

func TestWebhook(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := alert.NewWebhook(srv.URL, alert.WithHTTPClient(srv.Client()))
	wh.ReportCritical(context.Background(), alert.CategoryReconnectExhausted, "tenant gave up",
		map[string]any{"tenant_id": "tenant-a"})

	select {
	case body := <-got:
		if body["category"] != alert.CategoryReconnectExhausted || body["message"] != "tenant gave up" {
			t.Fatalf("body = %v", body)
		}
		fields, _ := body["fields"].(map[string]any)
		if fields["tenant_id"] != "tenant-a" {
			t.Fatalf("fields = %v", fields)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/middleware"
	"github.com/xraph/conduit/worker"
)

func newJob(kind job.Kind, payload string) *job.Job {
	return &job.Job{
		ID:       id.NewJobID(),
		TenantID: "tenant-a",
		Kind:     kind,
		Status:   job.StatusProcessing,
		Payload:  json.RawMessage(payload),
	}
}

func TestExecutor_DispatchesByKind(t *testing.T) {
	var got []string
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(_ context.Context, _ *job.Job, p job.MessageIngested) error {
			got = append(got, "message:"+p.Text)
			return nil
		},
		FileChanged: func(_ context.Context, _ *job.Job, p job.FileChanged) error {
			got = append(got, "file:"+p.FileID)
			return nil
		},
		TranscriptReady: func(_ context.Context, _ *job.Job, p job.TranscriptReady) error {
			got = append(got, "transcript:"+p.MeetingID)
			return nil
		},
	})

	jobs := []*job.Job{
		newJob(job.KindMessageIngested, `{"text":"hi"}`),
		newJob(job.KindFileChanged, `{"file_id":"F9"}`),
		newJob(job.KindTranscriptReady, `{"meeting_id":"M3"}`),
	}
	for _, j := range jobs {
		if err := exec.Execute(context.Background(), j); err != nil {
			t.Fatalf("Execute %s: %v", j.Kind, err)
		}
	}

	want := "message:hi,file:F9,transcript:M3"
	if strings.Join(got, ",") != want {
		t.Fatalf("dispatch = %v, want %s", got, want)
	}
}

func TestExecutor_UnknownKind(t *testing.T) {
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(context.Context, *job.Job, job.MessageIngested) error { return nil },
	})

	tests := []struct {
		name string
		j    *job.Job
	}{
		{"unregistered kind", newJob(job.Kind("send-email"), `{}`)},
		{"missing handler", newJob(job.KindFileChanged, `{"file_id":"F1"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := exec.Execute(context.Background(), tt.j); !errors.Is(err, conduit.ErrUnknownKind) {
				t.Fatalf("err = %v, want ErrUnknownKind", err)
			}
		})
	}
}

func TestExecutor_MalformedPayload(t *testing.T) {
	called := false
	exec := worker.NewExecutor(worker.Handlers{
		FileChanged: func(context.Context, *job.Job, job.FileChanged) error {
			called = true
			return nil
		},
	})

	if err := exec.Execute(context.Background(), newJob(job.KindFileChanged, `{"file_id":`)); err == nil {
		t.Fatal("expected decode error")
	}
	if called {
		t.Error("handler ran with an undecodable payload")
	}
}

func TestExecutor_MiddlewareWrapsDispatch(t *testing.T) {
	exec := worker.NewExecutor(worker.Handlers{
		MessageIngested: func(context.Context, *job.Job, job.MessageIngested) error {
			panic("extractor client nil")
		},
	}, middleware.Recover(slog.Default()))

	err := exec.Execute(context.Background(), newJob(job.KindMessageIngested, `{}`))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v, want recovered panic", err)
	}
}

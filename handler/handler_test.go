package handler_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/xraph/conduit/collab"
	"github.com/xraph/conduit/handler"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

type fakeExtractor struct {
	res   *collab.Extraction
	err   error
	calls []collab.ExtractContext
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, ec collab.ExtractContext) (*collab.Extraction, error) {
	f.calls = append(f.calls, ec)
	return f.res, f.err
}

type fakeNotifier struct {
	err  error
	sent []collab.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n collab.Notification) error {
	f.sent = append(f.sent, n)
	return f.err
}

type fakeDestination struct {
	match    *collab.Reference
	writeErr error
	written  map[string]string
}

func (f *fakeDestination) FindMatch(context.Context, string) (*collab.Reference, error) {
	return f.match, nil
}

func (f *fakeDestination) Write(_ context.Context, ref collab.Reference, content string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	if f.written == nil {
		f.written = map[string]string{}
	}
	f.written[ref.ID] = content
	return nil
}

var quiet = slog.New(slog.DiscardHandler)

func testJob(kind job.Kind) *job.Job {
	return &job.Job{ID: id.NewJobID(), TenantID: "tenant-a", Kind: kind, Status: job.StatusProcessing}
}

func TestMessageIngested(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		res        *collab.Extraction
		extractErr error
		notifyErr  error
		wantErr    bool
		wantNotify int
	}{
		{name: "confident suggestion", text: "ship friday", res: &collab.Extraction{Title: "Ship", Confidence: 0.95}, wantNotify: 1},
		{name: "low confidence completes", text: "lunch?", res: &collab.Extraction{Title: "Lunch", Confidence: 0.2}},
		{name: "no suggestion completes", text: "hello"},
		{name: "empty text skipped", text: ""},
		{name: "notify failure ignored", text: "ship", res: &collab.Extraction{Confidence: 0.9}, notifyErr: errors.New("slack down"), wantNotify: 1},
		{name: "extractor error fails", text: "ship", extractErr: errors.New("502"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := &fakeExtractor{res: tt.res, err: tt.extractErr}
			nt := &fakeNotifier{err: tt.notifyErr}
			h := handler.New(handler.WithExtractor(ex), handler.WithNotifier(nt), handler.WithLogger(quiet)).Handlers()

			err := h.MessageIngested(context.Background(), testJob(job.KindMessageIngested),
				job.MessageIngested{Text: tt.text, ChannelID: "C1", UserID: "U1"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(nt.sent) != tt.wantNotify {
				t.Fatalf("notifications = %d, want %d", len(nt.sent), tt.wantNotify)
			}
			if tt.text != "" && len(ex.calls) == 1 {
				if ec := ex.calls[0]; ec.Source != "message" || ec.ChannelID != "C1" || ec.TenantID != "tenant-a" {
					t.Errorf("extract context = %+v", ec)
				}
			}
		})
	}
}

func TestTranscriptReady(t *testing.T) {
	ex := &fakeExtractor{res: &collab.Extraction{Title: "Action items", Confidence: 0.8}}
	nt := &fakeNotifier{}
	h := handler.New(handler.WithExtractor(ex), handler.WithNotifier(nt), handler.WithMinConfidence(0.75), handler.WithLogger(quiet))

	err := h.TranscriptReady(context.Background(), testJob(job.KindTranscriptReady),
		job.TranscriptReady{MeetingID: "M1", Title: "Weekly sync", Transcript: "..."})
	if err != nil {
		t.Fatalf("TranscriptReady: %v", err)
	}
	if len(ex.calls) != 1 || ex.calls[0].Source != "transcript" || ex.calls[0].Title != "Weekly sync" {
		t.Errorf("extract calls = %+v", ex.calls)
	}
	if len(nt.sent) != 1 || nt.sent[0].Kind != "suggestion" {
		t.Errorf("notifications = %+v", nt.sent)
	}
}

func TestFileChanged(t *testing.T) {
	ref := &collab.Reference{ID: "doc-1", Title: "Roadmap"}

	tests := []struct {
		name      string
		dest      *fakeDestination
		notifyErr error
		wantErr   bool
		wantWrite bool
	}{
		{name: "match is written", dest: &fakeDestination{match: ref}, wantWrite: true},
		{name: "no match completes", dest: &fakeDestination{}},
		{name: "write error fails", dest: &fakeDestination{match: ref, writeErr: errors.New("409")}, wantErr: true},
		{name: "notify failure ignored", dest: &fakeDestination{match: ref}, notifyErr: errors.New("down"), wantWrite: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handler.New(
				handler.WithDestination(tt.dest),
				handler.WithNotifier(&fakeNotifier{err: tt.notifyErr}),
				handler.WithLogger(quiet),
			)

			err := h.FileChanged(context.Background(), testJob(job.KindFileChanged),
				job.FileChanged{FileID: "F1", Title: "Roadmap", Content: "v2"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := tt.dest.written["doc-1"] == "v2"; got != tt.wantWrite {
				t.Errorf("written = %v, want %v", tt.dest.written, tt.wantWrite)
			}
		})
	}
}

// Package handler implements the default job handlers. Messages and
// transcripts go through the extraction collaborator and confident
// suggestions are announced through the notifier; file changes are synced
// to the destination collaborator.
package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/conduit/collab"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/worker"
)

// DefaultMinConfidence is the extraction confidence below which a
// suggestion is dropped.
const DefaultMinConfidence = 0.7

// Set holds the collaborators the handlers call.
type Set struct {
	extractor     collab.Extractor
	destination   collab.Destination
	notifier      collab.Notifier
	minConfidence float64
	notifyTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Set.
type Option func(*Set)

// WithExtractor sets the extraction collaborator.
func WithExtractor(e collab.Extractor) Option { return func(s *Set) { s.extractor = e } }

// WithDestination sets the destination collaborator.
func WithDestination(d collab.Destination) Option { return func(s *Set) { s.destination = d } }

// WithNotifier sets the notification collaborator.
func WithNotifier(n collab.Notifier) Option { return func(s *Set) { s.notifier = n } }

// WithMinConfidence sets the suggestion threshold.
func WithMinConfidence(c float64) Option { return func(s *Set) { s.minConfidence = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Set) { s.logger = l } }

// New creates a handler set. Missing collaborators default to no-ops.
func New(opts ...Option) *Set {
	s := &Set{
		extractor:     collab.NopExtractor{},
		destination:   collab.NopDestination{},
		notifier:      collab.NopNotifier{},
		minConfidence: DefaultMinConfidence,
		notifyTimeout: 10 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handlers binds the set to the worker's per-kind handler table.
func (s *Set) Handlers() worker.Handlers {
	return worker.Handlers{
		MessageIngested: s.MessageIngested,
		FileChanged:     s.FileChanged,
		TranscriptReady: s.TranscriptReady,
	}
}

// MessageIngested extracts a suggestion from a chat message.
func (s *Set) MessageIngested(ctx context.Context, j *job.Job, p job.MessageIngested) error {
	return s.extract(ctx, j, p.Text, collab.ExtractContext{
		TenantID:  j.TenantID,
		Source:    "message",
		ChannelID: p.ChannelID,
		UserID:    p.UserID,
	})
}

// TranscriptReady extracts a suggestion from a meeting transcript.
func (s *Set) TranscriptReady(ctx context.Context, j *job.Job, p job.TranscriptReady) error {
	return s.extract(ctx, j, p.Transcript, collab.ExtractContext{
		TenantID:   j.TenantID,
		Source:     "transcript",
		Title:      p.Title,
		OccurredAt: p.RecordedAt,
	})
}

// FileChanged writes the new content to the matching destination document.
// A file without a match completes without writing.
func (s *Set) FileChanged(ctx context.Context, j *job.Job, p job.FileChanged) error {
	ref, err := s.destination.FindMatch(ctx, p.Title)
	if err != nil {
		return err
	}
	if ref == nil {
		s.logger.Debug("no destination match for file",
			slog.String("job_id", j.ID.String()),
			slog.String("file_id", p.FileID),
		)
		return nil
	}
	if err := s.destination.Write(ctx, *ref, p.Content); err != nil {
		return err
	}

	s.notify(ctx, j, collab.Notification{
		TenantID: j.TenantID,
		Kind:     "document_synced",
		Title:    ref.Title,
		Message:  "Document updated from " + p.Title,
		URL:      ref.URL,
		Fields:   map[string]any{"job_id": j.ID.String(), "file_id": p.FileID},
	})
	return nil
}

func (s *Set) extract(ctx context.Context, j *job.Job, text string, ec collab.ExtractContext) error {
	if text == "" {
		return nil
	}

	res, err := s.extractor.Extract(ctx, text, ec)
	if err != nil {
		return err
	}
	if res == nil || res.Confidence < s.minConfidence {
		s.logger.Debug("no suggestion",
			slog.String("job_id", j.ID.String()),
			slog.String("source", ec.Source),
		)
		return nil
	}

	s.notify(ctx, j, collab.Notification{
		TenantID: j.TenantID,
		Kind:     "suggestion",
		Title:    res.Title,
		Message:  res.Summary,
		Fields: map[string]any{
			"job_id":     j.ID.String(),
			"source":     ec.Source,
			"confidence": res.Confidence,
		},
	})
	return nil
}

// notify delivers n and only logs failures.
func (s *Set) notify(ctx context.Context, j *job.Job, n collab.Notification) {
	ctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification failed",
			slog.String("job_id", j.ID.String()),
			slog.String("kind", n.Kind),
			slog.String("error", err.Error()),
		)
	}
}

package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store    Store
	jobStore job.Store
	clock    clock.PassiveClock
}

// NewService creates a DLQ service. A nil clock means wall time.
func NewService(store Store, jobStore job.Store, clk clock.PassiveClock) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{store: store, jobStore: jobStore, clock: clk}
}

// Replay puts the job behind a DLQ entry back in the queue and marks the
// entry as replayed. The original job is requeued with a fresh attempt
// budget when it still exists; otherwise a new job is created from the
// payload snapshot. An entry whose snapshot was already turned into a new
// job cannot be replayed again and yields conduit.ErrInvalidState.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()

	j, err := s.jobStore.RetryJob(ctx, entry.JobID, now, now)
	switch {
	case err == nil:
	case errors.Is(err, conduit.ErrJobNotFound):
		if entry.ReplayedAt != nil {
			return nil, fmt.Errorf("replay %s: already replayed at %s: %w",
				entryID, entry.ReplayedAt.Format(time.RFC3339), conduit.ErrInvalidState)
		}
		j = &job.Job{
			ID:           id.NewJobID(),
			TenantID:     entry.TenantID,
			Kind:         entry.Kind,
			Status:       job.StatusPending,
			Priority:     entry.Priority,
			MaxAttempts:  entry.MaxAttempts,
			Payload:      entry.Payload,
			ScheduledFor: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if insertErr := s.jobStore.InsertJob(ctx, j); insertErr != nil {
			return nil, fmt.Errorf("replay %s: %w", entryID, insertErr)
		}
	default:
		return nil, fmt.Errorf("replay %s: %w", entryID, err)
	}

	if err := s.store.MarkReplayed(ctx, entryID, now); err != nil {
		// The job is already back in the queue.
		return j, err
	}

	return j, nil
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/upstream"
)

func (s *Supervisor) readLoop(ctx context.Context, tc *tenantConn, gen uint64, stream upstream.Stream) {
	defer s.wg.Done()

	for {
		env, err := stream.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, upstream.ErrStreamClosed) {
				return
			}
			s.streamLost(tc, gen, err)
			return
		}

		s.mu.Lock()
		if tc.gen == gen {
			tc.lastActivityAt = s.clock.Now()
		}
		s.mu.Unlock()

		s.handleEnvelope(ctx, tc, stream, env)
	}
}

// handleEnvelope enqueues an events envelope and then acks it. Nothing is
// processed inline. A failed enqueue skips the ack so the upstream
// redelivers the envelope.
func (s *Supervisor) handleEnvelope(ctx context.Context, tc *tenantConn, stream upstream.Stream, env upstream.Envelope) {
	log := s.logger.With(
		slog.String("tenant_id", tc.tenantID),
		slog.String("envelope_id", env.ID),
	)

	if env.Type != upstream.EnvelopeEvents {
		log.Debug("ignoring non-event envelope", slog.String("type", env.Type))
		s.ack(ctx, stream, env.ID, log)
		return
	}

	payload, dedupeKey, err := messagePayload(env)
	if err != nil {
		// A payload that never parses would be redelivered forever.
		log.Error("dropping malformed event envelope", slog.String("error", err.Error()))
		s.ack(ctx, stream, env.ID, log)
		return
	}

	if tc.seen.Contains(dedupeKey) {
		log.Debug("duplicate event already enqueued", slog.String("event_id", payload.EventID))
		s.ack(ctx, stream, env.ID, log)
		return
	}

	ectx, cancel := context.WithTimeout(ctx, s.enqueueTimeout)
	defer cancel()

	_, raw, err := job.Encode(payload)
	if err == nil {
		var j *job.Job
		j, err = s.enqueuer.Enqueue(ectx, tc.tenantID, job.KindMessageIngested, raw)
		if err == nil {
			tc.seen.Add(dedupeKey, struct{}{})
			log.Debug("event enqueued",
				slog.String("event_id", payload.EventID),
				slog.String("job_id", j.ID.String()),
			)
			s.ack(ctx, stream, env.ID, log)
			return
		}
	}

	log.Error("event enqueue failed, leaving unacknowledged",
		slog.String("event_id", payload.EventID),
		slog.String("error", err.Error()),
	)
}

func (s *Supervisor) ack(ctx context.Context, stream upstream.Stream, envelopeID string, log *slog.Logger) {
	if envelopeID == "" {
		return
	}
	if err := stream.Ack(ctx, envelopeID); err != nil {
		log.Warn("ack failed", slog.String("error", err.Error()))
	}
}

// messagePayload builds the message-ingested payload for an events
// envelope. The dedupe key is the upstream event ID, or the envelope ID
// when the event carries none.
func messagePayload(env upstream.Envelope) (job.MessageIngested, string, error) {
	var cb upstream.EventCallback
	if err := json.Unmarshal(env.Payload, &cb); err != nil {
		return job.MessageIngested{}, "", err
	}
	var ev upstream.MessageEvent
	if len(cb.Event) > 0 {
		if err := json.Unmarshal(cb.Event, &ev); err != nil {
			return job.MessageIngested{}, "", err
		}
	}

	key := cb.EventID
	if key == "" {
		key = env.ID
	}

	return job.MessageIngested{
		TeamID:    cb.TeamID,
		ChannelID: ev.Channel,
		UserID:    ev.User,
		Text:      ev.Text,
		TS:        ev.TS,
		ThreadTS:  ev.ThreadTS,
		EventID:   cb.EventID,
		EventType: ev.Type,
		Raw:       cb.Event,
	}, key, nil
}

package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/conduit/upstream"
)

// Tenant is one entry of the startup roster.
type Tenant struct {
	ID          string               `json:"id"`
	Credentials upstream.Credentials `json:"credentials"`
}

// StartupReport summarizes InitializeAll.
type StartupReport struct {
	Connected []string         `json:"connected"`
	Failed    map[string]error `json:"-"`
	Batches   int              `json:"batches"`
	Elapsed   time.Duration    `json:"elapsed"`
}

// InitializeAll connects tenants in fixed-size batches with a pause between
// batches. Tenants within a batch connect concurrently and one tenant's
// failure never blocks another. Failed tenants stay registered with a
// reconnect scheduled.
func (s *Supervisor) InitializeAll(ctx context.Context, tenants []Tenant) StartupReport {
	start := s.clock.Now()
	report := StartupReport{Failed: make(map[string]error)}
	var mu sync.Mutex

	for i := 0; i < len(tenants); i += s.batchSize {
		if i > 0 {
			select {
			case <-ctx.Done():
				for _, t := range tenants[i:] {
					report.Failed[t.ID] = ctx.Err()
				}
				return s.finish(report, start)
			case <-s.clock.After(s.batchDelay):
			}
		}

		batch := tenants[i:min(i+s.batchSize, len(tenants))]
		report.Batches++

		var g errgroup.Group
		g.SetLimit(s.batchSize)
		for _, t := range batch {
			g.Go(func() error {
				err := s.ConnectTenant(ctx, t.ID, t.Credentials)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Failed[t.ID] = err
				} else {
					report.Connected = append(report.Connected, t.ID)
				}
				return nil
			})
		}
		_ = g.Wait()

		s.logger.Info("startup batch finished",
			slog.Int("batch", report.Batches),
			slog.Int("size", len(batch)),
		)
	}

	return s.finish(report, start)
}

func (s *Supervisor) finish(report StartupReport, start time.Time) StartupReport {
	report.Elapsed = s.clock.Since(start)
	s.logger.Info("tenant startup complete",
		slog.Int("connected", len(report.Connected)),
		slog.Int("failed", len(report.Failed)),
		slog.Int("batches", report.Batches),
		slog.Duration("elapsed", report.Elapsed),
	)
	return report
}

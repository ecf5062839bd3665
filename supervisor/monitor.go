package supervisor

import (
	"context"
	"log/slog"
	"sort"
)

// Health classifies a tenant connection.
type Health string

const (
	HealthActive       Health = "active"
	HealthIdle         Health = "idle"
	HealthDisconnected Health = "disconnected"
)

// HealthReport is the result of one heartbeat scan.
type HealthReport struct {
	Active       []string `json:"active"`
	Idle         []string `json:"idle"`
	Disconnected []string `json:"disconnected"`
}

// Monitor scans every tenant on the heartbeat interval until ctx ends. It
// only classifies; it never reconnects or evicts a tenant.
func (s *Supervisor) Monitor(ctx context.Context) {
	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Scan()
		}
	}
}

// Scan classifies every tenant once. A connected tenant is active when it
// saw activity within the idle threshold and idle otherwise.
func (s *Supervisor) Scan() HealthReport {
	now := s.clock.Now()

	type change struct {
		tenantID string
		from, to Health
	}
	var report HealthReport
	var changes []change

	s.mu.Lock()
	for _, tc := range s.tenants {
		h := HealthDisconnected
		if tc.connected {
			h = HealthActive
			if now.Sub(tc.lastActivityAt) > s.idleThreshold {
				h = HealthIdle
			}
		}
		if h != tc.health {
			changes = append(changes, change{tc.tenantID, tc.health, h})
			tc.health = h
		}
		switch h {
		case HealthActive:
			report.Active = append(report.Active, tc.tenantID)
		case HealthIdle:
			report.Idle = append(report.Idle, tc.tenantID)
		default:
			report.Disconnected = append(report.Disconnected, tc.tenantID)
		}
	}
	s.mu.Unlock()

	sort.Strings(report.Active)
	sort.Strings(report.Idle)
	sort.Strings(report.Disconnected)

	for _, c := range changes {
		s.logger.Info("tenant health changed",
			slog.String("tenant_id", c.tenantID),
			slog.String("from", string(c.from)),
			slog.String("to", string(c.to)),
		)
	}
	s.logger.Debug("heartbeat scan",
		slog.Int("active", len(report.Active)),
		slog.Int("idle", len(report.Idle)),
		slog.Int("disconnected", len(report.Disconnected)),
	)
	return report
}

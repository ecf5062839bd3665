// Package alert is the boundary to the external monitoring collaborator.
// Critical events (reconnect exhaustion, dead-letter creation) are reported
// through [Reporter.ReportCritical]. Reporting is fire-and-forget: a
// reporter never returns an error to the caller.
package alert

import (
	"context"
	"log/slog"
)

// Categories of critical events.
const (
	CategoryDeadLetter         = "dead_letter"
	CategoryReconnectExhausted = "reconnect_exhausted"
)

// Reporter forwards critical events to monitoring.
type Reporter interface {
	ReportCritical(ctx context.Context, category, message string, fields map[string]any)
}

// Func adapts a function to a Reporter.
type Func func(ctx context.Context, category, message string, fields map[string]any)

// ReportCritical calls f.
func (f Func) ReportCritical(ctx context.Context, category, message string, fields map[string]any) {
	f(ctx, category, message, fields)
}

// Nop discards every report.
type Nop struct{}

// ReportCritical does nothing.
func (Nop) ReportCritical(context.Context, string, string, map[string]any) {}

// Logger reports critical events as error-level log records.
type Logger struct {
	logger *slog.Logger
}

// NewLogger returns a Reporter that logs through l.
func NewLogger(l *slog.Logger) *Logger {
	if l == nil {
		l = slog.Default()
	}
	return &Logger{logger: l}
}

// ReportCritical logs the event with its fields as attributes.
func (r *Logger) ReportCritical(ctx context.Context, category, message string, fields map[string]any) {
	attrs := make([]slog.Attr, 0, len(fields)+1)
	attrs = append(attrs, slog.String("category", category))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.LogAttrs(ctx, slog.LevelError, message, attrs...)
}

// Multi fans a report out to several reporters in order.
type Multi []Reporter

// ReportCritical forwards to every reporter.
func (m Multi) ReportCritical(ctx context.Context, category, message string, fields map[string]any) {
	for _, r := range m {
		r.ReportCritical(ctx, category, message, fields)
	}
}

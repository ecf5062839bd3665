package audithook

import (
	"log/slog"
	"slices"
)

// Option configures an Extension.
type Option func(*Extension)

// WithActions keeps only events whose action is listed.
func WithActions(actions ...string) Option {
	return keep(func(evt *AuditEvent) bool { return slices.Contains(actions, evt.Action) })
}

// WithCategories keeps only events in the listed categories, for example
// CategoryConnection alone for a connection audit trail.
func WithCategories(categories ...string) Option {
	return keep(func(evt *AuditEvent) bool { return slices.Contains(categories, evt.Category) })
}

// WithLogger sets the logger used when the recorder fails.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

// keep adds a filter. An event is recorded only if every filter accepts it.
func keep(f func(*AuditEvent) bool) Option {
	return func(e *Extension) { e.filters = append(e.filters, f) }
}

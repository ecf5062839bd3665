// Package middleware wraps job attempts.
//
// The worker's Executor runs each claimed job through a [Chain] before the
// kind's handler. The engine installs, outermost first:
//
//	Tracing, Metrics, Recover, Tenant, Logging, Timeout
//
// followed by any caller middleware. Recover sits inside the
// instrumentation so Tracing and Metrics see a panic as a [*PanicError].
package middleware

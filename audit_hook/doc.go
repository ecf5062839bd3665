// Package audithook is a conduit extension that turns lifecycle events into
// an audit trail.
//
// Every job and connection hook emits a structured AuditEvent through the
// [Recorder] interface. Severity is info for normal operations, warning for
// retries and lost connections, and critical for dead letters and exhausted
// reconnects. Metadata carries the tenant, kind, attempts and errors.
//
// # Usage
//
//	engine.WithExtension(audithook.New(audithook.NewSlogRecorder(logger)))
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobDeadLettered,
//	        audithook.ActionReconnectExhausted,
//	    ),
//	)
package audithook

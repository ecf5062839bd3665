// Package ext defines the extension system for conduit.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, writing audit logs, and so on. Each lifecycle hook is
// a separate interface so extensions opt in only to the events they care
// about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnJobDeadLettered(ctx context.Context, j *job.Job, entry *dlq.Entry) error {
//	    log.Printf("job %s dead-lettered after %d attempts", j.ID, entry.Attempts)
//	    return nil
//	}
//
// # Job Hooks
//
//   - [JobEnqueued]: job was accepted into the queue
//   - [JobStarted]: a worker began executing the job
//   - [JobCompleted]: job finished successfully
//   - [JobRetrying]: job failed and was rescheduled
//   - [JobDeadLettered]: job spent its attempt budget
//
// # Connection Hooks
//
//   - [TenantConnected], [TenantDisconnected]
//   - [ReconnectScheduled], [ReconnectExhausted]
//
// # Other Hooks
//
//   - [Shutdown]: the engine is shutting down gracefully
//
// Hook errors are logged and never propagated.
package ext

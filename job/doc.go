// Package job defines the job entity, its kinds and payload variants, and
// the store interface.
//
// # Lifecycle
//
//	pending → processing → completed
//	pending → processing → pending (retry, attempts+1, delayed)
//	pending → processing → failed (attempt budget spent, dead-lettered)
//	failed → pending (administrative retry, attempts reset)
//
// A job is eligible for claim iff it is pending and ScheduledFor has
// passed. The transition helpers on [Job] are shared by every store backend
// so that all of them apply identical field changes.
//
// # Kinds
//
// [Kind] tags the payload variant. [Payload] is a closed sum type:
// [MessageIngested], [FileChanged] and [TranscriptReady]. [Decode] switches
// over every kind and reports unknown ones as conduit.ErrUnknownKind.
package job

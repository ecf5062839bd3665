// Package dlq holds dead-letter records for jobs that spent their attempt
// budget.
//
// An [Entry] is created exactly once per exhaustion, by the store, inside
// the same atomic operation that moves the job to failed. It captures the
// job identity, tenant, kind, final error, attempt counts and a payload
// snapshot.
//
// [Service.Replay] requeues the original job (or recreates it from the
// snapshot when the job row is gone) and stamps ReplayedAt.
package dlq

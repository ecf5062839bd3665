// Package store combines the job and dead-letter contracts into the single
// interface a backend implements.
//
// Beyond the two sub-stores a backend provides FailJob, which reschedules
// or dead-letters a processing job in one atomic step, and the Migrate,
// Ping and Close lifecycle calls. ClaimJob must be one atomic operation as
// well, since workers in separate processes coordinate through nothing
// else. The backends are store/memory, store/postgres, store/sqlite and
// store/redis; storetest holds the behavioural suite all of them pass.
package store

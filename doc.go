// Package conduit provides the background-processing core of a multi-tenant
// ingestion service: a persistent job queue shared by any number of worker
// processes, and a per-tenant connection supervisor that feeds it.
//
// # Architecture
//
// Work enters through the queue package (or the supervisor, which turns each
// inbound stream event into a job). Jobs are persisted by one of the store
// backends and claimed atomically by worker loops:
//
//	upstream event → supervisor → queue.Enqueue → store
//	worker.Loop → queue.ClaimNext → worker.Executor → handler → Complete / Fail
//
// Every backend implements the same claim primitive as a single atomic
// operation, so workers coordinate only through the store. A per-tenant cap
// keeps one noisy tenant from taking all worker capacity.
//
// Failed jobs are retried with capped exponential backoff. When the attempt
// budget is spent the job is marked failed and a dead-letter record is written
// in the same store operation.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithHandlers(handlers),
//	    engine.WithSource(upstream.NewWebSocketSource()),
//	)
//	eng.Start(ctx)
//
// Entity IDs are prefixed, time-sortable identifiers (see package id).
package conduit

// Package supervisor keeps one live upstream stream per tenant and turns
// every inbound event into a queued job.
//
// The Supervisor is an explicit registry: connections, reconnect timers and
// health state all live on the instance, never in package state. Streams
// that drop are reconnected with exponential backoff on the injected clock;
// once a tenant exhausts its reconnect budget a single critical alert is
// raised and the tenant stays down until an operator calls Reconnect.
//
// Inbound envelopes are enqueued and only then acknowledged. A failed
// enqueue leaves the envelope unacknowledged so the upstream redelivers it,
// and a per-tenant cache of recently enqueued event IDs keeps a lost ack from
// producing a duplicate job.
package supervisor

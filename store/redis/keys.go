package redis

import (
	"fmt"
	"strconv"
	"time"
)

// Redis key naming conventions for conduit data.
// All keys are prefixed with "conduit:" to avoid collisions.

const keyPrefix = "conduit:"

// ── Job keys ──

// jobKeyPrefix precedes the job ID in a job hash key. The claim script
// builds job keys from it.
const jobKeyPrefix = keyPrefix + "job:"

// jobKey returns the Hash key for a job entity: conduit:job:{id}
func jobKey(id string) string { return jobKeyPrefix + id }

// jobsKey is the Sorted Set of every job ID scored by created_at. Equal
// scores fall back to member order, which is ID order.
const jobsKey = keyPrefix + "jobs"

// pendingKey is the Sorted Set of pending jobs scored by -priority with
// members built by pendingMember, so ZRANGE yields claim order.
const pendingKey = keyPrefix + "pending"

// processingKey is the Sorted Set of processing job IDs scored by locked_at.
const processingKey = keyPrefix + "processing"

// inFlightKey is the Hash of processing-job counts per tenant.
const inFlightKey = keyPrefix + "in_flight"

// completedKey is the Sorted Set of completed job IDs scored by completed_at.
const completedKey = keyPrefix + "completed"

// failedKey returns the Set of failed job IDs of a tenant.
func failedKey(tenantID string) string { return keyPrefix + "failed:" + tenantID }

// pendingMember encodes created_at as 20 zero-padded digits ahead of the ID
// so that lexicographic member order is created_at ASC, id ASC.
func pendingMember(created time.Time, id string) string {
	return fmt.Sprintf("%020d:%s", created.UnixMicro(), id)
}

// ── DLQ keys ──

// dlqKey returns the key holding a msgpack-encoded DLQ entry: conduit:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqIndexKey is the Sorted Set of every DLQ entry ID scored by failed_at.
const dlqIndexKey = keyPrefix + "dlq_index"

// dlqTenantKey returns the Sorted Set of a tenant's DLQ entry IDs.
func dlqTenantKey(tenantID string) string { return keyPrefix + "dlq_tenant:" + tenantID }

// ── encoding ──

func micros(t time.Time) string { return strconv.FormatInt(t.UnixMicro(), 10) }

func score(t time.Time) float64 { return float64(t.UnixMicro()) }

package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
	"github.com/xraph/conduit/job"
	"github.com/xraph/conduit/store"
)

// claimScript walks the pending set in claim order and claims the first
// due job whose tenant is under the cap.
//
// KEYS: pending, processing, in-flight counts.
// ARGV: now (unix micros), max per tenant, worker ID, job key prefix.
var claimScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, member in ipairs(members) do
	local jobId = string.sub(member, 22)
	local key = ARGV[4] .. jobId
	local fields = redis.call('HMGET', key, 'scheduled_for', 'tenant_id')
	if fields[1] and tonumber(fields[1]) <= now then
		local inFlight = tonumber(redis.call('HGET', KEYS[3], fields[2]) or '0')
		if cap <= 0 or inFlight < cap then
			redis.call('ZREM', KEYS[1], member)
			redis.call('ZADD', KEYS[2], ARGV[1], jobId)
			redis.call('HINCRBY', KEYS[3], fields[2], 1)
			redis.call('HSET', key,
				'status', 'processing',
				'claimed_by', ARGV[3],
				'locked_at', ARGV[1],
				'updated_at', ARGV[1])
			return redis.call('HGETALL', key)
		end
	end
end
return false
`)

// errSkip aborts a transaction without writing anything.
var errSkip = errors.New("conduit/redis: skip")

var errContended = errors.New("conduit/redis: too many concurrent writers")

// InsertJob stores the job Hash and adds it to its indexes.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	return s.watch(ctx, "insert job", func(tx *goredis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return conduit.ErrJobAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, jobToMap(j))
			pipe.ZAdd(ctx, jobsKey, goredis.Z{Score: score(j.CreatedAt), Member: jID})
			index(ctx, pipe, j)
			return nil
		})
		return err
	}, key)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, jobKey(jobID.String())).Result()
	if err != nil {
		return nil, wrapErr("get job", err)
	}
	if len(vals) == 0 {
		return nil, conduit.ErrJobNotFound
	}
	return mapToJob(vals)
}

// ClaimJob runs the claim script.
func (s *Store) ClaimJob(ctx context.Context, workerID string, maxPerTenant int, now time.Time) (*job.Job, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{pendingKey, processingKey, inFlightKey},
		micros(now), maxPerTenant, workerID, jobKeyPrefix,
	).Slice()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, wrapErr("claim job", err)
	}

	vals := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		k, _ := res[i].(string)
		v, _ := res[i+1].(string)
		vals[k] = v
	}
	return mapToJob(vals)
}

// CompleteJob moves a processing job claimed by workerID to completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID string, now time.Time) (*job.Job, error) {
	j, err := s.mutate(ctx, "complete job", jobID.String(), func(j *job.Job, _ goredis.Pipeliner) error {
		switch j.Status {
		case job.StatusCompleted:
			return errSkip
		case job.StatusProcessing:
			if j.ClaimedBy != workerID {
				return conduit.ErrInvalidState
			}
			j.Complete(now)
			return nil
		default:
			return conduit.ErrInvalidState
		}
	})
	if errors.Is(err, errSkip) {
		return j, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// FailJob records a failed attempt. On exhaustion the DLQ entry is written
// in the same MULTI as the job.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, p store.FailParams) (*job.Job, *dlq.Entry, error) {
	var entry *dlq.Entry
	j, err := s.mutate(ctx, "fail job", jobID.String(), func(j *job.Job, pipe goredis.Pipeliner) error {
		if j.Status != job.StatusProcessing || j.ClaimedBy != p.WorkerID {
			return conduit.ErrInvalidState
		}
		entry = store.ApplyFailure(j, p)
		if entry == nil {
			return nil
		}
		return queueDLQWrite(ctx, pipe, entry)
	})
	if err != nil {
		return nil, nil, err
	}
	return j, entry, nil
}

// RetryJob moves a failed job back to pending with attempts reset.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, scheduledFor, now time.Time) (*job.Job, error) {
	return s.mutate(ctx, "retry job", jobID.String(), func(j *job.Job, _ goredis.Pipeliner) error {
		if j.Status != job.StatusFailed {
			return conduit.ErrInvalidState
		}
		j.Requeue(scheduledFor, now)
		return nil
	})
}

// ListJobs returns jobs matching the given options, oldest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.ZRange(ctx, jobsKey, 0, -1).Result()
	if err != nil {
		return nil, wrapErr("list jobs", err)
	}
	all, err := s.loadJobs(ctx, ids)
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(all))
	for _, j := range all {
		if opts.TenantID != "" && j.TenantID != opts.TenantID {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		jobs = append(jobs, j)
	}
	return paginate(jobs, opts.Offset, opts.Limit), nil
}

// CountJobs returns per-status totals.
func (s *Store) CountJobs(ctx context.Context, tenantID string) (job.Counts, error) {
	var c job.Counts

	ids, err := s.client.ZRange(ctx, jobsKey, 0, -1).Result()
	if err != nil {
		return c, wrapErr("count jobs", err)
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, jID := range ids {
			pipe.HMGet(ctx, jobKey(jID), "tenant_id", "status")
		}
		return nil
	})
	if err != nil {
		return c, wrapErr("count jobs", err)
	}

	for _, cmd := range cmds {
		vals := cmd.(*goredis.SliceCmd).Val()
		tenant, _ := vals[0].(string)
		status, _ := vals[1].(string)
		if status == "" || (tenantID != "" && tenant != tenantID) {
			continue
		}
		c.Add(job.Status(status), 1)
	}
	return c, nil
}

// DeleteCompletedBefore purges completed jobs finished before the cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, completedKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + micros(before),
	}).Result()
	if err != nil {
		return 0, wrapErr("delete completed jobs", err)
	}

	return s.deleteEach(ctx, "delete completed jobs", ids, func(j *job.Job) bool {
		return j.Status == job.StatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(before)
	})
}

// RetryFailedJobs requeues every failed job of a tenant.
func (s *Store) RetryFailedJobs(ctx context.Context, tenantID string, scheduledFor, now time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, failedKey(tenantID)).Result()
	if err != nil {
		return 0, wrapErr("retry failed jobs", err)
	}

	return s.mutateEach(ctx, "retry failed jobs", ids, func(j *job.Job) bool {
		if j.Status != job.StatusFailed || j.TenantID != tenantID {
			return false
		}
		j.Requeue(scheduledFor, now)
		return true
	})
}

// DeleteFailedJobs removes every failed job of a tenant.
func (s *Store) DeleteFailedJobs(ctx context.Context, tenantID string) (int64, error) {
	ids, err := s.client.SMembers(ctx, failedKey(tenantID)).Result()
	if err != nil {
		return 0, wrapErr("delete failed jobs", err)
	}

	return s.deleteEach(ctx, "delete failed jobs", ids, func(j *job.Job) bool {
		return j.Status == job.StatusFailed && j.TenantID == tenantID
	})
}

// RequeueStaleJobs releases processing jobs locked before the cutoff.
func (s *Store) RequeueStaleJobs(ctx context.Context, lockedBefore, now time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, processingKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + micros(lockedBefore),
	}).Result()
	if err != nil {
		return 0, wrapErr("requeue stale jobs", err)
	}

	return s.mutateEach(ctx, "requeue stale jobs", ids, func(j *job.Job) bool {
		if j.Status != job.StatusProcessing || j.LockedAt == nil || !j.LockedAt.Before(lockedBefore) {
			return false
		}
		j.Release(now)
		return true
	})
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// watch runs fn under WATCH keys, retrying when another client wrote a
// watched key first.
func (s *Store) watch(ctx context.Context, op string, fn func(tx *goredis.Tx) error, keys ...string) error {
	for range s.maxRetries {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return wrapErr(op, err)
	}
	return fmt.Errorf("conduit/redis: %s: %w", op, errContended)
}

// mutate loads a job under WATCH, applies fn and commits the job Hash with
// its index changes in one MULTI. fn may queue extra commands on pipe, or
// return errSkip to leave the job untouched; the loaded job is returned
// alongside errSkip.
func (s *Store) mutate(
	ctx context.Context,
	op string,
	jobID string,
	fn func(j *job.Job, pipe goredis.Pipeliner) error,
) (*job.Job, error) {
	key := jobKey(jobID)
	var out *job.Job

	err := s.watch(ctx, op, func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return conduit.ErrJobNotFound
		}
		j, err := mapToJob(vals)
		if err != nil {
			return err
		}
		before := *j
		out = j

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if err := fn(j, pipe); err != nil {
				return err
			}
			unindex(ctx, pipe, &before)
			pipe.HSet(ctx, key, jobToMap(j))
			index(ctx, pipe, j)
			return nil
		})
		return err
	}, key)
	if err != nil {
		if errors.Is(err, errSkip) {
			return out, err
		}
		return nil, err
	}
	return out, nil
}

// mutateEach applies apply to every listed job that still qualifies and
// returns how many changed.
func (s *Store) mutateEach(ctx context.Context, op string, ids []string, apply func(j *job.Job) bool) (int64, error) {
	var n int64
	for _, jID := range ids {
		_, err := s.mutate(ctx, op, jID, func(j *job.Job, _ goredis.Pipeliner) error {
			if !apply(j) {
				return errSkip
			}
			return nil
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, errSkip), errors.Is(err, conduit.ErrJobNotFound):
		default:
			return n, err
		}
	}
	return n, nil
}

// deleteEach removes every listed job for which match holds.
func (s *Store) deleteEach(ctx context.Context, op string, ids []string, match func(j *job.Job) bool) (int64, error) {
	var n int64
	for _, jID := range ids {
		key := jobKey(jID)
		err := s.watch(ctx, op, func(tx *goredis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(vals) == 0 {
				return errSkip
			}
			j, err := mapToJob(vals)
			if err != nil {
				return err
			}
			if !match(j) {
				return errSkip
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				unindex(ctx, pipe, j)
				pipe.ZRem(ctx, jobsKey, jID)
				pipe.Del(ctx, key)
				return nil
			})
			return err
		}, key)
		switch {
		case err == nil:
			n++
		case errors.Is(err, errSkip):
		default:
			return n, err
		}
	}
	return n, nil
}

func (s *Store) loadJobs(ctx context.Context, ids []string) ([]*job.Job, error) {
	cmds, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, jID := range ids {
			pipe.HGetAll(ctx, jobKey(jID))
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("load jobs", err)
	}

	jobs := make([]*job.Job, 0, len(cmds))
	for _, cmd := range cmds {
		vals := cmd.(*goredis.MapStringStringCmd).Val()
		if len(vals) == 0 {
			continue
		}
		j, convErr := mapToJob(vals)
		if convErr != nil {
			return nil, convErr
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// ──────────────────────────────────────────────────
// Indexes
// ──────────────────────────────────────────────────

// index adds the job to the index for its status.
func index(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	switch j.Status {
	case job.StatusPending:
		pipe.ZAdd(ctx, pendingKey, goredis.Z{Score: float64(-j.Priority), Member: pendingMember(j.CreatedAt, jID)})
	case job.StatusProcessing:
		pipe.ZAdd(ctx, processingKey, goredis.Z{Score: score(orUpdated(j.LockedAt, j)), Member: jID})
		pipe.HIncrBy(ctx, inFlightKey, j.TenantID, 1)
	case job.StatusCompleted:
		pipe.ZAdd(ctx, completedKey, goredis.Z{Score: score(orUpdated(j.CompletedAt, j)), Member: jID})
	case job.StatusFailed:
		pipe.SAdd(ctx, failedKey(j.TenantID), jID)
	}
}

// unindex removes the job from the index for its status.
func unindex(ctx context.Context, pipe goredis.Pipeliner, j *job.Job) {
	jID := j.ID.String()
	switch j.Status {
	case job.StatusPending:
		pipe.ZRem(ctx, pendingKey, pendingMember(j.CreatedAt, jID))
	case job.StatusProcessing:
		pipe.ZRem(ctx, processingKey, jID)
		pipe.HIncrBy(ctx, inFlightKey, j.TenantID, -1)
	case job.StatusCompleted:
		pipe.ZRem(ctx, completedKey, jID)
	case job.StatusFailed:
		pipe.SRem(ctx, failedKey(j.TenantID), jID)
	}
}

func orUpdated(t *time.Time, j *job.Job) time.Time {
	if t != nil {
		return *t
	}
	return j.UpdatedAt
}

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

func jobToMap(j *job.Job) map[string]any {
	return map[string]any{
		"id":            j.ID.String(),
		"tenant_id":     j.TenantID,
		"kind":          string(j.Kind),
		"status":        string(j.Status),
		"priority":      strconv.Itoa(j.Priority),
		"attempts":      strconv.Itoa(j.Attempts),
		"max_attempts":  strconv.Itoa(j.MaxAttempts),
		"payload":       string(j.Payload),
		"error":         j.Error,
		"claimed_by":    j.ClaimedBy,
		"locked_at":     optMicros(j.LockedAt),
		"completed_at":  optMicros(j.CompletedAt),
		"scheduled_for": micros(j.ScheduledFor),
		"created_at":    micros(j.CreatedAt),
		"updated_at":    micros(j.UpdatedAt),
	}
}

func optMicros(t *time.Time) string {
	if t == nil {
		return ""
	}
	return micros(*t)
}

// fields parses Hash values, keeping the first error.
type fields struct {
	m   map[string]string
	err error
}

func (f *fields) int(name string) int {
	v, err := strconv.Atoi(f.m[name])
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("conduit/redis: field %s: %w", name, err)
	}
	return v
}

func (f *fields) time(name string) time.Time {
	v, err := strconv.ParseInt(f.m[name], 10, 64)
	if err != nil && f.err == nil {
		f.err = fmt.Errorf("conduit/redis: field %s: %w", name, err)
	}
	return time.UnixMicro(v).UTC()
}

func (f *fields) optTime(name string) *time.Time {
	if f.m[name] == "" {
		return nil
	}
	t := f.time(name)
	return &t
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("conduit/redis: parse job id: %w", err)
	}

	f := &fields{m: m}
	j := &job.Job{
		ID:           jID,
		TenantID:     m["tenant_id"],
		Kind:         job.Kind(m["kind"]),
		Status:       job.Status(m["status"]),
		Priority:     f.int("priority"),
		Attempts:     f.int("attempts"),
		MaxAttempts:  f.int("max_attempts"),
		Payload:      []byte(m["payload"]),
		Error:        m["error"],
		ClaimedBy:    m["claimed_by"],
		LockedAt:     f.optTime("locked_at"),
		CompletedAt:  f.optTime("completed_at"),
		ScheduledFor: f.time("scheduled_for"),
		CreatedAt:    f.time("created_at"),
		UpdatedAt:    f.time("updated_at"),
	}
	if f.err != nil {
		return nil, f.err
	}
	return j, nil
}

func queueDLQWrite(ctx context.Context, pipe goredis.Pipeliner, e *dlq.Entry) error {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("conduit/redis: encode dlq entry: %w", err)
	}
	eID := e.ID.String()
	z := goredis.Z{Score: score(e.FailedAt), Member: eID}
	pipe.Set(ctx, dlqKey(eID), b, 0)
	pipe.ZAdd(ctx, dlqIndexKey, z)
	pipe.ZAdd(ctx, dlqTenantKey(e.TenantID), z)
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// wrapErr prefixes err with the operation. Domain sentinels and errSkip
// pass through unchanged; network failures are marked unavailable.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{
		errSkip,
		conduit.ErrJobNotFound,
		conduit.ErrJobAlreadyExists,
		conduit.ErrInvalidState,
		conduit.ErrDLQNotFound,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("conduit/redis: %s: %w: %w", op, conduit.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("conduit/redis: %s: %w", op, err)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	if offset > 0 {
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/dlq"
	"github.com/xraph/conduit/id"
)

// ListDLQ returns entries newest first. Pagination runs on the index.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	key := dlqIndexKey
	if opts.TenantID != "" {
		key = dlqTenantKey(opts.TenantID)
	}

	start := int64(opts.Offset)
	stop := int64(-1)
	if opts.Limit > 0 {
		stop = start + int64(opts.Limit) - 1
	}

	ids, err := s.client.ZRevRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr("list dlq", err)
	}
	return s.loadEntries(ctx, ids)
}

// GetDLQ retrieves an entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	b, err := s.client.Get(ctx, dlqKey(entryID.String())).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, conduit.ErrDLQNotFound
		}
		return nil, wrapErr("get dlq", err)
	}
	return decodeEntry(b)
}

// MarkReplayed stamps ReplayedAt on an entry.
func (s *Store) MarkReplayed(ctx context.Context, entryID id.DLQID, at time.Time) error {
	key := dlqKey(entryID.String())

	return s.watch(ctx, "mark replayed", func(tx *goredis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return conduit.ErrDLQNotFound
			}
			return err
		}
		e, err := decodeEntry(b)
		if err != nil {
			return err
		}
		e.ReplayedAt = &at

		out, err := msgpack.Marshal(e)
		if err != nil {
			return fmt.Errorf("conduit/redis: encode dlq entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}, key)
}

// PurgeDLQ removes entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, dlqIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + micros(before),
	}).Result()
	if err != nil {
		return 0, wrapErr("purge dlq", err)
	}
	entries, err := s.loadEntries(ctx, ids)
	if err != nil {
		return 0, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, e := range entries {
			eID := e.ID.String()
			pipe.Del(ctx, dlqKey(eID))
			pipe.ZRem(ctx, dlqIndexKey, eID)
			pipe.ZRem(ctx, dlqTenantKey(e.TenantID), eID)
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("purge dlq", err)
	}
	return int64(len(entries)), nil
}

// DeleteDLQByTenant removes every entry of a tenant.
func (s *Store) DeleteDLQByTenant(ctx context.Context, tenantID string) (int64, error) {
	tenantKey := dlqTenantKey(tenantID)
	ids, err := s.client.ZRange(ctx, tenantKey, 0, -1).Result()
	if err != nil {
		return 0, wrapErr("delete dlq by tenant", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		members := make([]any, len(ids))
		for i, eID := range ids {
			pipe.Del(ctx, dlqKey(eID))
			members[i] = eID
		}
		pipe.ZRem(ctx, dlqIndexKey, members...)
		pipe.Del(ctx, tenantKey)
		return nil
	})
	if err != nil {
		return 0, wrapErr("delete dlq by tenant", err)
	}
	return int64(len(ids)), nil
}

// CountDLQ returns the number of entries.
func (s *Store) CountDLQ(ctx context.Context, tenantID string) (int64, error) {
	key := dlqIndexKey
	if tenantID != "" {
		key = dlqTenantKey(tenantID)
	}
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrapErr("count dlq", err)
	}
	return n, nil
}

func (s *Store) loadEntries(ctx context.Context, ids []string) ([]*dlq.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, eID := range ids {
		keys[i] = dlqKey(eID)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr("load dlq entries", err)
	}

	entries := make([]*dlq.Entry, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, decErr := decodeEntry([]byte(raw))
		if decErr != nil {
			return nil, decErr
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(b []byte) (*dlq.Entry, error) {
	var e dlq.Entry
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("conduit/redis: decode dlq entry: %w", err)
	}
	return &e, nil
}

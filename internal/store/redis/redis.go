// Package redis implements store.SandboxStore on a Redis keyspace, for
// operators who already run Redis and want the sandbox registry visible
// to external tooling. Records are JSON values under warden:sandbox:<id>.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/wardenworks/warden/internal/fault"
	"github.com/wardenworks/warden/internal/store"
)

const keyPrefix = "warden:sandbox:"

// Store is a Redis-backed SandboxStore. The lifecycle manager is a
// single process, so Update serializes read-modify-writes behind a
// store-level mutex rather than WATCH/MULTI retries.
type Store struct {
	rdb *redis.Client
	mu  sync.Mutex
}

var _ store.SandboxStore = (*Store)(nil)

// Open connects to Redis and verifies reachability.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fault.Wrap(fault.CategoryStorage, err, "ping redis registry %s", addr)
	}
	return &Store{rdb: rdb}, nil
}

func key(id string) string { return keyPrefix + id }

func (s *Store) Get(ctx context.Context, id string) (*store.SandboxRecord, error) {
	raw, err := s.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "get sandbox %s", id)
	}
	return decode(raw)
}

func (s *Store) Find(ctx context.Context, pred func(*store.SandboxRecord) bool) (*store.SandboxRecord, error) {
	recs, err := s.Values(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if pred(rec) {
			return rec, nil
		}
	}
	return nil, nil
}

func (s *Store) Values(ctx context.Context) ([]*store.SandboxRecord, error) {
	var out []*store.SandboxRecord
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return nil, fault.Wrap(fault.CategoryStorage, err, "scan sandbox registry")
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "scan sandbox registry")
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, rec *store.SandboxRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "encode sandbox %s", rec.ID)
	}
	ok, err := s.rdb.SetNX(ctx, key(rec.ID), raw, 0).Result()
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "insert sandbox %s", rec.ID)
	}
	if !ok {
		return store.ErrConflict
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, key(id)).Err(); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "remove sandbox %s", id)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, id string, mutate func(*store.SandboxRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(rec); err != nil {
		return err
	}
	rec.ID = id // the id is immutable

	raw, err := json.Marshal(rec)
	if err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "encode sandbox %s", id)
	}
	if err := s.rdb.Set(ctx, key(id), raw, 0).Err(); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "update sandbox %s", id)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, recs map[string]*store.SandboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect existing keys first so stale entries are dropped.
	var stale []string
	iter := s.rdb.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		stale = append(stale, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "scan for replace")
	}

	pipe := s.rdb.TxPipeline()
	if len(stale) > 0 {
		pipe.Del(ctx, stale...)
	}
	for id, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fault.Wrap(fault.CategoryStorage, err, "encode sandbox %s", id)
		}
		pipe.Set(ctx, key(id), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fault.Wrap(fault.CategoryStorage, err, "replace sandbox registry")
	}
	return nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func decode(raw []byte) (*store.SandboxRecord, error) {
	var rec store.SandboxRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fault.Wrap(fault.CategoryStorage, err, "decode sandbox record")
	}
	return &rec, nil
}

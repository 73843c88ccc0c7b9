// Package redis provides a run.Store that keeps each run record as a JSON
// value in Redis with an expiry, so finished runs age out on their own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/craftcard/craftcard/runtime/craft/run"
)

const (
	// DefaultTTL is the expiry applied to run records when Options.TTL is zero.
	DefaultTTL = 24 * time.Hour

	defaultPrefix = "craft:run:"
	storeName     = "run-redis"
)

type (
	// Options configures the Redis run store.
	Options struct {
		// Redis is the client used to read and write records.
		Redis redis.UniversalClient
		// TTL is refreshed on every Upsert.
		TTL time.Duration
		// Prefix namespaces the record keys. Defaults to "craft:run:".
		Prefix string
	}

	// Store implements run.Store on Redis.
	Store struct {
		rdb    redis.UniversalClient
		ttl    time.Duration
		prefix string
	}
)

var _ run.Store = (*Store)(nil)

// New returns a Store using the given options.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: opts.Redis, ttl: ttl, prefix: prefix}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

// Upsert implements run.Store.
func (s *Store) Upsert(ctx context.Context, rec run.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	var prev *run.Record
	if rec.StartedAt.IsZero() {
		existing, err := s.Load(ctx, rec.RunID)
		switch {
		case err == nil:
			prev = &existing
		case !errors.Is(err, run.ErrNotFound):
			return err
		}
	}
	rec = rec.Stamp(prev, time.Now())
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(rec.RunID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store run record: %w", err)
	}
	return nil
}

// Load implements run.Store.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	raw, err := s.rdb.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return run.Record{}, run.ErrNotFound
	}
	if err != nil {
		return run.Record{}, fmt.Errorf("load run record: %w", err)
	}
	var rec run.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return run.Record{}, fmt.Errorf("decode run record %s: %w", runID, err)
	}
	return rec, nil
}

func (s *Store) key(runID string) string {
	return s.prefix + runID
}

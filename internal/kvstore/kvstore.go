// Package kvstore implements the small, durable Key-Value State Store of
// spec.md §3/§6: backend liveness, monitoring snapshots, session
// parameters. Grounded on original_source/nxs_libs/simple_key_value_db/
// nxs_redis_kv_db.go — a thin Redis GET/SET/DEL wrapper with the same
// retry-forever-with-client-rebuild discipline as the work queue.
package kvstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config configures the backing Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a single-writer-per-key KV store (spec.md §5 "single-writer per
// key ... conflicts are resolved by last-writer-wins").
type Store struct {
	cfg Config
	mu  sync.Mutex
	cli *redis.Client
}

// New constructs a Store.
func New(cfg Config) *Store {
	return &Store{cfg: cfg, cli: newClient(cfg)}
}

func newClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
}

func (s *Store) rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cli = newClient(s.cfg)
}

func (s *Store) client() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cli
}

func retryForever(ctx context.Context, rebuild func(), fn func() error) error {
	for {
		if err := fn(); err == nil {
			return nil
		}
		rebuild()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Set stores value (JSON-encoded) under key, with an optional TTL (0 means
// no expiration).
func (s *Store) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return retryForever(ctx, s.rebuild, func() error {
		return s.client().Set(ctx, key, data, ttl).Err()
	})
}

// Get loads the value at key into dest. It returns (false, nil) if the key
// is absent.
func (s *Store) Get(ctx context.Context, key string, dest any) (bool, error) {
	var raw string
	err := retryForever(ctx, s.rebuild, func() error {
		v, err := s.client().Get(ctx, key).Result()
		if err == redis.Nil {
			raw = ""
			return nil
		}
		if err != nil {
			return err
		}
		raw = v
		return nil
	})
	if err != nil {
		return false, err
	}
	if raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return retryForever(ctx, s.rebuild, func() error {
		return s.client().Del(ctx, key).Err()
	})
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client().Close()
}

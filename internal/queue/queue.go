// Package queue implements the Sharded Work Queue of spec.md §4.1: a
// topic-addressed FIFO with N partitions per topic, backed by Redis lists.
// The design — partition count stored under the bare topic key, payloads
// spread across "{topic}_{i}" keys, TTL refreshed on every write, transient
// errors retried with client rebuild — is grounded directly on
// original_source/nxs_libs/queue/nxs_redis_queue.py.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config configures the Redis connection shared by Pushers and Pullers.
type Config struct {
	Addr     string
	Password string
	DB       int
	// ExpirationSecs is the TTL refreshed on every partition write (spec.md
	// §4.1 default 3600s).
	ExpirationSecs int
}

func (c Config) withDefaults() Config {
	if c.ExpirationSecs <= 0 {
		c.ExpirationSecs = 3600
	}
	return c
}

func newClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func partitionedTopicName(topic string, idx int) string {
	return fmt.Sprintf("%s_%d", topic, idx)
}

// SessionTopic returns the session-qualified topic name used by
// push_to_session / per-session readers (spec.md §4.1, §6).
func SessionTopic(topic, sessionUUID string) string {
	if sessionUUID == "" {
		return topic
	}
	return fmt.Sprintf("%s_%s", topic, sessionUUID)
}

// retryForever retries fn with a fixed 10ms backoff until it succeeds or
// ctx is done, rebuilding the client between attempts. This matches the
// original's `while True: try: ... except: sleep(0.01); recreate_client()`
// loop exactly: the queue never gives up, because giving up would silently
// drop a message.
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

func encodeInt(n int) string { return strconv.Itoa(n) }

func decodeInt(s string) (int, error) { return strconv.Atoi(s) }

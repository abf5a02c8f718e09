package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Pusher is the Sharded Work Queue's writer API (spec.md §4.1).
// One Pusher is safe to share across goroutines and across topics; it
// caches each topic's partition count, polling for changes at most once
// per checkNumPartitionsPeriod.
type Pusher struct {
	cfg    Config
	client *redis.Client

	mu             sync.Mutex
	topicPartitions map[string]int
	topicNextIdx    map[string]int
	topicCheckedAt  map[string]time.Time

	checkNumPartitionsPeriod time.Duration
	newTopicNumPartitions    int
}

// NewPusher constructs a Pusher against the given Redis configuration.
func NewPusher(cfg Config) *Pusher {
	cfg = cfg.withDefaults()
	return &Pusher{
		cfg:                      cfg,
		client:                   newClient(cfg),
		topicPartitions:          make(map[string]int),
		topicNextIdx:             make(map[string]int),
		topicCheckedAt:           make(map[string]time.Time),
		checkNumPartitionsPeriod: 3 * time.Second,
		newTopicNumPartitions:    1,
	}
}

func (p *Pusher) rebuildClient() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = newClient(p.cfg)
}

// SetDefaultNumPartitions records n (at least 1) as the pusher's default
// partition count. No Pusher method reads it: CreateTopic always uses the
// count it is given.
func (p *Pusher) SetDefaultNumPartitions(n int) {
	if n < 1 {
		n = 1
	}
	p.mu.Lock()
	p.newTopicNumPartitions = n
	p.mu.Unlock()
}

// CreateTopic sets a topic's partition count. Idempotent: calling it again
// simply overwrites the stored count (spec.md §4.1 "create_topic(topic, n)
// ... idempotent").
func (p *Pusher) CreateTopic(ctx context.Context, topic string, n int) error {
	if n < 1 {
		n = 1
	}
	if err := p.setNumPartitions(ctx, topic, n); err != nil {
		return err
	}
	p.mu.Lock()
	p.topicPartitions[topic] = n
	p.topicNextIdx[topic] = 0
	p.topicCheckedAt[topic] = time.Now()
	p.mu.Unlock()
	return nil
}

func (p *Pusher) setNumPartitions(ctx context.Context, topic string, n int) error {
	return retryForever(ctx, p.rebuildClient, func() error {
		p.mu.Lock()
		client := p.client
		p.mu.Unlock()
		return client.Set(ctx, topic, encodeInt(n), 0).Err()
	})
}

func (p *Pusher) getNumPartitions(ctx context.Context, topic string) (int, error) {
	var n int
	err := retryForever(ctx, p.rebuildClient, func() error {
		p.mu.Lock()
		client := p.client
		p.mu.Unlock()

		val, err := client.Get(ctx, topic).Result()
		if err == redis.Nil {
			n = 1
			return nil
		}
		if err != nil {
			return err
		}
		parsed, err := decodeInt(val)
		if err != nil {
			n = 1
			return nil
		}
		n = parsed
		return nil
	})
	return n, err
}

// partitionCount returns the cached partition count for topic, refreshing
// it from the store at most once per checkNumPartitionsPeriod (spec.md
// §4.1 "re-reads it (polling at most once per check_num_partitions_period)").
func (p *Pusher) partitionCount(ctx context.Context, topic string) (int, error) {
	p.mu.Lock()
	n, known := p.topicPartitions[topic]
	checkedAt := p.topicCheckedAt[topic]
	stale := !known || time.Since(checkedAt) > p.checkNumPartitionsPeriod
	p.mu.Unlock()

	if !stale {
		return n, nil
	}

	n, err := p.getNumPartitions(ctx, topic)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	p.topicPartitions[topic] = n
	p.topicCheckedAt[topic] = time.Now()
	if _, ok := p.topicNextIdx[topic]; !ok {
		p.topicNextIdx[topic] = 0
	}
	p.mu.Unlock()
	return n, nil
}

// Push round-robins payload across topic's current partition set (spec.md
// §4.1 "push(topic, payload) — round-robins across the current N
// partitions").
func (p *Pusher) Push(ctx context.Context, topic string, payload []byte) error {
	n, err := p.partitionCount(ctx, topic)
	if err != nil {
		return err
	}
	if n < 1 {
		n = 1
	}

	p.mu.Lock()
	idx := p.topicNextIdx[topic] % n
	p.topicNextIdx[topic] = (idx + 1) % n
	p.mu.Unlock()

	return p.pushToPartition(ctx, partitionedTopicName(topic, idx), payload)
}

// PushToSession appends payload to the session-qualified topic, which is
// treated as its own independent (single-partition, by convention)
// topic (spec.md §4.1 "push_to_session").
func (p *Pusher) PushToSession(ctx context.Context, topic, sessionUUID string, payload []byte) error {
	return p.Push(ctx, SessionTopic(topic, sessionUUID), payload)
}

func (p *Pusher) pushToPartition(ctx context.Context, partitionKey string, payload []byte) error {
	return retryForever(ctx, p.rebuildClient, func() error {
		p.mu.Lock()
		client := p.client
		expiry := p.cfg.ExpirationSecs
		p.mu.Unlock()

		pipe := client.TxPipeline()
		pipe.RPush(ctx, partitionKey, payload)
		pipe.Expire(ctx, partitionKey, time.Duration(expiry)*time.Second)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Close releases the underlying Redis connection.
func (p *Pusher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client.Close()
}

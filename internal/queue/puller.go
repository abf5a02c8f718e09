package queue

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// PullerOptions tunes a Puller's buffering and polling behavior (spec.md
// §4.1 "Reader API").
type PullerOptions struct {
	// BufSize bounds the in-memory buffer; default 1.
	BufSize int
	// MaxTimeout bounds each partition's blocking pop; default 1s.
	MaxTimeout time.Duration
	// CheckNumPartitionsPeriod bounds how often the monitor thread polls
	// for a partition-count change; default 3s.
	CheckNumPartitionsPeriod time.Duration
	// SessionUUID, if set, qualifies the topic the same way PushToSession
	// does on the writer side.
	SessionUUID string
}

func (o PullerOptions) withDefaults() PullerOptions {
	if o.BufSize <= 0 {
		o.BufSize = 1
	}
	if o.MaxTimeout <= 0 {
		o.MaxTimeout = time.Second
	}
	if o.CheckNumPartitionsPeriod <= 0 {
		o.CheckNumPartitionsPeriod = 3 * time.Second
	}
	return o
}

// Puller is the Sharded Work Queue's reader API: one logical topic reader
// owning N background pull goroutines plus a monitor goroutine that scales
// the pull-goroutine set as the topic's partition count changes (spec.md
// §4.1 "Reader API").
type Puller struct {
	cfg   Config
	topic string
	opts  PullerOptions

	mu              sync.Mutex
	client          *redis.Client
	numPartitions   int
	buf             [][]byte
	bufClosed       bool
	maxTimeout      time.Duration
	workerAlive     []*bool
	workerWG        sync.WaitGroup
	monitorStop     chan struct{}
	monitorStopped  chan struct{}
	monitorStopOnce sync.Once
}

// NewPuller constructs a Puller for topic (optionally session-qualified),
// spawning its initial set of pull goroutines and its partition-count
// monitor goroutine immediately.
func NewPuller(ctx context.Context, cfg Config, topic string, opts PullerOptions) *Puller {
	cfg = cfg.withDefaults()
	opts = opts.withDefaults()

	fullTopic := SessionTopic(topic, opts.SessionUUID)

	p := &Puller{
		cfg:            cfg,
		topic:          fullTopic,
		opts:           opts,
		client:         newClient(cfg),
		maxTimeout:     opts.MaxTimeout,
		monitorStop:    make(chan struct{}),
		monitorStopped: make(chan struct{}),
	}

	n, err := p.fetchNumPartitions(ctx)
	if err != nil || n < 1 {
		n = 1
	}
	p.numPartitions = n

	for tid := 0; tid < n; tid++ {
		p.spawnWorker(tid)
	}

	go p.monitorLoop(ctx)

	return p
}

func (p *Puller) rebuildClient() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = newClient(p.cfg)
}

func (p *Puller) fetchNumPartitions(ctx context.Context) (int, error) {
	var n int
	err := retryForever(ctx, p.rebuildClient, func() error {
		p.mu.Lock()
		client := p.client
		p.mu.Unlock()

		val, err := client.Get(ctx, p.topic).Result()
		if err == redis.Nil {
			n = 1
			return nil
		}
		if err != nil {
			return err
		}
		parsed, derr := decodeInt(val)
		if derr != nil {
			n = 1
			return nil
		}
		n = parsed
		return nil
	})
	return n, err
}

// spawnWorker starts pull goroutine tid against partition "{topic}_{tid}".
func (p *Puller) spawnWorker(tid int) {
	alive := true
	p.workerAlive = append(p.workerAlive, &alive)
	p.workerWG.Add(1)

	go func(tid int, alive *bool) {
		defer p.workerWG.Done()

		partitionKey := partitionedTopicName(p.topic, tid)
		client := newClient(p.cfg)

		for *alive {
			p.mu.Lock()
			full := len(p.buf) >= p.opts.BufSize
			timeout := p.maxTimeout
			p.mu.Unlock()

			if full {
				time.Sleep(time.Millisecond)
				continue
			}

			res, err := client.BLPop(context.Background(), timeout, partitionKey).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				time.Sleep(10 * time.Millisecond)
				client = newClient(p.cfg)
				continue
			}

			// res is [key, value]
			if len(res) < 2 {
				continue
			}
			p.mu.Lock()
			p.buf = append(p.buf, []byte(res[1]))
			p.mu.Unlock()
		}
	}(tid, &alive)
}

// monitorLoop polls the partition count every CheckNumPartitionsPeriod and
// scales the worker set; shrinking is cooperative — the monitor clears a
// victim worker's alive flag and moves on without waiting for it; the
// victim buffers whatever its current blocking call returns and then exits
// (spec.md §4.1 "shrink is cooperative").
func (p *Puller) monitorLoop(ctx context.Context) {
	defer close(p.monitorStopped)

	ticker := time.NewTicker(p.opts.CheckNumPartitionsPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-p.monitorStop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.fetchNumPartitions(ctx)
			if err != nil {
				continue
			}

			p.mu.Lock()
			cur := p.numPartitions
			p.mu.Unlock()

			for cur < n {
				p.mu.Lock()
				tid := len(p.workerAlive)
				p.mu.Unlock()
				p.spawnWorker(tid)
				cur++
			}
			for cur > n && cur > 0 {
				p.mu.Lock()
				victim := p.workerAlive[cur-1]
				p.mu.Unlock()
				*victim = false
				cur--
			}

			p.mu.Lock()
			if cur < len(p.workerAlive) {
				p.workerAlive = p.workerAlive[:cur]
			}
			p.numPartitions = cur
			p.mu.Unlock()
		}
	}
}

// GetBatch non-destructively drains the buffer to the caller (spec.md §4.1
// "get_batch() drains the buffer non-destructively to consumers" — meaning
// it is the only reader of the buffer; once drained here it is gone from
// the internal buffer).
func (p *Puller) GetBatch() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.buf
	p.buf = nil
	return out
}

// NumBuffered returns how many items currently sit in the buffer.
func (p *Puller) NumBuffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

// IsClosed reports whether CloseAndGetRemains has already run.
func (p *Puller) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufClosed
}

// CloseAndGetRemains signals every pull goroutine and the monitor goroutine
// to stop, waits for them, and returns whatever remains buffered (spec.md
// §4.1 "close_and_get_remains()").
func (p *Puller) CloseAndGetRemains() [][]byte {
	p.monitorStopOnce.Do(func() { close(p.monitorStop) })
	<-p.monitorStopped

	p.mu.Lock()
	for _, alive := range p.workerAlive {
		*alive = false
	}
	p.mu.Unlock()

	p.workerWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.buf
	p.buf = nil
	p.bufClosed = true
	return out
}

package frontdoor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/queue"
)

// pollGranularity is the bounded-poll step spec.md §5 names: "Front Door
// request handlers suspend while awaiting the result map entry, polling at
// 2.5 ms granularity until timeout".
const pollGranularity = 2500 * time.Microsecond

// awaiter is the Front Door's task_uuid -> one-shot-channel map (spec.md §5
// "Coroutine/callback control flow": a goroutine per request registers a
// one-shot channel under task_uuid, the shared result-reader sends the
// result on that buffered channel). A single mutex guards the map, matching spec.md §9
// "Global mutable state" discipline used throughout.
type awaiter struct {
	mu      sync.Mutex
	waiting map[string]chan model.InferResult
	arrived map[string]arrivedEntry
}

type arrivedEntry struct {
	result   model.InferResult
	at       time.Time
}

func newAwaiter() *awaiter {
	return &awaiter{
		waiting: make(map[string]chan model.InferResult),
		arrived: make(map[string]arrivedEntry),
	}
}

// register opens a one-shot channel for taskUUID; Await calls it on entry,
// after the request has been pushed. A result that arrives before then is
// parked in arrived by deliver and picked up by Await.
func (a *awaiter) register(taskUUID string) chan model.InferResult {
	ch := make(chan model.InferResult, 1)
	a.mu.Lock()
	a.waiting[taskUUID] = ch
	a.mu.Unlock()
	return ch
}

// unregister drops taskUUID's channel, called after Await returns (success
// or timeout) so the map does not grow unbounded.
func (a *awaiter) unregister(taskUUID string) {
	a.mu.Lock()
	delete(a.waiting, taskUUID)
	delete(a.arrived, taskUUID)
	a.mu.Unlock()
}

// deliver routes an arrived result to its waiting channel, or parks it in
// arrived if nothing is waiting yet (a result can race ahead of register,
// since the request is pushed before Await registers its channel).
func (a *awaiter) deliver(r model.InferResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.waiting[r.TaskUUID]; ok {
		select {
		case ch <- r:
		default:
		}
		return
	}
	a.arrived[r.TaskUUID] = arrivedEntry{result: r, at: time.Now()}
}

// Await bounded-polls for taskUUID's result at pollGranularity until
// timeout elapses or ctx is cancelled (spec.md §5 "bounded polling until
// infer_timeout").
func (a *awaiter) Await(ctx context.Context, taskUUID string, timeout time.Duration) (model.InferResult, bool) {
	ch := a.register(taskUUID)
	defer a.unregister(taskUUID)

	a.mu.Lock()
	if entry, ok := a.arrived[taskUUID]; ok {
		a.mu.Unlock()
		return entry.result, true
	}
	a.mu.Unlock()

	deadline := time.After(timeout)
	ticker := time.NewTicker(pollGranularity)
	defer ticker.Stop()

	for {
		select {
		case r := <-ch:
			return r, true
		case <-ticker.C:
			a.mu.Lock()
			entry, ok := a.arrived[taskUUID]
			a.mu.Unlock()
			if ok {
				return entry.result, true
			}
		case <-deadline:
			return model.InferResult{}, false
		case <-ctx.Done():
			return model.InferResult{}, false
		}
	}
}

// sweepStale drops arrived entries older than maxAge that nobody ever
// claimed (spec.md §5 "results older than 3x expiration window are
// evicted" — here keyed off the poller's own timeout budget rather than
// the queue's TTL, since that is the window a Front Door result can
// plausibly still be awaited).
func (a *awaiter) sweepStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, entry := range a.arrived {
		if entry.at.Before(cutoff) {
			delete(a.arrived, k)
		}
	}
}

// resultDrain is the background goroutine that drains a front door's own
// result topic into the awaiter map (spec.md §5 "A background goroutine
// drains the result topic into the task-uuid map").
type resultDrain struct {
	puller  *queue.Puller
	awaiter *awaiter
	poll    time.Duration
}

func newResultDrain(puller *queue.Puller, aw *awaiter) *resultDrain {
	return &resultDrain{puller: puller, awaiter: aw, poll: 2 * time.Millisecond}
}

// Run polls the puller until ctx is cancelled, deserializing each payload
// into an InferResult and handing it to the awaiter.
func (d *resultDrain) Run(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, raw := range d.puller.GetBatch() {
				var r model.InferResult
				if err := json.Unmarshal(raw, &r); err != nil {
					continue
				}
				d.awaiter.deliver(r)
			}
		}
	}
}

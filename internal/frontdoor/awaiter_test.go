package frontdoor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
)

func TestAwaiter_DeliverBeforeAwait_IsNotLost(t *testing.T) {
	a := newAwaiter()
	a.deliver(model.InferResult{TaskUUID: "t0", Status: model.StatusCompleted})

	result, ok := a.Await(context.Background(), "t0", time.Second)
	require.True(t, ok)
	assert.Equal(t, model.StatusCompleted, result.Status)
}

func TestAwaiter_DeliverAfterAwait_Wakes(t *testing.T) {
	a := newAwaiter()

	resultCh := make(chan model.InferResult, 1)
	go func() {
		r, ok := a.Await(context.Background(), "t1", time.Second)
		require.True(t, ok)
		resultCh <- r
	}()

	time.Sleep(10 * time.Millisecond)
	a.deliver(model.InferResult{TaskUUID: "t1", Status: model.StatusCompleted})

	select {
	case r := <-resultCh:
		assert.Equal(t, "t1", r.TaskUUID)
	case <-time.After(time.Second):
		t.Fatal("await never woke up")
	}
}

func TestAwaiter_TimesOutWithNoDelivery(t *testing.T) {
	a := newAwaiter()
	_, ok := a.Await(context.Background(), "missing", 10*time.Millisecond)
	assert.False(t, ok)
}

func TestAwaiter_UnregisterClearsArrivedAndWaiting(t *testing.T) {
	a := newAwaiter()
	_, ok := a.Await(context.Background(), "t2", 5*time.Millisecond)
	assert.False(t, ok)

	a.mu.Lock()
	_, waiting := a.waiting["t2"]
	_, arrived := a.arrived["t2"]
	a.mu.Unlock()
	assert.False(t, waiting)
	assert.False(t, arrived)
}

func TestAwaiter_SweepStale_DropsOldUnclaimedResults(t *testing.T) {
	a := newAwaiter()
	a.deliver(model.InferResult{TaskUUID: "stale"})

	time.Sleep(20 * time.Millisecond)
	a.sweepStale(10 * time.Millisecond)

	a.mu.Lock()
	_, ok := a.arrived["stale"]
	a.mu.Unlock()
	assert.False(t, ok)
}

func TestAwaiter_SweepStale_KeepsFreshResults(t *testing.T) {
	a := newAwaiter()
	a.deliver(model.InferResult{TaskUUID: "fresh"})

	a.sweepStale(time.Minute)

	a.mu.Lock()
	_, ok := a.arrived["fresh"]
	a.mu.Unlock()
	assert.True(t, ok)
}

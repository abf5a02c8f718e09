package runtime

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/queue"
)

// InputStage is the left edge of a Placement's pipeline: it pulls raw
// request payloads off the backend's per-compository-model topic, applies
// the configured Dispatcher, and feeds the result onward (spec.md §4.2.1).
//
// It is the one stage that bridges from the queue's blocking-pull API into
// the pipeline's channels, so it is also where the stop-flag cascade
// begins: once Stop is called, the stage stops requesting new batches,
// drains whatever the Puller has already buffered, dispatches those, and
// closes its output channel — which the rest of the chain then drains to
// completion on its own.
type InputStage struct {
	puller     *queue.Puller
	dispatcher Dispatcher
	out        chan<- *model.InferRequest

	pollEvery time.Duration
	stopping  int32
}

// NewInputStage constructs an InputStage reading from puller and writing
// dispatched requests to out. out is closed once Stop has been called and
// the puller's remaining buffer has been flushed.
func NewInputStage(puller *queue.Puller, dispatcher Dispatcher, out chan<- *model.InferRequest) *InputStage {
	if dispatcher == nil {
		dispatcher = BasicDispatcher{}
	}
	return &InputStage{puller: puller, dispatcher: dispatcher, out: out, pollEvery: 5 * time.Millisecond}
}

// Run polls the puller until Stop is called, then drains and exits.
func (s *InputStage) Run(ctx context.Context) {
	defer close(s.out)

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for {
		if atomic.LoadInt32(&s.stopping) == 1 {
			remains := s.puller.CloseAndGetRemains()
			s.dispatchBatch(remains)
			return
		}

		select {
		case <-ctx.Done():
			remains := s.puller.CloseAndGetRemains()
			s.dispatchBatch(remains)
			return
		case <-ticker.C:
			s.dispatchBatch(s.puller.GetBatch())
		}
	}
}

// Stop begins the stop-flag cascade: no further batches are pulled after
// the in-flight one, and the stage exits once it has flushed the puller's
// remaining buffer.
func (s *InputStage) Stop() {
	atomic.StoreInt32(&s.stopping, 1)
}

func (s *InputStage) dispatchBatch(raw [][]byte) {
	if len(raw) == 0 {
		return
	}
	pending := make([]*model.InferRequest, 0, len(raw))
	for _, payload := range raw {
		var req model.InferRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			continue // malformed payload: drop, nothing downstream can act on it
		}
		pending = append(pending, &req)
	}

	decision := s.dispatcher.Dispatch(pending)
	for _, req := range decision.ToSchedule {
		s.out <- req
	}
	// None of the dispatchers this binary registers produce ToDelay/ToDrop
	// today; they exist on DispatchDecision for a dispatcher policy (e.g.
	// load-shedding) that does.
}

package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/queue"
)

// OutputStage is the right edge of a Placement's pipeline: it routes a
// finished request either to its next pipeline hop's topic (a plain,
// not session-qualified, push) or, once exec_pipelines is exhausted, to the originating
// front-end's session-qualified result topic (spec.md §3 "each stage pops
// its head and forwards", §4.2.4).
type OutputStage struct {
	pusher *queue.Pusher
	in     <-chan PostprocessResult
	done   chan struct{}
}

// NewOutputStage constructs an OutputStage draining in until it is closed.
func NewOutputStage(pusher *queue.Pusher, in <-chan PostprocessResult) *OutputStage {
	return &OutputStage{pusher: pusher, in: in, done: make(chan struct{})}
}

// Run drains in to completion, publishing each result, and closes Done()
// once in is exhausted — the terminus of the stop-flag cascade.
func (o *OutputStage) Run(ctx context.Context) {
	defer close(o.done)
	for r := range o.in {
		o.publish(ctx, r)
	}
}

// Done is closed once the stage has fully drained and published every
// in-flight result, signalling the Placement's shutdown is complete.
func (o *OutputStage) Done() <-chan struct{} { return o.done }

func (o *OutputStage) publish(ctx context.Context, r PostprocessResult) {
	req := r.Request
	result := model.InferResult{
		TaskUUID:    req.TaskUUID,
		SessionUUID: req.SessionUUID,
		Outputs:     r.Outputs,
		ResultType:  r.ResultType,
	}

	if r.Err != nil {
		result.Status = model.StatusFailed
		result.ErrorMessage = r.Err.Error()
		result.CarryOverExtras = StageBreadcrumb(req.CarryOverExtras, "output", time.Now())
		// A failure skips every remaining hop and routes straight to the
		// front-end's result topic, the tail of exec_pipelines.
		if topic, ok := req.FinalTopic(); ok {
			o.deliver(ctx, topic, result)
			return
		}
		return
	}

	result.Status = model.StatusCompleted
	result.CarryOverExtras = StageBreadcrumb(req.CarryOverExtras, "output", time.Now())

	next, ok := req.PopNextTopic()
	if !ok {
		return
	}
	req.CarryOverExtras = result.CarryOverExtras
	if req.HasMoreHops() {
		o.forward(ctx, next, req)
		return
	}
	o.deliver(ctx, next, result)
}

// forward hands the request to its next pipeline hop rather than
// terminating it, re-encoding it (not the result) as the next stage's
// Input payload (spec.md §3 "the route's next hop"). Intermediate hops are
// backend-qualified command topics shared across every session that
// backend serves (the Front Door picked the backend at submission time),
// so this is a plain round-robin Push, not a session-qualified one.
func (o *OutputStage) forward(ctx context.Context, topic string, req *model.InferRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		o.deliver(ctx, topic, model.InferResult{
			TaskUUID: req.TaskUUID, SessionUUID: req.SessionUUID,
			Status: model.StatusFailed, ErrorMessage: "failed to re-encode request for next hop: " + err.Error(),
		})
		return
	}
	_ = o.pusher.Push(ctx, topic, payload)
}

func (o *OutputStage) deliver(ctx context.Context, topic string, result model.InferResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	_ = o.pusher.PushToSession(ctx, topic, result.SessionUUID, payload)
}

package runtime

import (
	"context"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
)

// CustomModelStage replaces the entire Preprocess->Compute->Postprocess
// chain for a compository model whose main component is flagged
// is_custom_model: the registered CustomModelFunc owns decode, inference
// and result-shaping end to end (spec.md §4.2.5 "Custom Model Path").
type CustomModelStage struct {
	model    model.ComponentModel
	fn       pluginregistry.CustomModelFunc
	in       <-chan *model.InferRequest
	out      chan<- PostprocessResult
	batch    int
	window   time.Duration
}

// NewCustomModelStage constructs a CustomModelStage for m using fn,
// batching up to batch requests or window of wall-clock time, whichever
// comes first.
func NewCustomModelStage(m model.ComponentModel, fn pluginregistry.CustomModelFunc, in <-chan *model.InferRequest, out chan<- PostprocessResult) *CustomModelStage {
	batch := 1
	if bs, ok := m.BestProfile(); ok && bs.BatchSize > 0 {
		batch = bs.BatchSize
	}
	return &CustomModelStage{model: m, fn: fn, in: in, out: out, batch: batch, window: 20 * time.Millisecond}
}

// Run initializes fn, drains in to completion running Infer over
// coalesced batches, then cleans fn up. out is closed when in is
// exhausted.
func (c *CustomModelStage) Run(ctx context.Context) {
	defer close(c.out)

	if err := c.fn.Init(ctx); err != nil {
		c.failAll(ctx, err)
		return
	}
	defer c.fn.Cleanup(ctx)

	for {
		batch, ok := c.collect(ctx)
		if len(batch) > 0 {
			c.runBatch(ctx, batch)
		}
		if !ok {
			return
		}
	}
}

// collect blocks for the first item, then opportunistically coalesces
// more up to c.batch or c.window, whichever is hit first. ok is false once
// in has been closed and fully drained.
func (c *CustomModelStage) collect(ctx context.Context) (batch []*model.InferRequest, ok bool) {
	first, open := <-c.in
	if !open {
		return nil, false
	}
	batch = append(batch, first)

	deadline := time.NewTimer(c.window)
	defer deadline.Stop()

	for len(batch) < c.batch {
		select {
		case req, open := <-c.in:
			if !open {
				return batch, false
			}
			batch = append(batch, req)
		case <-deadline.C:
			return batch, true
		}
	}
	return batch, true
}

func (c *CustomModelStage) runBatch(ctx context.Context, batch []*model.InferRequest) {
	reqs := make([]model.InferRequest, len(batch))
	for i, r := range batch {
		reqs[i] = *r
	}

	outputs, err := c.fn.Infer(ctx, reqs, nil, nil)
	if err != nil {
		for _, req := range batch {
			c.out <- PostprocessResult{Request: req, Err: err}
		}
		return
	}

	for i, req := range batch {
		var o map[string]any
		if i < len(outputs) {
			o = outputs[i]
		}
		c.out <- PostprocessResult{Request: req, ResultType: model.ResultCustom, Outputs: o}
	}
}

func (c *CustomModelStage) failAll(ctx context.Context, err error) {
	for req := range c.in {
		c.out <- PostprocessResult{Request: req, Err: err}
	}
}

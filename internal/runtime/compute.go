package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
)

// ComputeBackend is one member of the closed framework set a Component
// Model may target (spec.md §4.2.3 "framework dispatch over a closed set").
// Tensor math itself is a domain collaborator's concern (spec.md §1); this
// interface is the seam a real ONNX Runtime / TVM / TensorFlow client would
// implement.
type ComputeBackend interface {
	// LoadModel prepares modelUUID to serve batchSize requests. batched_tvm
	// backends load one module per distinct batch size (spec.md §4.2.3
	// "batched_tvm loads a separate compiled module per batch size").
	LoadModel(ctx context.Context, modelUUID string, batchSize int, useGPU bool) error
	// Infer runs one batch through the loaded model and returns one output
	// map per request in the batch, in order.
	Infer(ctx context.Context, modelUUID string, batchSize int, feeds []map[string]any) ([]map[string]any, error)
}

// frameworkRegistry resolves a model.Framework to its ComputeBackend,
// closed over the four frameworks spec.md §4.2.3 names.
type frameworkRegistry struct {
	mu       sync.RWMutex
	backends map[model.Framework]ComputeBackend
}

func newFrameworkRegistry() *frameworkRegistry {
	return &frameworkRegistry{backends: make(map[model.Framework]ComputeBackend)}
}

func (r *frameworkRegistry) Register(fw model.Framework, b ComputeBackend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[fw] = b
}

func (r *frameworkRegistry) Resolve(fw model.Framework) (ComputeBackend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[fw]
	if !ok {
		return nil, fmt.Errorf("runtime: no compute backend registered for framework %q", fw)
	}
	return b, nil
}

// passthroughBackend is a minimal ComputeBackend that loads instantly and
// echoes its input batch back as output, annotated with the model/batch it
// ran under. It is registered for every framework by default so the
// pipeline is exercisable end to end without a real inference engine
// linked in; production builds replace entries via RegisterComputeBackend
// before starting a Runtime.
type passthroughBackend struct {
	framework model.Framework

	mu     sync.Mutex
	loaded map[string]map[int]bool
}

func newPassthroughBackend(fw model.Framework) *passthroughBackend {
	return &passthroughBackend{framework: fw, loaded: make(map[string]map[int]bool)}
}

func (b *passthroughBackend) LoadModel(ctx context.Context, modelUUID string, batchSize int, useGPU bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded[modelUUID] == nil {
		b.loaded[modelUUID] = make(map[int]bool)
	}
	b.loaded[modelUUID][batchSize] = true
	return nil
}

func (b *passthroughBackend) Infer(ctx context.Context, modelUUID string, batchSize int, feeds []map[string]any) ([]map[string]any, error) {
	out := make([]map[string]any, len(feeds))
	for i, feed := range feeds {
		result := make(map[string]any, len(feed)+2)
		for k, v := range feed {
			result[k] = v
		}
		result["_framework"] = string(b.framework)
		result["_batch_size"] = batchSize
		out[i] = result
	}
	return out, nil
}

// ComputeItem is one preprocessed request awaiting its turn at a model's
// Compute stage.
type ComputeItem struct {
	Request *model.InferRequest
	Feed    map[string]any
	// skipped marks an item whose preprocess asked to skip compute; direct
	// is its precomputed output, passed on without touching the backend.
	skipped bool
	direct  map[string]any
	// err, if set by the Preprocess stage, short-circuits this item
	// straight to computeOutput without touching the compute backend.
	err error
}

// ComputeStage drains the single input channel that all of a component's
// Preprocess workers write their feeds to, coalesces them into a batch no larger than the model's
// largest declared profile batch size, and dispatches to the model's
// framework backend (spec.md §4.2.3).
type ComputeStage struct {
	model    model.ComponentModel
	backends *frameworkRegistry
	registry *pluginregistry.Registry
	in       <-chan ComputeItem
	out      chan<- computeOutput
	coalesce int // max items to pull from `in` before forcing a batch boundary
}

type computeOutput struct {
	request *model.InferRequest
	output  map[string]any
	err     error
}

// NewComputeStage constructs a ComputeStage for model m, reading
// preprocessed items from in and writing results to out. out is closed once
// in is closed and fully drained. registry resolves m.TransformFn when set;
// it may be nil for models that never name one.
func NewComputeStage(m model.ComponentModel, backends *frameworkRegistry, registry *pluginregistry.Registry, in <-chan ComputeItem, out chan<- computeOutput) *ComputeStage {
	return &ComputeStage{model: m, backends: backends, registry: registry, in: in, out: out, coalesce: 32}
}

// Run executes the compute loop until in is closed and drained.
func (c *ComputeStage) Run(ctx context.Context) {
	defer close(c.out)

	for {
		item, ok := <-c.in
		if !ok {
			return
		}
		batch := []ComputeItem{item}
		c.drainUpTo(&batch)
		c.runBatch(ctx, batch)
	}
}

// drainUpTo opportunistically pulls any items already buffered on c.in,
// without blocking, up to c.coalesce total — this is the cross-request
// batching window (spec.md §4.2.3 "batches requests that arrive within a
// short coalescing window").
func (c *ComputeStage) drainUpTo(batch *[]ComputeItem) {
	for len(*batch) < c.coalesce {
		select {
		case item, ok := <-c.in:
			if !ok {
				return
			}
			*batch = append(*batch, item)
		default:
			return
		}
	}
}

func (c *ComputeStage) runBatch(ctx context.Context, batch []ComputeItem) {
	// transform-tagged models run strictly batch=1 (spec.md §4.2.3 "a
	// registered transform function forces the stage to batch=1"): each
	// item's feed is expanded into independent sub-batches first.
	if c.model.TransformFn != "" {
		for _, item := range batch {
			c.runTransform(ctx, item)
		}
		return
	}

	toRun := make([]ComputeItem, 0, len(batch))
	for _, item := range batch {
		switch {
		case item.err != nil:
			c.out <- computeOutput{request: item.Request, err: item.err}
		case item.skipped:
			c.out <- computeOutput{request: item.Request, output: item.direct}
		default:
			toRun = append(toRun, item)
		}
	}
	if len(toRun) == 0 {
		return
	}

	bs, ok := c.model.LargestBatchSizeAtMost(len(toRun))
	if !ok || bs == 0 {
		bs = 1
	}

	backend, err := c.backends.Resolve(c.model.Framework)
	if err != nil {
		for _, item := range toRun {
			c.out <- computeOutput{request: item.Request, err: err}
		}
		return
	}

	for start := 0; start < len(toRun); start += bs {
		end := start + bs
		if end > len(toRun) {
			end = len(toRun)
		}
		chunk := toRun[start:end]
		c.runChunk(ctx, backend, bs, chunk)
	}
}

// runTransform implements the transform-model path (spec.md §4.2.3): the
// registered transform function expands item's feed into N independent
// sub-batches, each run through Compute at batch=1, with their outputs
// concatenated back into a single output for the original item.
func (c *ComputeStage) runTransform(ctx context.Context, item ComputeItem) {
	if item.err != nil {
		c.out <- computeOutput{request: item.Request, err: item.err}
		return
	}
	if item.skipped {
		c.out <- computeOutput{request: item.Request, output: item.direct}
		return
	}

	transform, ok := c.registry.Transform(c.model.TransformFn)
	if !ok {
		c.out <- computeOutput{request: item.Request, err: fmt.Errorf("runtime: no transform function registered for %q", c.model.TransformFn)}
		return
	}

	subFeeds, err := transform(ctx, item.Feed)
	if err != nil {
		c.out <- computeOutput{request: item.Request, err: err}
		return
	}

	backend, err := c.backends.Resolve(c.model.Framework)
	if err != nil {
		c.out <- computeOutput{request: item.Request, err: err}
		return
	}
	if err := backend.LoadModel(ctx, c.model.ModelUUID, 1, c.model.UseGPU); err != nil {
		c.out <- computeOutput{request: item.Request, err: err}
		return
	}

	entry := time.Now()
	subOutputs := make([]map[string]any, 0, len(subFeeds))
	for _, feed := range subFeeds {
		out, err := backend.Infer(ctx, c.model.ModelUUID, 1, []map[string]any{feed})
		if err != nil {
			c.out <- computeOutput{request: item.Request, err: err}
			return
		}
		if len(out) > 0 {
			subOutputs = append(subOutputs, out[0])
		}
	}
	exit := time.Now()

	if item.Request != nil {
		item.Request.CarryOverExtras = StageLatency(item.Request.CarryOverExtras, "model_lat_ms", exit.Sub(entry))
	}
	c.out <- computeOutput{request: item.Request, output: map[string]any{"_sub_outputs": subOutputs}}
}

func (c *ComputeStage) runChunk(ctx context.Context, backend ComputeBackend, bs int, chunk []ComputeItem) {
	if err := backend.LoadModel(ctx, c.model.ModelUUID, bs, c.model.UseGPU); err != nil {
		for _, item := range chunk {
			c.out <- computeOutput{request: item.Request, err: err}
		}
		return
	}

	feeds := make([]map[string]any, len(chunk))
	for i, item := range chunk {
		feeds[i] = item.Feed
	}

	entry := time.Now()
	outputs, err := backend.Infer(ctx, c.model.ModelUUID, bs, feeds)
	exit := time.Now()
	if err != nil {
		for _, item := range chunk {
			c.out <- computeOutput{request: item.Request, err: err}
		}
		return
	}
	for i, item := range chunk {
		var o map[string]any
		if i < len(outputs) {
			o = outputs[i]
		}
		if item.Request != nil {
			item.Request.CarryOverExtras = StageLatency(item.Request.CarryOverExtras, "model_lat_ms", exit.Sub(entry))
		}
		c.out <- computeOutput{request: item.Request, output: o}
	}
}

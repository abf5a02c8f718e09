package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/nxserrors"
	"github.com/microsoft/nxs/internal/pluginregistry"
)

// preprocessInput is one request (or, for a non-main sibling, the previous
// component's compute output carried forward) ready to be decoded and
// shaped into a Compute feed.
type preprocessInput struct {
	request *model.InferRequest
	// carryIn is set when this component is a sibling running after an
	// earlier component's Compute stage; its output becomes this
	// component's feed directly, bypassing decode (spec.md §3 "siblings
	// that must always run together").
	carryIn map[string]any
}

// PreprocessPool runs P worker goroutines decoding and shaping requests for
// one ComponentModel (spec.md §4.2.2 "Preprocess Pool: P concurrent
// workers").
type PreprocessPool struct {
	model    model.ComponentModel
	registry *pluginregistry.Registry
	sandbox  *pluginregistry.Sandbox
	defaults map[string]any

	in  <-chan preprocessInput
	out chan<- ComputeItem

	workers int
}

// NewPreprocessPool constructs a PreprocessPool of workers goroutines for m,
// reading from in and writing to out; out is closed once every worker has
// observed in closed and drained.
func NewPreprocessPool(m model.ComponentModel, registry *pluginregistry.Registry, sandbox *pluginregistry.Sandbox, defaults map[string]any, in <-chan preprocessInput, out chan<- ComputeItem) *PreprocessPool {
	workers := m.NumPreprocessors
	if workers <= 0 {
		workers = 1
	}
	return &PreprocessPool{model: m, registry: registry, sandbox: sandbox, defaults: defaults, in: in, out: out, workers: workers}
}

// Run fans workers P-wide over in, closing out once every worker has
// drained in to completion.
func (p *PreprocessPool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}
	wg.Wait()
	close(p.out)
}

func (p *PreprocessPool) worker(ctx context.Context) {
	for item := range p.in {
		p.out <- p.process(ctx, item)
	}
}

func (p *PreprocessPool) process(ctx context.Context, item preprocessInput) ComputeItem {
	if item.carryIn != nil {
		return ComputeItem{Request: item.request, Feed: item.carryIn}
	}

	req := item.request
	extra := mergeExtras(p.model, req)

	result, err := p.run(ctx, req.Inputs, extra)
	if err != nil {
		req.Status = model.StatusFailed
		req.ErrorMessage = err.Error()
		return ComputeItem{Request: req, err: err}
	}

	if result.SkipCompute {
		return ComputeItem{Request: req, skipped: true, direct: result.PrecomputedOutput}
	}
	return ComputeItem{Request: req, Feed: result.Feed}
}

func (p *PreprocessPool) run(ctx context.Context, inputs []model.Input, extra map[string]any) (pluginregistry.PreprocResult, error) {
	if p.model.PreprocFn != "" {
		if fn, ok := p.registry.Preprocess(p.model.PreprocFn); ok {
			return fn(ctx, inputs, p.defaults, extra)
		}
	}
	if p.sandbox == nil {
		return pluginregistry.PreprocResult{}, nxserrors.Processing(fmt.Errorf("%s: no preprocess function registered and no sandbox configured", p.model.ModelUUID))
	}
	return p.sandbox.Preprocess(ctx, p.model.ModelUUID, inputs, p.defaults, extra)
}

// mergeExtras combines a request's extra_preproc_params with its generic
// extra_params, the former taking precedence (spec.md §4.2.2 "merges
// registered defaults with request-level extra_preproc_params").
func mergeExtras(m model.ComponentModel, req *model.InferRequest) map[string]any {
	out := make(map[string]any, len(req.ExtraParams)+len(req.ExtraPreprocParams))
	for k, v := range req.ExtraParams {
		out[k] = v
	}
	for k, v := range req.ExtraPreprocParams {
		out[k] = v
	}
	return out
}

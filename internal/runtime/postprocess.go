package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
)

// PostprocessResult is one finished request: either ready for the next hop
// in its pipeline, or terminal (completed or failed).
type PostprocessResult struct {
	Request    *model.InferRequest
	ResultType model.ResultType
	Outputs    map[string]any
	Err        error
}

// PostprocessPool runs Q worker goroutines classifying Compute output into
// a named result and handing it to the Output stage (spec.md §4.2.4 "result
// classification by shape -> DETECTION/CLASSIFICATION/OCR/EMBEDDING/
// CUSTOM").
type PostprocessPool struct {
	model    model.ComponentModel
	registry *pluginregistry.Registry
	sandbox  *pluginregistry.Sandbox
	params   map[string]any

	in  <-chan computeOutput
	out chan<- PostprocessResult

	workers int

	summaryMu    sync.Mutex
	processed    int64
	windowStart  time.Time
	totalLatency time.Duration
	onSummary    func(fps, latencyMs float64)
}

// NewPostprocessPool constructs a PostprocessPool of workers goroutines for
// m. onSummary, if non-nil, is invoked roughly every second with the
// pool's rolling throughput/latency (spec.md §4.2.4 "emits a throughput/
// latency summary roughly every second").
func NewPostprocessPool(m model.ComponentModel, registry *pluginregistry.Registry, sandbox *pluginregistry.Sandbox, params map[string]any, in <-chan computeOutput, out chan<- PostprocessResult, onSummary func(fps, latencyMs float64)) *PostprocessPool {
	workers := m.NumPostprocessors
	if workers <= 0 {
		workers = 1
	}
	return &PostprocessPool{
		model: m, registry: registry, sandbox: sandbox, params: params,
		in: in, out: out, workers: workers,
		windowStart: time.Time{}, onSummary: onSummary,
	}
}

// Run fans workers P-wide over in, closing out once every worker has
// drained in to completion.
func (p *PostprocessPool) Run(ctx context.Context) {
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

func (p *PostprocessPool) worker(ctx context.Context) {
	for item := range p.in {
		start := time.Now()
		result := p.process(ctx, item)
		p.recordSummary(time.Since(start))
		p.out <- result
	}
}

func (p *PostprocessPool) process(ctx context.Context, item computeOutput) PostprocessResult {
	if item.err != nil {
		return PostprocessResult{Request: item.request, Err: item.err}
	}

	resultType, outputs, err := p.run(ctx, item.output)
	if err != nil {
		return PostprocessResult{Request: item.request, Err: err}
	}
	return PostprocessResult{Request: item.request, ResultType: resultType, Outputs: outputs}
}

func (p *PostprocessPool) run(ctx context.Context, computeOutput map[string]any) (model.ResultType, map[string]any, error) {
	if p.model.PostprocFn != "" {
		if fn, ok := p.registry.Postprocess(p.model.PostprocFn); ok {
			return fn(ctx, computeOutput, p.params)
		}
	}
	if p.sandbox == nil {
		return classifyByShape(computeOutput), computeOutput, nil
	}
	return p.sandbox.Postprocess(ctx, p.model.ModelUUID, computeOutput, p.params)
}

// classifyByShape is the generic-path fallback when a model registers no
// postprocess function and carries no sandboxed script: it just forwards
// the compute output labeled CUSTOM rather than guess at shape semantics
// that belong to a domain collaborator (spec.md §1).
func classifyByShape(out map[string]any) model.ResultType {
	return model.ResultCustom
}

func (p *PostprocessPool) recordSummary(latency time.Duration) {
	p.summaryMu.Lock()
	defer p.summaryMu.Unlock()

	now := time.Now()
	if p.windowStart.IsZero() {
		p.windowStart = now
	}
	p.processed++
	p.totalLatency += latency

	if elapsed := now.Sub(p.windowStart); elapsed >= time.Second {
		fps := float64(p.processed) / elapsed.Seconds()
		latencyMs := float64(p.totalLatency.Milliseconds()) / float64(p.processed)
		if p.onSummary != nil {
			p.onSummary(fps, latencyMs)
		}
		p.processed = 0
		p.totalLatency = 0
		p.windowStart = now
	}
}

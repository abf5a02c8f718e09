package runtime

import (
	"context"
	"sync"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
	"github.com/microsoft/nxs/internal/queue"
)

// Placement is one deployed CompositoryModel on this backend: an Input
// stage reading the model's command topic, a chain of Preprocess/Compute/
// Postprocess stages (one per component, main model first, siblings
// after), and an Output stage publishing terminal results or forwarding to
// the next pipeline hop (spec.md §4.2 end to end).
type Placement struct {
	cmodel   model.CompositoryModel
	registry *pluginregistry.Registry
	sandbox  *pluginregistry.Sandbox
	backends *frameworkRegistry

	input  *InputStage
	output *OutputStage

	cancel context.CancelFunc
}

// NewPlacement wires a fresh Placement for cmodel, reading from puller and
// publishing via pusher. dispatcher selects the Input stage's admission
// policy (spec.md §4.2.1).
func NewPlacement(cmodel model.CompositoryModel, registry *pluginregistry.Registry, sandbox *pluginregistry.Sandbox, backends *frameworkRegistry, puller *queue.Puller, pusher *queue.Pusher, dispatcher Dispatcher) *Placement {
	pl := &Placement{cmodel: cmodel, registry: registry, sandbox: sandbox, backends: backends}

	reqCh := make(chan *model.InferRequest, 16)
	pl.input = NewInputStage(puller, dispatcher, reqCh)

	var final <-chan PostprocessResult
	if cmodel.MainModel.IsCustomModel {
		final = pl.buildCustomChain(reqCh)
	} else {
		final = pl.buildChain(reqCh)
	}
	pl.output = NewOutputStage(pusher, final)

	return pl
}

// Start launches every stage's goroutine. It is safe to call once.
func (pl *Placement) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pl.cancel = cancel
	go pl.input.Run(ctx)
	go pl.output.Run(ctx)
}

// Stop begins the left-to-right stop-flag cascade and blocks until the
// Output stage has drained and published every in-flight result (spec.md
// §4.2 "graceful shutdown: stop flags cascade left to right, draining each
// stage's upstream before asserting the next").
func (pl *Placement) Stop() {
	pl.input.Stop()
	<-pl.output.Done()
	if pl.cancel != nil {
		pl.cancel()
	}
}

// buildCustomChain wires the Custom Model Path (spec.md §4.2.5): a single
// CustomModelStage replaces the entire Preprocess/Compute/Postprocess
// chain. The registry name defaults to the main component's PreprocFn
// field, reused here as the custom model's registration key, falling back
// to its model_uuid.
func (pl *Placement) buildCustomChain(reqCh <-chan *model.InferRequest) <-chan PostprocessResult {
	name := pl.cmodel.MainModel.PreprocFn
	if name == "" {
		name = pl.cmodel.MainModel.ModelUUID
	}

	out := make(chan PostprocessResult, 16)
	fn, err := pl.registry.CustomModel(name)
	if err != nil {
		go func() {
			defer close(out)
			for req := range reqCh {
				out <- PostprocessResult{Request: req, Err: err}
			}
		}()
		return out
	}

	stage := NewCustomModelStage(pl.cmodel.MainModel, fn, reqCh, out)
	go stage.Run(context.Background())
	return out
}

// buildChain wires one PreprocessPool -> ComputeStage -> PostprocessPool
// per component in the compository model, main model first. A non-final
// component's postprocessed output becomes the next component's carried-in
// feed; a failure at any point short-circuits straight to the returned
// channel instead of continuing the chain.
func (pl *Placement) buildChain(reqCh <-chan *model.InferRequest) <-chan PostprocessResult {
	const bufSize = 16

	final := make(chan PostprocessResult, bufSize)
	var wg sync.WaitGroup

	components := pl.cmodel.AllComponents()

	first := make(chan preprocessInput, bufSize)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(first)
		for r := range reqCh {
			first <- preprocessInput{request: r}
		}
	}()

	var nextIn <-chan preprocessInput = first
	for idx, comp := range components {
		isLast := idx == len(components)-1

		computeIn := make(chan ComputeItem, bufSize)
		computeOut := make(chan computeOutput, bufSize)
		postOut := make(chan PostprocessResult, bufSize)

		pool := NewPreprocessPool(comp, pl.registry, pl.sandbox, nil, nextIn, computeIn)
		go pool.Run(context.Background())

		cstage := NewComputeStage(comp, pl.backends, pl.registry, computeIn, computeOut)
		go cstage.Run(context.Background())

		ppool := NewPostprocessPool(comp, pl.registry, pl.sandbox, nil, computeOut, postOut, nil)
		go ppool.Run(context.Background())

		if isLast {
			wg.Add(1)
			go func(src <-chan PostprocessResult) {
				defer wg.Done()
				for r := range src {
					final <- r
				}
			}(postOut)
		} else {
			bridged := make(chan preprocessInput, bufSize)
			wg.Add(1)
			go func(src <-chan PostprocessResult, dst chan<- preprocessInput) {
				defer wg.Done()
				defer close(dst)
				for r := range src {
					if r.Err != nil {
						final <- r
						continue
					}
					dst <- preprocessInput{request: r.Request, carryIn: r.Outputs}
				}
			}(postOut, bridged)
			nextIn = bridged
		}
	}

	go func() {
		wg.Wait()
		close(final)
	}()

	return final
}

// Package pluginregistry implements spec.md §9 "Plugin-like preprocess/
// postprocess functions": a closed registry of named functions compiled
// into the binary (detector/classifier/tracker variants), plus a
// bytes-in/bytes-out generic path for user-supplied code run in an
// isolated sandbox. The sandbox is grounded on
// _examples/r3e-network-service_layer/system/tee/script_engine.go, which
// runs untrusted scripts in a fresh github.com/dop251/goja runtime per
// call for isolation.
package pluginregistry

import (
	"context"

	"github.com/microsoft/nxs/internal/model"
)

// PreprocResult is what a preprocess function yields for one request: a
// feed dictionary for Compute, or (if SkipCompute) a precomputed output for
// models whose "first stage" is pure decoding (spec.md §4.2.2 step 3).
type PreprocResult struct {
	Feed              map[string]any
	SkipCompute       bool
	PrecomputedOutput map[string]any
}

// PreprocessFunc decodes and transforms one request's inputs into a feed
// dictionary, merging registered defaults with request-level
// extra_preproc_params (spec.md §4.2.2).
type PreprocessFunc func(ctx context.Context, inputs []model.Input, defaults, extraParams map[string]any) (PreprocResult, error)

// PostprocessFunc turns raw Compute output into a classified, named result
// (spec.md §4.2.4).
type PostprocessFunc func(ctx context.Context, computeOutput map[string]any, params map[string]any) (model.ResultType, map[string]any, error)

// TransformFunc expands a single input into a sequence of sub-batches fed
// independently to Compute, used when a model registers a transform
// function (spec.md §4.2.3 "the stage is forced to batch=1").
type TransformFunc func(ctx context.Context, input map[string]any) ([]map[string]any, error)

// CustomModelFunc implements the full init/infer/cleanup custom-model path
// of spec.md §4.2.5, replacing Preprocess->Compute->Postprocess entirely.
type CustomModelFunc interface {
	Init(ctx context.Context) error
	Infer(ctx context.Context, batch []model.InferRequest, preprocParams, postprocParams map[string]any) ([]map[string]any, error)
	Cleanup(ctx context.Context) error
}

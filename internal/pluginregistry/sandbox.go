package pluginregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/modelstore"
)

// Sandbox runs user-supplied preprocess/postprocess scripts
// fetched from the Model Store in an isolated goja.Runtime per call, one
// fresh VM per invocation so no state or prototype pollution can leak
// between requests or models (grounded on
// r3e-network-service_layer/system/tee/script_engine.go's gojaScriptEngine).
type Sandbox struct {
	store *modelstore.Store
}

// NewSandbox constructs a Sandbox reading scripts from store.
func NewSandbox(store *modelstore.Store) *Sandbox {
	return &Sandbox{store: store}
}

// scriptOutput is the {feed|output, skip_compute} envelope a sandboxed
// preprocess script must return.
type scriptOutput struct {
	Feed              map[string]any `json:"feed"`
	SkipCompute       bool           `json:"skip_compute"`
	PrecomputedOutput map[string]any `json:"precomputed_output"`
}

func (s *Sandbox) loadScript(digest string) (string, error) {
	data, ok, err := s.store.Get(digest)
	if err != nil {
		return "", fmt.Errorf("load script %s: %w", digest, err)
	}
	if !ok {
		return "", fmt.Errorf("load script %s: not found in model store", digest)
	}
	return string(data), nil
}

// Preprocess runs the scriptDigest's `preprocess(input, defaults, extra)`
// entry point against one request's decoded inputs.
func (s *Sandbox) Preprocess(ctx context.Context, scriptDigest string, inputs []model.Input, defaults, extraParams map[string]any) (PreprocResult, error) {
	script, err := s.loadScript(scriptDigest)
	if err != nil {
		return PreprocResult{}, err
	}

	vm := goja.New()
	if _, err := vm.RunString(script); err != nil {
		return PreprocResult{}, fmt.Errorf("load preprocess script: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get("preprocess"))
	if !ok {
		return PreprocResult{}, fmt.Errorf("preprocess script missing 'preprocess' entry point")
	}

	decoded := make([]map[string]any, 0, len(inputs))
	for _, in := range inputs {
		decoded = append(decoded, map[string]any{
			"name":  in.Name,
			"type":  string(in.Type),
			"shape": in.Shape,
			"bytes": in.Data,
		})
	}
	merged := mergeParams(defaults, extraParams)

	resultVal, err := entry(goja.Undefined(), vm.ToValue(decoded), vm.ToValue(merged))
	if err != nil {
		return PreprocResult{}, fmt.Errorf("execute preprocess script: %w", err)
	}

	var out scriptOutput
	if err := exportViaJSON(resultVal, &out); err != nil {
		return PreprocResult{}, fmt.Errorf("decode preprocess result: %w", err)
	}

	return PreprocResult{Feed: out.Feed, SkipCompute: out.SkipCompute, PrecomputedOutput: out.PrecomputedOutput}, nil
}

// Postprocess runs the scriptDigest's `postprocess(output, params)` entry
// point against one Compute result.
func (s *Sandbox) Postprocess(ctx context.Context, scriptDigest string, computeOutput, params map[string]any) (model.ResultType, map[string]any, error) {
	script, err := s.loadScript(scriptDigest)
	if err != nil {
		return "", nil, err
	}

	vm := goja.New()
	if _, err := vm.RunString(script); err != nil {
		return "", nil, fmt.Errorf("load postprocess script: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get("postprocess"))
	if !ok {
		return "", nil, fmt.Errorf("postprocess script missing 'postprocess' entry point")
	}

	resultVal, err := entry(goja.Undefined(), vm.ToValue(computeOutput), vm.ToValue(params))
	if err != nil {
		return "", nil, fmt.Errorf("execute postprocess script: %w", err)
	}

	var out struct {
		ResultType model.ResultType `json:"result_type"`
		Outputs    map[string]any   `json:"outputs"`
	}
	if err := exportViaJSON(resultVal, &out); err != nil {
		return "", nil, fmt.Errorf("decode postprocess result: %w", err)
	}
	if out.ResultType == "" {
		out.ResultType = model.ResultCustom
	}
	return out.ResultType, out.Outputs, nil
}

func exportViaJSON(v goja.Value, dest any) error {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return fmt.Errorf("script returned no value")
	}
	data, err := json.Marshal(v.Export())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func mergeParams(defaults, extra map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(extra))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

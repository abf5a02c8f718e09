package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
)

func TestPreprocessPool_MergesExtraParamsOverDefaults(t *testing.T) {
	registry := pluginregistry.NewRegistry()
	var seenDefaults, seenExtra map[string]any
	registry.RegisterPreprocess("capture", func(ctx context.Context, inputs []model.Input, defaults, extra map[string]any) (pluginregistry.PreprocResult, error) {
		seenDefaults = defaults
		seenExtra = extra
		return pluginregistry.PreprocResult{Feed: map[string]any{"ok": true}}, nil
	})

	m := model.ComponentModel{ModelUUID: "m0", PreprocFn: "capture", NumPreprocessors: 1}
	in := make(chan preprocessInput, 1)
	out := make(chan ComputeItem, 1)
	pool := NewPreprocessPool(m, registry, nil, map[string]any{"d": 1}, in, out)
	go pool.Run(context.Background())

	req := &model.InferRequest{
		TaskUUID:           "t1",
		ExtraParams:        map[string]any{"a": 1, "shared": "from_params"},
		ExtraPreprocParams: map[string]any{"b": 2, "shared": "from_preproc"},
	}
	in <- preprocessInput{request: req}
	close(in)

	select {
	case item := <-out:
		require.NoError(t, item.err)
		assert.Equal(t, map[string]any{"ok": true}, item.Feed)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	assert.Equal(t, map[string]any{"d": 1}, seenDefaults)
	assert.Equal(t, "from_preproc", seenExtra["shared"], "extra_preproc_params must win over extra_params")
	assert.Equal(t, 1, seenExtra["a"])
	assert.Equal(t, 2, seenExtra["b"])
}

func TestPreprocessPool_CarriedInputBypassesDecode(t *testing.T) {
	registry := pluginregistry.NewRegistry()
	m := model.ComponentModel{ModelUUID: "sibling", PreprocFn: "should-not-run", NumPreprocessors: 1}
	registry.RegisterPreprocess("should-not-run", func(ctx context.Context, inputs []model.Input, defaults, extra map[string]any) (pluginregistry.PreprocResult, error) {
		t.Fatal("preprocess should not run for a carried-in item")
		return pluginregistry.PreprocResult{}, nil
	})

	in := make(chan preprocessInput, 1)
	out := make(chan ComputeItem, 1)
	pool := NewPreprocessPool(m, registry, nil, nil, in, out)
	go pool.Run(context.Background())

	req := &model.InferRequest{TaskUUID: "t1"}
	in <- preprocessInput{request: req, carryIn: map[string]any{"carried": true}}
	close(in)

	item := <-out
	assert.Equal(t, map[string]any{"carried": true}, item.Feed)
}

func TestPreprocessPool_MissingFunctionErrors(t *testing.T) {
	registry := pluginregistry.NewRegistry()
	m := model.ComponentModel{ModelUUID: "m0", NumPreprocessors: 1} // no PreprocFn, no sandbox

	in := make(chan preprocessInput, 1)
	out := make(chan ComputeItem, 1)
	pool := NewPreprocessPool(m, registry, nil, nil, in, out)
	go pool.Run(context.Background())

	in <- preprocessInput{request: &model.InferRequest{TaskUUID: "t1"}}
	close(in)

	item := <-out
	assert.Error(t, item.err)
}

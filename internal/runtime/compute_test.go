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

func TestComputeStage_DispatchesByFramework(t *testing.T) {
	backends := newTestBackends()
	m := model.ComponentModel{ModelUUID: "m0", Framework: model.FrameworkTVM, Profile: []model.ProfileUnit{{BatchSize: 4, FPS: 10}}}

	in := make(chan ComputeItem, 1)
	out := make(chan computeOutput, 1)
	stage := NewComputeStage(m, backends, newTestRegistry(), in, out)
	go stage.Run(context.Background())

	req := &model.InferRequest{TaskUUID: "t1"}
	in <- ComputeItem{Request: req, Feed: map[string]any{"x": 1}}
	close(in)

	select {
	case o := <-out:
		require.NoError(t, o.err)
		assert.Equal(t, string(model.FrameworkTVM), o.output["_framework"])
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestComputeStage_UnknownFrameworkErrors(t *testing.T) {
	backends := newFrameworkRegistry() // empty: nothing registered
	m := model.ComponentModel{ModelUUID: "m0", Framework: model.FrameworkONNX, Profile: []model.ProfileUnit{{BatchSize: 1, FPS: 10}}}

	in := make(chan ComputeItem, 1)
	out := make(chan computeOutput, 1)
	stage := NewComputeStage(m, backends, newTestRegistry(), in, out)
	go stage.Run(context.Background())

	in <- ComputeItem{Request: &model.InferRequest{TaskUUID: "t1"}, Feed: map[string]any{}}
	close(in)

	o := <-out
	assert.Error(t, o.err)
}

func TestComputeStage_TransformExpandsAndConcatenatesSubBatches(t *testing.T) {
	backends := newTestBackends()
	registry := pluginregistry.NewRegistry()
	registry.RegisterTransform("split", func(ctx context.Context, input map[string]any) ([]map[string]any, error) {
		n, _ := input["n"].(int)
		out := make([]map[string]any, n)
		for i := range out {
			out[i] = map[string]any{"part": i}
		}
		return out, nil
	})

	m := model.ComponentModel{
		ModelUUID:   "m0",
		Framework:   model.FrameworkONNX,
		TransformFn: "split",
		Profile:     []model.ProfileUnit{{BatchSize: 8, FPS: 10}},
	}

	in := make(chan ComputeItem, 4)
	out := make(chan computeOutput, 4)
	stage := NewComputeStage(m, backends, registry, in, out)
	go stage.Run(context.Background())

	in <- ComputeItem{Request: &model.InferRequest{TaskUUID: "a"}, Feed: map[string]any{"n": 3}}
	in <- ComputeItem{Request: &model.InferRequest{TaskUUID: "b"}, Feed: map[string]any{"n": 1}}
	close(in)

	byTask := map[string]computeOutput{}
	for o := range out {
		byTask[o.request.TaskUUID] = o
	}
	require.Len(t, byTask, 2)

	a := byTask["a"]
	require.NoError(t, a.err)
	subOutputs, ok := a.output["_sub_outputs"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, subOutputs, 3)
	for _, o := range subOutputs {
		assert.Equal(t, 1, o["_batch_size"])
	}
	assert.NotEmpty(t, a.request.CarryOverExtras)
	assert.Contains(t, string(a.request.CarryOverExtras), "model_lat_ms")

	b := byTask["b"]
	require.NoError(t, b.err)
	require.Len(t, b.output["_sub_outputs"], 1)
}

func TestComputeStage_UnregisteredTransformErrors(t *testing.T) {
	backends := newTestBackends()
	m := model.ComponentModel{
		ModelUUID:   "m0",
		Framework:   model.FrameworkONNX,
		TransformFn: "nope",
		Profile:     []model.ProfileUnit{{BatchSize: 8, FPS: 10}},
	}

	in := make(chan ComputeItem, 1)
	out := make(chan computeOutput, 1)
	stage := NewComputeStage(m, backends, pluginregistry.NewRegistry(), in, out)
	go stage.Run(context.Background())

	in <- ComputeItem{Request: &model.InferRequest{TaskUUID: "a"}, Feed: map[string]any{}}
	close(in)

	o := <-out
	assert.Error(t, o.err)
}

func TestComputeStage_ErrItemShortCircuitsBackend(t *testing.T) {
	backends := newFrameworkRegistry() // would error if resolved
	m := model.ComponentModel{ModelUUID: "m0", Framework: model.FrameworkONNX, Profile: []model.ProfileUnit{{BatchSize: 1, FPS: 10}}}

	in := make(chan ComputeItem, 1)
	out := make(chan computeOutput, 1)
	stage := NewComputeStage(m, backends, newTestRegistry(), in, out)
	go stage.Run(context.Background())

	preprocErr := assert.AnError
	in <- ComputeItem{Request: &model.InferRequest{TaskUUID: "t1"}, err: preprocErr}
	close(in)

	o := <-out
	assert.Equal(t, preprocErr, o.err)
}

package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
)

func newTestBackends() *frameworkRegistry {
	r := newFrameworkRegistry()
	for _, fw := range []model.Framework{model.FrameworkONNX, model.FrameworkTVM, model.FrameworkBatchedTVM, model.FrameworkTFPb} {
		r.Register(fw, newPassthroughBackend(fw))
	}
	return r
}

func newTestRegistry() *pluginregistry.Registry {
	r := pluginregistry.NewRegistry()
	pluginregistry.RegisterBuiltins(r)
	return r
}

func waitFor(t *testing.T, ch <-chan PostprocessResult) PostprocessResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chain output")
		return PostprocessResult{}
	}
}

func TestBuildChain_SingleComponentHappyPath(t *testing.T) {
	comp := model.ComponentModel{
		ModelUUID:         "m0",
		Framework:         model.FrameworkONNX,
		PreprocFn:         pluginregistry.PreprocClassifierImage,
		PostprocFn:        pluginregistry.PostprocClassifierLabel,
		Profile:           []model.ProfileUnit{{BatchSize: 1, FPS: 10}},
		NumPreprocessors:  1,
		NumPostprocessors: 1,
	}
	pl := &Placement{
		cmodel:   model.CompositoryModel{MainModel: comp},
		registry: newTestRegistry(),
		backends: newTestBackends(),
	}

	reqCh := make(chan *model.InferRequest, 1)
	req := &model.InferRequest{TaskUUID: "t1", Inputs: []model.Input{{Name: "img", Type: model.InputEncodedImage, Data: []byte("x")}}}
	reqCh <- req
	close(reqCh)

	final := pl.buildChain(reqCh)
	result := waitFor(t, final)

	require.NoError(t, result.Err)
	assert.Equal(t, "t1", result.Request.TaskUUID)
	assert.Equal(t, model.ResultClassification, result.ResultType)
}

func TestBuildChain_SiblingReceivesCarriedOutput(t *testing.T) {
	main := model.ComponentModel{
		ModelUUID:         "main",
		Framework:         model.FrameworkONNX,
		PreprocFn:         pluginregistry.PreprocDetectorImage,
		PostprocFn:        pluginregistry.PostprocDetectorBoxes,
		Profile:           []model.ProfileUnit{{BatchSize: 1, FPS: 10}},
		NumPreprocessors:  1,
		NumPostprocessors: 1,
	}
	sibling := model.ComponentModel{
		ModelUUID:         "sibling",
		Framework:         model.FrameworkTVM,
		PostprocFn:        pluginregistry.PostprocTrackerState,
		Profile:           []model.ProfileUnit{{BatchSize: 1, FPS: 10}},
		NumPreprocessors:  1,
		NumPostprocessors: 1,
	}
	pl := &Placement{
		cmodel:   model.CompositoryModel{MainModel: main, Siblings: []model.ComponentModel{sibling}},
		registry: newTestRegistry(),
		backends: newTestBackends(),
	}

	reqCh := make(chan *model.InferRequest, 1)
	req := &model.InferRequest{TaskUUID: "t1", Inputs: []model.Input{{Name: "img", Type: model.InputEncodedImage, Data: []byte("x")}}}
	reqCh <- req
	close(reqCh)

	final := pl.buildChain(reqCh)
	result := waitFor(t, final)

	require.NoError(t, result.Err)
	// The sibling's compute stage received the main model's postprocessed
	// output as its feed (carried in, bypassing its own preprocess); the
	// passthrough backend echoes feed keys back into its output, so the
	// main model's "img" key should have survived into the final result.
	assert.Contains(t, result.Outputs, "img")
	assert.Equal(t, string(model.FrameworkTVM), result.Outputs["_framework"])
}

func TestBuildChain_PreprocessFailureShortCircuits(t *testing.T) {
	main := model.ComponentModel{
		ModelUUID:         "main",
		Framework:         model.FrameworkONNX,
		PreprocFn:         pluginregistry.PreprocDetectorImage,
		Profile:           []model.ProfileUnit{{BatchSize: 1, FPS: 10}},
		NumPreprocessors:  1,
		NumPostprocessors: 1,
	}
	sibling := model.ComponentModel{
		ModelUUID:         "sibling",
		Framework:         model.FrameworkTVM,
		Profile:           []model.ProfileUnit{{BatchSize: 1, FPS: 10}},
		NumPreprocessors:  1,
		NumPostprocessors: 1,
	}
	pl := &Placement{
		cmodel:   model.CompositoryModel{MainModel: main, Siblings: []model.ComponentModel{sibling}},
		registry: newTestRegistry(),
		backends: newTestBackends(),
	}

	reqCh := make(chan *model.InferRequest, 1)
	// A pickled_data input whose bytes are not gob-encoded fails to decode in
	// the builtin detector preproc; the Decode error must short-circuit
	// straight past the sibling.
	req := &model.InferRequest{TaskUUID: "t1", Inputs: []model.Input{{Name: "p", Type: model.InputPickledData, Data: []byte("not-gob-encoded")}}}
	reqCh <- req
	close(reqCh)

	final := pl.buildChain(reqCh)
	result := waitFor(t, final)

	assert.Error(t, result.Err)
	assert.Equal(t, "t1", result.Request.TaskUUID)
}

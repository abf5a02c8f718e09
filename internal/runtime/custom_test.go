package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
)

type fakeCustomModel struct {
	initCalled    bool
	cleanupCalled bool
	inferCalls    int
}

func (f *fakeCustomModel) Init(ctx context.Context) error { f.initCalled = true; return nil }
func (f *fakeCustomModel) Infer(ctx context.Context, batch []model.InferRequest, preprocParams, postprocParams map[string]any) ([]map[string]any, error) {
	f.inferCalls++
	out := make([]map[string]any, len(batch))
	for i, r := range batch {
		out[i] = map[string]any{"task_uuid": r.TaskUUID}
	}
	return out, nil
}
func (f *fakeCustomModel) Cleanup(ctx context.Context) error { f.cleanupCalled = true; return nil }

func TestCustomModelStage_RunsInitInferCleanup(t *testing.T) {
	fake := &fakeCustomModel{}
	m := model.ComponentModel{ModelUUID: "custom0", IsCustomModel: true, Profile: []model.ProfileUnit{{BatchSize: 2, FPS: 10}}}

	in := make(chan *model.InferRequest, 2)
	out := make(chan PostprocessResult, 2)
	stage := NewCustomModelStage(m, fake, in, out)
	go stage.Run(context.Background())

	in <- &model.InferRequest{TaskUUID: "t1"}
	in <- &model.InferRequest{TaskUUID: "t2"}
	close(in)

	var results []PostprocessResult
	for r := range out {
		results = append(results, r)
	}

	require.Len(t, results, 2)
	assert.True(t, fake.initCalled)
	assert.True(t, fake.cleanupCalled)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, model.ResultCustom, r.ResultType)
	}
}

func TestCustomModelStage_CollectRespectsWindow(t *testing.T) {
	fake := &fakeCustomModel{}
	m := model.ComponentModel{ModelUUID: "custom0", IsCustomModel: true, Profile: []model.ProfileUnit{{BatchSize: 8, FPS: 10}}}

	in := make(chan *model.InferRequest, 1)
	out := make(chan PostprocessResult, 1)
	stage := NewCustomModelStage(m, fake, in, out)
	stage.window = 10 * time.Millisecond
	go stage.Run(context.Background())

	in <- &model.InferRequest{TaskUUID: "only-one"}

	select {
	case r := <-out:
		require.NoError(t, r.Err)
		assert.Equal(t, "only-one", r.Request.TaskUUID)
	case <-time.After(time.Second):
		t.Fatal("window did not flush a partial batch")
	}
	close(in)
}

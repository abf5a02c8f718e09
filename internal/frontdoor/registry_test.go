package frontdoor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
)

func profiledComponent(uuid string) model.ComponentModel {
	return model.ComponentModel{
		ModelUUID: uuid,
		Framework: model.FrameworkONNX,
		Profile:   []model.ProfileUnit{{BatchSize: 1, FPS: 10}},
	}
}

func TestModelRegistry_RegisterComponent_RejectsMissingBatchOne(t *testing.T) {
	r := NewModelRegistry(0)
	bad := model.ComponentModel{ModelUUID: "m0", Framework: model.FrameworkONNX}

	err := r.RegisterComponent(bad)
	require.Error(t, err)

	_, ok := r.Component("m0")
	assert.False(t, ok)
}

func TestModelRegistry_RegisterAndLookupPipeline(t *testing.T) {
	r := NewModelRegistry(4)
	p := model.Pipeline{
		PipelineUUID: "p0",
		Models:       []model.CompositoryModel{{MainModel: profiledComponent("m0")}},
	}

	require.NoError(t, r.RegisterPipeline(p))

	got, ok := r.Pipeline("p0")
	require.True(t, ok)
	assert.Equal(t, "p0", got.PipelineUUID)

	_, ok = r.Pipeline("unknown")
	assert.False(t, ok)
}

func TestModelRegistry_CompositoryModel_ScansAllPipelines(t *testing.T) {
	r := NewModelRegistry(0)
	require.NoError(t, r.RegisterPipeline(model.Pipeline{
		PipelineUUID: "p0",
		Models:       []model.CompositoryModel{{MainModel: profiledComponent("m0")}},
	}))
	require.NoError(t, r.RegisterPipeline(model.Pipeline{
		PipelineUUID: "p1",
		Models:       []model.CompositoryModel{{MainModel: profiledComponent("m1")}},
	}))

	cm, ok := r.CompositoryModel("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", cm.UUID())

	_, ok = r.CompositoryModel("m2")
	assert.False(t, ok)
}

func TestModelRegistry_Pipelines_ListsAllRegistered(t *testing.T) {
	r := NewModelRegistry(0)
	require.NoError(t, r.RegisterPipeline(model.Pipeline{PipelineUUID: "p0", Models: []model.CompositoryModel{{MainModel: profiledComponent("m0")}}}))
	require.NoError(t, r.RegisterPipeline(model.Pipeline{PipelineUUID: "p1", Models: []model.CompositoryModel{{MainModel: profiledComponent("m1")}}}))

	assert.Len(t, r.Pipelines(), 2)
}

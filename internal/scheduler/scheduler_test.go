package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
)

func gpuComponent(uuid string, fps, memMiB float64) model.ComponentModel {
	return model.ComponentModel{
		ModelUUID: uuid,
		Framework: model.FrameworkONNX,
		UseGPU:    true,
		Profile: []model.ProfileUnit{
			{BatchSize: 1, FPS: fps, GpuMemMiB: memMiB},
		},
	}
}

func pipelineOf(uuid string, components ...model.ComponentModel) model.Pipeline {
	models := make([]model.CompositoryModel, 0, len(components))
	for _, c := range components {
		models = append(models, model.CompositoryModel{MainModel: c})
	}
	return model.Pipeline{PipelineUUID: uuid, Models: models}
}

func req(pipeline model.Pipeline, session string, fps float64) model.SchedulingRequest {
	return model.SchedulingRequest{Pipeline: pipeline, SessionUUID: session, RequestedFPS: fps}
}

// Scenario 1 (spec.md §8): single-pipeline steady state.
func TestEpoch_SinglePipelineSteadyState(t *testing.T) {
	s := New(Config{}, nil)
	s.RegisterBackend(model.BackendStat{BackendName: "b0", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})

	m := gpuComponent("m0", 90, 800)
	p := pipelineOf("p0", m)
	s.SetRequests([]model.SchedulingRequest{req(p, "sess0", 10)})

	result := s.Epoch()

	require.Len(t, result.Schedule, 1)
	assert.Equal(t, "b0", result.Schedule[0].BackendName)
	require.Len(t, result.Schedule[0].ComponentModelsPlan, 1)
	assert.Equal(t, "m0", result.Schedule[0].ComponentModelsPlan[0].ModelUUID)
	assert.Empty(t, result.Unschedule)

	b, ok := s.BackendSnapshot("b0")
	require.True(t, ok)
	assert.InDelta(t, 8192-800, b.FreeMemMiB(), 0.001)

	// A second, identical epoch should not deploy a redundant placement.
	result2 := s.Epoch()
	assert.Empty(t, result2.Schedule, "already-deployed pipeline should not redeploy")
	b2, _ := s.BackendSnapshot("b0")
	assert.InDelta(t, 8192-800, b2.FreeMemMiB(), 0.001, "memory must not be double-reserved across epochs")
}

// Scenario 2 (spec.md §8): backend eviction tears down placements and frees
// memory; a replacement backend gets a fresh placement.
func TestEpoch_BackendEviction(t *testing.T) {
	s := New(Config{BackendTimeout: 10 * time.Millisecond}, nil)
	s.RegisterBackend(model.BackendStat{BackendName: "b0", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})

	m := gpuComponent("m0", 90, 800)
	p := pipelineOf("p0", m)
	s.SetRequests([]model.SchedulingRequest{req(p, "sess0", 10)})
	s.Epoch()

	s.EvictExpired(time.Now().Add(time.Hour))
	result := s.Epoch()

	require.Len(t, result.Unschedule, 1)
	assert.Equal(t, "b0", result.Unschedule[0].BackendName)
	assert.Contains(t, result.Unschedule[0].ModelUUIDs, "m0")
	assert.Empty(t, s.BackendNames())

	// Replacement backend registers; within one epoch a new placement forms.
	s.RegisterBackend(model.BackendStat{BackendName: "b1", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})
	result2 := s.Epoch()
	require.Len(t, result2.Schedule, 1)
	assert.Equal(t, "b1", result2.Schedule[0].BackendName)
}

// Scenario 5-adjacent: scaling up when demand exceeds a single placement's
// capacity deploys an additional placement on another backend.
func TestEpoch_ScaleUpWhenDemandExceedsCapacity(t *testing.T) {
	s := New(Config{}, nil)
	s.RegisterBackend(model.BackendStat{BackendName: "b0", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})
	s.RegisterBackend(model.BackendStat{BackendName: "b1", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})

	m := gpuComponent("m0", 10, 800)
	p := pipelineOf("p0", m)
	s.SetRequests([]model.SchedulingRequest{req(p, "sess0", 25)})

	result := s.Epoch()
	require.Len(t, result.Schedule, 2, "10fps capacity per placement cannot satisfy 25fps demand from one backend")
}

// Scaling down: once demand drops, a full placement-worth of surplus
// capacity is unscheduled.
func TestEpoch_ScaleDownOnSurplusCapacity(t *testing.T) {
	s := New(Config{}, nil)
	s.RegisterBackend(model.BackendStat{BackendName: "b0", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})
	s.RegisterBackend(model.BackendStat{BackendName: "b1", Gpu: &model.GpuInfo{TotalMemMiB: 8192}})

	m := gpuComponent("m0", 10, 800)
	p := pipelineOf("p0", m)
	s.SetRequests([]model.SchedulingRequest{req(p, "sess0", 25)})
	s.Epoch()

	s.SetRequests([]model.SchedulingRequest{req(p, "sess0", 5)})
	result := s.Epoch()
	require.Len(t, result.Unschedule, 1)
}

// CPU backends are bounded by MaxModelsPerCPUBackend and ranked by least
// already-deployed models, never by memory (spec.md §4.3 tie-breaks).
func TestEpoch_CPUBackendPicksLeastLoaded(t *testing.T) {
	s := New(Config{MaxModelsPerCPUBackend: 2}, nil)
	s.RegisterBackend(model.BackendStat{BackendName: "cpu0"})
	s.RegisterBackend(model.BackendStat{BackendName: "cpu1"})

	cpuComponent := func(uuid string) model.ComponentModel {
		return model.ComponentModel{
			ModelUUID: uuid,
			Framework: model.FrameworkONNX,
			UseGPU:    false,
			Profile:   []model.ProfileUnit{{BatchSize: 1, FPS: 30}},
		}
	}

	m0 := cpuComponent("m0")
	p0 := pipelineOf("p0", m0)
	s.SetRequests([]model.SchedulingRequest{req(p0, "sess0", 5)})
	result := s.Epoch()
	require.Len(t, result.Schedule, 1)
	first := result.Schedule[0].BackendName

	m1 := cpuComponent("m1")
	p1 := pipelineOf("p1", m1)
	s.SetRequests([]model.SchedulingRequest{req(p0, "sess0", 5), req(p1, "sess1", 5)})
	result2 := s.Epoch()
	require.Len(t, result2.Schedule, 1)
	assert.NotEqual(t, first, result2.Schedule[0].BackendName, "second model should land on the less-loaded cpu backend")
}

// A CPU-only backend never hosts a GPU-flagged compository model, and vice
// versa (spec.md §3 "Invariant: a backend with GpuInfo == none is CPU-only
// and may only host models flagged CPU-eligible").
func TestEpoch_GPUModelNeverPlacedOnCPUBackend(t *testing.T) {
	s := New(Config{}, nil)
	s.RegisterBackend(model.BackendStat{BackendName: "cpu0"})

	m := gpuComponent("m0", 30, 800)
	p := pipelineOf("p0", m)
	s.SetRequests([]model.SchedulingRequest{req(p, "sess0", 5)})

	result := s.Epoch()
	assert.Empty(t, result.Schedule, "no GPU backend available, pipeline stays unscheduled")
}

package workloadmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
)

func TestReportFPS_NewKeyDetection(t *testing.T) {
	m := New(Config{})
	p := model.Pipeline{PipelineUUID: "p0"}

	isNew := m.ReportFPS(p, "s0", 10)
	assert.True(t, isNew)

	isNew2 := m.ReportFPS(p, "s0", 12)
	assert.False(t, isNew2)
}

func TestSnapshot_ExpiresStaleObservations(t *testing.T) {
	m := New(Config{ModelTimeout: 10 * time.Millisecond})
	p := model.Pipeline{PipelineUUID: "p0"}
	m.ReportFPS(p, "s0", 10)

	snap := m.Snapshot()
	require.Len(t, snap, 1)

	time.Sleep(20 * time.Millisecond)
	snap2 := m.Snapshot()
	assert.Empty(t, snap2)
}

func TestSnapshot_PinSurvivesObservationExpiry(t *testing.T) {
	m := New(Config{ModelTimeout: 10 * time.Millisecond})
	p := model.Pipeline{PipelineUUID: "p0"}
	m.Pin(p, 5)

	time.Sleep(20 * time.Millisecond)
	snap := m.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 5.0, snap[0].RequestedFPS)
}

func TestUnpin_RemovesPinnedWorkload(t *testing.T) {
	m := New(Config{})
	p := model.Pipeline{PipelineUUID: "p0"}
	m.Pin(p, 5)
	require.Len(t, m.Snapshot(), 1)

	m.Unpin("p0")
	assert.Empty(t, m.Snapshot())
}

func TestSnapshot_PinnedAndObservedAreDistinctEntries(t *testing.T) {
	m := New(Config{})
	p := model.Pipeline{PipelineUUID: "p0"}
	m.Pin(p, 5)
	m.ReportFPS(p, "s0", 10)

	snap := m.Snapshot()
	assert.Len(t, snap, 2)
}

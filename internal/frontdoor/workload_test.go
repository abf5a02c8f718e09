package frontdoor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsoft/nxs/internal/model"
)

func TestFPSCounter_DrainComputesRateOverElapsed(t *testing.T) {
	c := newFPSCounter()
	p := model.Pipeline{PipelineUUID: "p0"}

	for i := 0; i < 10; i++ {
		c.record(p, "s0")
	}

	msgs := c.drain(2 * time.Second)
	require.Len(t, msgs, 1)
	assert.Equal(t, "p0", msgs[0].Pipeline.PipelineUUID)
	assert.Equal(t, "s0", msgs[0].SessionUUID)
	assert.Equal(t, 5.0, msgs[0].FPS)
}

func TestFPSCounter_DrainResetsCounts(t *testing.T) {
	c := newFPSCounter()
	p := model.Pipeline{PipelineUUID: "p0"}
	c.record(p, "s0")

	first := c.drain(time.Second)
	require.Len(t, first, 1)

	second := c.drain(time.Second)
	assert.Empty(t, second)
}

func TestFPSCounter_DistinctSessionsTrackedSeparately(t *testing.T) {
	c := newFPSCounter()
	p := model.Pipeline{PipelineUUID: "p0"}
	c.record(p, "s0")
	c.record(p, "s1")
	c.record(p, "s1")

	msgs := c.drain(time.Second)
	assert.Len(t, msgs, 2)
}

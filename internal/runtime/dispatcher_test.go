package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microsoft/nxs/internal/model"
)

func sla(v float64) *float64 { return &v }

func TestSLADispatcher_OrdersByAscendingDeadline(t *testing.T) {
	a := &model.InferRequest{TaskUUID: "a", SLA: sla(30)}
	b := &model.InferRequest{TaskUUID: "b", SLA: sla(10)}
	c := &model.InferRequest{TaskUUID: "c"} // untagged

	decision := SLADispatcher{}.Dispatch([]*model.InferRequest{a, b, c})

	assert.Equal(t, []string{"b", "a", "c"}, taskUUIDs(decision.ToSchedule))
}

func TestBasicDispatcher_PreservesOrder(t *testing.T) {
	a := &model.InferRequest{TaskUUID: "a"}
	b := &model.InferRequest{TaskUUID: "b"}

	decision := BasicDispatcher{}.Dispatch([]*model.InferRequest{a, b})
	assert.Equal(t, []string{"a", "b"}, taskUUIDs(decision.ToSchedule))
}

func TestBasicMonitoringDispatcher_TracksRollingMean(t *testing.T) {
	d := NewBasicMonitoringDispatcher()
	for i := 0; i < 5; i++ {
		d.Observe(10, 5)
	}
	assert.InDelta(t, 10, d.FPS(), 0.001)
	assert.InDelta(t, 5, d.LatencyMs(), 0.001)
}

func taskUUIDs(reqs []*model.InferRequest) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.TaskUUID
	}
	return out
}

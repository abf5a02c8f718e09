package frontdoor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/nxserrors"
)

// fpsCounter accumulates completed-request counts per (pipeline, session)
// between reporting ticks, turning them into an observed-FPS sample
// (spec.md §4.4 "front-door instances ... report observed FPS").
type fpsCounter struct {
	mu    sync.Mutex
	counts map[string]*fpsEntry
}

type fpsEntry struct {
	pipeline model.Pipeline
	session  string
	count    int64
}

func newFPSCounter() *fpsCounter {
	return &fpsCounter{counts: make(map[string]*fpsEntry)}
}

func (c *fpsCounter) record(pipeline model.Pipeline, sessionUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := model.InternalSessionID(pipeline.PipelineUUID, sessionUUID)
	e, ok := c.counts[key]
	if !ok {
		e = &fpsEntry{pipeline: pipeline, session: sessionUUID}
		c.counts[key] = e
	}
	e.count++
}

// drain resets every counter to zero and returns the samples accumulated
// since the previous drain, converted to FPS over elapsed.
func (c *fpsCounter) drain(elapsed time.Duration) []model.ReportFPSMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed <= 0 {
		elapsed = time.Second
	}
	out := make([]model.ReportFPSMsg, 0, len(c.counts))
	for key, e := range c.counts {
		if e.count == 0 {
			delete(c.counts, key)
			continue
		}
		out = append(out, model.ReportFPSMsg{
			Pipeline:    e.pipeline,
			SessionUUID: e.session,
			FPS:         float64(e.count) / elapsed.Seconds(),
		})
		e.count = 0
	}
	return out
}

// ReportObservedFPS pushes one ReportFPSMsg per active (pipeline, session)
// to the Workload Manager, for the caller to invoke on a fixed tick
// (spec.md §4.4).
func (f *FrontDoor) ReportObservedFPS(ctx context.Context, elapsed time.Duration) error {
	for _, msg := range f.fps.drain(elapsed) {
		if err := f.pushControl(ctx, WorkloadManagerTopic, model.TagReportFPS, msg); err != nil {
			return err
		}
	}
	return nil
}

// PinPipeline pins pipeline's FPS at the Workload Manager regardless of
// observed traffic (spec.md §4.4 "pinned workloads", §6 "/v2/pipelines/pin").
func (f *FrontDoor) PinPipeline(ctx context.Context, pipeline model.Pipeline, fps float64) error {
	return f.pushControl(ctx, WorkloadManagerTopic, model.TagPinWorkloads, model.PinWorkloadMsg{Pipeline: pipeline, FPS: fps})
}

// UnpinPipeline removes a pin (spec.md §6 "/v2/pipelines/unpin").
func (f *FrontDoor) UnpinPipeline(ctx context.Context, pipelineUUID string) error {
	return f.pushControl(ctx, WorkloadManagerTopic, model.TagUnpinWorkloads, model.UnpinWorkloadMsg{PipelineUUID: pipelineUUID})
}

func (f *FrontDoor) pushControl(ctx context.Context, topic string, tag model.ControlTag, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nxserrors.Infrastructure(err)
	}
	envelope, err := json.Marshal(model.ControlMessage{Tag: tag, Body: encoded})
	if err != nil {
		return nxserrors.Infrastructure(err)
	}
	if err := f.pusher.Push(ctx, topic, envelope); err != nil {
		return nxserrors.Infrastructure(err)
	}
	return nil
}

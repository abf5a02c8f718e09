// Package runtime implements the Per-Backend Runtime of spec.md §4.2: a
// multi-stage pipeline (Input -> Preprocess pool -> Compute -> Postprocess
// pool -> Output) with cross-request batching, priority dispatch, and a
// left-to-right stop-flag cascade for graceful shutdown.
//
// Stage wiring is expressed with plain Go channels: a stage's output
// channel is closed once its input is fully drained, which propagates the
// stop cascade downstream for free — no separate stop-flag struct is
// needed past the Input stage, which is the one stage bridging from the
// queue (a blocking pull, not a channel) into the pipeline.
package runtime

import (
	"sort"
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/model"
)

// DispatchDecision is what a Dispatcher yields for one pass over a batch of
// freshly-arrived requests (spec.md §4.2.1 "emits {to_schedule, to_delay,
// to_drop}").
type DispatchDecision struct {
	ToSchedule []*model.InferRequest
	ToDelay    []*model.InferRequest
	ToDrop     []*model.InferRequest
}

// Dispatcher orders and admits requests at the Input stage.
type Dispatcher interface {
	Dispatch(pending []*model.InferRequest) DispatchDecision
}

// BasicDispatcher passes every request through untouched, preserving
// arrival order (spec.md §4.2.1 "Basic dispatcher: pass-through").
type BasicDispatcher struct{}

func (BasicDispatcher) Dispatch(pending []*model.InferRequest) DispatchDecision {
	return DispatchDecision{ToSchedule: pending}
}

// fpsWindow is a fixed-size rolling window of interval samples, used by
// BasicMonitoringDispatcher (spec.md §4.2.1 "rolling window (last 30
// intervals)").
type fpsWindow struct {
	mu      sync.Mutex
	samples []float64
	size    int
}

func newFPSWindow(size int) *fpsWindow {
	if size <= 0 {
		size = 30
	}
	return &fpsWindow{size: size}
}

func (w *fpsWindow) Add(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, v)
	if len(w.samples) > w.size {
		w.samples = w.samples[len(w.samples)-w.size:]
	}
}

func (w *fpsWindow) Mean() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.samples {
		sum += v
	}
	return sum / float64(len(w.samples))
}

// BasicMonitoringDispatcher is a pass-through dispatcher that additionally
// maintains a rolling window of downstream FPS/latency, exposed to the
// monitoring plane (spec.md §4.2.1 "Basic-monitoring dispatcher").
type BasicMonitoringDispatcher struct {
	fps     *fpsWindow
	latency *fpsWindow
}

// NewBasicMonitoringDispatcher constructs a BasicMonitoringDispatcher.
func NewBasicMonitoringDispatcher() *BasicMonitoringDispatcher {
	return &BasicMonitoringDispatcher{fps: newFPSWindow(30), latency: newFPSWindow(30)}
}

func (d *BasicMonitoringDispatcher) Dispatch(pending []*model.InferRequest) DispatchDecision {
	return DispatchDecision{ToSchedule: pending}
}

// Observe records one downstream throughput/latency sample. Placement does
// not connect it to a Postprocess pool's summary; samples arrive only from
// callers that invoke it directly.
func (d *BasicMonitoringDispatcher) Observe(fps, latencyMs float64) {
	d.fps.Add(fps)
	d.latency.Add(latencyMs)
}

// FPS returns the rolling-window mean FPS.
func (d *BasicMonitoringDispatcher) FPS() float64 { return d.fps.Mean() }

// LatencyMs returns the rolling-window mean latency in milliseconds.
func (d *BasicMonitoringDispatcher) LatencyMs() float64 { return d.latency.Mean() }

// SLADispatcher sorts SLA-tagged requests ahead of untagged ones by
// ascending deadline; untagged requests retain arrival order and are
// scheduled after every SLA-tagged request (spec.md §4.2.1 "SLA
// dispatcher").
type SLADispatcher struct{}

func (SLADispatcher) Dispatch(pending []*model.InferRequest) DispatchDecision {
	tagged := make([]*model.InferRequest, 0, len(pending))
	untagged := make([]*model.InferRequest, 0, len(pending))
	for _, r := range pending {
		if r.SLA != nil {
			tagged = append(tagged, r)
		} else {
			untagged = append(untagged, r)
		}
	}
	sort.SliceStable(tagged, func(i, j int) bool { return *tagged[i].SLA < *tagged[j].SLA })

	ordered := make([]*model.InferRequest, 0, len(pending))
	ordered = append(ordered, tagged...)
	ordered = append(ordered, untagged...)
	return DispatchDecision{ToSchedule: ordered}
}

// StageBreadcrumb stamps entry into the breadcrumb bag under key, returning
// the updated carry_over_extras bytes (spec.md §9 "owned byte slice
// re-serialized at each hop").
func StageBreadcrumb(raw []byte, stage string, at time.Time) []byte {
	bag := model.DecodeBreadcrumbs(raw)
	bag[stage+"_ts_unix_ms"] = at.UnixMilli()
	return bag.Encode()
}

// StageLatency stamps a duration (in fractional milliseconds) into the
// breadcrumb bag under key, alongside the timestamps StageBreadcrumb
// records (spec.md §4.2.3 "Compute records model_lat = exit - entry").
func StageLatency(raw []byte, key string, d time.Duration) []byte {
	bag := model.DecodeBreadcrumbs(raw)
	bag[key] = float64(d.Microseconds()) / 1000.0
	return bag.Encode()
}

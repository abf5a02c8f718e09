// Package workloadmanager implements the Workload Manager of spec.md §4.4:
// it keeps the most recent Front Door FPS report per (pipeline, session)
// as that key's demand, with no averaging or windowing across reports,
// adds operator-pinned workloads as entries of their own, and emits a
// periodic RegisterWorkloads message to the Scheduler.
//
// Grounded on original_source/nxs_libs/interface/workload_manager/
// simple_policy.py; an observed key is expired after a silence timeout.
package workloadmanager

import (
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/model"
)

// Config tunes the manager's windowing and reporting cadence.
type Config struct {
	// ReportInterval is how often RegisterWorkloads is emitted (spec.md
	// §4.4 "report_workloads_interval").
	ReportInterval time.Duration
	// ModelTimeout expires an observed-FPS report after this much silence
	// (spec.md §4.4 "expired after model_timeout_secs of silence").
	ModelTimeout time.Duration
	// EnableInstantScheduling triggers an immediate emission when a brand
	// new workload key arrives (spec.md §4.4).
	EnableInstantScheduling bool
}

func (c Config) withDefaults() Config {
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Second
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = 30 * time.Second
	}
	return c
}

type observedEntry struct {
	fps      float64
	lastSeen time.Time
}

type pinnedEntry struct {
	pipeline model.Pipeline
	fps      float64
}

// Manager tracks observed and pinned workloads and renders them into
// RegisterWorkloads snapshots for the Scheduler.
type Manager struct {
	cfg Config

	mu       sync.Mutex
	observed map[string]observedEntry
	pinned   map[string]pinnedEntry
	// pipelines caches the full Pipeline descriptor last seen for a key, so
	// a pinned-only key (no recent observed report) can still be reported
	// with a complete Pipeline.
	pipelines map[string]model.Pipeline
}

// New constructs an empty Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		observed:  make(map[string]observedEntry),
		pinned:    make(map[string]pinnedEntry),
		pipelines: make(map[string]model.Pipeline),
	}
}

func key(pipelineUUID, sessionUUID string) string {
	return model.InternalSessionID(pipelineUUID, sessionUUID)
}

// ReportFPS records a Front Door's observed FPS for (pipeline, session).
// isNewKey reports whether this is the first-ever report for the key,
// used by callers to decide whether to trigger instant scheduling.
func (m *Manager) ReportFPS(pipeline model.Pipeline, sessionUUID string, fps float64) (isNewKey bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(pipeline.PipelineUUID, sessionUUID)
	_, existed := m.observed[k]
	m.observed[k] = observedEntry{fps: fps, lastSeen: time.Now()}
	m.pipelines[k] = pipeline
	return !existed
}

// Pin holds a pipeline's FPS at a fixed value regardless of observed
// traffic (spec.md §4.4 "pinned workloads").
func (m *Manager) Pin(pipeline model.Pipeline, fps float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(pipeline.PipelineUUID, "pinned")
	m.pinned[k] = pinnedEntry{pipeline: pipeline, fps: fps}
	m.pipelines[k] = pipeline
}

// Unpin removes a pin for pipelineUUID.
func (m *Manager) Unpin(pipelineUUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pinned, key(pipelineUUID, "pinned"))
}

// Snapshot expires stale observed entries and returns the current set of
// active SchedulingRequests: one per still-live observed key plus one per
// pinned pipeline (spec.md §4.4 "sums pinned + observed FPS per key").
func (m *Manager) Snapshot() []model.SchedulingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, entry := range m.observed {
		if now.Sub(entry.lastSeen) > m.cfg.ModelTimeout {
			delete(m.observed, k)
		}
	}

	out := make([]model.SchedulingRequest, 0, len(m.observed)+len(m.pinned))
	for k, entry := range m.observed {
		pipeline := m.pipelines[k]
		out = append(out, model.SchedulingRequest{
			Pipeline:     pipeline,
			SessionUUID:  sessionPartOf(k, pipeline.PipelineUUID),
			RequestedFPS: entry.fps,
		})
	}
	for k, entry := range m.pinned {
		out = append(out, model.SchedulingRequest{
			Pipeline:     entry.pipeline,
			SessionUUID:  sessionPartOf(k, entry.pipeline.PipelineUUID),
			RequestedFPS: entry.fps,
		})
	}
	return out
}

// sessionPartOf strips the "{pipeline_uuid}_" prefix InternalSessionID adds,
// recovering the caller-facing session_uuid for the outbound request.
func sessionPartOf(k, pipelineUUID string) string {
	prefix := pipelineUUID + "_"
	if len(k) > len(prefix) && k[:len(prefix)] == prefix {
		return k[len(prefix):]
	}
	return k
}

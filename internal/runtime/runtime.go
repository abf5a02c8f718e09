// Package runtime implements the Per-Backend Runtime of spec.md §4.2 and
// §4.5: the Runtime type is the orchestrator living inside a backend
// process, turning Scheduler-issued SCHEDULE_PLAN/UNSCHEDULE_PLAN deltas
// into live Placements, reporting heartbeats, and handling
// REQUEST_REREGISTER_BACKEND / CHANGE_HEARTBEAT_INTERVAL control messages.
package runtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/pluginregistry"
	"github.com/microsoft/nxs/internal/queue"
)

// Config configures a Runtime instance.
type Config struct {
	BackendName string
	Stat        model.BackendStat
	// HeartbeatInterval is the cadence of REPORT_HEARTBEAT messages
	// (spec.md §4.5); CHANGE_HEARTBEAT_INTERVAL renegotiates it live.
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	return c
}

// pipelineRegistry carries the CompositoryModel/Pipeline descriptors this
// backend needs in order to deploy something the Scheduler names only by
// model_uuid (spec.md §6 "SCHEDULE_PLAN names model_uuids; the backend
// resolves them against its own model/pipeline cache").
type pipelineRegistry interface {
	CompositoryModel(modelUUID string) (model.CompositoryModel, bool)
}

// Runtime is the live orchestrator inside one backend process: it holds
// the set of currently-deployed Placements, and turns control-plane
// messages into Start/Stop calls against them.
type Runtime struct {
	cfg       Config
	registry  *pluginregistry.Registry
	sandbox   *pluginregistry.Sandbox
	backends  *frameworkRegistry
	models    pipelineRegistry
	queueCfg  queue.Config
	pusher    *queue.Pusher
	logger    *zap.Logger

	mu         sync.Mutex
	placements map[string]*Placement // keyed by compository model UUID

	heartbeatInterval time.Duration
	stop              chan struct{}
	stopped           chan struct{}
}

// New constructs a Runtime. logger should be a zap.Logger configured for
// hot-path, low-allocation logging (spec.md §10.1 "the per-backend runtime
// logs on the hot path, so it uses zap instead of the control plane's
// logrus wrapper").
func New(cfg Config, registry *pluginregistry.Registry, sandbox *pluginregistry.Sandbox, models pipelineRegistry, queueCfg queue.Config, logger *zap.Logger) *Runtime {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	backends := newFrameworkRegistry()
	for _, fw := range []model.Framework{model.FrameworkONNX, model.FrameworkTVM, model.FrameworkBatchedTVM, model.FrameworkTFPb} {
		backends.Register(fw, newPassthroughBackend(fw))
	}

	return &Runtime{
		cfg: cfg, registry: registry, sandbox: sandbox, backends: backends,
		models: models, queueCfg: queueCfg, pusher: queue.NewPusher(queueCfg), logger: logger,
		placements:        make(map[string]*Placement),
		heartbeatInterval: cfg.HeartbeatInterval,
		stop:              make(chan struct{}),
		stopped:           make(chan struct{}),
	}
}

// RegisterComputeBackend overrides the default passthrough implementation
// for fw with a real inference engine client.
func (r *Runtime) RegisterComputeBackend(fw model.Framework, b ComputeBackend) {
	r.backends.Register(fw, b)
}

// Run starts the heartbeat reporter and blocks until ctx is cancelled or
// Stop is called.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.stopped)

	ticker := time.NewTicker(r.currentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdownAll()
			return
		case <-r.stop:
			r.shutdownAll()
			return
		case <-ticker.C:
			r.reportHeartbeat(ctx)
			ticker.Reset(r.currentInterval())
		}
	}
}

// Stop signals Run to shut down every placement and return.
func (r *Runtime) Stop() {
	close(r.stop)
	<-r.stopped
}

func (r *Runtime) currentInterval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeatInterval
}

// ApplySchedule deploys every newly-named compository model in plan that
// isn't already running, creating its Puller against the backend's
// per-compository-model command topic (spec.md §6 "each placement reads
// its own {backend_name}_{model_uuid} topic").
func (r *Runtime) ApplySchedule(ctx context.Context, plan model.SchedulingPerBackendPlan) {
	for _, cp := range plan.ComponentModelsPlan {
		r.mu.Lock()
		_, exists := r.placements[cp.ModelUUID]
		r.mu.Unlock()
		if exists {
			continue
		}

		cmodel, ok := r.models.CompositoryModel(cp.ModelUUID)
		if !ok {
			r.logger.Warn("schedule plan named unknown compository model", zap.String("model_uuid", cp.ModelUUID))
			continue
		}

		topic := CommandTopic(r.cfg.BackendName, cp.ModelUUID)
		puller := queue.NewPuller(ctx, r.queueCfg, topic, queue.PullerOptions{})
		pl := NewPlacement(cmodel, r.registry, r.sandbox, r.backends, puller, r.pusher, BasicDispatcher{})
		pl.Start(ctx)

		r.mu.Lock()
		r.placements[cp.ModelUUID] = pl
		r.mu.Unlock()

		r.logger.Info("placement deployed", zap.String("model_uuid", cp.ModelUUID))
	}
}

// ApplyUnschedule tears down every compository model named in plan,
// draining each placement's in-flight requests before removing it
// (spec.md §4.3 "Output" teardown semantics).
func (r *Runtime) ApplyUnschedule(plan model.UnschedulingPerBackendPlan) {
	for _, uuid := range plan.ModelUUIDs {
		r.mu.Lock()
		pl, ok := r.placements[uuid]
		if ok {
			delete(r.placements, uuid)
		}
		r.mu.Unlock()

		if !ok {
			continue
		}
		pl.Stop()
		r.logger.Info("placement torn down", zap.String("model_uuid", uuid))
	}
}

// Reregister implements REQUEST_REREGISTER_BACKEND: the Scheduler believes
// this backend's hosted set may be stale (e.g. after a Scheduler restart)
// and asks it to resend its registration so state can be rebuilt (spec.md
// §8 "idempotence property" / §11.1 supplemented feature).
func (r *Runtime) Reregister(ctx context.Context, controlTopic string) error {
	r.mu.Lock()
	uuids := make([]string, 0, len(r.placements))
	for uuid := range r.placements {
		uuids = append(uuids, uuid)
	}
	r.mu.Unlock()

	msg := model.RegisterBackendMsg{Stat: r.cfg.Stat}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(model.ControlMessage{Tag: model.TagRegisterBackend, Body: body})
	if err != nil {
		return err
	}
	if err := r.pusher.Push(ctx, controlTopic, envelope); err != nil {
		return err
	}

	r.logger.Info("reregistered with scheduler", zap.Strings("hosted_model_uuids", uuids))
	return nil
}

// ChangeHeartbeatInterval renegotiates the reporter cadence live (spec.md
// §11.1 "CHANGE_HEARTBEAT_INTERVAL").
func (r *Runtime) ChangeHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.heartbeatInterval = d
	r.mu.Unlock()
}

func (r *Runtime) reportHeartbeat(ctx context.Context) {
	stat, err := CollectHeartbeatStat(r.cfg.Stat)
	if err != nil {
		r.logger.Warn("failed to collect host stats for heartbeat", zap.Error(err))
		stat = r.cfg.Stat
	}

	msg := model.HeartbeatMsg{Stat: stat}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	envelope, err := json.Marshal(model.ControlMessage{Tag: model.TagReportHeartbeat, Body: body})
	if err != nil {
		return
	}
	if err := r.pusher.Push(ctx, SchedulerTopic, envelope); err != nil {
		r.logger.Warn("failed to push heartbeat", zap.Error(err))
	}
}

func (r *Runtime) shutdownAll() {
	r.mu.Lock()
	placements := make([]*Placement, 0, len(r.placements))
	for _, pl := range r.placements {
		placements = append(placements, pl)
	}
	r.placements = make(map[string]*Placement)
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(placements))
	for _, pl := range placements {
		go func(pl *Placement) {
			defer wg.Done()
			pl.Stop()
		}(pl)
	}
	wg.Wait()
}

// SchedulerTopic is the control topic the Scheduler consumes (spec.md §6).
const SchedulerTopic = "nxs_scheduler"

// CommandTopic is the per-placement topic a backend's Runtime reads
// requests from for one compository model (spec.md §6
// "{backend_name}_{model_uuid}").
func CommandTopic(backendName, modelUUID string) string {
	return backendName + "_" + modelUUID
}

// BackendControlTopic is the per-backend control topic the Scheduler
// publishes SCHEDULE_PLAN/UNSCHEDULE_PLAN/CHANGE_HEARTBEAT_INTERVAL/
// REQUEST_REREGISTER_BACKEND messages to, and a backend's Runtime consumes
// from directly (spec.md §6 "{backend_name}" is the backend's own control
// topic, distinct from CommandTopic's per-model data topic).
func BackendControlTopic(backendName string) string {
	return backendName
}

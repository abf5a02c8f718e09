package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microsoft/nxs/internal/kvstore"
	"github.com/microsoft/nxs/internal/logging"
	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/modelstore"
	"github.com/microsoft/nxs/internal/nxserrors"
	"github.com/microsoft/nxs/internal/queue"
	"github.com/microsoft/nxs/internal/runtime"
)

// WorkloadManagerTopic is the topic the Front Door reports observed FPS to
// (spec.md §4.4 "front-door instances ... report observed FPS").
const WorkloadManagerTopic = "nxs_workload_manager"

// Config tunes a FrontDoor instance.
type Config struct {
	FrontendName string
	InferTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.FrontendName == "" {
		c.FrontendName = "frontdoor-0"
	}
	if c.InferTimeout <= 0 {
		c.InferTimeout = 10 * time.Second
	}
	return c
}

type sessionState struct {
	puller *queue.Puller
	cancel context.CancelFunc
}

// FrontDoor is the stateless-except-for-the-task-map ingress of spec.md
// §4.5: it registers models/pipelines, creates/destroys sessions, fans
// inference requests onto the fabric, and bounded-polls for their results.
type FrontDoor struct {
	cfg    Config
	logger *logging.Logger

	registry  *ModelRegistry
	queueCfg  queue.Config
	pusher    *queue.Pusher
	kv        *kvstore.Store
	artifacts *modelstore.Store

	aw  *awaiter
	fps *fpsCounter

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New constructs a FrontDoor.
func New(cfg Config, registry *ModelRegistry, queueCfg queue.Config, pusher *queue.Pusher, kv *kvstore.Store, artifacts *modelstore.Store, logger *logging.Logger) *FrontDoor {
	return &FrontDoor{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		registry:  registry,
		queueCfg:  queueCfg,
		pusher:    pusher,
		kv:        kv,
		artifacts: artifacts,
		aw:        newAwaiter(),
		fps:       newFPSCounter(),
		sessions:  make(map[string]*sessionState),
	}
}

// SweepStale runs one pass of the stale-arrived-result sweep, dropping
// parked results older than 3x InferTimeout (spec.md §5 "results older
// than 3x expiration window are evicted"); cmd/frontdoor calls it once a
// second from a background worker.
func (f *FrontDoor) SweepStale() {
	f.aw.sweepStale(3 * f.cfg.InferTimeout)
}

// CreateSession opens a session: a result-topic reader is started and
// per-session extra params are persisted to the KV store (spec.md §6
// "Create a session with per-session extras").
func (f *FrontDoor) CreateSession(ctx context.Context, extraParams map[string]any) (string, error) {
	sessionUUID := uuid.NewString()

	if extraParams != nil {
		if err := f.kv.Set(ctx, kvstore.SessionParamsKey(sessionUUID), extraParams, 0); err != nil {
			return "", nxserrors.Infrastructure(err)
		}
	}

	pullerCtx, cancel := context.WithCancel(context.Background())
	puller := queue.NewPuller(pullerCtx, f.queueCfg, f.cfg.FrontendName, queue.PullerOptions{SessionUUID: sessionUUID})
	drain := newResultDrain(puller, f.aw)
	go drain.Run(pullerCtx)

	f.mu.Lock()
	f.sessions[sessionUUID] = &sessionState{puller: puller, cancel: cancel}
	f.mu.Unlock()

	return sessionUUID, nil
}

// DeleteSession tears down a session's result reader and its persisted
// extra params.
func (f *FrontDoor) DeleteSession(ctx context.Context, sessionUUID string) error {
	f.mu.Lock()
	st, ok := f.sessions[sessionUUID]
	delete(f.sessions, sessionUUID)
	f.mu.Unlock()

	if ok {
		st.cancel()
		st.puller.CloseAndGetRemains()
	}
	if err := f.kv.Delete(ctx, kvstore.SessionParamsKey(sessionUUID)); err != nil {
		return nxserrors.Infrastructure(err)
	}
	return nil
}

// sessionParams loads a session's persisted extra params, returning an
// empty map if none were set.
func (f *FrontDoor) sessionParams(ctx context.Context, sessionUUID string) map[string]any {
	var params map[string]any
	if _, err := f.kv.Get(ctx, kvstore.SessionParamsKey(sessionUUID), &params); err != nil {
		return map[string]any{}
	}
	if params == nil {
		params = map[string]any{}
	}
	return params
}

// RegisterComponent registers a single ComponentModel.
func (f *FrontDoor) RegisterComponent(c model.ComponentModel) error {
	if err := f.registry.RegisterComponent(c); err != nil {
		return nxserrors.Validation(err.Error())
	}
	return nil
}

// RegisterPipeline registers a Pipeline and publishes each of its
// compository models to the Key-Value State Store, so a backend process
// that only ever hears a bare model_uuid in a SCHEDULE_PLAN can resolve the
// full descriptor without talking to the Front Door directly.
func (f *FrontDoor) RegisterPipeline(ctx context.Context, p model.Pipeline) error {
	if p.PipelineUUID == "" {
		return nxserrors.Validation("pipeline_uuid is required")
	}
	if len(p.Models) == 0 {
		return nxserrors.Validation("pipeline must name at least one compository model")
	}
	if err := f.registry.RegisterPipeline(p); err != nil {
		return err
	}
	for _, cmodel := range p.Models {
		if err := f.kv.Set(ctx, kvstore.CompositoryModelKey(cmodel.UUID()), cmodel, 0); err != nil {
			return nxserrors.Infrastructure(err)
		}
	}
	return nil
}

// resolveRoute verifies every compository model in the pipeline is
// currently hosted by some backend, per the Scheduler's last published
// monitoring snapshot (spec.md §4.5 step 3, §8 property 2), and resolves
// each hop to the concrete backend-qualified command topic the chosen
// backend's Runtime reads from (runtime.CommandTopic) — the Front Door is
// the one component with fleet-wide visibility, so it is the one that
// picks a serving backend per hop rather than leaving that to a shared,
// session-agnostic topic.
func (f *FrontDoor) resolveRoute(ctx context.Context, p model.Pipeline) ([]string, error) {
	var snap model.MonitoringSnapshot
	ok, err := f.kv.Get(ctx, kvstore.MonitoringSchedulerKey(), &snap)
	if err != nil {
		return nil, nxserrors.Infrastructure(err)
	}
	if !ok {
		return nil, nxserrors.CapacityNotReady()
	}

	topics := make([]string, 0, len(p.Models)+1)
	for _, cmodel := range p.Models {
		backendName, ok := snap.PickBackend(cmodel.UUID())
		if !ok {
			return nil, nxserrors.CapacityNotReady()
		}
		topics = append(topics, runtime.CommandTopic(backendName, cmodel.UUID()))
	}
	topics = append(topics, f.cfg.FrontendName)
	return topics, nil
}

// InferOptions carries the per-call overrides an inference submission may
// set (spec.md §3 "extra_params", "sla").
type InferOptions struct {
	ExtraParams        map[string]any
	ExtraPreprocParams map[string]any
	SLA                *float64
}

// Submit builds and dispatches an InferRequest for pipelineUUID/sessionUUID
// carrying inputs, then bounded-polls for the matching InferResult (spec.md
// §4.5 steps 1-5).
func (f *FrontDoor) Submit(ctx context.Context, pipelineUUID, sessionUUID string, inputs []model.Input, opts InferOptions) (model.InferResult, error) {
	pipeline, ok := f.registry.Pipeline(pipelineUUID)
	if !ok {
		return model.InferResult{}, nxserrors.Validation(fmt.Sprintf("unknown pipeline %q", pipelineUUID))
	}
	if len(pipeline.Models) == 0 {
		return model.InferResult{}, nxserrors.Validation("pipeline has no compository models")
	}

	f.mu.Lock()
	_, sessionKnown := f.sessions[sessionUUID]
	f.mu.Unlock()
	if !sessionKnown {
		return model.InferResult{}, nxserrors.Validation(fmt.Sprintf("unknown session %q", sessionUUID))
	}

	route, err := f.resolveRoute(ctx, pipeline)
	if err != nil {
		return model.InferResult{}, err
	}

	sessionDefaults := f.sessionParams(ctx, sessionUUID)
	extra := mergeParams(sessionDefaults, opts.ExtraParams)

	taskUUID := uuid.NewString()
	req := model.InferRequest{
		TaskUUID:           taskUUID,
		SessionUUID:        sessionUUID,
		ExecPipelines:      route,
		Inputs:             inputs,
		ExtraParams:        extra,
		ExtraPreprocParams: opts.ExtraPreprocParams,
		Status:             model.StatusPending,
		SLA:                opts.SLA,
		SubmittedAt:        time.Now().UnixMilli(),
	}

	firstTopic, _ := req.PopNextTopic()

	payload, err := json.Marshal(req)
	if err != nil {
		return model.InferResult{}, nxserrors.Infrastructure(err)
	}
	if err := f.pusher.Push(ctx, firstTopic, payload); err != nil {
		return model.InferResult{}, nxserrors.Infrastructure(err)
	}

	result, got := f.aw.Await(ctx, taskUUID, f.cfg.InferTimeout)
	if !got {
		return model.InferResult{}, nxserrors.RequestTimeout()
	}
	f.fps.record(pipeline, sessionUUID)
	if result.Status == model.StatusFailed {
		return result, nxserrors.Processing(fmt.Errorf("%s", result.ErrorMessage))
	}
	return result, nil
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// Command backend runs one Per-Backend Runtime process of spec.md §4.2: it
// registers with the Scheduler, consumes its own control topic for
// SCHEDULE_PLAN/UNSCHEDULE_PLAN/CHANGE_HEARTBEAT_INTERVAL/
// REQUEST_REREGISTER_BACKEND messages, and otherwise is driven entirely by
// runtime.Runtime.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/microsoft/nxs/internal/config"
	"github.com/microsoft/nxs/internal/kvstore"
	"github.com/microsoft/nxs/internal/logging"
	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/modelstore"
	"github.com/microsoft/nxs/internal/platform"
	"github.com/microsoft/nxs/internal/pluginregistry"
	"github.com/microsoft/nxs/internal/queue"
	"github.com/microsoft/nxs/internal/runtime"
)

const serviceName = "backend"
const serviceVersion = "0.1.0"

// kvPipelineRegistry resolves a SCHEDULE_PLAN's bare model_uuid against the
// compository-model descriptors the Front Door publishes on pipeline
// registration (kvstore.CompositoryModelKey) — this backend process shares
// no memory with the Front Door, so the Key-Value State Store is the only
// channel it has for that lookup.
type kvPipelineRegistry struct {
	kv *kvstore.Store
}

func (r *kvPipelineRegistry) CompositoryModel(modelUUID string) (model.CompositoryModel, bool) {
	var cmodel model.CompositoryModel
	ok, err := r.kv.Get(context.Background(), kvstore.CompositoryModelKey(modelUUID), &cmodel)
	if err != nil || !ok {
		return model.CompositoryModel{}, false
	}
	return cmodel, true
}

func main() {
	config.LoadDotEnv()
	cfg := config.LoadBackendConfig()

	svc := platform.New(platform.Config{Name: serviceName, Version: serviceVersion})
	logger := svc.Logger()

	zapLogger, err := zap.NewProduction()
	if err != nil {
		zapLogger = zap.NewNop()
	}
	defer zapLogger.Sync()

	kv := kvstore.New(kvstore.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer kv.Close()

	artifacts, err := modelstore.Open(cfg.ModelStorePath)
	if err != nil {
		logger.WithError(err).Fatal("open model store")
	}
	defer artifacts.Close()

	registry := pluginregistry.NewRegistry()
	pluginregistry.RegisterBuiltins(registry)
	sandbox := pluginregistry.NewSandbox(artifacts)

	var gpu *model.GpuInfo
	if cfg.UseGPU {
		gpu = &model.GpuInfo{Name: cfg.GpuName, TotalMemMiB: cfg.GpuTotalMemMiB, AvailableMiB: cfg.GpuTotalMemMiB}
	}
	stat := model.BackendStat{BackendName: cfg.BackendName, Gpu: gpu}

	queueCfg := queue.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}

	rt := runtime.New(runtime.Config{
		BackendName:       cfg.BackendName,
		Stat:              stat,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, registry, sandbox, &kvPipelineRegistry{kv: kv}, queueCfg, zapLogger)

	svc.RegisterStandardRoutes(promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlTopic := runtime.BackendControlTopic(cfg.BackendName)
	controlPuller := queue.NewPuller(ctx, queueCfg, controlTopic, queue.PullerOptions{})

	svc.AddWorker(func(ctx context.Context) {
		if err := rt.Reregister(ctx, runtime.SchedulerTopic); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("initial registration failed")
		}
	})

	svc.AddTickerWorker(200*time.Millisecond, func(ctx context.Context) error {
		for _, raw := range controlPuller.GetBatch() {
			handleControlMessage(ctx, rt, raw, logger)
		}
		return nil
	}, platform.WithTickerName("backend-control"))

	svc.AddWorker(func(ctx context.Context) {
		rt.Run(ctx)
	})

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start service")
	}

	listenAddr := config.Env("LISTEN_ADDR", ":8081")
	httpServer := &http.Server{Addr: listenAddr, Handler: svc.Router()}
	go func() {
		logger.WithField("addr", listenAddr).Info("backend listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	controlPuller.CloseAndGetRemains()
	rt.Stop()
	_ = svc.Stop()
}

// handleControlMessage decodes one envelope from this backend's control
// topic and drives the matching Runtime call (spec.md §6 "Control
// messages").
func handleControlMessage(ctx context.Context, rt *runtime.Runtime, raw []byte, logger *logging.Logger) {
	var envelope model.ControlMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("malformed control message")
		return
	}

	switch envelope.Tag {
	case model.TagSchedulePlan:
		var plan model.SchedulingPerBackendPlan
		if err := json.Unmarshal(envelope.Body, &plan); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed schedule plan")
			return
		}
		rt.ApplySchedule(ctx, plan)

	case model.TagUnschedulePlan:
		var plan model.UnschedulingPerBackendPlan
		if err := json.Unmarshal(envelope.Body, &plan); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed unschedule plan")
			return
		}
		rt.ApplyUnschedule(plan)

	case model.TagChangeHeartbeatInterval:
		var msg model.ChangeHeartbeatIntervalMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed heartbeat-interval change")
			return
		}
		rt.ChangeHeartbeatInterval(time.Duration(msg.IntervalSecs * float64(time.Second)))

	case model.TagRequestRereregisterBackend:
		if err := rt.Reregister(ctx, runtime.SchedulerTopic); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("reregistration failed")
		}

	default:
		logger.WithContext(ctx).WithField("tag", envelope.Tag).Warn("unhandled control tag on backend topic")
	}
}

// Command scheduler runs the Scheduler of spec.md §4.3: it consumes
// REGISTER_BACKEND/REPORT_HEARTBEAT/REGISTER_WORKLOADS/REPORT_BACKEND_STATS
// traffic off nxs_scheduler, runs one placement epoch on a cron cadence, and
// publishes both the resulting per-backend deltas and the Front Door's
// fleet-capacity snapshot.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/microsoft/nxs/internal/config"
	"github.com/microsoft/nxs/internal/kvstore"
	"github.com/microsoft/nxs/internal/logging"
	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/platform"
	"github.com/microsoft/nxs/internal/queue"
	"github.com/microsoft/nxs/internal/runtime"
	"github.com/microsoft/nxs/internal/scheduler"
)

const serviceName = "scheduler"
const serviceVersion = "0.1.0"

func main() {
	config.LoadDotEnv()
	cfg := config.LoadSchedulerConfig()

	svc := platform.New(platform.Config{Name: serviceName, Version: serviceVersion})
	logger := svc.Logger()

	kv := kvstore.New(kvstore.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer kv.Close()

	queueCfg := queue.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	pusher := queue.NewPusher(queueCfg)
	defer pusher.Close()

	sched := scheduler.New(scheduler.Config{
		MaxModelsPerCPUBackend: cfg.MaxModelsPerCPUBackend,
		BackendTimeout:         time.Duration(cfg.BackendTimeoutSecs) * time.Second,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlPuller := queue.NewPuller(ctx, queueCfg, runtime.SchedulerTopic, queue.PullerOptions{})

	svc.AddTickerWorker(200*time.Millisecond, func(ctx context.Context) error {
		for _, raw := range controlPuller.GetBatch() {
			handleControlMessage(ctx, sched, kv, raw, logger)
		}
		return nil
	}, platform.WithTickerName("scheduler-control"))

	epochCron := cron.New()
	if _, err := epochCron.AddFunc(fmt.Sprintf("@every %ds", cfg.EpochIntervalSecs), func() {
		runEpoch(ctx, sched, kv, pusher, logger)
	}); err != nil {
		logger.WithError(err).Fatal("schedule epoch cron")
	}
	epochCron.Start()
	defer epochCron.Stop()

	svc.RegisterStandardRoutes(promhttp.Handler())

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start service")
	}

	listenAddr := config.Env("LISTEN_ADDR", ":8082")
	httpServer := &http.Server{Addr: listenAddr, Handler: svc.Router()}
	go func() {
		logger.WithField("addr", listenAddr).Info("scheduler listening")
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
	_ = svc.Stop()
}

// runEpoch evicts expired backends, runs one placement epoch, pushes its
// deltas to each affected backend's control topic (unschedule before
// schedule, per spec.md §4.3 "Output"), and republishes the fleet snapshot
// the Front Door's capacity check reads (spec.md §4.5 step 3).
func runEpoch(ctx context.Context, sched *scheduler.Scheduler, kv *kvstore.Store, pusher *queue.Pusher, logger *logging.Logger) {
	sched.EvictExpired(time.Now())
	result := sched.Epoch()

	for _, plan := range result.Unschedule {
		pushControlMessage(ctx, pusher, runtime.BackendControlTopic(plan.BackendName), model.TagUnschedulePlan, plan, logger)
	}
	for _, plan := range result.Schedule {
		pushControlMessage(ctx, pusher, runtime.BackendControlTopic(plan.BackendName), model.TagSchedulePlan, plan, logger)
	}

	if err := kv.Set(ctx, kvstore.MonitoringSchedulerKey(), sched.Snapshot(), 0); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to persist scheduler snapshot")
	}
}

func pushControlMessage(ctx context.Context, pusher *queue.Pusher, topic string, tag model.ControlTag, body any, logger *logging.Logger) {
	payload, err := json.Marshal(body)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to encode control message body")
		return
	}
	envelope, err := json.Marshal(model.ControlMessage{Tag: tag, Body: payload})
	if err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to encode control envelope")
		return
	}
	if err := pusher.Push(ctx, topic, envelope); err != nil {
		logger.WithContext(ctx).WithError(err).WithField("topic", topic).Warn("failed to push control message")
	}
}

// handleControlMessage decodes one envelope off nxs_scheduler and folds it
// into the Scheduler's live state (spec.md §4.3 "State").
func handleControlMessage(ctx context.Context, sched *scheduler.Scheduler, kv *kvstore.Store, raw []byte, logger *logging.Logger) {
	var envelope model.ControlMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("malformed control message")
		return
	}

	switch envelope.Tag {
	case model.TagRegisterBackend:
		var msg model.RegisterBackendMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed register-backend message")
			return
		}
		sched.RegisterBackend(msg.Stat)

	case model.TagReportHeartbeat:
		var msg model.HeartbeatMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed heartbeat message")
			return
		}
		sched.Heartbeat(msg.Stat)

	case model.TagRegisterWorkloads:
		var msg model.RegisterWorkloadsMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed register-workloads message")
			return
		}
		sched.SetRequests(msg.Requests)

	case model.TagReportBackendStats:
		var msg model.ReportBackendStatsMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed backend-stats report")
			return
		}
		persistBackendStats(ctx, sched, kv, msg, logger)

	default:
		logger.WithContext(ctx).WithField("tag", envelope.Tag).Warn("unhandled control tag on scheduler topic")
	}
}

// persistBackendStats folds one backend's throughput report into the fleet
// map under kvstore.MonitoringBackendsKey, surfaced at
// /v2/tasks/monitoring/backends (spec.md §4.2.4, §6).
func persistBackendStats(ctx context.Context, sched *scheduler.Scheduler, kv *kvstore.Store, msg model.ReportBackendStatsMsg, logger *logging.Logger) {
	var stats model.MonitoringBackendStats
	if _, err := kv.Get(ctx, kvstore.MonitoringBackendsKey(), &stats); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to load backend-stats snapshot")
	}
	if stats.Backends == nil {
		stats.Backends = make(map[string]model.BackendThroughputReport)
	}
	stat := stats.Backends[msg.BackendName].Stat
	if b, ok := sched.BackendSnapshot(msg.BackendName); ok {
		stat = b.Stat
	}
	stats.Backends[msg.BackendName] = model.BackendThroughputReport{
		Stat:             stat,
		ModelStats:       msg.ModelStats,
		ReportedAtUnixMs: time.Now().UnixMilli(),
	}
	if err := kv.Set(ctx, kvstore.MonitoringBackendsKey(), stats, 0); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("failed to persist backend-stats snapshot")
	}
}

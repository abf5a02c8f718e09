// Command workloadmanager runs the Workload Manager of spec.md §4.4: it
// aggregates Front Door FPS reports (latest report per key) and operator
// pins into a demand snapshot, reported to the Scheduler on a fixed cadence (and
// instantly on a brand-new workload key, when enabled).
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

	"github.com/microsoft/nxs/internal/config"
	"github.com/microsoft/nxs/internal/frontdoor"
	"github.com/microsoft/nxs/internal/logging"
	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/platform"
	"github.com/microsoft/nxs/internal/queue"
	"github.com/microsoft/nxs/internal/runtime"
	"github.com/microsoft/nxs/internal/workloadmanager"
)

const serviceName = "workloadmanager"
const serviceVersion = "0.1.0"

func main() {
	config.LoadDotEnv()
	cfg := config.LoadWorkloadManagerConfig()

	svc := platform.New(platform.Config{Name: serviceName, Version: serviceVersion})
	logger := svc.Logger()

	queueCfg := queue.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	pusher := queue.NewPusher(queueCfg)
	defer pusher.Close()

	manager := workloadmanager.New(workloadmanager.Config{
		ReportInterval:          cfg.ReportInterval,
		ModelTimeout:            time.Duration(cfg.ModelTimeoutSecs) * time.Second,
		EnableInstantScheduling: cfg.EnableInstantScheduling,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	controlPuller := queue.NewPuller(ctx, queueCfg, frontdoor.WorkloadManagerTopic, queue.PullerOptions{})

	svc.AddTickerWorker(200*time.Millisecond, func(ctx context.Context) error {
		for _, raw := range controlPuller.GetBatch() {
			handleControlMessage(ctx, manager, cfg.EnableInstantScheduling, pusher, raw, logger)
		}
		return nil
	}, platform.WithTickerName("workload-control"))

	svc.AddTickerWorker(cfg.ReportInterval, func(ctx context.Context) error {
		return reportWorkloads(ctx, manager, pusher)
	}, platform.WithTickerName("report-workloads"), platform.WithTickerImmediate())

	svc.RegisterStandardRoutes(promhttp.Handler())

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start service")
	}

	listenAddr := config.Env("LISTEN_ADDR", ":8083")
	httpServer := &http.Server{Addr: listenAddr, Handler: svc.Router()}
	go func() {
		logger.WithField("addr", listenAddr).Info("workloadmanager listening")
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

// reportWorkloads pushes the manager's current demand snapshot to the
// Scheduler as a single RegisterWorkloads message (spec.md §4.4 "the
// Workload Manager always sends the full active set, not a delta").
func reportWorkloads(ctx context.Context, manager *workloadmanager.Manager, pusher *queue.Pusher) error {
	msg := model.RegisterWorkloadsMsg{Requests: manager.Snapshot()}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(model.ControlMessage{Tag: model.TagRegisterWorkloads, Body: body})
	if err != nil {
		return err
	}
	return pusher.Push(ctx, runtime.SchedulerTopic, envelope)
}

// handleControlMessage decodes one envelope off nxs_workload_manager: pin/
// unpin operator commands, and Front Door FPS observations (spec.md §4.4).
// A brand-new observed key triggers an instant report when instant
// scheduling is enabled, so a freshly-started session does not wait a full
// report_workloads_interval before the Scheduler sees it.
func handleControlMessage(ctx context.Context, manager *workloadmanager.Manager, instant bool, pusher *queue.Pusher, raw []byte, logger *logging.Logger) {
	var envelope model.ControlMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("malformed control message")
		return
	}

	switch envelope.Tag {
	case model.TagPinWorkloads:
		var msg model.PinWorkloadMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed pin-workload message")
			return
		}
		manager.Pin(msg.Pipeline, msg.FPS)

	case model.TagUnpinWorkloads:
		var msg model.UnpinWorkloadMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed unpin-workload message")
			return
		}
		manager.Unpin(msg.PipelineUUID)

	case model.TagReportFPS:
		var msg model.ReportFPSMsg
		if err := json.Unmarshal(envelope.Body, &msg); err != nil {
			logger.WithContext(ctx).WithError(err).Warn("malformed report-fps message")
			return
		}
		isNewKey := manager.ReportFPS(msg.Pipeline, msg.SessionUUID, msg.FPS)
		if isNewKey && instant {
			if err := reportWorkloads(ctx, manager, pusher); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("instant workload report failed")
			}
		}

	default:
		logger.WithContext(ctx).WithField("tag", envelope.Tag).Warn("unhandled control tag on workload-manager topic")
	}
}

// Command frontdoor runs the Front Door ingress of spec.md §4.5: HTTP
// registration/session/inference endpoints fanning requests onto the
// Sharded Work Queue and bounded-polling for results.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/microsoft/nxs/internal/config"
	"github.com/microsoft/nxs/internal/frontdoor"
	"github.com/microsoft/nxs/internal/kvstore"
	"github.com/microsoft/nxs/internal/metrics"
	"github.com/microsoft/nxs/internal/middleware"
	"github.com/microsoft/nxs/internal/modelstore"
	"github.com/microsoft/nxs/internal/platform"
	"github.com/microsoft/nxs/internal/queue"
)

const serviceName = "frontdoor"
const serviceVersion = "0.1.0"

func main() {
	config.LoadDotEnv()
	cfg := config.LoadFrontDoorConfig()

	svc := platform.New(platform.Config{Name: serviceName, Version: serviceVersion})
	logger := svc.Logger()

	kv := kvstore.New(kvstore.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer kv.Close()

	artifacts, err := modelstore.Open(config.Env("MODEL_STORE_PATH", "./frontdoor-modelstore.db"))
	if err != nil {
		logger.WithError(err).Fatal("open model store")
	}
	defer artifacts.Close()

	queueCfg := queue.Config{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	pusher := queue.NewPusher(queueCfg)
	defer pusher.Close()

	registry := frontdoor.NewModelRegistry(config.EnvInt("PIPELINE_CACHE_SIZE", 1024))

	fd := frontdoor.New(frontdoor.Config{
		FrontendName: cfg.FrontendName,
		InferTimeout: cfg.InferTimeout,
	}, registry, queueCfg, pusher, kv, artifacts, logger)

	m := metrics.New(serviceName)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	stopRateLimitCleanup := rateLimiter.StartCleanup(time.Minute)
	defer stopRateLimitCleanup()

	router := svc.Router()
	router.Use(middleware.Tracing())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Metrics(serviceName, m))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(middleware.CORSConfig{AllowAll: config.EnvBool("CORS_ALLOW_ALL", true)}))
	router.Use(rateLimiter.Handler)
	router.Use(middleware.APIKeyAuth(cfg.APIKey))

	fd.RegisterRoutes(router)
	svc.RegisterStandardRoutes(promhttp.Handler())

	svc.AddTickerWorker(5*time.Second, func(ctx context.Context) error {
		return fd.ReportObservedFPS(ctx, 5*time.Second)
	}, platform.WithTickerName("report-fps"))

	svc.AddWorker(func(ctx context.Context) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-svc.StopChan():
				return
			case <-ticker.C:
				fd.SweepStale()
			}
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start service")
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("frontdoor listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = svc.Stop()
}

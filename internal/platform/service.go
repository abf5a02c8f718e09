// Package platform provides the common service-runner scaffold shared by
// every NXS Fabric process (scheduler, backend runtime, workload manager,
// front door): a stop channel, background ticker workers, and standard
// health/readiness/info HTTP endpoints. Grounded on
// r3e-network-service_layer/infrastructure/service/base.go and routes.go,
// stripped of the teacher's Marble/TEE-attestation and SQL-repository
// concerns (spec.md has no enclave or database component; see DESIGN.md).
package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/microsoft/nxs/internal/logging"
)

// Config carries the identity of one running process.
type Config struct {
	Name    string
	Version string
	Logger  *logging.Logger
}

// Service is the common runner embedded by every cmd/ entrypoint.
type Service struct {
	name    string
	version string
	logger  *logging.Logger
	router  *mux.Router

	stopCh   chan struct{}
	stopOnce sync.Once

	hydrate func(context.Context) error
	statsFn func() map[string]any
	workers []func(context.Context)

	healthMu  sync.RWMutex
	healthy   bool
	detail    map[string]any
	startTime time.Time
}

// New constructs a Service scaffold.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewFromEnv(cfg.Name)
	}
	return &Service{
		name:    cfg.Name,
		version: cfg.Version,
		logger:  logger,
		router:  mux.NewRouter(),
		stopCh:  make(chan struct{}),
		healthy: true,
	}
}

func (s *Service) Name() string             { return s.name }
func (s *Service) Version() string          { return s.version }
func (s *Service) Logger() *logging.Logger  { return s.logger }
func (s *Service) Router() *mux.Router      { return s.router }
func (s *Service) StopChan() <-chan struct{} { return s.stopCh }

// WithHydrate registers a hook run once, after Start, before workers launch.
func (s *Service) WithHydrate(fn func(context.Context) error) *Service {
	s.hydrate = fn
	return s
}

// WithStats registers a provider for the /info endpoint's statistics field.
func (s *Service) WithStats(fn func() map[string]any) *Service {
	s.statsFn = fn
	return s
}

// AddWorker registers a background worker started by Start.
func (s *Service) AddWorker(fn func(context.Context)) *Service {
	s.workers = append(s.workers, fn)
	return s
}

type tickerOpts struct {
	name    string
	runNow  bool
}

// TickerOption configures AddTickerWorker.
type TickerOption func(*tickerOpts)

// WithTickerName labels the worker in error logs.
func WithTickerName(name string) TickerOption { return func(o *tickerOpts) { o.name = name } }

// WithTickerImmediate runs fn once immediately before the first tick.
func WithTickerImmediate() TickerOption { return func(o *tickerOpts) { o.runNow = true } }

// AddTickerWorker registers a periodic worker running fn every interval
// until Stop is called, logging (not panicking on) returned errors.
func (s *Service) AddTickerWorker(interval time.Duration, fn func(context.Context) error, opts ...TickerOption) *Service {
	cfg := tickerOpts{}
	for _, o := range opts {
		o(&cfg)
	}
	worker := func(ctx context.Context) {
		logErr := func(err error) {
			if err == nil {
				return
			}
			entry := s.logger.WithContext(ctx).WithError(err)
			if cfg.name != "" {
				entry = entry.WithField("worker", cfg.name)
			}
			entry.Warn("worker error")
		}

		if cfg.runNow {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			default:
			}
			logErr(fn(ctx))
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				logErr(fn(ctx))
			}
		}
	}
	s.workers = append(s.workers, worker)
	return s
}

// Start runs the hydrate hook (if any) then launches all registered workers.
func (s *Service) Start(ctx context.Context) error {
	s.healthMu.Lock()
	if s.startTime.IsZero() {
		s.startTime = time.Now()
	}
	s.healthMu.Unlock()

	if s.hydrate != nil {
		if err := s.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}
	for _, w := range s.workers {
		worker := w
		go worker(ctx)
	}
	return nil
}

// Stop signals every worker to exit. Idempotent.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// SetHealth updates the cached health status consulted by /health and /ready.
func (s *Service) SetHealth(healthy bool, detail map[string]any) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.healthy = healthy
	s.detail = detail
}

func (s *Service) health() (bool, map[string]any) {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy, s.detail
}

// RegisterStandardRoutes wires /health, /ready and /info onto the Service's
// router, matching the teacher's always-present operational endpoints.
func (s *Service) RegisterStandardRoutes(serveMetrics http.Handler) {
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.infoHandler).Methods(http.MethodGet)
	if serveMetrics != nil {
		s.router.Handle("/metrics", serveMetrics).Methods(http.MethodGet)
	}
}

type healthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Uptime    string         `json:"uptime"`
	Details   map[string]any `json:"details,omitempty"`
}

func (s *Service) writeHealth(w http.ResponseWriter, withCode bool) {
	healthy, detail := s.health()
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	uptime := time.Duration(0)
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}
	resp := healthResponse{
		Status:    status,
		Service:   s.name,
		Version:   s.version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    uptime.String(),
		Details:   detail,
	}
	code := http.StatusOK
	if withCode && !healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) healthHandler(w http.ResponseWriter, r *http.Request) { s.writeHealth(w, false) }
func (s *Service) readyHandler(w http.ResponseWriter, r *http.Request)  { s.writeHealth(w, true) }

type infoResponse struct {
	Status     string         `json:"status"`
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	Timestamp  string         `json:"timestamp"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

func (s *Service) infoHandler(w http.ResponseWriter, r *http.Request) {
	resp := infoResponse{
		Status:    "active",
		Service:   s.name,
		Version:   s.version,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if s.statsFn != nil {
		resp.Statistics = s.statsFn()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

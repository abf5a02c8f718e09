// Package metrics provides Prometheus metrics collection for the fabric's
// services, grounded on
// r3e-network-service_layer/infrastructure/metrics/metrics.go.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared across the Scheduler,
// Runtime, Workload Manager and Front Door services.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec

	// Runtime pipeline stages (spec.md §4.2).
	PipelineStageDuration *prometheus.HistogramVec
	PipelineStageDropped  *prometheus.CounterVec
	QueueDepth            *prometheus.GaugeVec

	// Scheduler epoch (spec.md §4.3).
	SchedulingEpochDuration prometheus.Histogram
	UnsatisfiedDemand       *prometheus.GaugeVec
	BackendsOnline          prometheus.Gauge

	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a Metrics instance registered against the default registry.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// which may be nil to skip registration (used in tests to avoid collisions
// with the global default registry).
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nxs_http_requests_total", Help: "Total HTTP requests"},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nxs_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nxs_http_requests_in_flight", Help: "HTTP requests currently being processed",
		}),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nxs_errors_total", Help: "Total errors by kind"},
			[]string{"service", "kind", "operation"},
		),
		PipelineStageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nxs_pipeline_stage_duration_seconds",
				Help:    "Per-stage latency within the per-backend runtime pipeline",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"backend", "model_uuid", "stage"},
		),
		PipelineStageDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "nxs_pipeline_stage_dropped_total", Help: "Requests dropped at a pipeline stage"},
			[]string{"backend", "model_uuid", "stage", "reason"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "nxs_queue_depth", Help: "Buffered items waiting at a queue topic"},
			[]string{"topic"},
		),
		SchedulingEpochDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nxs_scheduling_epoch_duration_seconds",
			Help:    "Duration of one scheduler epoch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		UnsatisfiedDemand: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "nxs_unsatisfied_demand", Help: "Pipelines the scheduler could not place this epoch"},
			[]string{"pipeline_uuid"},
		),
		BackendsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nxs_backends_online", Help: "Backends considered live this epoch",
		}),
		ServiceUptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nxs_service_uptime_seconds", Help: "Service uptime in seconds",
		}),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "nxs_service_info", Help: "Service build information"},
			[]string{"service", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal, m.RequestDuration, m.RequestsInFlight, m.ErrorsTotal,
			m.PipelineStageDuration, m.PipelineStageDropped, m.QueueDepth,
			m.SchedulingEpochDuration, m.UnsatisfiedDemand, m.BackendsOnline,
			m.ServiceUptime, m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "dev").Set(1)
	return m
}

func (m *Metrics) RecordHTTPRequest(service, method, path, status string, d time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(d.Seconds())
}

func (m *Metrics) RecordError(service, kind, operation string) {
	m.ErrorsTotal.WithLabelValues(service, kind, operation).Inc()
}

func (m *Metrics) RecordStage(backend, modelUUID, stage string, d time.Duration) {
	m.PipelineStageDuration.WithLabelValues(backend, modelUUID, stage).Observe(d.Seconds())
}

func (m *Metrics) RecordDrop(backend, modelUUID, stage, reason string) {
	m.PipelineStageDropped.WithLabelValues(backend, modelUUID, stage, reason).Inc()
}

func (m *Metrics) SetQueueDepth(topic string, depth int) {
	m.QueueDepth.WithLabelValues(topic).Set(float64(depth))
}

func (m *Metrics) UpdateUptime(start time.Time) {
	m.ServiceUptime.Set(time.Since(start).Seconds())
}

func (m *Metrics) IncrementInFlight() { m.RequestsInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.RequestsInFlight.Dec() }

var (
	global   *Metrics
	globalMu sync.Mutex
)

// Init initializes (once) and returns the process-global Metrics instance.
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(serviceName)
	}
	return global
}

// Global returns the process-global Metrics instance, initializing a
// fallback "unknown" instance if Init was never called.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New("unknown")
	}
	return global
}

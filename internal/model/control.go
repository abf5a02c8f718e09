package model

// ControlTag discriminates control-plane messages exchanged over
// nxs_scheduler, nxs_workload_manager and per-backend command topics
// (spec.md §6 "Control messages").
type ControlTag int

const (
	TagRegisterBackend ControlTag = iota
	TagReportHeartbeat
	TagRegisterWorkloads
	TagPinWorkloads
	TagUnpinWorkloads
	TagChangeHeartbeatInterval
	TagSchedulePlan
	TagUnschedulePlan
	TagRequestRereregisterBackend
	TagReportBackendStats
	TagReportFPS
)

// ControlMessage is the envelope pushed through the queue for all control
// traffic; Body carries the tag-specific message, JSON-encoded by the
// caller, to keep the queue's wire format uniform.
type ControlMessage struct {
	Tag  ControlTag `json:"tag"`
	Body []byte     `json:"body"`
}

// RegisterBackendMsg registers or re-registers a backend.
type RegisterBackendMsg struct {
	Stat BackendStat `json:"stat"`
}

// HeartbeatMsg refreshes a backend's liveness and current stats.
type HeartbeatMsg struct {
	Stat BackendStat `json:"stat"`
}

// WorkloadKey identifies a (pipeline, session) demand entry.
type WorkloadKey struct {
	PipelineUUID string `json:"pipeline_uuid"`
	SessionUUID  string `json:"session_uuid"`
}

// RegisterWorkloadsMsg is the Workload Manager's periodic demand report to
// the Scheduler (spec.md §4.4).
type RegisterWorkloadsMsg struct {
	Requests []SchedulingRequest `json:"requests"`
}

// PinWorkloadMsg pins a pipeline's FPS regardless of observed traffic.
type PinWorkloadMsg struct {
	Pipeline Pipeline `json:"pipeline"`
	FPS      float64  `json:"fps"`
}

// UnpinWorkloadMsg removes a pin.
type UnpinWorkloadMsg struct {
	PipelineUUID string `json:"pipeline_uuid"`
}

// ReportFPSMsg is a Front Door instance's observed-throughput sample for
// one (pipeline, session); the Workload Manager keeps the most recent
// sample per key (no averaging across samples).
type ReportFPSMsg struct {
	Pipeline    Pipeline `json:"pipeline"`
	SessionUUID string   `json:"session_uuid"`
	FPS         float64  `json:"fps"`
}

// ChangeHeartbeatIntervalMsg asks a backend to adjust its heartbeat cadence.
type ChangeHeartbeatIntervalMsg struct {
	IntervalSecs float64 `json:"interval_secs"`
}

// RequestRereregisterBackendMsg asks a backend to resend REGISTER. The
// backend's placements keep running as they are; nothing is redeployed.
type RequestRereregisterBackendMsg struct {
	Reason string `json:"reason"`
}

// ReportBackendStatsMsg carries a backend's periodic throughput/latency
// summary to the monitoring plane.
type ReportBackendStatsMsg struct {
	BackendName string             `json:"backend_name"`
	ModelStats  map[string]ModelThroughputStat `json:"model_stats"`
}

// ModelThroughputStat is a per-model rolling throughput/latency summary
// (spec.md §4.2.4 "summarize processed-request throughput and latency").
type ModelThroughputStat struct {
	FPS        float64 `json:"fps"`
	LatencyMs  float64 `json:"latency_ms"`
	Count      int64   `json:"count"`
}

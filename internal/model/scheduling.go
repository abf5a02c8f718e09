package model

import "fmt"

// InternalSessionID renames a (pipeline, session) pair to avoid collisions
// across pipelines, per spec.md §3 "Scheduling Request".
func InternalSessionID(pipelineUUID, sessionUUID string) string {
	return fmt.Sprintf("%s_%s", pipelineUUID, sessionUUID)
}

// SchedulingRequest is a declared workload: a pipeline, a session, and the
// FPS demanded of it (spec.md §3).
type SchedulingRequest struct {
	Pipeline      Pipeline `json:"pipeline"`
	SessionUUID   string   `json:"session_uuid"`
	RequestedFPS  float64  `json:"requested_fps"`
}

// InternalSessionID returns this request's collision-free session key.
func (r *SchedulingRequest) InternalSessionID() string {
	return InternalSessionID(r.Pipeline.PipelineUUID, r.SessionUUID)
}

// ComponentPlan names one placement: a compository model deployed at a
// given batch size on a backend.
type ComponentPlan struct {
	ModelUUID string `json:"model_uuid"`
	BatchSize int    `json:"batch_size"`
}

// SchedulingPerBackendPlan is the deploy-side plan pushed to one backend's
// command topic: the placements it must run and the sessions relying on
// them.
type SchedulingPerBackendPlan struct {
	BackendName         string           `json:"backend_name"`
	ComponentModelsPlan []ComponentPlan  `json:"component_models_plan"`
	Sessions            []string         `json:"sessions"`
}

// UnschedulingPerBackendPlan names placements a backend must tear down.
type UnschedulingPerBackendPlan struct {
	BackendName string   `json:"backend_name"`
	ModelUUIDs  []string `json:"model_uuids"`
}

// SchedulingEpochResult is the delta a scheduling epoch produces: one
// deploy plan and one teardown plan per affected backend (spec.md §4.3
// "Output").
type SchedulingEpochResult struct {
	Schedule   []SchedulingPerBackendPlan   `json:"schedule"`
	Unschedule []UnschedulingPerBackendPlan `json:"unschedule"`
}

package kvstore

import "fmt"

// Runtime key helpers matching spec.md §6 "Persisted runtime keys".

// BackendsKey is the array-of-backend-names key.
func BackendsKey() string { return "backends" }

// BackendInfoKey holds a backend's BackendStat.
func BackendInfoKey(name string) string { return fmt.Sprintf("backend_%s", name) }

// BackendHeartbeatKey holds a backend's last heartbeat epoch seconds.
func BackendHeartbeatKey(name string) string { return fmt.Sprintf("backend_%s_ts", name) }

// SessionParamsKey holds a session's per-session extra-params blob.
func SessionParamsKey(session string) string { return fmt.Sprintf("%s_params", session) }

// MonitoringBackendsKey holds the fleet throughput snapshot.
func MonitoringBackendsKey() string { return "monitoring_backends" }

// MonitoringSchedulerKey holds the scheduling-plans snapshot.
func MonitoringSchedulerKey() string { return "monitoring_scheduler" }

// CompositoryModelKey holds a CompositoryModel descriptor, published by the
// Front Door on pipeline registration so a separate backend process can
// resolve a SCHEDULE_PLAN's bare model_uuid without sharing memory with the
// Front Door (spec.md §6 "the backend resolves them against its own
// model/pipeline cache").
func CompositoryModelKey(modelUUID string) string { return fmt.Sprintf("cmodel_%s", modelUUID) }

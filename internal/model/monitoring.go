package model

// MonitoringSnapshot is the Scheduler's periodic fleet snapshot, persisted
// to the Key-Value State Store under kvstore.MonitoringSchedulerKey so the
// Front Door's capacity check (spec.md §4.5 step 3, §8 "every accepted
// request names a compository model some backend currently hosts") can run
// without calling back into the Scheduler process directly.
type MonitoringSnapshot struct {
	// HostedCompositoryModels maps backend name to the compository-model
	// UUIDs it currently hosts.
	HostedCompositoryModels map[string][]string `json:"hosted_compository_models"`
	BackendsOnline          int                  `json:"backends_online"`
	UpdatedAtUnixMs         int64                `json:"updated_at_unix_ms"`
}

// HostsModel reports whether any backend in the snapshot currently hosts
// cmodelUUID.
func (m MonitoringSnapshot) HostsModel(cmodelUUID string) bool {
	_, ok := m.PickBackend(cmodelUUID)
	return ok
}

// PickBackend returns one backend currently hosting cmodelUUID. Ties break
// on backend name so a given snapshot resolves deterministically across
// repeated calls within the same epoch.
func (m MonitoringSnapshot) PickBackend(cmodelUUID string) (string, bool) {
	best := ""
	found := false
	for backendName, hosted := range m.HostedCompositoryModels {
		for _, uuid := range hosted {
			if uuid != cmodelUUID {
				continue
			}
			if !found || backendName < best {
				best = backendName
				found = true
			}
		}
	}
	return best, found
}

// MonitoringBackendStats is the fleet throughput snapshot persisted under
// kvstore.MonitoringBackendsKey (spec.md §4.2.4 rolling throughput/latency
// summaries, surfaced at /v2/tasks/monitoring/backends).
type MonitoringBackendStats struct {
	Backends map[string]BackendThroughputReport `json:"backends"`
}

// BackendThroughputReport is one backend's most recent self-reported
// per-model throughput/latency summary.
type BackendThroughputReport struct {
	Stat       BackendStat                    `json:"stat"`
	ModelStats map[string]ModelThroughputStat `json:"model_stats"`
	ReportedAtUnixMs int64                    `json:"reported_at_unix_ms"`
}

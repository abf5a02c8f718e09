// Package scheduler implements the Scheduler of spec.md §4.3: the global
// placement loop that maps declared workloads onto backends under
// per-backend GPU memory budgets, producing {schedule, unschedule} deltas.
//
// The placement algorithm is grounded on
// original_source/nxs_libs/interface/scheduling_policy/simple_policy_v2.py
// (spec.md §9 "this spec follows the v2 policy"), restated as an explicit
// six-step epoch over plain Go maps instead of the original's nested
// dict-of-lists bookkeeping.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/microsoft/nxs/internal/logging"
	"github.com/microsoft/nxs/internal/model"
)

// Config tunes epoch behavior (spec.md §4.3).
type Config struct {
	// MaxModelsPerCPUBackend bounds placements per CPU backend (default 5,
	// spec.md "MAX_MODELS_PER_BACKEND = 5").
	MaxModelsPerCPUBackend int
	// BackendTimeout is how long a backend may go without a heartbeat
	// before it is evicted (spec.md §3 "Backend" lifecycle).
	BackendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxModelsPerCPUBackend <= 0 {
		c.MaxModelsPerCPUBackend = 5
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 15 * time.Second
	}
	return c
}

// placement names one (compository model, backend) binding and the
// sessions currently relying on it.
type placement struct {
	backendName string
	batchPlans  []model.ComponentPlan
	sessions    map[string]struct{}
}

// Scheduler holds the epoch state spec.md §4.3 "State" describes: the last
// accepted request/backend sets, the current placement map, and caches of
// compository-model and pipeline descriptors (plain maps; entries are never
// evicted). A single mutex protects all
// of it; scheduling epochs run at most once at a time and hit rates make
// contention negligible (spec.md §9 "Global mutable state").
type Scheduler struct {
	cfg    Config
	logger *logging.Logger

	mu sync.Mutex

	backends     map[string]*model.Backend
	insertionSeq int64

	lastRequests    map[string]model.SchedulingRequest
	currentRequests map[string]model.SchedulingRequest

	// placements is keyed by compository-model UUID; a cmodel may have
	// multiple placements (one per hosting backend) when scaled up.
	placements map[string][]*placement

	cmodels   map[string]model.CompositoryModel
	pipelines map[string]model.Pipeline

	// unsatisfiedEpochs counts consecutive epochs a cmodel's demand
	// exceeded its deployed capacity (spec.md §8 property 3).
	unsatisfiedEpochs map[string]int
}

// New constructs an empty Scheduler.
func New(cfg Config, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		cfg:               cfg.withDefaults(),
		logger:            logger,
		backends:          make(map[string]*model.Backend),
		lastRequests:      make(map[string]model.SchedulingRequest),
		currentRequests:   make(map[string]model.SchedulingRequest),
		placements:        make(map[string][]*placement),
		cmodels:           make(map[string]model.CompositoryModel),
		pipelines:         make(map[string]model.Pipeline),
		unsatisfiedEpochs: make(map[string]int),
	}
}

// RegisterBackend adds or re-registers a backend (spec.md §3 "created on
// first REGISTER"). Registering a name that is already present keeps a
// single entry: only its stat and heartbeat time are refreshed, its
// reserved memory and placements stay as they were, and it reports true.
// No REQUEST_REREGISTER_BACKEND or redeployment is issued for it.
func (s *Scheduler) RegisterBackend(stat model.BackendStat) (reregistered bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.backends[stat.BackendName]; ok {
		existing.Stat = stat
		existing.LastHeartbeat = time.Now()
		return true
	}

	s.insertionSeq++
	s.backends[stat.BackendName] = &model.Backend{
		Stat:          stat,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
		InsertionSeq:  s.insertionSeq,
	}
	return false
}

// Heartbeat refreshes a backend's liveness timestamp and stat snapshot.
// Unknown backends are treated as an implicit registration.
func (s *Scheduler) Heartbeat(stat model.BackendStat) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.backends[stat.BackendName]
	if !ok {
		s.insertionSeq++
		s.backends[stat.BackendName] = &model.Backend{
			Stat:          stat,
			LastHeartbeat: time.Now(),
			RegisteredAt:  time.Now(),
			InsertionSeq:  s.insertionSeq,
		}
		return
	}
	// GPU total/name may change across heartbeats; available_mem is
	// recorded for observability only (spec.md §11.2 "GPU memory
	// precedence" — accounting stays authoritative for placement).
	b.Stat = stat
	b.LastHeartbeat = time.Now()
}

// SetRequests replaces the current demand snapshot (spec.md §4.4 "emits a
// single RegisterWorkloads message ... one entry per active key" — the
// Workload Manager always sends the full active set, not a delta).
func (s *Scheduler) SetRequests(requests []model.SchedulingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.currentRequests = make(map[string]model.SchedulingRequest, len(requests))
	for _, r := range requests {
		s.currentRequests[r.InternalSessionID()] = r
	}
}

// BackendNames returns the names of every currently-registered backend.
func (s *Scheduler) BackendNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.backends))
	for name := range s.backends {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BackendSnapshot returns a copy of one backend's accounted state, for
// monitoring (cmd/scheduler persists it to the KV store).
func (s *Scheduler) BackendSnapshot(name string) (model.Backend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backends[name]
	if !ok {
		return model.Backend{}, false
	}
	return *b, true
}

// HostedCompositoryModels returns, for every live backend, the set of
// compository-model UUIDs it currently hosts — the Front Door's capacity
// check is built on this (spec.md §4.5 step 3).
func (s *Scheduler) HostedCompositoryModels() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]string)
	for cmodelUUID, plcs := range s.placements {
		for _, p := range plcs {
			out[p.backendName] = append(out[p.backendName], cmodelUUID)
		}
	}
	return out
}

// Snapshot returns the fleet view the Front Door's capacity check consults
// (spec.md §4.5 step 3, §8 property 2): which backend hosts which
// compository models, and how many backends are currently live. Callers
// persist this to kvstore.MonitoringSchedulerKey() after every epoch
// (spec.md §4.3 "the scheduler publishes its fleet snapshot each epoch").
func (s *Scheduler) Snapshot() model.MonitoringSnapshot {
	s.mu.Lock()
	backendsOnline := len(s.backends)
	s.mu.Unlock()

	return model.MonitoringSnapshot{
		HostedCompositoryModels: s.HostedCompositoryModels(),
		BackendsOnline:          backendsOnline,
		UpdatedAtUnixMs:         time.Now().UnixMilli(),
	}
}

// EvictExpired drops every backend whose last heartbeat is older than the
// configured timeout, per spec.md §3 "evicted when no heartbeat arrives
// within backend_timeout_secs". It does not run the rest of the epoch;
// callers run Epoch afterward so eviction is reflected in this epoch's
// deltas.
func (s *Scheduler) EvictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, b := range s.backends {
		if now.Sub(b.LastHeartbeat) > s.cfg.BackendTimeout {
			delete(s.backends, name)
		}
	}
}

// Epoch runs the spec.md §4.3 six-step placement algorithm against the
// latest (requests, backends) snapshot and returns this epoch's delta.
func (s *Scheduler) Epoch() model.SchedulingEpochResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := model.SchedulingEpochResult{}
	unscheduleByBackend := make(map[string]map[string]struct{})
	recordUnschedule := func(backendName, cmodelUUID string) {
		if unscheduleByBackend[backendName] == nil {
			unscheduleByBackend[backendName] = make(map[string]struct{})
		}
		unscheduleByBackend[backendName][cmodelUUID] = struct{}{}
	}

	// Refresh the pipeline/cmodel cache from every request (last + current)
	// so teardown steps below can still resolve descriptors for sessions
	// that just disappeared.
	for _, r := range s.lastRequests {
		s.cachePipeline(r.Pipeline)
	}
	for _, r := range s.currentRequests {
		s.cachePipeline(r.Pipeline)
	}

	// Placements that exist before this epoch were already announced in an
	// earlier schedule delta and are not emitted again.
	preexisting := make(map[*placement]struct{})
	for _, plcs := range s.placements {
		for _, p := range plcs {
			preexisting[p] = struct{}{}
		}
	}

	// Step 1: evict expired backends (already removed from s.backends by
	// EvictExpired; here we reconcile placements against the survivors).
	for cmodelUUID, plcs := range s.placements {
		kept := plcs[:0]
		for _, p := range plcs {
			if _, alive := s.backends[p.backendName]; !alive {
				// The backend entry itself was already removed by
				// EvictExpired; RegisterBackend starts a reappearing backend
				// at ReservedMemMiB=0, so there is nothing left to credit
				// back here (spec.md §4.3 step 1).
				recordUnschedule(p.backendName, cmodelUUID)
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.placements, cmodelUUID)
		} else {
			s.placements[cmodelUUID] = kept
		}
	}

	// Step 2: remove unused sessions (present last epoch, absent now).
	for sessionID := range s.lastRequests {
		if _, stillThere := s.currentRequests[sessionID]; stillThere {
			continue
		}
		s.removeSession(sessionID, recordUnschedule)
	}

	// Step 3: remove unused pipelines whose cmodels have zero referring
	// sessions left, guarding against thrash by not reclaiming a cmodel
	// that also appears in a newly-arriving pipeline.
	s.removeUnusedPipelines(recordUnschedule)

	// Step 4: deploy new pipelines.
	for sessionID, req := range s.currentRequests {
		for _, cmodel := range req.Pipeline.Models {
			if _, deployed := s.placements[cmodel.UUID()]; deployed {
				continue
			}
			s.deployCModel(cmodel, sessionID)
		}
	}

	// Step 5: bind sessions whose pipeline models are already deployed.
	for sessionID, req := range s.currentRequests {
		for _, cmodel := range req.Pipeline.Models {
			for _, p := range s.placements[cmodel.UUID()] {
				p.sessions[sessionID] = struct{}{}
			}
		}
	}

	// Step 6: scale up/down against demand.
	s.scaleToDemand(recordUnschedule)

	// Emit the schedule side from the placements created during this epoch.
	scheduleByBackend := make(map[string]*model.SchedulingPerBackendPlan)
	for cmodelUUID, plcs := range s.placements {
		cmodel := s.cmodels[cmodelUUID]
		for _, p := range plcs {
			if _, old := preexisting[p]; old {
				continue
			}
			plan, ok := scheduleByBackend[p.backendName]
			if !ok {
				plan = &model.SchedulingPerBackendPlan{BackendName: p.backendName}
				scheduleByBackend[p.backendName] = plan
			}
			plan.ComponentModelsPlan = append(plan.ComponentModelsPlan, componentPlansFor(cmodel)...)
			for sess := range p.sessions {
				plan.Sessions = append(plan.Sessions, sess)
			}
		}
	}
	for _, backendName := range sortedKeys(scheduleByBackend) {
		plan := scheduleByBackend[backendName]
		sort.Strings(plan.Sessions)
		result.Schedule = append(result.Schedule, *plan)
	}

	for _, backendName := range sortedKeysSet(unscheduleByBackend) {
		cmodelSet := unscheduleByBackend[backendName]
		plan := model.UnschedulingPerBackendPlan{BackendName: backendName}
		for cmodelUUID := range cmodelSet {
			plan.ModelUUIDs = append(plan.ModelUUIDs, cmodelUUID)
		}
		sort.Strings(plan.ModelUUIDs)
		result.Unschedule = append(result.Unschedule, plan)
	}

	s.lastRequests = s.currentRequests
	s.currentRequests = make(map[string]model.SchedulingRequest, len(s.lastRequests))
	for k, v := range s.lastRequests {
		s.currentRequests[k] = v
	}

	return result
}

func (s *Scheduler) cachePipeline(p model.Pipeline) {
	if p.PipelineUUID == "" {
		return
	}
	s.pipelines[p.PipelineUUID] = p
	for _, cmodel := range p.Models {
		s.cmodels[cmodel.UUID()] = cmodel
	}
}

func componentPlansFor(cmodel model.CompositoryModel) []model.ComponentPlan {
	out := make([]model.ComponentPlan, 0, 1+len(cmodel.Siblings))
	for _, comp := range cmodel.AllComponents() {
		if best, ok := comp.BestProfile(); ok {
			out = append(out, model.ComponentPlan{ModelUUID: comp.ModelUUID, BatchSize: best.BatchSize})
		}
	}
	return out
}

// removeSession tears down every placement exclusively serving sessionID,
// reclaiming backend memory for placements that become orphaned (spec.md
// §4.3 step 2).
func (s *Scheduler) removeSession(sessionID string, recordUnschedule func(backend, cmodel string)) {
	for cmodelUUID, plcs := range s.placements {
		kept := plcs[:0]
		for _, p := range plcs {
			delete(p.sessions, sessionID)
			if len(p.sessions) == 0 {
				s.freeMemory(p.backendName, cmodelUUID)
				recordUnschedule(p.backendName, cmodelUUID)
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(s.placements, cmodelUUID)
		} else {
			s.placements[cmodelUUID] = kept
		}
	}
}

// removeUnusedPipelines implements spec.md §4.3 step 3: a pipeline with no
// referring sessions this epoch is eligible for teardown; its cmodels are
// reclaimed only if their post-removal reference count reaches zero and
// they do not appear in any newly-arriving pipeline.
func (s *Scheduler) removeUnusedPipelines(recordUnschedule func(backend, cmodel string)) {
	currentPipelines := make(map[string]struct{})
	for _, r := range s.currentRequests {
		currentPipelines[r.Pipeline.PipelineUUID] = struct{}{}
	}

	lastPipelines := make(map[string]struct{})
	for _, r := range s.lastRequests {
		lastPipelines[r.Pipeline.PipelineUUID] = struct{}{}
	}

	newPipelineCModels := make(map[string]struct{})
	for pipelineUUID := range currentPipelines {
		if _, existedLast := lastPipelines[pipelineUUID]; existedLast {
			continue
		}
		for _, cmodel := range s.pipelines[pipelineUUID].Models {
			newPipelineCModels[cmodel.UUID()] = struct{}{}
		}
	}

	for pipelineUUID := range lastPipelines {
		if _, stillRequested := currentPipelines[pipelineUUID]; stillRequested {
			continue
		}
		for _, cmodel := range s.pipelines[pipelineUUID].Models {
			cmodelUUID := cmodel.UUID()
			if s.cmodelReferenceCount(cmodelUUID) > 0 {
				continue
			}
			if _, inNewPipeline := newPipelineCModels[cmodelUUID]; inNewPipeline {
				continue
			}
			for _, p := range s.placements[cmodelUUID] {
				s.freeMemory(p.backendName, cmodelUUID)
				recordUnschedule(p.backendName, cmodelUUID)
			}
			delete(s.placements, cmodelUUID)
		}
	}
}

// cmodelReferenceCount counts currently-requesting sessions whose pipeline
// includes cmodelUUID.
func (s *Scheduler) cmodelReferenceCount(cmodelUUID string) int {
	count := 0
	for _, r := range s.currentRequests {
		for _, cmodel := range r.Pipeline.Models {
			if cmodel.UUID() == cmodelUUID {
				count++
				break
			}
		}
	}
	return count
}

// deployCModel places one compository model (spec.md §4.3 step 4): finds
// candidate backends, picks the best one, reserves memory, and binds
// sessionID. If no candidate can host every component, any partial
// deployment made for this cmodel is undone and the cmodel is left
// unscheduled this epoch.
func (s *Scheduler) deployCModel(cmodel model.CompositoryModel, sessionID string) bool {
	backend := s.pickBestBackend(cmodel)
	if backend == nil {
		return false
	}

	s.reserveMemory(backend, cmodel)
	p := &placement{
		backendName: backend.Stat.BackendName,
		batchPlans:  componentPlansFor(cmodel),
		sessions:    map[string]struct{}{sessionID: {}},
	}
	s.placements[cmodel.UUID()] = append(s.placements[cmodel.UUID()], p)
	return true
}

// pickBestBackend implements spec.md §4.3 candidate selection and
// tie-breaks: GPU backends require free memory strictly greater than the
// requirement and are ranked by maximum free memory (ties broken by
// registration order); CPU backends are ranked by minimum number of
// already-deployed compository models, bounded by MaxModelsPerCPUBackend.
// A backend already hosting this cmodel is excluded (spec.md "Same-backend
// redeployment ... forbidden within a single epoch").
func (s *Scheduler) pickBestBackend(cmodel model.CompositoryModel) *model.Backend {
	useGPU := cmodel.UsesGPU()
	required := cmodel.RequiredMemMiB()
	alreadyHosting := s.backendsHosting(cmodel.UUID())

	var best *model.Backend
	var bestFree float64
	bestLoad := s.cfg.MaxModelsPerCPUBackend

	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return s.backends[names[i]].InsertionSeq < s.backends[names[j]].InsertionSeq
	})

	for _, name := range names {
		b := s.backends[name]
		if _, excluded := alreadyHosting[name]; excluded {
			continue
		}
		if b.IsGPU() != useGPU {
			continue
		}

		if useGPU {
			free := b.FreeMemMiB()
			if free <= required {
				continue
			}
			if best == nil || free > bestFree {
				best = b
				bestFree = free
			}
			continue
		}

		load := s.deployedCModelCount(name)
		if load >= s.cfg.MaxModelsPerCPUBackend {
			continue
		}
		if best == nil || load < bestLoad {
			best = b
			bestLoad = load
		}
	}

	return best
}

func (s *Scheduler) backendsHosting(cmodelUUID string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, p := range s.placements[cmodelUUID] {
		out[p.backendName] = struct{}{}
	}
	return out
}

func (s *Scheduler) deployedCModelCount(backendName string) int {
	count := 0
	for _, plcs := range s.placements {
		for _, p := range plcs {
			if p.backendName == backendName {
				count++
				break
			}
		}
	}
	return count
}

func (s *Scheduler) reserveMemory(b *model.Backend, cmodel model.CompositoryModel) {
	if !cmodel.UsesGPU() {
		return
	}
	b.ReservedMemMiB += cmodel.RequiredMemMiB()
}

func (s *Scheduler) freeMemory(backendName, cmodelUUID string) {
	b, ok := s.backends[backendName]
	if !ok {
		return
	}
	cmodel, ok := s.cmodels[cmodelUUID]
	if !ok || !cmodel.UsesGPU() {
		return
	}
	b.ReservedMemMiB -= cmodel.RequiredMemMiB()
	if b.ReservedMemMiB < 0 {
		b.ReservedMemMiB = 0
	}
}

// scaleToDemand implements spec.md §4.3 step 6: compare capacity_fps to
// demand_fps per deployed compository model and deploy or mark surplus
// placements for unscheduling.
func (s *Scheduler) scaleToDemand(recordUnschedule func(backendName, cmodelUUID string)) {
	demand := make(map[string]float64)
	sessionsByCModel := make(map[string][]string)
	for sessionID, r := range s.currentRequests {
		for _, cmodel := range r.Pipeline.Models {
			demand[cmodel.UUID()] += r.RequestedFPS
			sessionsByCModel[cmodel.UUID()] = append(sessionsByCModel[cmodel.UUID()], sessionID)
		}
	}

	for cmodelUUID, plcs := range s.placements {
		cmodel, ok := s.cmodels[cmodelUUID]
		if !ok {
			continue
		}
		perPlacementFPS := cmodel.BestFPS()
		if perPlacementFPS <= 0 {
			continue
		}
		capacity := perPlacementFPS * float64(len(plcs))
		want := demand[cmodelUUID]

		if capacity < want {
			s.unsatisfiedEpochs[cmodelUUID]++
			sessions := sessionsByCModel[cmodelUUID]
			for capacity < want {
				sessionID := ""
				if len(sessions) > 0 {
					sessionID = sessions[0]
				}
				if !s.deployCModel(cmodel, sessionID) {
					if s.unsatisfiedEpochs[cmodelUUID] >= 2 && s.logger != nil {
						s.logger.WithContext(context.Background()).
							WithField("model_uuid", cmodelUUID).
							Warn("unsatisfiable demand: capacity cannot meet requested fps")
					}
					break
				}
				for _, p := range s.placements[cmodelUUID] {
					p.sessions[sessionID] = struct{}{}
				}
				capacity += perPlacementFPS
			}
			continue
		}

		delete(s.unsatisfiedEpochs, cmodelUUID)

		if want == 0 {
			continue
		}
		for capacity-perPlacementFPS >= want && len(s.placements[cmodelUUID]) > 0 {
			cur := s.placements[cmodelUUID]
			victim := cur[len(cur)-1]
			s.freeMemory(victim.backendName, cmodelUUID)
			recordUnschedule(victim.backendName, cmodelUUID)
			s.placements[cmodelUUID] = cur[:len(cur)-1]
			capacity -= perPlacementFPS
		}
	}
}

func sortedKeys(m map[string]*model.SchedulingPerBackendPlan) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedKeysSet(m map[string]map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

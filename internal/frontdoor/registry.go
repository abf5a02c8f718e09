// Package frontdoor implements the Front Door of spec.md §4.5 and §6: the
// HTTP ingress that accepts model/pipeline registration, pin/unpin
// operators, and inference submissions, fans requests into the fabric via
// the Sharded Work Queue, and bounded-polls for results.
package frontdoor

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/microsoft/nxs/internal/model"
)

// ModelRegistry holds every registered ComponentModel and Pipeline. Lookups
// run on every inference submission, so the hot keys are cached in an LRU
// (spec.md §9 "Global mutable state: a single mutex-guarded cache, no
// module-load-order reliance" — grounded on the teacher's transitive
// dependency on github.com/hashicorp/golang-lru/v2, promoted here to a
// direct, exercised dependency).
type ModelRegistry struct {
	mu sync.RWMutex

	components map[string]model.ComponentModel
	pipelines  map[string]model.Pipeline

	pipelineCache *lru.Cache[string, model.Pipeline]
}

// NewModelRegistry constructs a ModelRegistry with an LRU cache sized for
// cacheSize hot pipelines.
func NewModelRegistry(cacheSize int) *ModelRegistry {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, _ := lru.New[string, model.Pipeline](cacheSize)
	return &ModelRegistry{
		components:    make(map[string]model.ComponentModel),
		pipelines:     make(map[string]model.Pipeline),
		pipelineCache: cache,
	}
}

// RegisterComponent stores or replaces a ComponentModel.
func (r *ModelRegistry) RegisterComponent(c model.ComponentModel) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c.ModelUUID] = c
	return nil
}

// Component looks up a previously registered ComponentModel.
func (r *ModelRegistry) Component(uuid string) (model.ComponentModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[uuid]
	return c, ok
}

// RegisterPipeline stores or replaces a Pipeline as given; its components
// are not checked against the registered ComponentModels.
func (r *ModelRegistry) RegisterPipeline(p model.Pipeline) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.PipelineUUID] = p
	r.pipelineCache.Add(p.PipelineUUID, p)
	return nil
}

// Pipeline looks up a previously registered Pipeline, consulting the LRU
// cache first.
func (r *ModelRegistry) Pipeline(uuid string) (model.Pipeline, bool) {
	if p, ok := r.pipelineCache.Get(uuid); ok {
		return p, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[uuid]
	if ok {
		r.pipelineCache.Add(uuid, p)
	}
	return p, ok
}

// CompositoryModel implements the runtime.pipelineRegistry interface
// backends consult when resolving a SCHEDULE_PLAN's model_uuids — the
// Front Door is the system of record for compository model definitions,
// shared here rather than duplicated into the Scheduler (spec.md §9
// "Model/Pipeline definitions live once, at the Front Door").
func (r *ModelRegistry) CompositoryModel(modelUUID string) (model.CompositoryModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pipelines {
		for _, cm := range p.Models {
			if cm.UUID() == modelUUID {
				return cm, true
			}
		}
	}
	return model.CompositoryModel{}, false
}

// Pipelines returns every registered Pipeline, used to build
// SchedulingRequests and to answer monitoring queries.
func (r *ModelRegistry) Pipelines() []model.Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		out = append(out, p)
	}
	return out
}

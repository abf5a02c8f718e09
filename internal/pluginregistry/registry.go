package pluginregistry

import (
	"fmt"
	"sync"
)

// Registry is the closed set of named functions compiled into the binary,
// keyed by the name a ComponentModel's PreprocFn/PostprocFn/TransformFn
// field refers to. Preprocess/postprocess names absent from the registry
// fall back to the sandboxed generic path (sandbox.go), keyed by the
// component's ModelUUID so each model's user-supplied script is isolated
// from every other. An unregistered TransformFn has no fallback: the
// Compute stage reports an error for it.
type Registry struct {
	mu         sync.RWMutex
	preproc    map[string]PreprocessFunc
	postproc   map[string]PostprocessFunc
	transform  map[string]TransformFunc
	customs    map[string]func() CustomModelFunc
}

// NewRegistry constructs an empty Registry. Call RegisterBuiltins to
// populate it with the detector/classifier/tracker variants shipped with
// this binary.
func NewRegistry() *Registry {
	return &Registry{
		preproc:   make(map[string]PreprocessFunc),
		postproc:  make(map[string]PostprocessFunc),
		transform: make(map[string]TransformFunc),
		customs:   make(map[string]func() CustomModelFunc),
	}
}

func (r *Registry) RegisterPreprocess(name string, fn PreprocessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.preproc[name] = fn
}

func (r *Registry) RegisterPostprocess(name string, fn PostprocessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postproc[name] = fn
}

func (r *Registry) RegisterTransform(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transform[name] = fn
}

func (r *Registry) RegisterCustomModel(name string, factory func() CustomModelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.customs[name] = factory
}

func (r *Registry) Preprocess(name string) (PreprocessFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.preproc[name]
	return fn, ok
}

func (r *Registry) Postprocess(name string) (PostprocessFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.postproc[name]
	return fn, ok
}

func (r *Registry) Transform(name string) (TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transform[name]
	return fn, ok
}

func (r *Registry) CustomModel(name string) (CustomModelFunc, error) {
	r.mu.RLock()
	factory, ok := r.customs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("pluginregistry: unknown custom model %q", name)
	}
	return factory(), nil
}

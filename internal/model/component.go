package model

import "fmt"

// Framework is the closed set of compute backends a Component Model may
// target (spec.md §4.2.3).
type Framework string

const (
	FrameworkONNX       Framework = "onnx"
	FrameworkTVM        Framework = "tvm"
	FrameworkBatchedTVM Framework = "batched_tvm"
	FrameworkTFPb       Framework = "tf_pb"
)

// TensorDescriptor describes one named input or output tensor of a model.
type TensorDescriptor struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
}

// Latency holds mean/min/max latency in milliseconds for a single profile
// entry.
type Latency struct {
	MeanMs float64 `json:"mean_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// ProfileUnit is one benchmarked batch-size entry in a model's profile.
type ProfileUnit struct {
	BatchSize int     `json:"batch_size"`
	FPS       float64 `json:"fps"`
	Latency   Latency `json:"latency"`
	GpuMemMiB float64 `json:"gpu_mem_mib"`
}

// ComponentModel is the unit of deployment (spec.md §3 "Component Model").
type ComponentModel struct {
	ModelUUID             string             `json:"model_uuid"`
	Framework             Framework          `json:"framework"`
	Inputs                []TensorDescriptor `json:"inputs"`
	Outputs               []TensorDescriptor `json:"outputs"`
	Profile               []ProfileUnit      `json:"profile"`
	UseGPU                bool               `json:"use_gpu"`
	Batching              bool               `json:"batching"`
	CrossRequestsBatching bool               `json:"cross_requests_batching"`
	IsCustomModel         bool               `json:"is_custom_model"`
	NumPreprocessors      int                `json:"num_preprocessors"`
	NumPostprocessors     int                `json:"num_postprocessors"`
	// PreprocFn/PostprocFn name a registered function in the plugin
	// registry (internal/pluginregistry), or are empty to fall back to the
	// generic sandboxed path keyed by ModelUUID.
	PreprocFn  string `json:"preproc_fn,omitempty"`
	PostprocFn string `json:"postproc_fn,omitempty"`
	// TransformFn, if set, forces batch=1 compute per spec.md §4.2.3.
	TransformFn string `json:"transform_fn,omitempty"`
}

// ProfileForBatchSize returns the profile entry matching bs, if present.
func (c *ComponentModel) ProfileForBatchSize(bs int) (ProfileUnit, bool) {
	for _, p := range c.Profile {
		if p.BatchSize == bs {
			return p, true
		}
	}
	return ProfileUnit{}, false
}

// BestProfile returns the profile entry with the largest batch size, which
// the scheduler treats as the GPU memory requirement ceiling (spec.md §4.3
// "largest batch size present in the profile").
func (c *ComponentModel) BestProfile() (ProfileUnit, bool) {
	var best ProfileUnit
	found := false
	for _, p := range c.Profile {
		if !found || p.BatchSize > best.BatchSize {
			best = p
			found = true
		}
	}
	return best, found
}

// SupportedBatchSizes lists the batch sizes the profile declares, in
// profile order.
func (c *ComponentModel) SupportedBatchSizes() []int {
	out := make([]int, 0, len(c.Profile))
	for _, p := range c.Profile {
		out = append(out, p.BatchSize)
	}
	return out
}

// Validate enforces the invariant that a profile must contain a bs==1 entry.
func (c *ComponentModel) Validate() error {
	if _, ok := c.ProfileForBatchSize(1); !ok {
		return fmt.Errorf("component model %s: profile missing batch_size=1 entry", c.ModelUUID)
	}
	switch c.Framework {
	case FrameworkONNX, FrameworkTVM, FrameworkBatchedTVM, FrameworkTFPb:
	default:
		return fmt.Errorf("component model %s: unknown framework %q", c.ModelUUID, c.Framework)
	}
	return nil
}

// LargestBatchSizeAtMost returns the largest profile batch size <= n, and
// whether one exists. Used by the Preprocess and Compute stages to pick a
// batch shape (spec.md §4.2.2, §4.2.3).
func (c *ComponentModel) LargestBatchSizeAtMost(n int) (int, bool) {
	best := 0
	found := false
	for _, p := range c.Profile {
		if p.BatchSize <= n && p.BatchSize > best {
			best = p.BatchSize
			found = true
		}
	}
	return best, found
}

// CompositoryModel is a main component plus co-located siblings that must
// always run together on the same backend (spec.md §3).
type CompositoryModel struct {
	MainModel  ComponentModel   `json:"main_model"`
	Siblings   []ComponentModel `json:"siblings,omitempty"`
}

// UUID returns the compository model's identity, which is its main
// component's model_uuid.
func (c *CompositoryModel) UUID() string { return c.MainModel.ModelUUID }

// AllComponents returns the main model followed by its siblings.
func (c *CompositoryModel) AllComponents() []ComponentModel {
	out := make([]ComponentModel, 0, 1+len(c.Siblings))
	out = append(out, c.MainModel)
	out = append(out, c.Siblings...)
	return out
}

// UsesGPU reports whether any component in this compository model requires
// a GPU (spec.md §4.3 "GPU backends iff any component uses GPU").
func (c *CompositoryModel) UsesGPU() bool {
	for _, comp := range c.AllComponents() {
		if comp.UseGPU {
			return true
		}
	}
	return false
}

// RequiredMemMiB sums each component's best-profile GPU memory requirement
// (spec.md §4.3 step 4).
func (c *CompositoryModel) RequiredMemMiB() float64 {
	var total float64
	for _, comp := range c.AllComponents() {
		if best, ok := comp.BestProfile(); ok {
			total += best.GpuMemMiB
		}
	}
	return total
}

// BestFPS returns the minimum best-profile fps across components, which
// bounds the compository model's effective throughput per placement
// (spec.md §4.3 step 6 "min component best-profile fps").
func (c *CompositoryModel) BestFPS() float64 {
	min := -1.0
	for _, comp := range c.AllComponents() {
		if best, ok := comp.BestProfile(); ok {
			if min < 0 || best.FPS < min {
				min = best.FPS
			}
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// Pipeline is an ordered sequence of compository models (spec.md §3).
type Pipeline struct {
	PipelineUUID string              `json:"pipeline_uuid"`
	Name         string              `json:"name,omitempty"`
	Models       []CompositoryModel  `json:"models"`
}

// ModelUUIDs returns the main model_uuid of every stage in order.
func (p *Pipeline) ModelUUIDs() []string {
	out := make([]string, 0, len(p.Models))
	for _, m := range p.Models {
		out = append(out, m.UUID())
	}
	return out
}

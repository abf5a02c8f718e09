package pluginregistry

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/nxserrors"
)

// Builtin function names. A ComponentModel's PreprocFn/PostprocFn fields
// name one of these, or any other string, in which case the component's
// sandboxed script, fetched from the Model Store under its ModelUUID, runs
// instead; the string itself is not looked up (spec.md §9).
const (
	PreprocDetectorImage    = "detector_image_preproc"
	PreprocClassifierImage  = "classifier_image_preproc"
	PreprocTrackerNumpy     = "tracker_numpy_preproc"
	PostprocDetectorBoxes   = "detector_boxes_postproc"
	PostprocClassifierLabel = "classifier_label_postproc"
	PostprocTrackerState    = "tracker_state_postproc"
	PostprocEmbeddingVector = "embedding_vector_postproc"
)

// decodeInput dispatches on the input's declared type (spec.md §9 "Dynamic
// typing of inputs").
func decodeInput(in model.Input) (any, error) {
	switch in.Type {
	case model.InputEncodedImage:
		// Pixel decoding is a domain collaborator's concern (object
		// detection pre/post-processing is explicitly out of scope per
		// spec.md §1); here we pass the encoded bytes through as an opaque
		// payload tagged with its declared shape.
		return map[string]any{"encoded": in.Data, "shape": in.Shape}, nil
	case model.InputPickledData:
		var out any
		if err := gob.NewDecoder(bytes.NewReader(in.Data)).Decode(&out); err != nil {
			return nil, nxserrors.Decode("", in.Name, err)
		}
		return out, nil
	case model.InputNumpyTensor:
		return map[string]any{"tensor": in.Data, "shape": in.Shape}, nil
	default:
		return nil, nxserrors.Decode("", in.Name, nil)
	}
}

// RegisterBuiltins populates r with the compiled-in detector/classifier/
// tracker preprocess and postprocess variants. These stand in for the
// vehicle-counting sample app's model-specific code, which spec.md §1
// explicitly scopes out as a thin client of the core; what stays in scope
// is the *shape* of the registry entry (decode -> merge params -> feed) and
// its wiring into the Preprocess/Postprocess pool stages.
func RegisterBuiltins(r *Registry) {
	r.RegisterPreprocess(PreprocDetectorImage, func(ctx context.Context, inputs []model.Input, defaults, extra map[string]any) (PreprocResult, error) {
		feed := make(map[string]any, len(inputs))
		for _, in := range inputs {
			decoded, err := decodeInput(in)
			if err != nil {
				return PreprocResult{}, err
			}
			feed[in.Name] = decoded
		}
		for k, v := range mergeParams(defaults, extra) {
			feed["param_"+k] = v
		}
		return PreprocResult{Feed: feed}, nil
	})

	r.RegisterPreprocess(PreprocClassifierImage, func(ctx context.Context, inputs []model.Input, defaults, extra map[string]any) (PreprocResult, error) {
		feed := make(map[string]any, len(inputs))
		for _, in := range inputs {
			decoded, err := decodeInput(in)
			if err != nil {
				return PreprocResult{}, err
			}
			feed[in.Name] = decoded
		}
		return PreprocResult{Feed: feed}, nil
	})

	r.RegisterPreprocess(PreprocTrackerNumpy, func(ctx context.Context, inputs []model.Input, defaults, extra map[string]any) (PreprocResult, error) {
		// Trackers with a pure-decode first stage skip Compute entirely
		// (spec.md §4.2.2 "supports multi-stage models whose first stage is
		// pure decoding").
		if v, ok := extra["skip_compute"]; ok {
			if skip, _ := v.(bool); skip {
				feed := make(map[string]any, len(inputs))
				for _, in := range inputs {
					feed[in.Name] = map[string]any{"tensor": in.Data, "shape": in.Shape}
				}
				return PreprocResult{SkipCompute: true, PrecomputedOutput: feed}, nil
			}
		}
		feed := make(map[string]any, len(inputs))
		for _, in := range inputs {
			feed[in.Name] = map[string]any{"tensor": in.Data, "shape": in.Shape}
		}
		return PreprocResult{Feed: feed}, nil
	})

	r.RegisterPostprocess(PostprocDetectorBoxes, func(ctx context.Context, out map[string]any, params map[string]any) (model.ResultType, map[string]any, error) {
		return model.ResultDetection, out, nil
	})

	r.RegisterPostprocess(PostprocClassifierLabel, func(ctx context.Context, out map[string]any, params map[string]any) (model.ResultType, map[string]any, error) {
		return model.ResultClassification, out, nil
	})

	r.RegisterPostprocess(PostprocTrackerState, func(ctx context.Context, out map[string]any, params map[string]any) (model.ResultType, map[string]any, error) {
		return model.ResultCustom, out, nil
	})

	r.RegisterPostprocess(PostprocEmbeddingVector, func(ctx context.Context, out map[string]any, params map[string]any) (model.ResultType, map[string]any, error) {
		return model.ResultEmbedding, out, nil
	})
}

package model

import "encoding/json"

// InputType is the sum type of request input variants (spec.md §3, §9).
type InputType string

const (
	InputEncodedImage InputType = "encoded_image"
	InputPickledData  InputType = "pickled_data"
	InputNumpyTensor  InputType = "numpy_tensor"
)

// Input is one named request input: raw bytes plus the shape/type
// metadata preprocess functions dispatch on.
type Input struct {
	Name  string    `json:"name"`
	Type  InputType `json:"type"`
	Data  []byte    `json:"data"`
	Shape []int     `json:"shape,omitempty"`
}

// RequestStatus is the lifecycle state of an inference request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusRunning   RequestStatus = "RUNNING"
	StatusCompleted RequestStatus = "COMPLETED"
	StatusFailed    RequestStatus = "FAILED"
)

// InferRequest is the message that flows Front Door -> stage -> stage
// (spec.md §3 "Inference Request").
type InferRequest struct {
	TaskUUID         string            `json:"task_uuid"`
	SessionUUID      string            `json:"session_uuid"`
	ExecPipelines    []string          `json:"exec_pipelines"`
	Inputs           []Input           `json:"inputs"`
	ExtraParams      map[string]any    `json:"extra_params,omitempty"`
	ExtraPreprocParams map[string]any  `json:"extra_preproc_params,omitempty"`
	CarryOverExtras  []byte            `json:"carry_over_extras,omitempty"`
	Status           RequestStatus     `json:"status"`
	ErrorMessage     string            `json:"error_message,omitempty"`
	SLA              *float64          `json:"sla,omitempty"`
	SubmittedAt      int64             `json:"submitted_at_unix_ms"`
}

// PopNextTopic removes and returns the head of ExecPipelines, the route's
// next hop, per spec.md §3 "each stage pops its head and forwards".
func (r *InferRequest) PopNextTopic() (string, bool) {
	if len(r.ExecPipelines) == 0 {
		return "", false
	}
	next := r.ExecPipelines[0]
	r.ExecPipelines = r.ExecPipelines[1:]
	return next, true
}

// HasMoreHops reports whether the request has further stages to visit.
func (r *InferRequest) HasMoreHops() bool {
	return len(r.ExecPipelines) > 0
}

// FinalTopic returns the last entry of ExecPipelines without consuming it:
// the originating front-end's result topic, always the tail of the route
// (spec.md §3 "append the front-door's own result topic to exec_pipelines").
// A failed request is routed here directly, skipping any remaining
// intermediate hops (spec.md §5 "FAILED requests skip all remaining
// hops").
func (r *InferRequest) FinalTopic() (string, bool) {
	if len(r.ExecPipelines) == 0 {
		return "", false
	}
	return r.ExecPipelines[len(r.ExecPipelines)-1], true
}

// Breadcrumbs is the carry_over_extras bag: an owned, re-serialized-at-each-hop
// map of per-stage timings and error notes (spec.md §9 "Cyclic references").
type Breadcrumbs map[string]any

// DecodeBreadcrumbs deserializes a request's carry_over_extras, returning an
// empty bag if absent or malformed (never fatal: breadcrumbs are
// observability only).
func DecodeBreadcrumbs(raw []byte) Breadcrumbs {
	if len(raw) == 0 {
		return Breadcrumbs{}
	}
	var b Breadcrumbs
	if err := json.Unmarshal(raw, &b); err != nil {
		return Breadcrumbs{}
	}
	return b
}

// Encode re-serializes the breadcrumb bag for the next hop.
func (b Breadcrumbs) Encode() []byte {
	data, err := json.Marshal(b)
	if err != nil {
		return nil
	}
	return data
}

// ResultType classifies a postprocessed output by shape (spec.md §4.2.4).
type ResultType string

const (
	ResultDetection     ResultType = "DETECTION"
	ResultClassification ResultType = "CLASSIFICATION"
	ResultOCR           ResultType = "OCR"
	ResultEmbedding     ResultType = "EMBEDDING"
	ResultCustom        ResultType = "CUSTOM"
)

// InferResult is the terminal payload delivered to the originating
// front-end's result topic.
type InferResult struct {
	TaskUUID     string         `json:"task_uuid"`
	SessionUUID  string         `json:"session_uuid"`
	Status       RequestStatus  `json:"status"`
	ResultType   ResultType     `json:"result_type,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CarryOverExtras []byte      `json:"carry_over_extras,omitempty"`
}

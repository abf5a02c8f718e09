package frontdoor

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/microsoft/nxs/internal/httputil"
	"github.com/microsoft/nxs/internal/kvstore"
	"github.com/microsoft/nxs/internal/model"
	"github.com/microsoft/nxs/internal/nxserrors"
)

// maxUploadBytes bounds a single infer-from-file request body, matching the
// teacher's MaxBytesReader discipline on every write endpoint.
const maxUploadBytes = 32 << 20

// RegisterRoutes wires every spec.md §6 HTTP route onto router, all under
// the fabric's single X-API-Key/rate-limit/tracing middleware stack applied
// by the caller (cmd/frontdoor).
func (f *FrontDoor) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/v2/models/register", f.handleRegisterModel).Methods(http.MethodPost)
	router.HandleFunc("/v2/pipelines/register", f.handleRegisterPipeline).Methods(http.MethodPost)
	router.HandleFunc("/v2/pipelines/pin", f.handlePinPipeline).Methods(http.MethodPost)
	router.HandleFunc("/v2/pipelines/unpin", f.handleUnpinPipeline).Methods(http.MethodPost)

	router.HandleFunc("/v2/tasks/sessions/create", f.handleCreateSession).Methods(http.MethodPost)
	router.HandleFunc("/v2/tasks/sessions/delete", f.handleDeleteSession).Methods(http.MethodPost)

	router.HandleFunc("/v2/tasks/images/infer-from-file", f.handleInferFromFile).Methods(http.MethodPost)
	router.HandleFunc("/v2/tasks/images/infer-from-url", f.handleInferFromURL).Methods(http.MethodPost)
	router.HandleFunc("/v2/tasks/images/batch-infer-from-url", f.handleBatchInferFromURL).Methods(http.MethodPost)
	router.HandleFunc("/v2/tasks/tensors/infer", f.handleInferTensors).Methods(http.MethodPost)

	router.HandleFunc("/v2/tasks/monitoring/backends", f.handleMonitoringBackends).Methods(http.MethodGet)
	router.HandleFunc("/v2/tasks/monitoring/scheduler", f.handleMonitoringScheduler).Methods(http.MethodGet)
}

// writeResult maps a Submit outcome onto the standard response envelope,
// translating nxserrors.NxsError kinds to their HTTP status (spec.md §7).
func (f *FrontDoor) writeResult(w http.ResponseWriter, r *http.Request, result model.InferResult, err error) {
	if err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (f *FrontDoor) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if ne, ok := nxserrors.As(err); ok {
		status := ne.HTTPStatus
		if status == 0 {
			// Decode and Processing errors carry no HTTP status of their own.
			status = http.StatusInternalServerError
		}
		httputil.WriteErrorResponse(w, r, status, string(ne.Kind), ne.Error())
		return
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "infrastructure", err.Error())
}

func (f *FrontDoor) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var c model.ComponentModel
	if !httputil.DecodeJSON(w, r, &c) {
		return
	}
	if err := f.RegisterComponent(c); err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"model_uuid": c.ModelUUID})
}

func (f *FrontDoor) handleRegisterPipeline(w http.ResponseWriter, r *http.Request) {
	var p model.Pipeline
	if !httputil.DecodeJSON(w, r, &p) {
		return
	}
	if err := f.RegisterPipeline(r.Context(), p); err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"pipeline_uuid": p.PipelineUUID})
}

type pinPipelineRequest struct {
	PipelineUUID string  `json:"pipeline_uuid"`
	FPS          float64 `json:"fps"`
}

func (f *FrontDoor) handlePinPipeline(w http.ResponseWriter, r *http.Request) {
	var req pinPipelineRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	pipeline, ok := f.registry.Pipeline(req.PipelineUUID)
	if !ok {
		f.writeErr(w, r, nxserrors.Validation(fmt.Sprintf("unknown pipeline %q", req.PipelineUUID)))
		return
	}
	if err := f.PinPipeline(r.Context(), pipeline, req.FPS); err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "pinned"})
}

type unpinPipelineRequest struct {
	PipelineUUID string `json:"pipeline_uuid"`
}

func (f *FrontDoor) handleUnpinPipeline(w http.ResponseWriter, r *http.Request) {
	var req unpinPipelineRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.PipelineUUID == "" {
		f.writeErr(w, r, nxserrors.Validation("pipeline_uuid is required"))
		return
	}
	if err := f.UnpinPipeline(r.Context(), req.PipelineUUID); err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "unpinned"})
}

type createSessionRequest struct {
	ExtraParams map[string]any `json:"extra_params,omitempty"`
}

func (f *FrontDoor) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if !httputil.DecodeJSON(w, r, &req) {
			return
		}
	}
	sessionUUID, err := f.CreateSession(r.Context(), req.ExtraParams)
	if err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"session_uuid": sessionUUID})
}

type deleteSessionRequest struct {
	SessionUUID string `json:"session_uuid"`
}

func (f *FrontDoor) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	var req deleteSessionRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.SessionUUID == "" {
		f.writeErr(w, r, nxserrors.Validation("session_uuid is required"))
		return
	}
	if err := f.DeleteSession(r.Context(), req.SessionUUID); err != nil {
		f.writeErr(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleInferFromFile accepts a multipart upload carrying the raw image
// bytes alongside the routing fields (spec.md §6 "infer-from-file").
func (f *FrontDoor) handleInferFromFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httputil.WriteErrorResponse(w, r, http.StatusRequestEntityTooLarge, "validation", "multipart body too large or malformed")
		return
	}

	pipelineUUID := r.FormValue("pipeline_uuid")
	sessionUUID := r.FormValue("session_uuid")
	inputName := httputil.QueryString(r, "input_name", "image")
	if v := r.FormValue("input_name"); v != "" {
		inputName = v
	}
	if pipelineUUID == "" || sessionUUID == "" {
		f.writeErr(w, r, nxserrors.Validation("pipeline_uuid and session_uuid are required"))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		f.writeErr(w, r, nxserrors.Validation("file field is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		f.writeErr(w, r, nxserrors.Validation("failed to read uploaded file"))
		return
	}

	inputs := []model.Input{{Name: inputName, Type: model.InputEncodedImage, Data: data}}
	result, err := f.Submit(r.Context(), pipelineUUID, sessionUUID, inputs, InferOptions{})
	f.writeResult(w, r, result, err)
}

type inferFromURLRequest struct {
	PipelineUUID string         `json:"pipeline_uuid"`
	SessionUUID  string         `json:"session_uuid"`
	URL          string         `json:"url"`
	InputName    string         `json:"input_name,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
}

func (f *FrontDoor) handleInferFromURL(w http.ResponseWriter, r *http.Request) {
	var req inferFromURLRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.PipelineUUID == "" || req.SessionUUID == "" || req.URL == "" {
		f.writeErr(w, r, nxserrors.Validation("pipeline_uuid, session_uuid and url are required"))
		return
	}
	inputName := req.InputName
	if inputName == "" {
		inputName = "image"
	}

	data, err := fetchURL(r.Context(), req.URL)
	if err != nil {
		f.writeErr(w, r, nxserrors.Validation(fmt.Sprintf("failed to fetch url: %v", err)))
		return
	}

	inputs := []model.Input{{Name: inputName, Type: model.InputEncodedImage, Data: data}}
	result, err := f.Submit(r.Context(), req.PipelineUUID, req.SessionUUID, inputs, InferOptions{ExtraParams: req.ExtraParams})
	f.writeResult(w, r, result, err)
}

type batchInferFromURLRequest struct {
	PipelineUUID string         `json:"pipeline_uuid"`
	SessionUUID  string         `json:"session_uuid"`
	URLs         []string       `json:"urls"`
	InputName    string         `json:"input_name,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
}

type batchInferResult struct {
	URL    string             `json:"url"`
	Result *model.InferResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

// handleBatchInferFromURL submits one independent InferRequest per URL and
// waits for all of them, rather than batching them into a single pipeline
// input — each image is an independent task_uuid on the fabric (spec.md §3
// "a task_uuid is assigned per submitted request").
func (f *FrontDoor) handleBatchInferFromURL(w http.ResponseWriter, r *http.Request) {
	var req batchInferFromURLRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.PipelineUUID == "" || req.SessionUUID == "" || len(req.URLs) == 0 {
		f.writeErr(w, r, nxserrors.Validation("pipeline_uuid, session_uuid and at least one url are required"))
		return
	}
	inputName := req.InputName
	if inputName == "" {
		inputName = "image"
	}

	results := make([]batchInferResult, len(req.URLs))
	done := make(chan struct{}, len(req.URLs))
	for i, u := range req.URLs {
		go func(i int, u string) {
			defer func() { done <- struct{}{} }()
			data, err := fetchURL(r.Context(), u)
			if err != nil {
				results[i] = batchInferResult{URL: u, Error: fmt.Sprintf("failed to fetch url: %v", err)}
				return
			}
			inputs := []model.Input{{Name: inputName, Type: model.InputEncodedImage, Data: data}}
			result, err := f.Submit(r.Context(), req.PipelineUUID, req.SessionUUID, inputs, InferOptions{ExtraParams: req.ExtraParams})
			if err != nil {
				results[i] = batchInferResult{URL: u, Error: err.Error()}
				return
			}
			results[i] = batchInferResult{URL: u, Result: &result}
		}(i, u)
	}
	for range req.URLs {
		<-done
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

type tensorInput struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
	Data  string `json:"data"` // base64-encoded raw tensor bytes
}

type inferTensorsRequest struct {
	PipelineUUID string         `json:"pipeline_uuid"`
	SessionUUID  string         `json:"session_uuid"`
	Inputs       []tensorInput  `json:"inputs"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
}

func (f *FrontDoor) handleInferTensors(w http.ResponseWriter, r *http.Request) {
	var req inferTensorsRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.PipelineUUID == "" || req.SessionUUID == "" || len(req.Inputs) == 0 {
		f.writeErr(w, r, nxserrors.Validation("pipeline_uuid, session_uuid and at least one input are required"))
		return
	}

	inputs := make([]model.Input, 0, len(req.Inputs))
	for _, t := range req.Inputs {
		raw, err := base64.StdEncoding.DecodeString(t.Data)
		if err != nil {
			f.writeErr(w, r, nxserrors.Decode(req.PipelineUUID, t.Name, err))
			return
		}
		inputs = append(inputs, model.Input{Name: t.Name, Type: model.InputNumpyTensor, Data: raw, Shape: t.Shape})
	}

	result, err := f.Submit(r.Context(), req.PipelineUUID, req.SessionUUID, inputs, InferOptions{ExtraParams: req.ExtraParams})
	f.writeResult(w, r, result, err)
}

func (f *FrontDoor) handleMonitoringBackends(w http.ResponseWriter, r *http.Request) {
	var snap model.MonitoringBackendStats
	ok, err := f.kv.Get(r.Context(), kvstore.MonitoringBackendsKey(), &snap)
	if err != nil {
		f.writeErr(w, r, nxserrors.Infrastructure(err))
		return
	}
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, model.MonitoringBackendStats{Backends: map[string]model.BackendThroughputReport{}})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

func (f *FrontDoor) handleMonitoringScheduler(w http.ResponseWriter, r *http.Request) {
	var snap model.MonitoringSnapshot
	ok, err := f.kv.Get(r.Context(), kvstore.MonitoringSchedulerKey(), &snap)
	if err != nil {
		f.writeErr(w, r, nxserrors.Infrastructure(err))
		return
	}
	if !ok {
		httputil.WriteJSON(w, http.StatusOK, model.MonitoringSnapshot{HostedCompositoryModels: map[string][]string{}})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snap)
}

// fetchURL downloads a remote image with a bounded size and timeout,
// matching the same maxUploadBytes ceiling applied to direct file uploads.
func fetchURL(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUploadBytes))
}

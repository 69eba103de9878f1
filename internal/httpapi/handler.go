// Package httpapi exposes the scheduler over HTTP: a JSON REST surface
// for workflows, jobs, and pipeline presets, a WebSocket progress channel,
// and liveness plus Prometheus endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/engine"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/pipeline"
	"github.com/slidewise/conveyor/internal/progress"
)

// HeaderTenantID is the request header carrying the tenant identity.
const HeaderTenantID = "X-User-ID"

// TenantID extracts the tenant identity from the request. The auth
// middleware guarantees it is non-empty on protected routes.
func TenantID(r *http.Request) string {
	return r.Header.Get(HeaderTenantID)
}

// Core is the workflow surface the API fronts.
type Core interface {
	CreateWorkflow(tenantID string, req engine.CreateWorkflowRequest) (*engine.CreateWorkflowResult, error)
	ListWorkflows(tenantID string) []*model.Workflow
	GetWorkflow(tenantID, workflowID string) (*model.Workflow, error)
	GetJob(tenantID, jobID string) (*engine.JobDetail, error)
	CancelJob(tenantID, jobID string) error
	JobResult(ctx context.Context, tenantID, jobID string) (json.RawMessage, error)
}

// AdmissionStats is the slice of the admission controller the health
// endpoint reports.
type AdmissionStats interface {
	ActiveCount() int
}

// SchedulerStats is the slice of the scheduler the health endpoint reports.
type SchedulerStats interface {
	RunningCount() int
	QueueDepth(tenantID, branch string) int
}

// Handler provides the HTTP endpoints.
type Handler struct {
	core      Core
	admission AdmissionStats
	sched     SchedulerStats
	hub       *progress.Hub
	presets   *pipeline.Library
	metrics   http.Handler
	heartbeat time.Duration
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	// Core is the workflow engine (required).
	Core Core
	// Admission reports active-tenant counts for the health endpoint (required).
	Admission AdmissionStats
	// Scheduler reports load counts for the health endpoint (required).
	Scheduler SchedulerStats
	// Hub fans progress envelopes out to WebSocket subscribers (required).
	Hub *progress.Hub
	// Presets serves the pipeline endpoints (optional).
	// If nil, the list is empty and instantiation returns 404.
	Presets *pipeline.Library
	// Metrics is the Prometheus exposition handler (optional).
	Metrics http.Handler
	// Heartbeat is the WebSocket server ping interval.
	// Zero uses DefaultHeartbeat.
	Heartbeat time.Duration
}

// NewHandler creates an API handler over the given collaborators.
func NewHandler(cfg HandlerConfig) *Handler {
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Handler{
		core:      cfg.Core,
		admission: cfg.Admission,
		sched:     cfg.Scheduler,
		hub:       cfg.Hub,
		presets:   cfg.Presets,
		metrics:   cfg.Metrics,
		heartbeat: heartbeat,
	}
}

// Routes returns the mux with all API routes registered. The concrete
// type is exposed so the server can resolve route patterns for span
// names and metric labels.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Workflows
	mux.HandleFunc("POST /api/v1/workflows", h.CreateWorkflow)
	mux.HandleFunc("GET /api/v1/workflows", h.ListWorkflows)
	mux.HandleFunc("GET /api/v1/workflows/{workflow_id}", h.GetWorkflow)

	// Jobs
	mux.HandleFunc("GET /api/v1/jobs/{job_id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/jobs/{job_id}/results", h.GetJobResults)
	mux.HandleFunc("POST /api/v1/jobs/{job_id}/cancel", h.CancelJob)

	// Pipelines
	mux.HandleFunc("GET /api/v1/pipelines", h.ListPipelines)
	mux.HandleFunc("POST /api/v1/pipelines/{name}", h.InstantiatePipeline)

	// Progress push
	mux.HandleFunc("GET /ws/progress", h.ProgressSocket)

	// Liveness + metrics
	mux.HandleFunc("GET /healthz", h.Health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}

	return mux
}

// === Request/Response Types ===

// ListWorkflowsResponse is the response body for listing workflows.
type ListWorkflowsResponse struct {
	Workflows []*model.Workflow `json:"workflows"`
	Total     int               `json:"total"`
}

// CancelJobResponse is the response body for a successful cancellation.
type CancelJobResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// JobResultsResponse is the response body for a job's stored results.
type JobResultsResponse struct {
	JobID      string          `json:"job_id"`
	ResultPath string          `json:"result_path"`
	Results    json.RawMessage `json:"results"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// ListPipelinesResponse is the response body for listing pipeline presets.
type ListPipelinesResponse struct {
	Pipelines []pipeline.Preset `json:"pipelines"`
	Total     int               `json:"total"`
}

// InstantiatePipelineRequest is the request body for instantiating a
// pipeline preset.
type InstantiatePipelineRequest struct {
	// ImagePath is the slide every job in the pipeline runs against (required).
	ImagePath string `json:"image_path"`
	// Branch overrides the branch of every job in the pipeline (optional).
	Branch string `json:"branch,omitempty"`
	// Name overrides the workflow name (optional, defaults to the preset name).
	Name string `json:"name,omitempty"`
}

// HealthResponse is the response body for the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	ActiveUsers int    `json:"active_users"`
	RunningJobs int    `json:"running_jobs"`
	QueueDepth  int    `json:"queue_depth"`
}

// ErrorBody carries the classification and message of a failed request.
type ErrorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

// ErrorEnvelope is the response body for errors.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// === Handlers ===

// CreateWorkflow submits a new workflow for the tenant.
// POST /api/v1/workflows
func (h *Handler) CreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req engine.CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalidf("invalid JSON body: %v", err))
		return
	}

	result, err := h.core.CreateWorkflow(TenantID(r), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// ListWorkflows returns the tenant's workflows in creation order.
// GET /api/v1/workflows
func (h *Handler) ListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows := h.core.ListWorkflows(TenantID(r))

	writeJSON(w, http.StatusOK, ListWorkflowsResponse{
		Workflows: workflows,
		Total:     len(workflows),
	})
}

// GetWorkflow returns a single workflow owned by the tenant.
// GET /api/v1/workflows/{workflow_id}
func (h *Handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := h.core.GetWorkflow(TenantID(r), r.PathValue("workflow_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wf)
}

// GetJob returns a single job with derived timing fields.
// GET /api/v1/jobs/{job_id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	detail, err := h.core.GetJob(TenantID(r), r.PathValue("job_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// GetJobResults returns the stored result document of a finished job.
// GET /api/v1/jobs/{job_id}/results
func (h *Handler) GetJobResults(w http.ResponseWriter, r *http.Request) {
	tenant := TenantID(r)
	jobID := r.PathValue("job_id")

	raw, err := h.core.JobResult(r.Context(), tenant, jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail, err := h.core.GetJob(tenant, jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, JobResultsResponse{
		JobID:      jobID,
		ResultPath: detail.ResultPath,
		Results:    raw,
		Metadata:   detail.Metadata,
	})
}

// CancelJob requests cancellation of a queued job.
// POST /api/v1/jobs/{job_id}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	if err := h.core.CancelJob(TenantID(r), jobID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CancelJobResponse{
		JobID:  jobID,
		Status: model.StatusCancelled,
	})
}

// ListPipelines returns the available pipeline presets.
// GET /api/v1/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	var presets []pipeline.Preset
	if h.presets != nil {
		presets = h.presets.List()
	}
	if presets == nil {
		presets = []pipeline.Preset{}
	}

	writeJSON(w, http.StatusOK, ListPipelinesResponse{
		Pipelines: presets,
		Total:     len(presets),
	})
}

// InstantiatePipeline submits a workflow built from a named preset.
// POST /api/v1/pipelines/{name}
func (h *Handler) InstantiatePipeline(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var preset pipeline.Preset
	ok := false
	if h.presets != nil {
		preset, ok = h.presets.Get(name)
	}
	if !ok {
		writeError(w, apperr.NotFound("pipeline preset %s not found", name))
		return
	}

	var req InstantiatePipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Invalidf("invalid JSON body: %v", err))
		return
	}
	if req.ImagePath == "" {
		writeError(w, apperr.Invalidf("image_path is required"))
		return
	}

	result, err := h.core.CreateWorkflow(TenantID(r), preset.Instantiate(req.Name, req.ImagePath, req.Branch))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// Health reports liveness plus a load snapshot.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "healthy",
		ActiveUsers: h.admission.ActiveCount(),
		RunningJobs: h.sched.RunningCount(),
		QueueDepth:  h.sched.QueueDepth("", ""),
	})
}

// === Helpers ===

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.ErrorErr(log.CatHTTP, "encoding JSON response", err)
	}
}

// writeError maps a classified error onto the wire envelope. Unclassified
// errors are reported as INTERNAL without leaking their message.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	message := "internal error"
	var e *apperr.Error
	if errors.As(err, &e) {
		message = e.Message
	}

	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		log.ErrorErr(log.CatHTTP, "request failed", err)
	}
	writeJSON(w, status, ErrorEnvelope{Error: ErrorBody{Kind: kind, Message: message}})
}

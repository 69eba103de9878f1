// Package engine owns workflow objects end to end: it expands submissions
// into globally unique jobs, hands them to the scheduler, aggregates job
// progress and status back into the workflow, and answers tenant-scoped
// queries.
//
// The engine keeps the authoritative Job objects. The scheduler works on
// clones and reports back through the Notifier callback, so engine state
// is only ever mutated under the engine mutex.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/progress"
	"github.com/slidewise/conveyor/internal/scheduler"
)

// ProgressFunc reports fractional progress and tile counts for a running
// job. Executors call it as work advances.
type ProgressFunc func(progress float64, tilesProcessed, tilesTotal int)

// Executor runs all jobs of one job type.
type Executor interface {
	Execute(ctx context.Context, job *model.Job, report ProgressFunc) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job *model.Job, report ProgressFunc) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, job *model.Job, report ProgressFunc) error {
	return f(ctx, job, report)
}

// JobScheduler is the slice of the scheduler the engine drives.
type JobScheduler interface {
	Submit(job *model.Job, fn scheduler.ExecutorFunc) error
	Cancel(jobID, tenantID string) error
}

// AdmissionView reports tenant admission state.
type AdmissionView interface {
	IsActive(tenantID string) bool
	QueuePosition(tenantID string) (int, bool)
}

// WorkflowTracker records workflow ownership for the idle bookkeeping.
type WorkflowTracker interface {
	AddWorkflow(tenantID, workflowID string)
	RemoveWorkflow(tenantID, workflowID string)
}

// Broadcaster fans progress envelopes out to a tenant's subscribers.
type Broadcaster interface {
	Broadcast(tenantID string, env progress.Envelope)
}

// ResultLoader reads a job's stored result document.
type ResultLoader interface {
	Load(ctx context.Context, jobID string) (json.RawMessage, error)
}

// MetricsRecorder receives workflow progress gauge updates.
type MetricsRecorder interface {
	SetWorkflowProgress(workflowID, tenantID string, progress float64)
}

// Config holds engine construction parameters. Scheduler, Admission and
// Tenants are required; the rest default to no-ops or standard sources.
type Config struct {
	Scheduler JobScheduler
	Admission AdmissionView
	Tenants   WorkflowTracker
	Hub       Broadcaster
	Results   ResultLoader
	Metrics   MetricsRecorder
	Clock     func() time.Time
	NewID     func() string
}

// Engine is the workflow orchestration layer.
type Engine struct {
	sched     JobScheduler
	admission AdmissionView
	tenants   WorkflowTracker
	hub       Broadcaster
	results   ResultLoader
	metrics   MetricsRecorder
	clock     func() time.Time
	newID     func() string

	mu        sync.RWMutex
	workflows map[string]*model.Workflow
	jobs      map[string]*model.Job
	byTenant  map[string][]string

	execMu    sync.RWMutex
	executors map[model.JobType]Executor
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.Hub == nil {
		cfg.Hub = nopBroadcaster{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Engine{
		sched:     cfg.Scheduler,
		admission: cfg.Admission,
		tenants:   cfg.Tenants,
		hub:       cfg.Hub,
		results:   cfg.Results,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		newID:     cfg.NewID,
		workflows: make(map[string]*model.Workflow),
		jobs:      make(map[string]*model.Job),
		byTenant:  make(map[string][]string),
		executors: make(map[model.JobType]Executor),
	}
}

// RegisterExecutor binds an executor to a job type, replacing any
// previous binding.
func (e *Engine) RegisterExecutor(jobType model.JobType, exec Executor) {
	e.execMu.Lock()
	e.executors[jobType] = exec
	e.execMu.Unlock()
	log.Info(log.CatEngine, "executor registered", "job_type", jobType.String())
}

func (e *Engine) executorFor(jobType model.JobType) (Executor, bool) {
	e.execMu.RLock()
	defer e.execMu.RUnlock()
	exec, ok := e.executors[jobType]
	return exec, ok
}

// JobStatusChanged is the scheduler's notifier callback. It folds the
// scheduler-owned fields of the reported job back into the engine's copy
// and refreshes the owning workflow's aggregate state.
func (e *Engine) JobStatusChanged(reported *model.Job) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[reported.ID]
	if !ok {
		return
	}
	job.Status = reported.Status
	if reported.StartedAt != nil {
		t := *reported.StartedAt
		job.StartedAt = &t
	}
	if reported.CompletedAt != nil {
		t := *reported.CompletedAt
		job.CompletedAt = &t
	}
	if reported.ErrorMessage != "" {
		job.ErrorMessage = reported.ErrorMessage
	}
	if reported.ResultPath != "" {
		job.ResultPath = reported.ResultPath
	}
	// Executors annotate their clone's metadata (cell counts and the like).
	if len(reported.Metadata) > 0 {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(reported.Metadata))
		}
		for k, v := range reported.Metadata {
			job.Metadata[k] = v
		}
	}

	if wf := e.workflows[job.WorkflowID]; wf != nil {
		e.refreshWorkflowLocked(wf)
	}
}

// reportProgress is handed to executors via ProgressFunc. Progress is
// clamped to [0, 1] and never decreases; reports against terminal jobs
// are dropped.
func (e *Engine) reportProgress(jobID string, p float64, tilesProcessed, tilesTotal int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	job, ok := e.jobs[jobID]
	if !ok || job.IsTerminal() {
		return
	}
	if p < 0 {
		p = 0
	} else if p > 1 {
		p = 1
	}
	if p < job.Progress {
		p = job.Progress
	}
	job.Progress = p
	if tilesTotal > 0 {
		if tilesProcessed > tilesTotal {
			tilesProcessed = tilesTotal
		}
		job.TilesProcessed = tilesProcessed
		job.TilesTotal = tilesTotal
	}
	if p > 0 {
		now := e.clock()
		if job.FirstProgressAt == nil {
			first := now
			job.FirstProgressAt = &first
		}
		last := now
		job.LastProgressAt = &last
	}

	e.hub.Broadcast(job.TenantID, progress.NewJobProgress(job))
	if wf := e.workflows[job.WorkflowID]; wf != nil {
		e.refreshWorkflowLocked(wf)
	}
}

// refreshWorkflowLocked recomputes a workflow's aggregate progress and
// status. A PENDING workflow moves to RUNNING once its tenant holds an
// admission slot. Once every job is terminal the workflow settles on
// FAILED when any job failed, SUCCEEDED otherwise, and the tenant's
// workflow registration is dropped. The terminal status is written once
// and never revisited.
func (e *Engine) refreshWorkflowLocked(wf *model.Workflow) {
	now := e.clock()
	if wf.Status == model.StatusPending && e.admission.IsActive(wf.TenantID) {
		wf.Status = model.StatusRunning
		if wf.StartedAt == nil {
			started := now
			wf.StartedAt = &started
		}
	}
	wf.Progress = wf.MeanProgress()
	if !wf.Status.IsTerminal() && wf.AllJobsTerminal() {
		if wf.AnyJobFailed() {
			wf.Status = model.StatusFailed
		} else {
			wf.Status = model.StatusSucceeded
		}
		completed := now
		wf.CompletedAt = &completed
		e.tenants.RemoveWorkflow(wf.TenantID, wf.ID)
		log.Info(log.CatEngine, "workflow finished",
			"workflow_id", wf.ID,
			"tenant_id", wf.TenantID,
			"status", string(wf.Status),
			"jobs", len(wf.Jobs))
	}
	e.metrics.SetWorkflowProgress(wf.ID, wf.TenantID, wf.Progress)
	e.hub.Broadcast(wf.TenantID, progress.NewWorkflowProgress(wf))
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, progress.Envelope) {}

type nopMetrics struct{}

func (nopMetrics) SetWorkflowProgress(string, string, float64) {}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/model"
)

// JobDetail is a job snapshot with derived timing fields. Elapsed counts
// from the first progress report; ETA extrapolates the remaining time
// from the progress rate and is only defined for a running job strictly
// between 0 and 1. Both are null until defined.
type JobDetail struct {
	*model.Job
	ElapsedSeconds *float64 `json:"elapsed_time_seconds"`
	EtaSeconds     *float64 `json:"estimated_remaining_seconds"`
}

// GetWorkflow returns a snapshot of the tenant's workflow.
func (e *Engine) GetWorkflow(tenantID, workflowID string) (*model.Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return nil, apperr.NotFound("workflow %s not found", workflowID)
	}
	if wf.TenantID != tenantID {
		return nil, apperr.Forbiddenf("workflow %s belongs to another tenant", workflowID)
	}
	return wf.Clone(), nil
}

// ListWorkflows returns snapshots of the tenant's workflows in creation
// order.
func (e *Engine) ListWorkflows(tenantID string) []*model.Workflow {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ids := e.byTenant[tenantID]
	out := make([]*model.Workflow, 0, len(ids))
	for _, id := range ids {
		if wf, ok := e.workflows[id]; ok {
			out = append(out, wf.Clone())
		}
	}
	return out
}

// GetJob returns a snapshot of the tenant's job with derived timings.
func (e *Engine) GetJob(tenantID, jobID string) (*JobDetail, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	job, ok := e.jobs[jobID]
	if !ok {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if job.TenantID != tenantID {
		return nil, apperr.Forbiddenf("job %s belongs to another tenant", jobID)
	}

	detail := &JobDetail{Job: job.Clone()}
	if job.FirstProgressAt != nil {
		end := e.clock()
		if job.CompletedAt != nil {
			end = *job.CompletedAt
		}
		elapsed := end.Sub(*job.FirstProgressAt).Seconds()
		detail.ElapsedSeconds = &elapsed
		if job.Status == model.StatusRunning && job.Progress > 0 && job.Progress < 1 {
			eta := elapsed / job.Progress * (1 - job.Progress)
			detail.EtaSeconds = &eta
		}
	}
	return detail, nil
}

// CancelJob requests cancellation of a queued job. Running and finished
// jobs are rejected as not cancellable.
func (e *Engine) CancelJob(tenantID, jobID string) error {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	if ok && job.TenantID != tenantID {
		e.mu.RUnlock()
		return apperr.Forbiddenf("job %s belongs to another tenant", jobID)
	}
	e.mu.RUnlock()
	if !ok {
		return apperr.NotFound("job %s not found", jobID)
	}
	return e.sched.Cancel(jobID, tenantID)
}

// JobResult loads the stored result document of a job. Only jobs that
// have recorded a result path have anything to serve.
func (e *Engine) JobResult(ctx context.Context, tenantID, jobID string) (json.RawMessage, error) {
	e.mu.RLock()
	job, ok := e.jobs[jobID]
	var resultPath string
	if ok {
		resultPath = job.ResultPath
		if job.TenantID != tenantID {
			e.mu.RUnlock()
			return nil, apperr.Forbiddenf("job %s belongs to another tenant", jobID)
		}
	}
	e.mu.RUnlock()

	if !ok {
		return nil, apperr.NotFound("job %s not found", jobID)
	}
	if resultPath == "" {
		return nil, apperr.NotFound("results for job %s not available yet", jobID)
	}
	if e.results == nil {
		return nil, apperr.Internalf("result storage is not configured")
	}
	raw, err := e.results.Load(ctx, jobID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperr.NotFound("result for job %s not found", jobID)
		}
		return nil, apperr.Wrap(apperr.Internal, err, "loading result for job %s", jobID)
	}
	return raw, nil
}

package engine

import (
	"context"
	"strings"

	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/scheduler"
)

// DefaultBranch is used when neither the workflow nor a job names one.
const DefaultBranch = "main"

// JobRequest is one job inside a workflow submission. ClientID is the
// caller's name for the job, used by sibling depends_on references; it is
// namespaced into a globally unique ID at submission.
type JobRequest struct {
	ClientID  string         `json:"client_id"`
	Type      string         `json:"job_type"`
	ImagePath string         `json:"image_path"`
	Branch    string         `json:"branch,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CreateWorkflowRequest is a workflow submission.
type CreateWorkflowRequest struct {
	Name     string         `json:"name"`
	Branch   string         `json:"branch,omitempty"`
	Jobs     []JobRequest   `json:"jobs"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CreateWorkflowResult carries the stored workflow plus the tenant's
// admission state at submission time.
type CreateWorkflowResult struct {
	Workflow      *model.Workflow `json:"workflow"`
	Queued        bool            `json:"queued_for_admission"`
	QueuePosition int             `json:"queue_position,omitempty"`
}

// CreateWorkflow validates a submission, expands it into jobs with
// globally unique IDs, stores the workflow, and submits every job to the
// scheduler. Client-supplied job IDs are prefixed with the workflow ID
// and depends_on references are rewritten to the prefixed form, so
// dependencies resolve only within the workflow. The workflow starts
// RUNNING when the tenant already holds an admission slot, and stays
// PENDING in the admission queue otherwise.
func (e *Engine) CreateWorkflow(tenantID string, req CreateWorkflowRequest) (*CreateWorkflowResult, error) {
	if tenantID == "" {
		return nil, apperr.Invalidf("tenant id must not be empty")
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	wfID := e.newID()
	now := e.clock()
	name := req.Name
	if name == "" {
		name = "workflow"
	}
	defaultBranch := req.Branch
	if defaultBranch == "" {
		defaultBranch = DefaultBranch
	}

	wf := model.NewWorkflow(wfID, name, tenantID)
	wf.CreatedAt = now
	if req.Metadata != nil {
		wf.Metadata = req.Metadata
	}

	ids := assignJobIDs(wfID, req.Jobs, e.newID)
	for i, jr := range req.Jobs {
		branch := jr.Branch
		if branch == "" {
			branch = defaultBranch
		}
		jobType, _ := model.ParseJobType(jr.Type)
		job := model.NewJob(ids[i], jobType, jr.ImagePath, branch, tenantID)
		job.WorkflowID = wfID
		job.CreatedAt = now
		if jr.Metadata != nil {
			job.Metadata = jr.Metadata
		}
		deps, err := rewriteDeps(wfID, ids[i], jr.DependsOn, ids)
		if err != nil {
			return nil, err
		}
		job.DependsOn = deps
		wf.Jobs = append(wf.Jobs, job)
	}
	if err := checkAcyclic(wf.Jobs); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.workflows[wfID] = wf
	for _, job := range wf.Jobs {
		e.jobs[job.ID] = job
	}
	e.byTenant[tenantID] = append(e.byTenant[tenantID], wfID)
	e.tenants.AddWorkflow(tenantID, wfID)

	for _, job := range wf.Jobs {
		if err := e.sched.Submit(job.Clone(), e.wrapperFor(job.ID, job.Type)); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "submitting job %s", job.ID)
		}
	}

	admitted := e.admission.IsActive(tenantID)
	if admitted {
		wf.Status = model.StatusRunning
		started := now
		wf.StartedAt = &started
	}
	result := &CreateWorkflowResult{Workflow: wf.Clone(), Queued: !admitted}
	if pos, waiting := e.admission.QueuePosition(tenantID); waiting {
		result.QueuePosition = pos
	}
	e.metrics.SetWorkflowProgress(wfID, tenantID, 0)

	log.Info(log.CatEngine, "workflow created",
		"workflow_id", wfID,
		"tenant_id", tenantID,
		"jobs", len(wf.Jobs),
		"queued", result.Queued)
	return result, nil
}

// wrapperFor builds the executor closure the scheduler runs for one job.
// The closure resolves the executor at run time so registrations made
// after submission still apply.
func (e *Engine) wrapperFor(jobID string, jobType model.JobType) scheduler.ExecutorFunc {
	return func(ctx context.Context, job *model.Job) error {
		exec, ok := e.executorFor(jobType)
		if !ok {
			return apperr.New(apperr.ExecutionFailed, "no executor registered for job type %s", jobType)
		}
		report := func(p float64, tilesProcessed, tilesTotal int) {
			e.reportProgress(jobID, p, tilesProcessed, tilesTotal)
		}
		return exec.Execute(ctx, job, report)
	}
}

func validateRequest(req CreateWorkflowRequest) error {
	if len(req.Jobs) == 0 {
		return apperr.Invalidf("workflow requires at least one job")
	}
	seen := make(map[string]struct{}, len(req.Jobs))
	for i, jr := range req.Jobs {
		if jr.ImagePath == "" {
			return apperr.Invalidf("job %d: image_path must not be empty", i)
		}
		if _, err := model.ParseJobType(jr.Type); err != nil {
			return apperr.Invalidf("job %d: %v", i, err)
		}
		if jr.ClientID != "" {
			if strings.ContainsAny(jr.ClientID, `/\`) {
				return apperr.Invalidf("job %d: client_id %q must not contain path separators", i, jr.ClientID)
			}
			if _, dup := seen[jr.ClientID]; dup {
				return apperr.Invalidf("duplicate client_id %q", jr.ClientID)
			}
			seen[jr.ClientID] = struct{}{}
		}
	}
	return nil
}

// assignJobIDs computes the globally unique ID for every submitted job:
// the workflow-prefixed client ID when one was supplied, a fresh UUID
// otherwise.
func assignJobIDs(wfID string, jobs []JobRequest, newID func() string) []string {
	ids := make([]string, len(jobs))
	for i, jr := range jobs {
		if jr.ClientID == "" {
			ids[i] = newID()
			continue
		}
		ids[i] = prefixedID(wfID, jr.ClientID)
	}
	return ids
}

func prefixedID(wfID, clientID string) string {
	return wfID + "_" + clientID
}

// rewriteDeps maps raw depends_on entries onto final job IDs. An entry
// that already names a sibling's prefixed form is kept; anything else is
// treated as a client ID and prefixed. References that resolve to no
// sibling, or to the job itself, are rejected.
func rewriteDeps(wfID, selfID string, raw []string, ids []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	deps := make([]string, 0, len(raw))
	for _, dep := range raw {
		resolved := prefixedID(wfID, dep)
		if _, ok := known[dep]; ok && strings.Contains(dep, "_") {
			resolved = dep
		}
		if _, ok := known[resolved]; !ok {
			return nil, apperr.Invalidf("depends_on references unknown job %q", dep)
		}
		if resolved == selfID {
			return nil, apperr.Invalidf("job %q cannot depend on itself", dep)
		}
		deps = append(deps, resolved)
	}
	return deps, nil
}

// checkAcyclic rejects dependency cycles, which would otherwise park the
// involved jobs in PENDING forever.
func checkAcyclic(jobs []*model.Job) error {
	adj := make(map[string][]string, len(jobs))
	indeg := make(map[string]int, len(jobs))
	for _, job := range jobs {
		indeg[job.ID] += 0
		for _, dep := range job.DependsOn {
			adj[dep] = append(adj[dep], job.ID)
			indeg[job.ID]++
		}
	}
	queue := make([]string, 0, len(jobs))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adj[id] {
			indeg[next]--
			if indeg[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed != len(jobs) {
		return apperr.Invalidf("workflow contains a dependency cycle")
	}
	return nil
}

package model

import "time"

// Workflow is an ordered collection of jobs submitted together by one
// tenant. The aggregate status and progress derive from the member jobs.
type Workflow struct {
	ID       string `json:"workflow_id"`
	Name     string `json:"name"`
	TenantID string `json:"tenant_id"`

	Jobs []*Job `json:"jobs"`

	Status   JobStatus `json:"status"`
	Progress float64   `json:"progress"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewWorkflow creates a pending workflow with no jobs attached yet.
func NewWorkflow(id, name, tenantID string) *Workflow {
	return &Workflow{
		ID:        id,
		Name:      name,
		TenantID:  tenantID,
		Status:    StatusPending,
		Metadata:  map[string]any{},
		CreatedAt: time.Now(),
	}
}

// JobsCompleted returns the number of member jobs in a terminal status.
func (w *Workflow) JobsCompleted() int {
	n := 0
	for _, j := range w.Jobs {
		if j.IsTerminal() {
			n++
		}
	}
	return n
}

// AllJobsTerminal returns true when every member job has reached a
// terminal status. A workflow with no jobs is never considered terminal.
func (w *Workflow) AllJobsTerminal() bool {
	if len(w.Jobs) == 0 {
		return false
	}
	for _, j := range w.Jobs {
		if !j.IsTerminal() {
			return false
		}
	}
	return true
}

// AnyJobFailed returns true if at least one member job failed.
func (w *Workflow) AnyJobFailed() bool {
	for _, j := range w.Jobs {
		if j.Status == StatusFailed {
			return true
		}
	}
	return false
}

// MeanProgress returns the mean of the member jobs' progress, or 0 for an
// empty workflow.
func (w *Workflow) MeanProgress() float64 {
	if len(w.Jobs) == 0 {
		return 0
	}
	var sum float64
	for _, j := range w.Jobs {
		sum += j.Progress
	}
	return sum / float64(len(w.Jobs))
}

// Clone returns a deep copy of the workflow, including its jobs.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Jobs = make([]*Job, len(w.Jobs))
	for i, j := range w.Jobs {
		cp.Jobs[i] = j.Clone()
	}
	if w.Metadata != nil {
		cp.Metadata = make(map[string]any, len(w.Metadata))
		for k, v := range w.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.StartedAt = copyTime(w.StartedAt)
	cp.CompletedAt = copyTime(w.CompletedAt)
	return &cp
}

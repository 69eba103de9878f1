// Package progress implements the per-tenant progress fan-out: typed event
// envelopes pushed to subscribed clients. Delivery is best-effort; a failed
// send drops the subscriber, and there is no replay for late joiners.
package progress

import "github.com/slidewise/conveyor/internal/model"

// Envelope type discriminants as they appear on the wire.
const (
	TypeJobProgress      = "job_progress"
	TypeWorkflowProgress = "workflow_progress"
	TypePing             = "ping"
	TypePong             = "pong"
)

// Envelope is a single push message. Concrete envelopes carry their own
// wire type in a `type` field so subscribers can dispatch on it.
type Envelope interface {
	EnvelopeType() string
}

// JobProgress reports a single job's progress update.
type JobProgress struct {
	Type           string  `json:"type"`
	JobID          string  `json:"job_id"`
	Progress       float64 `json:"progress"`
	TilesProcessed int     `json:"tiles_processed"`
	TilesTotal     int     `json:"tiles_total"`
	WorkflowID     string  `json:"workflow_id,omitempty"`
}

// NewJobProgress builds a job_progress envelope from the job's current state.
func NewJobProgress(job *model.Job) JobProgress {
	return JobProgress{
		Type:           TypeJobProgress,
		JobID:          job.ID,
		Progress:       job.Progress,
		TilesProcessed: job.TilesProcessed,
		TilesTotal:     job.TilesTotal,
		WorkflowID:     job.WorkflowID,
	}
}

// EnvelopeType implements Envelope.
func (JobProgress) EnvelopeType() string { return TypeJobProgress }

// WorkflowProgress reports a workflow's aggregate progress.
type WorkflowProgress struct {
	Type          string          `json:"type"`
	WorkflowID    string          `json:"workflow_id"`
	Progress      float64         `json:"progress"`
	Status        model.JobStatus `json:"status"`
	JobsCompleted int             `json:"jobs_completed"`
	JobsTotal     int             `json:"jobs_total"`
}

// NewWorkflowProgress builds a workflow_progress envelope from the
// workflow's current state.
func NewWorkflowProgress(wf *model.Workflow) WorkflowProgress {
	return WorkflowProgress{
		Type:          TypeWorkflowProgress,
		WorkflowID:    wf.ID,
		Progress:      wf.Progress,
		Status:        wf.Status,
		JobsCompleted: wf.JobsCompleted(),
		JobsTotal:     len(wf.Jobs),
	}
}

// EnvelopeType implements Envelope.
func (WorkflowProgress) EnvelopeType() string { return TypeWorkflowProgress }

// Pong answers a subscriber's ping.
type Pong struct {
	Type string `json:"type"`
}

// NewPong builds a pong envelope.
func NewPong() Pong {
	return Pong{Type: TypePong}
}

// EnvelopeType implements Envelope.
func (Pong) EnvelopeType() string { return TypePong }

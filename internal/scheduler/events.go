package scheduler

import (
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/pubsub"
)

// Event types published on the scheduler's broker.
const (
	// EventJobSubmitted fires when a job is accepted into a channel queue.
	EventJobSubmitted pubsub.EventType = "job.submitted"
	// EventJobDispatched fires when a job acquires a worker and starts running.
	EventJobDispatched pubsub.EventType = "job.dispatched"
	// EventJobCompleted fires when a job reaches a terminal status.
	EventJobCompleted pubsub.EventType = "job.completed"
)

// JobEvent is the payload carried by scheduler lifecycle events.
type JobEvent struct {
	JobID      string
	WorkflowID string
	TenantID   string
	Branch     string
	JobType    model.JobType
	Status     model.JobStatus
}

func newJobEvent(job *model.Job) JobEvent {
	return JobEvent{
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		TenantID:   job.TenantID,
		Branch:     job.Branch,
		JobType:    job.Type,
		Status:     job.Status,
	}
}

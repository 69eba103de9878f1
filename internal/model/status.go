// Package model defines the core domain types shared across the scheduler,
// workflow engine, and API surface: jobs, workflows, and their status
// machines.
package model

// JobStatus represents the lifecycle state of a job or workflow.
// Valid transitions:
//
//	Pending -> Running, Cancelled
//	Running -> Succeeded, Failed
//	Succeeded, Failed, Cancelled -> (terminal)
type JobStatus string

const (
	// StatusPending indicates the job is queued and has not been dispatched.
	StatusPending JobStatus = "PENDING"
	// StatusRunning indicates the job is executing on a worker.
	StatusRunning JobStatus = "RUNNING"
	// StatusSucceeded indicates the executor returned normally.
	StatusSucceeded JobStatus = "SUCCEEDED"
	// StatusFailed indicates the executor returned an error or the framework
	// marked the job as failed.
	StatusFailed JobStatus = "FAILED"
	// StatusCancelled indicates the job was cancelled while still queued.
	StatusCancelled JobStatus = "CANCELLED"
)

// validTransitions defines the allowed status transitions.
// The key is the current status, the value is the set of valid targets.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusSucceeded: true,
		StatusFailed:    true,
	},
	// Terminal statuses have no valid transitions
	StatusSucceeded: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// String returns the wire representation of the status.
func (s JobStatus) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized JobStatus value.
func (s JobStatus) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if this status is terminal (Succeeded, Failed,
// or Cancelled). Terminal statuses cannot transition to any other status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if transitioning from the current status
// to the target status is valid according to the job state machine.
func (s JobStatus) CanTransitionTo(target JobStatus) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

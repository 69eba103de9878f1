package model

import (
	"fmt"
	"time"
)

// JobType identifies the analysis a job performs on its slide image.
type JobType string

const (
	// JobTypeCellSegmentation runs tiled cell detection over the slide.
	JobTypeCellSegmentation JobType = "cell_segmentation"
	// JobTypeTissueMask computes a tissue coverage mask for the slide.
	JobTypeTissueMask JobType = "tissue_mask"
)

// ParseJobType validates a raw job type string.
func ParseJobType(raw string) (JobType, error) {
	switch JobType(raw) {
	case JobTypeCellSegmentation, JobTypeTissueMask:
		return JobType(raw), nil
	default:
		return "", fmt.Errorf("unknown job type %q", raw)
	}
}

// String returns the wire representation of the job type.
func (t JobType) String() string {
	return string(t)
}

// Job is a single unit of analysis work over a whole-slide image. Jobs are
// created by the workflow engine with globally unique IDs and dispatched by
// the scheduler subject to branch ordering, dependency, and capacity
// constraints.
type Job struct {
	ID        string  `json:"job_id"`
	Type      JobType `json:"job_type"`
	ImagePath string  `json:"image_path"`
	Branch    string  `json:"branch"`
	TenantID  string  `json:"tenant_id"`

	// WorkflowID is the owning workflow, set by the engine at submission.
	WorkflowID string `json:"workflow_id,omitempty"`

	// DependsOn lists globally unique IDs of jobs that must reach a
	// terminal status before this job is dispatched.
	DependsOn []string `json:"depends_on,omitempty"`

	Status JobStatus `json:"status"`

	// Progress is in [0.0, 1.0] and non-decreasing while running.
	Progress       float64 `json:"progress"`
	TilesProcessed int     `json:"tiles_processed"`
	TilesTotal     int     `json:"tiles_total"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FirstProgressAt *time.Time `json:"first_progress_at,omitempty"`
	LastProgressAt  *time.Time `json:"last_progress_at,omitempty"`

	ResultPath   string `json:"result_path,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// NewJob creates a pending job with the given identity and work description.
func NewJob(id string, jobType JobType, imagePath, branch, tenantID string) *Job {
	return &Job{
		ID:        id,
		Type:      jobType,
		ImagePath: imagePath,
		Branch:    branch,
		TenantID:  tenantID,
		Status:    StatusPending,
		Metadata:  map[string]any{},
		CreatedAt: time.Now(),
	}
}

// TransitionTo moves the job to the target status, validating the move
// against the status machine. started_at is stamped on the first transition
// to Running; completed_at on any transition to a terminal status.
func (j *Job) TransitionTo(target JobStatus, now time.Time) error {
	if !j.Status.CanTransitionTo(target) {
		return fmt.Errorf("invalid status transition from %s to %s", j.Status, target)
	}
	j.Status = target

	if target == StatusRunning && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if target.IsTerminal() && j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
	return nil
}

// IsTerminal returns true if the job has reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone returns a deep copy of the job. Callers that hand jobs across
// lock boundaries use Clone to keep single-writer discipline.
func (j *Job) Clone() *Job {
	cp := *j
	cp.DependsOn = append([]string(nil), j.DependsOn...)
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.StartedAt = copyTime(j.StartedAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	cp.FirstProgressAt = copyTime(j.FirstProgressAt)
	cp.LastProgressAt = copyTime(j.LastProgressAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

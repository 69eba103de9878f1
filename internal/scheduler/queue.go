package scheduler

import "github.com/slidewise/conveyor/internal/model"

// jobQueue is a FIFO of pending jobs for one (tenant, branch) channel.
// It is not safe for concurrent use; callers hold the scheduler mutex.
type jobQueue struct {
	entries []*model.Job
}

func newJobQueue() *jobQueue {
	return &jobQueue{entries: make([]*model.Job, 0)}
}

// enqueue adds a job to the back of the queue.
func (q *jobQueue) enqueue(job *model.Job) {
	q.entries = append(q.entries, job)
}

// dequeue removes and returns the job at the front of the queue.
// Returns (nil, false) if the queue is empty.
func (q *jobQueue) dequeue() (*model.Job, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	job := q.entries[0]
	q.entries = q.entries[1:]
	return job, true
}

// peek returns the job at the front of the queue without removing it.
// Returns (nil, false) if the queue is empty.
func (q *jobQueue) peek() (*model.Job, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	return q.entries[0], true
}

// len returns the current number of queued jobs.
func (q *jobQueue) len() int {
	return len(q.entries)
}

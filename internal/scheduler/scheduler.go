// Package scheduler dispatches analysis jobs onto a bounded worker pool.
//
// Jobs are queued per (tenant, branch) channel and dispatched FIFO within
// each channel. A channel runs at most one job at a time, so branches form
// serial lanes while distinct branches of the same tenant proceed in
// parallel. A global semaphore caps concurrent executions across all
// tenants, and only tenants holding an admission slot are eligible for
// dispatch.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/slidewise/conveyor/internal/admission"
	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/log"
	"github.com/slidewise/conveyor/internal/metrics"
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/pubsub"
	"github.com/slidewise/conveyor/internal/tenant"
)

const (
	// DefaultMaxWorkers caps concurrent job executions across all tenants.
	DefaultMaxWorkers = 10
	// DefaultDispatchInterval is the pause between dispatch passes.
	DefaultDispatchInterval = 100 * time.Millisecond
	// maxDispatchBackoff caps the retry delay after a failed dispatch pass.
	maxDispatchBackoff = 5 * time.Second
)

var (
	// ErrSchedulerClosed is returned when submitting to a stopped scheduler.
	ErrSchedulerClosed = fmt.Errorf("scheduler is closed")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = fmt.Errorf("scheduler already started")
)

// ChannelKey identifies one serial dispatch lane.
type ChannelKey struct {
	TenantID string
	Branch   string
}

// ExecutorFunc runs a single job to completion. A non-nil error marks the
// job FAILED with the error text as its message.
type ExecutorFunc func(ctx context.Context, job *model.Job) error

// AdmissionController gates which tenants may occupy workers.
type AdmissionController interface {
	Acquire(tenantID string) bool
	Release(tenantID string) (string, bool)
	IsActive(tenantID string) bool
	ActiveCount() int
}

// TenantTracker records which jobs belong to which tenant so admission
// slots can be released once a tenant goes idle.
type TenantTracker interface {
	AddJob(tenantID, jobID string)
	RemoveJob(tenantID, jobID string)
	IsIdle(tenantID string) bool
}

// Notifier receives job status changes. Calls are made without the
// scheduler mutex held, so implementations may take their own locks and
// fan out to subscribers.
type Notifier interface {
	JobStatusChanged(job *model.Job)
}

// MetricsRecorder receives scheduler gauge and counter updates.
type MetricsRecorder interface {
	SetQueueDepth(tenantID, branch string, depth int)
	SetWorkerActiveJobs(tenantID string, count int)
	ObserveJobLatency(jobType, branch, tenantID, status string, seconds float64)
	IncJobsTotal(jobType, status, tenantID string)
	SetActiveUsers(count int)
}

// Config holds scheduler construction parameters. Zero values fall back
// to defaults; nil collaborators are replaced with standalone instances
// or no-ops.
type Config struct {
	MaxWorkers       int
	DispatchInterval time.Duration
	Admission        AdmissionController
	Tenants          TenantTracker
	Notifier         Notifier
	Metrics          MetricsRecorder
	Clock            func() time.Time
}

// Scheduler owns the per-channel queues and the dispatch loop.
type Scheduler struct {
	maxWorkers int
	interval   time.Duration
	admission  AdmissionController
	tenants    TenantTracker
	notifier   Notifier
	metrics    MetricsRecorder
	clock      func() time.Time

	mu        sync.Mutex
	queues    map[ChannelKey]*jobQueue
	queued    map[string]*model.Job
	running   map[string]*model.Job
	completed map[string]model.JobStatus
	cancelled map[string]struct{}
	deps      map[string][]string
	executors map[string]ExecutorFunc

	// tenants with a non-zero worker gauge, so counts can be zeroed
	// when their last running job finishes
	gaugedTenants map[string]struct{}

	sem    *semaphore.Weighted
	broker *pubsub.Broker[JobEvent]

	started    atomic.Bool
	closed     atomic.Bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	execCtx    context.Context
	cancelExec context.CancelFunc
	execWG     sync.WaitGroup
}

// New creates a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = DefaultDispatchInterval
	}
	if cfg.Admission == nil {
		cfg.Admission = admission.NewController(0)
	}
	if cfg.Tenants == nil {
		cfg.Tenants = tenant.NewRegistry()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	execCtx, cancelExec := context.WithCancel(context.Background())
	return &Scheduler{
		maxWorkers:    cfg.MaxWorkers,
		interval:      cfg.DispatchInterval,
		admission:     cfg.Admission,
		tenants:       cfg.Tenants,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
		queues:        make(map[ChannelKey]*jobQueue),
		queued:        make(map[string]*model.Job),
		running:       make(map[string]*model.Job),
		completed:     make(map[string]model.JobStatus),
		cancelled:     make(map[string]struct{}),
		deps:          make(map[string][]string),
		executors:     make(map[string]ExecutorFunc),
		gaugedTenants: make(map[string]struct{}),
		sem:           semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		broker:        pubsub.NewBroker[JobEvent](),
		execCtx:       execCtx,
		cancelExec:    cancelExec,
	}
}

// SetNotifier replaces the scheduler's notifier. Must be called before
// Start; it exists because the notifier (the workflow engine) is usually
// constructed after the scheduler it depends on.
func (s *Scheduler) SetNotifier(n Notifier) {
	if n == nil {
		n = nopNotifier{}
	}
	s.notifier = n
}

// Submit enqueues a job on its (tenant, branch) channel and registers fn
// as its executor. The tenant is recorded as owning the job and an
// admission slot is requested; if none is free the tenant joins the
// admission waiting queue and the job stays PENDING until a slot opens.
func (s *Scheduler) Submit(job *model.Job, fn ExecutorFunc) error {
	if s.closed.Load() {
		return ErrSchedulerClosed
	}
	if job == nil {
		return apperr.Invalidf("job must not be nil")
	}
	if job.ID == "" || job.TenantID == "" || job.Branch == "" {
		return apperr.Invalidf("job requires id, tenant_id and branch")
	}
	if fn == nil {
		return apperr.Invalidf("job %s has no executor", job.ID)
	}

	s.mu.Lock()
	if s.knownLocked(job.ID) {
		s.mu.Unlock()
		return apperr.Invalidf("job %s already submitted", job.ID)
	}
	key := ChannelKey{TenantID: job.TenantID, Branch: job.Branch}
	q := s.queues[key]
	if q == nil {
		q = newJobQueue()
		s.queues[key] = q
	}
	q.enqueue(job)
	s.queued[job.ID] = job
	if len(job.DependsOn) > 0 {
		s.deps[job.ID] = append([]string(nil), job.DependsOn...)
	}
	s.executors[job.ID] = fn
	s.tenants.AddJob(job.TenantID, job.ID)
	admitted := s.admission.Acquire(job.TenantID)
	depth := q.len()
	s.metrics.SetQueueDepth(key.TenantID, key.Branch, depth)
	s.metrics.SetActiveUsers(s.admission.ActiveCount())
	s.mu.Unlock()

	log.Debug(log.CatScheduler, "job submitted",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"branch", job.Branch,
		"queue_depth", depth,
		"admitted", admitted)
	s.broker.Publish(EventJobSubmitted, newJobEvent(job))
	return nil
}

// Cancel marks a queued job for cancellation. Only PENDING jobs owned by
// tenantID are eligible; running and finished jobs are not preempted.
// The mark is applied on the next dispatch pass that reaches the job.
func (s *Scheduler) Cancel(jobID, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.queued[jobID]
	if !ok || job.TenantID != tenantID {
		return apperr.NotCancellablef("job %s cannot be cancelled", jobID)
	}
	s.cancelled[jobID] = struct{}{}
	log.Info(log.CatScheduler, "job marked for cancellation",
		"job_id", jobID,
		"tenant_id", tenantID)
	return nil
}

// QueueDepth reports how many jobs are queued. Empty tenantID or branch
// act as wildcards, so QueueDepth("", "") is the total backlog.
func (s *Scheduler) QueueDepth(tenantID, branch string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for key, q := range s.queues {
		if tenantID != "" && key.TenantID != tenantID {
			continue
		}
		if branch != "" && key.Branch != branch {
			continue
		}
		total += q.len()
	}
	return total
}

// RunningCount reports how many jobs currently hold a worker.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Events exposes the scheduler's lifecycle broker.
func (s *Scheduler) Events() *pubsub.Broker[JobEvent] {
	return s.broker
}

// Start launches the dispatch loop. The loop runs until ctx is cancelled
// or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSchedulerClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	go s.loop(loopCtx)
	log.Info(log.CatScheduler, "scheduler started",
		"max_workers", s.maxWorkers,
		"dispatch_interval", s.interval)
	return nil
}

// Stop halts dispatching and waits for in-flight jobs to finish. If ctx
// expires first, executor contexts are cancelled and Stop returns once
// the remaining jobs have wound down.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.started.Load() || s.closed.Swap(true) {
		return nil
	}
	s.cancelLoop()
	<-s.loopDone

	drained := make(chan struct{})
	go func() {
		s.execWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		log.Warn(log.CatScheduler, "shutdown deadline reached, cancelling running jobs",
			"running", s.RunningCount())
		s.cancelExec()
		<-drained
	}
	s.broker.Close()
	log.Info(log.CatScheduler, "scheduler stopped")
	return nil
}

// loop runs dispatch passes until ctx is cancelled. A pass that panics
// is logged and retried with exponential backoff; a clean pass resets
// the backoff and returns to the regular interval.
func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.interval
	bo.MaxInterval = maxDispatchBackoff
	for {
		delay := s.interval
		if err := s.safeDispatch(); err != nil {
			log.ErrorErr(log.CatScheduler, "dispatch pass failed", err)
			delay = bo.NextBackOff()
		} else {
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Scheduler) safeDispatch() (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatScheduler, "panic in dispatch pass",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("dispatch pass panic: %v", r)
		}
	}()
	s.dispatchPass()
	return nil
}

type launch struct {
	job *model.Job
	fn  ExecutorFunc
}

// dispatchPass makes one scan over the channel queues. For each idle
// channel in deterministic order it sweeps a cancelled head, then starts
// the head job when the tenant is admitted, all dependencies are
// satisfied and a worker permit is free.
func (s *Scheduler) dispatchPass() {
	now := s.clock()

	s.mu.Lock()
	busy := make(map[ChannelKey]struct{}, len(s.running))
	for _, job := range s.running {
		busy[ChannelKey{TenantID: job.TenantID, Branch: job.Branch}] = struct{}{}
	}
	keys := make([]ChannelKey, 0, len(s.queues))
	for key, q := range s.queues {
		if q.len() == 0 {
			continue
		}
		if _, taken := busy[key]; taken {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}
		return keys[i].Branch < keys[j].Branch
	})

	var started []launch
	var swept []*model.Job
	for _, key := range keys {
		if len(s.running) >= s.maxWorkers {
			break
		}
		q := s.queues[key]
		head, ok := q.peek()
		if !ok {
			continue
		}
		if _, marked := s.cancelled[head.ID]; marked {
			q.dequeue()
			s.finalizeLocked(head, model.StatusCancelled, "", now)
			s.metrics.SetQueueDepth(key.TenantID, key.Branch, q.len())
			s.pruneLocked(key)
			swept = append(swept, head)
			continue
		}
		if !s.admission.IsActive(key.TenantID) {
			continue
		}
		if !s.depsSatisfiedLocked(head) {
			continue
		}
		if !s.sem.TryAcquire(1) {
			continue
		}
		q.dequeue()
		delete(s.queued, head.ID)
		if err := head.TransitionTo(model.StatusRunning, now); err != nil {
			log.ErrorErr(log.CatScheduler, "invalid job transition", err, "job_id", head.ID)
		}
		s.running[head.ID] = head
		started = append(started, launch{job: head, fn: s.executors[head.ID]})
		s.metrics.SetQueueDepth(key.TenantID, key.Branch, q.len())
		s.pruneLocked(key)
	}
	if len(started) > 0 {
		s.updateWorkerGaugesLocked()
	}
	s.mu.Unlock()

	for _, job := range swept {
		log.Info(log.CatScheduler, "job cancelled",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"branch", job.Branch)
		s.notifier.JobStatusChanged(job)
		s.broker.Publish(EventJobCompleted, newJobEvent(job))
		s.releaseIfIdle(job.TenantID)
	}
	for _, l := range started {
		log.Debug(log.CatScheduler, "job dispatched",
			"job_id", l.job.ID,
			"tenant_id", l.job.TenantID,
			"branch", l.job.Branch)
		s.notifier.JobStatusChanged(l.job)
		s.broker.Publish(EventJobDispatched, newJobEvent(l.job))
		s.execWG.Add(1)
		go s.runJob(l.job, l.fn)
	}
}

// runJob executes one dispatched job and records its terminal status.
func (s *Scheduler) runJob(job *model.Job, fn ExecutorFunc) {
	defer s.execWG.Done()
	err := s.invoke(s.execCtx, job, fn)
	now := s.clock()

	status := model.StatusSucceeded
	errMsg := ""
	if err != nil {
		status = model.StatusFailed
		errMsg = err.Error()
	}

	s.mu.Lock()
	s.finalizeLocked(job, status, errMsg, now)
	s.updateWorkerGaugesLocked()
	s.mu.Unlock()
	s.sem.Release(1)

	s.notifier.JobStatusChanged(job)
	s.broker.Publish(EventJobCompleted, newJobEvent(job))
	s.releaseIfIdle(job.TenantID)
	if err != nil {
		log.ErrorErr(log.CatScheduler, "job failed", err,
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"job_type", job.Type.String())
	} else {
		log.Info(log.CatScheduler, "job completed",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"job_type", job.Type.String())
	}
}

// releaseIfIdle frees the tenant's admission slot once it owns no
// registered workflows or jobs. Runs after the notifier has seen the
// terminal job, so workflow bookkeeping settles before the idle check.
func (s *Scheduler) releaseIfIdle(tenantID string) {
	if !s.tenants.IsIdle(tenantID) {
		return
	}
	if next, promoted := s.admission.Release(tenantID); promoted {
		log.Info(log.CatAdmission, "admitted waiting tenant",
			"tenant_id", next,
			"released_by", tenantID)
	}
	s.metrics.SetActiveUsers(s.admission.ActiveCount())
}

func (s *Scheduler) invoke(ctx context.Context, job *model.Job, fn ExecutorFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatScheduler, "panic in job executor",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return fn(ctx, job)
}

// finalizeLocked moves a job to a terminal status and clears its
// bookkeeping. When the owning tenant has no jobs left, its admission
// slot is released and the next waiting tenant, if any, is admitted.
func (s *Scheduler) finalizeLocked(job *model.Job, status model.JobStatus, errMsg string, now time.Time) {
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	if err := job.TransitionTo(status, now); err != nil {
		log.ErrorErr(log.CatScheduler, "invalid job transition", err, "job_id", job.ID)
	}
	s.completed[job.ID] = job.Status
	delete(s.running, job.ID)
	delete(s.queued, job.ID)
	delete(s.deps, job.ID)
	delete(s.executors, job.ID)
	delete(s.cancelled, job.ID)

	s.tenants.RemoveJob(job.TenantID, job.ID)

	s.metrics.IncJobsTotal(job.Type.String(), string(job.Status), job.TenantID)
	if job.StartedAt != nil && job.CompletedAt != nil {
		elapsed := job.CompletedAt.Sub(*job.StartedAt).Seconds()
		s.metrics.ObserveJobLatency(job.Type.String(), job.Branch, job.TenantID, string(job.Status), elapsed)
	}
}

// depsSatisfiedLocked reports whether every dependency of job finished
// with SUCCEEDED or FAILED. A cancelled or still-outstanding dependency
// keeps the job parked.
func (s *Scheduler) depsSatisfiedLocked(job *model.Job) bool {
	for _, dep := range s.deps[job.ID] {
		status, done := s.completed[dep]
		if !done {
			return false
		}
		if status != model.StatusSucceeded && status != model.StatusFailed {
			return false
		}
	}
	return true
}

func (s *Scheduler) knownLocked(jobID string) bool {
	if _, ok := s.queued[jobID]; ok {
		return true
	}
	if _, ok := s.running[jobID]; ok {
		return true
	}
	_, ok := s.completed[jobID]
	return ok
}

func (s *Scheduler) pruneLocked(key ChannelKey) {
	if q := s.queues[key]; q != nil && q.len() == 0 {
		delete(s.queues, key)
	}
}

func (s *Scheduler) updateWorkerGaugesLocked() {
	counts := make(map[string]int, len(s.running))
	for _, job := range s.running {
		counts[job.TenantID]++
	}
	for tenantID := range s.gaugedTenants {
		if _, ok := counts[tenantID]; !ok {
			s.metrics.SetWorkerActiveJobs(tenantID, 0)
			delete(s.gaugedTenants, tenantID)
		}
	}
	for tenantID, n := range counts {
		s.metrics.SetWorkerActiveJobs(tenantID, n)
		s.gaugedTenants[tenantID] = struct{}{}
	}
	s.metrics.SetWorkerActiveJobs(metrics.GlobalWorkerLabel, len(s.running))
}

type nopNotifier struct{}

func (nopNotifier) JobStatusChanged(*model.Job) {}

type nopMetrics struct{}

func (nopMetrics) SetQueueDepth(string, string, int)                         {}
func (nopMetrics) SetWorkerActiveJobs(string, int)                           {}
func (nopMetrics) ObserveJobLatency(string, string, string, string, float64) {}
func (nopMetrics) IncJobsTotal(string, string, string)                       {}
func (nopMetrics) SetActiveUsers(int)                                        {}

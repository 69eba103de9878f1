package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/slidewise/conveyor/internal/admission"
	"github.com/slidewise/conveyor/internal/apperr"
	"github.com/slidewise/conveyor/internal/model"
	"github.com/slidewise/conveyor/internal/pubsub"
)

const (
	testInterval = 2 * time.Millisecond
	waitFor      = 3 * time.Second
	tick         = time.Millisecond
)

// statusRecorder captures every status change the scheduler reports.
type statusRecorder struct {
	mu     sync.Mutex
	byJob  map[string][]model.JobStatus
	events []statusEvent
}

type statusEvent struct {
	jobID  string
	status model.JobStatus
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{byJob: make(map[string][]model.JobStatus)}
}

func (r *statusRecorder) JobStatusChanged(job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byJob[job.ID] = append(r.byJob[job.ID], job.Status)
	r.events = append(r.events, statusEvent{jobID: job.ID, status: job.Status})
}

// firstIndex returns the position of the first matching event, or -1.
func (r *statusRecorder) firstIndex(jobID string, status model.JobStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, ev := range r.events {
		if ev.jobID == jobID && ev.status == status {
			return i
		}
	}
	return -1
}

func (r *statusRecorder) saw(jobID string, status model.JobStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byJob[jobID] {
		if s == status {
			return true
		}
	}
	return false
}

func (r *statusRecorder) history(jobID string) []model.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.JobStatus(nil), r.byJob[jobID]...)
}

func startScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = testInterval
	}
	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
	return s
}

func stopScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

// blockingExecutor reports the job ID on started, then holds until
// release is closed.
func blockingExecutor(started chan<- string, release <-chan struct{}) ExecutorFunc {
	return func(ctx context.Context, job *model.Job) error {
		started <- job.ID
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func instantExecutor(ctx context.Context, job *model.Job) error {
	return nil
}

func testJob(id, branch, tenantID string) *model.Job {
	return model.NewJob(id, model.JobTypeCellSegmentation, "/img/"+id+".svs", branch, tenantID)
}

func recvID(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a job to start")
		return ""
	}
}

func requireNoStart(t *testing.T, ch <-chan string, d time.Duration) {
	t.Helper()
	select {
	case id := <-ch:
		t.Fatalf("job %s started unexpectedly", id)
	case <-time.After(d):
	}
}

// === Dispatch Ordering Tests ===

func TestScheduler_SerializesSameChannel(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	started := make(chan string, 2)
	release := make(chan struct{})
	a := testJob("a", "main", "t1")
	b := testJob("b", "main", "t1")
	require.NoError(t, s.Submit(a, blockingExecutor(started, release)))
	require.NoError(t, s.Submit(b, blockingExecutor(started, release)))

	require.Equal(t, "a", recvID(t, started), "head of the channel dispatches first")
	requireNoStart(t, started, 50*time.Millisecond)
	require.Equal(t, 1, s.RunningCount())

	close(release)
	require.Equal(t, "b", recvID(t, started))
	require.Eventually(t, func() bool {
		return rec.saw("a", model.StatusSucceeded) && rec.saw("b", model.StatusSucceeded)
	}, waitFor, tick)
}

func TestScheduler_ParallelBranchesSameTenant(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	started := make(chan string, 2)
	release := make(chan struct{})
	require.NoError(t, s.Submit(testJob("a", "main", "t1"), blockingExecutor(started, release)))
	require.NoError(t, s.Submit(testJob("b", "dev", "t1"), blockingExecutor(started, release)))

	got := map[string]bool{recvID(t, started): true, recvID(t, started): true}
	require.True(t, got["a"] && got["b"], "distinct branches run concurrently, got %v", got)
	require.Equal(t, 2, s.RunningCount())

	close(release)
	require.Eventually(t, func() bool {
		return rec.saw("a", model.StatusSucceeded) && rec.saw("b", model.StatusSucceeded)
	}, waitFor, tick)
}

func TestScheduler_GlobalWorkerCap(t *testing.T) {
	const maxWorkers = 2
	rec := newStatusRecorder()
	s := startScheduler(t, Config{MaxWorkers: maxWorkers, Notifier: rec})

	var current, violated atomic.Int32
	release := make(chan struct{})
	exec := func(ctx context.Context, job *model.Job) error {
		if current.Add(1) > maxWorkers {
			violated.Store(1)
		}
		defer current.Add(-1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ids := make([]string, 0, 6)
	for _, tenantID := range []string{"t1", "t2", "t3"} {
		for _, branch := range []string{"b0", "b1"} {
			id := tenantID + "-" + branch
			ids = append(ids, id)
			require.NoError(t, s.Submit(testJob(id, branch, tenantID), exec))
		}
	}

	require.Eventually(t, func() bool { return s.RunningCount() == maxWorkers }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, maxWorkers, s.RunningCount())

	close(release)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if !rec.saw(id, model.StatusSucceeded) {
				return false
			}
		}
		return true
	}, waitFor, tick)
	require.Zero(t, violated.Load(), "more than %d jobs ran at once", maxWorkers)
}

// === Admission Tests ===

func TestScheduler_AdmissionGatesDispatch(t *testing.T) {
	rec := newStatusRecorder()
	ctrl := admission.NewController(1)
	s := startScheduler(t, Config{Admission: ctrl, Notifier: rec})

	started := make(chan string, 2)
	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	require.NoError(t, s.Submit(testJob("a", "main", "t1"), blockingExecutor(started, releaseA)))
	require.NoError(t, s.Submit(testJob("b", "main", "t2"), blockingExecutor(started, releaseB)))

	require.Equal(t, "a", recvID(t, started))
	require.True(t, ctrl.IsActive("t1"))
	pos, waiting := ctrl.QueuePosition("t2")
	require.True(t, waiting)
	require.Equal(t, 1, pos)
	requireNoStart(t, started, 50*time.Millisecond)

	close(releaseA)
	require.Equal(t, "b", recvID(t, started), "waiting tenant is admitted once the slot frees")
	require.True(t, ctrl.IsActive("t2"))
	require.False(t, ctrl.IsActive("t1"))

	close(releaseB)
	require.Eventually(t, func() bool { return rec.saw("b", model.StatusSucceeded) }, waitFor, tick)
}

func TestScheduler_AdmissionPromotesInFIFOOrder(t *testing.T) {
	rec := newStatusRecorder()
	ctrl := admission.NewController(1)
	s := startScheduler(t, Config{Admission: ctrl, Notifier: rec})

	started := make(chan string, 3)
	release := make(chan struct{})
	require.NoError(t, s.Submit(testJob("a", "main", "t1"), blockingExecutor(started, release)))
	require.NoError(t, s.Submit(testJob("b", "main", "t2"), instantExecutor))
	require.NoError(t, s.Submit(testJob("c", "main", "t3"), instantExecutor))

	require.Equal(t, "a", recvID(t, started))
	posB, ok := ctrl.QueuePosition("t2")
	require.True(t, ok)
	require.Equal(t, 1, posB)
	posC, ok := ctrl.QueuePosition("t3")
	require.True(t, ok)
	require.Equal(t, 2, posC)

	close(release)
	require.Eventually(t, func() bool {
		return rec.saw("b", model.StatusSucceeded) && rec.saw("c", model.StatusSucceeded)
	}, waitFor, tick)
	require.Less(t,
		rec.firstIndex("b", model.StatusRunning),
		rec.firstIndex("c", model.StatusRunning),
		"t2 queued first, so its job must start first")
}

// === Dependency Tests ===

func TestScheduler_DependencyGating(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	started := make(chan string, 2)
	release := make(chan struct{})
	parent := testJob("parent", "main", "t1")
	child := testJob("child", "dev", "t1")
	child.DependsOn = []string{"parent"}

	require.NoError(t, s.Submit(parent, blockingExecutor(started, release)))
	require.NoError(t, s.Submit(child, blockingExecutor(started, release)))

	require.Equal(t, "parent", recvID(t, started))
	requireNoStart(t, started, 50*time.Millisecond)

	close(release)
	require.Equal(t, "child", recvID(t, started))
	require.Eventually(t, func() bool { return rec.saw("child", model.StatusSucceeded) }, waitFor, tick)
}

func TestScheduler_FailedDependencyStillSatisfies(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	parent := testJob("parent", "main", "t1")
	child := testJob("child", "dev", "t1")
	child.DependsOn = []string{"parent"}

	require.NoError(t, s.Submit(parent, func(ctx context.Context, job *model.Job) error {
		return errors.New("segmentation model crashed")
	}))
	require.NoError(t, s.Submit(child, instantExecutor))

	require.Eventually(t, func() bool {
		return rec.saw("parent", model.StatusFailed) && rec.saw("child", model.StatusSucceeded)
	}, waitFor, tick)

	stopScheduler(t, s)
	require.Equal(t, "segmentation model crashed", parent.ErrorMessage)
}

func TestScheduler_CancelledDependencyNeverSatisfies(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	started := make(chan string, 3)
	release := make(chan struct{})
	blocker := testJob("blocker", "main", "t1")
	parent := testJob("parent", "main", "t1")
	child := testJob("child", "dev", "t1")
	child.DependsOn = []string{"parent"}

	require.NoError(t, s.Submit(blocker, blockingExecutor(started, release)))
	require.NoError(t, s.Submit(parent, blockingExecutor(started, release)))
	require.NoError(t, s.Submit(child, blockingExecutor(started, release)))

	require.Equal(t, "blocker", recvID(t, started))
	require.NoError(t, s.Cancel("parent", "t1"))
	close(release)

	require.Eventually(t, func() bool { return rec.saw("parent", model.StatusCancelled) }, waitFor, tick)
	requireNoStart(t, started, 50*time.Millisecond)

	stopScheduler(t, s)
	require.Equal(t, model.StatusPending, child.Status)
	require.Equal(t, model.StatusCancelled, parent.Status)
	require.Nil(t, parent.StartedAt)
	require.NotNil(t, parent.CompletedAt)
}

// === Cancellation Tests ===

func TestScheduler_CancelQueuedJob(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	started := make(chan string, 2)
	release := make(chan struct{})
	a := testJob("a", "main", "t1")
	b := testJob("b", "main", "t1")
	require.NoError(t, s.Submit(a, blockingExecutor(started, release)))
	require.NoError(t, s.Submit(b, blockingExecutor(started, release)))

	require.Equal(t, "a", recvID(t, started))
	require.NoError(t, s.Cancel("b", "t1"))
	close(release)

	require.Eventually(t, func() bool { return rec.saw("b", model.StatusCancelled) }, waitFor, tick)
	require.False(t, rec.saw("b", model.StatusRunning), "cancelled job must never run")

	stopScheduler(t, s)
	require.Nil(t, b.StartedAt)
	require.NotNil(t, b.CompletedAt)
}

func TestScheduler_CancelRejectsIneligibleJobs(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	started := make(chan string, 1)
	release := make(chan struct{})
	running := testJob("running", "main", "t1")
	queued := testJob("queued", "dev", "t2")
	require.NoError(t, s.Submit(running, blockingExecutor(started, release)))
	require.NoError(t, s.Submit(queued, instantExecutor))
	require.Equal(t, "running", recvID(t, started))

	tests := []struct {
		name     string
		jobID    string
		tenantID string
	}{
		{name: "running job", jobID: "running", tenantID: "t1"},
		{name: "unknown job", jobID: "nope", tenantID: "t1"},
		{name: "wrong tenant", jobID: "queued", tenantID: "t1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Cancel(tt.jobID, tt.tenantID)
			require.Error(t, err)
			require.True(t, apperr.IsKind(err, apperr.NotCancellable))
		})
	}

	close(release)
	require.Eventually(t, func() bool { return rec.saw("queued", model.StatusSucceeded) }, waitFor, tick)
}

// === Failure Handling Tests ===

func TestScheduler_ExecutorErrorMarksFailed(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	job := testJob("boom", "main", "t1")
	require.NoError(t, s.Submit(job, func(ctx context.Context, j *model.Job) error {
		return errors.New("tile decode failed")
	}))

	require.Eventually(t, func() bool { return rec.saw("boom", model.StatusFailed) }, waitFor, tick)
	stopScheduler(t, s)
	require.Equal(t, "tile decode failed", job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
}

func TestScheduler_ExecutorPanicMarksFailed(t *testing.T) {
	rec := newStatusRecorder()
	s := startScheduler(t, Config{Notifier: rec})

	job := testJob("panicky", "main", "t1")
	require.NoError(t, s.Submit(job, func(ctx context.Context, j *model.Job) error {
		panic("index out of range in tile grid")
	}))

	require.Eventually(t, func() bool { return rec.saw("panicky", model.StatusFailed) }, waitFor, tick)
	stopScheduler(t, s)
	require.Contains(t, job.ErrorMessage, "executor panic")
}

// === Submit Validation Tests ===

func TestScheduler_SubmitValidation(t *testing.T) {
	s := New(Config{})

	tests := []struct {
		name string
		job  *model.Job
		fn   ExecutorFunc
	}{
		{name: "nil job", job: nil, fn: instantExecutor},
		{name: "missing id", job: testJob("", "main", "t1"), fn: instantExecutor},
		{name: "missing branch", job: testJob("a", "", "t1"), fn: instantExecutor},
		{name: "missing tenant", job: testJob("a", "main", ""), fn: instantExecutor},
		{name: "nil executor", job: testJob("a", "main", "t1"), fn: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Submit(tt.job, tt.fn)
			require.Error(t, err)
			require.True(t, apperr.IsKind(err, apperr.InvalidArgument))
		})
	}
}

func TestScheduler_SubmitRejectsDuplicateID(t *testing.T) {
	s := New(Config{})
	require.NoError(t, s.Submit(testJob("dup", "main", "t1"), instantExecutor))

	err := s.Submit(testJob("dup", "dev", "t1"), instantExecutor)
	require.Error(t, err)
	require.True(t, apperr.IsKind(err, apperr.InvalidArgument))
}

func TestScheduler_SubmitAfterStop(t *testing.T) {
	s := New(Config{DispatchInterval: testInterval})
	require.NoError(t, s.Start(context.Background()))
	stopScheduler(t, s)

	err := s.Submit(testJob("late", "main", "t1"), instantExecutor)
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_StartTwice(t *testing.T) {
	s := startScheduler(t, Config{})
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}

// === Queue Accounting Tests ===

func TestScheduler_QueueDepthFilters(t *testing.T) {
	// Not started, so submissions stay queued.
	s := New(Config{})
	require.NoError(t, s.Submit(testJob("a", "main", "t1"), instantExecutor))
	require.NoError(t, s.Submit(testJob("b", "main", "t1"), instantExecutor))
	require.NoError(t, s.Submit(testJob("c", "dev", "t1"), instantExecutor))
	require.NoError(t, s.Submit(testJob("d", "main", "t2"), instantExecutor))

	require.Equal(t, 4, s.QueueDepth("", ""))
	require.Equal(t, 3, s.QueueDepth("t1", ""))
	require.Equal(t, 2, s.QueueDepth("t1", "main"))
	require.Equal(t, 1, s.QueueDepth("", "dev"))
	require.Equal(t, 3, s.QueueDepth("", "main"))
	require.Equal(t, 0, s.QueueDepth("t3", ""))
}

// === Event Tests ===

func TestScheduler_PublishesLifecycleEvents(t *testing.T) {
	s := startScheduler(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Events().Subscribe(ctx)

	require.NoError(t, s.Submit(testJob("a", "main", "t1"), instantExecutor))

	var types []pubsub.EventType
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				types = append(types, ev.Type)
			default:
				return len(types) >= 3
			}
		}
	}, waitFor, tick)

	require.Equal(t, []pubsub.EventType{EventJobSubmitted, EventJobDispatched, EventJobCompleted}, types[:3])
}

// === Shutdown Tests ===

func TestScheduler_StopCancelsRunningJobsAtDeadline(t *testing.T) {
	rec := newStatusRecorder()
	s := New(Config{DispatchInterval: testInterval, Notifier: rec})
	require.NoError(t, s.Start(context.Background()))

	started := make(chan string, 1)
	job := testJob("slow", "main", "t1")
	require.NoError(t, s.Submit(job, func(ctx context.Context, j *model.Job) error {
		started <- j.ID
		<-ctx.Done()
		return ctx.Err()
	}))
	require.Equal(t, "slow", recvID(t, started))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.Equal(t, model.StatusFailed, job.Status)
	require.Contains(t, job.ErrorMessage, context.Canceled.Error())
}

// === Property Tests ===

// Property: with random channels and acyclic dependencies, every job
// succeeds, channels dispatch FIFO, dependencies complete before their
// dependents start, and the worker cap holds.
func TestScheduler_DispatchProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxWorkers := rapid.IntRange(1, 4).Draw(rt, "maxWorkers")
		jobCount := rapid.IntRange(1, 12).Draw(rt, "jobCount")

		var (
			mu       sync.Mutex
			seq      int
			startSeq = make(map[string]int)
			doneSeq  = make(map[string]int)
		)
		var current, violated atomic.Int32
		exec := func(ctx context.Context, job *model.Job) error {
			if current.Add(1) > int32(maxWorkers) {
				violated.Store(1)
			}
			defer current.Add(-1)
			mu.Lock()
			seq++
			startSeq[job.ID] = seq
			mu.Unlock()
			mu.Lock()
			seq++
			doneSeq[job.ID] = seq
			mu.Unlock()
			return nil
		}

		s := New(Config{MaxWorkers: maxWorkers, DispatchInterval: testInterval})
		require.NoError(rt, s.Start(context.Background()))
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(rt, s.Stop(ctx))
		}()

		jobs := make([]*model.Job, 0, jobCount)
		byChannel := make(map[ChannelKey][]string)
		for i := 0; i < jobCount; i++ {
			id := fmt.Sprintf("job-%d", i)
			tenantID := rapid.SampledFrom([]string{"t1", "t2", "t3"}).Draw(rt, "tenant")
			branch := rapid.SampledFrom([]string{"main", "dev"}).Draw(rt, "branch")
			job := testJob(id, branch, tenantID)
			if i > 0 && rapid.Bool().Draw(rt, "hasDep") {
				dep := rapid.IntRange(0, i-1).Draw(rt, "dep")
				job.DependsOn = []string{fmt.Sprintf("job-%d", dep)}
			}
			jobs = append(jobs, job)
			key := ChannelKey{TenantID: tenantID, Branch: branch}
			byChannel[key] = append(byChannel[key], id)
			require.NoError(rt, s.Submit(job, exec))
		}

		require.Eventually(rt, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(doneSeq) == jobCount
		}, waitFor, tick, "all jobs should finish")

		require.Zero(rt, violated.Load(), "worker cap exceeded")

		mu.Lock()
		defer mu.Unlock()
		for _, ids := range byChannel {
			for i := 1; i < len(ids); i++ {
				if startSeq[ids[i-1]] > startSeq[ids[i]] {
					rt.Fatalf("channel dispatched %s before %s", ids[i], ids[i-1])
				}
			}
		}
		for _, job := range jobs {
			for _, dep := range job.DependsOn {
				if doneSeq[dep] > startSeq[job.ID] {
					rt.Fatalf("job %s started before dependency %s finished", job.ID, dep)
				}
			}
		}
	})
}

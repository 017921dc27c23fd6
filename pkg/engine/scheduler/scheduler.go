// Package scheduler owns the task lifecycle: bounded admission of pending
// tasks, the resolve and fetch stages, the retry policy and the external
// control verbs.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/semaphore"

	"github.com/ocifetch/ocifetch/pkg/engine/progress"
	"github.com/ocifetch/ocifetch/pkg/engine/task"
	"github.com/ocifetch/ocifetch/pkg/errdefs"
	"github.com/ocifetch/ocifetch/pkg/registry/remote"
	"github.com/ocifetch/ocifetch/pkg/xlog"
)

// Defaults for the concurrency and retry knobs.
const (
	DefaultMaxTasks   = 3
	DefaultMaxBlobs   = 5
	DefaultMaxRetries = 3

	DefaultRetryBackoff      = 5 * time.Second
	DefaultInactivityTimeout = 60 * time.Second

	maxRetryBackoff = 60 * time.Second
)

// Cancellation causes distinguishing the control verbs on a run context.
var (
	errPauseRequested  = errors.New("pause requested")
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("scheduler shutting down")
	errInactivity      = errors.New("no bytes received within the inactivity window")
)

// Config carries the scheduler knobs. Zero fields take the defaults.
type Config struct {
	// MaxTasks bounds how many tasks run concurrently.
	MaxTasks int
	// MaxBlobs bounds concurrent blob streams within one task.
	MaxBlobs int
	// MaxRetries is the transient failure budget per task.
	MaxRetries int
	// RetryBackoff is the base backoff, doubled per retry and clamped at
	// one minute.
	RetryBackoff time.Duration
	// InactivityTimeout fails a blob stream that delivers no bytes for
	// this long. Surfaces as a transient transport error.
	InactivityTimeout time.Duration
	// ResumeOnRestart re-admits tasks that were running at shutdown
	// instead of parking them as paused.
	ResumeOnRestart bool
}

func (c Config) withDefaults() Config {
	if c.MaxTasks <= 0 {
		c.MaxTasks = DefaultMaxTasks
	}
	if c.MaxBlobs <= 0 {
		c.MaxBlobs = DefaultMaxBlobs
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	return c
}

// run is one admitted task: its context and completion signal.
type run struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Scheduler admits pending tasks FIFO by creation order into a bounded set
// of runners and exposes the control verbs. All task state flows through
// the store; the scheduler only holds the run handles.
type Scheduler struct {
	cfg   Config
	store *task.Store
	bus   *progress.Bus
	hub   *remote.Hub
	clock clock.Clock

	ctx       context.Context
	cancelAll context.CancelCauseFunc
	taskSlots *semaphore.Weighted
	wake      chan struct{}
	wg        sync.WaitGroup

	mu     sync.Mutex
	queue  []string
	queued map[string]struct{}
	runs   map[string]*run
	closed bool
}

// New builds a scheduler and starts its admission loop. A nil clock means
// the wall clock.
func New(store *task.Store, bus *progress.Bus, hub *remote.Hub, cfg Config, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		hub:       hub,
		clock:     clk,
		ctx:       ctx,
		cancelAll: cancel,
		taskSlots: semaphore.NewWeighted(int64(cfg.MaxTasks)),
		wake:      make(chan struct{}, 1),
		queued:    map[string]struct{}{},
		runs:      map[string]*run{},
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Recover restores persisted tasks from disk and re-admits the ones that
// come back pending. Tasks paused before the restart stay paused; tasks
// interrupted mid-flight come back pending or paused depending on
// ResumeOnRestart.
func (s *Scheduler) Recover() ([]*task.Task, error) {
	restored, err := s.store.Load(func(t *task.Task) task.State {
		if t.State == task.StatePaused {
			return task.StatePaused
		}
		if s.cfg.ResumeOnRestart {
			return task.StatePending
		}
		return task.StatePaused
	})
	if err != nil {
		return nil, err
	}
	for _, t := range restored {
		if t.State == task.StatePending {
			s.enqueue(t.ID)
		}
	}
	return restored, nil
}

// Start admits a pending task. Calling it for a task that is already
// running or finished is a no-op returning the current record.
func (s *Scheduler) Start(id string) (*task.Task, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.State == task.StatePending {
		s.enqueue(id)
	}
	return t, nil
}

// Pause stops a task cooperatively, keeping its partial files and offsets.
// Pausing a paused or terminal task is a no-op returning success. Pause
// returns only after the runner has settled, so no further progress event
// is emitted until a resume.
func (s *Scheduler) Pause(id string) (*task.Task, error) {
	if r := s.activeRun(id); r != nil {
		r.cancel(errPauseRequested)
		<-r.done
		return s.store.Get(id)
	}
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch t.State {
	case task.StatePending:
		s.removeQueued(id)
		return s.store.Update(id, func(t *task.Task) error {
			t.State = task.StatePaused
			return nil
		})
	default:
		// paused already, terminal, or the runner settled concurrently
		return t, nil
	}
}

// Resume re-admits a paused task using its saved offsets. Any other state
// is an invalid transition.
func (s *Scheduler) Resume(id string) (*task.Task, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.State != task.StatePaused {
		return nil, errdefs.Newf(errdefs.ErrInvalidArgument, "task %s is %s, only paused tasks can be resumed", id, t.State)
	}
	snap, err := s.store.Update(id, func(t *task.Task) error {
		t.State = task.StatePending
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.enqueue(id)
	return snap, nil
}

// Cancel terminates a task, keeping its on-disk artifacts. Cancelling a
// cancelled task is a no-op; cancelling a completed task is an invalid
// transition.
func (s *Scheduler) Cancel(id string) (*task.Task, error) {
	if r := s.activeRun(id); r != nil {
		r.cancel(errCancelRequested)
		<-r.done
		return s.store.Get(id)
	}
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	switch t.State {
	case task.StateCancelled:
		return t, nil
	case task.StateCompleted:
		return nil, errdefs.Newf(errdefs.ErrInvalidArgument, "task %s already completed", id)
	}
	s.removeQueued(id)
	taskErr := &task.Error{Kind: errdefs.Kind(errdefs.ErrCanceled), Message: "cancelled by user"}
	snap, err := s.store.Update(id, func(t *task.Task) error {
		t.State = task.StateCancelled
		t.LastError = taskErr
		t.SpeedBPS = 0
		demoteBlobs(t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Fail(id, taskErr)
	return snap, nil
}

// Retry re-admits a failed or cancelled task with a fresh retry budget,
// preserving downloaded bytes so the attempt resumes rather than restarts.
func (s *Scheduler) Retry(id string) (*task.Task, error) {
	t, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	if t.State != task.StateFailed && t.State != task.StateCancelled {
		return nil, errdefs.Newf(errdefs.ErrInvalidArgument, "task %s is %s, only failed or cancelled tasks can be retried", id, t.State)
	}
	snap, err := s.store.Update(id, func(t *task.Task) error {
		t.State = task.StatePending
		t.Retries = 0
		t.LastError = nil
		t.SpeedBPS = 0
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.enqueue(id)
	return snap, nil
}

// Delete removes an inactive task and its directory. Active tasks must be
// paused or cancelled first.
func (s *Scheduler) Delete(id string) error {
	if s.activeRun(id) != nil {
		return errdefs.Newf(errdefs.ErrInvalidArgument, "task %s is active, pause or cancel it first", id)
	}
	s.removeQueued(id)
	return s.store.Delete(id)
}

// Shutdown stops admitting tasks, cancels in-flight runs and flushes
// metadata for every non-terminal task. It returns once all runners have
// settled or the context expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancelAll(errShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, t := range s.store.List() {
		if t.State.Terminal() {
			continue
		}
		if err := s.store.Flush(t.ID); err != nil {
			xlog.Warnf("unable to flush task %s at shutdown: %v", t.ID, err)
		}
	}
	return nil
}

// dispatch is the admission loop: it pops the queue head, waits for a task
// slot and hands the task to a runner.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	for {
		id, ok := s.next()
		if !ok {
			return
		}
		if err := s.taskSlots.Acquire(s.ctx, 1); err != nil {
			return
		}
		r := s.begin(id)
		if r == nil {
			s.taskSlots.Release(1)
			continue
		}
		s.wg.Add(1)
		go func(id string, r *run) {
			defer s.wg.Done()
			defer s.taskSlots.Release(1)
			defer s.end(id, r)
			s.runTask(r.ctx, id)
		}(id, r)
	}
}

func (s *Scheduler) next() (string, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			id := s.queue[0]
			s.queue = s.queue[1:]
			delete(s.queued, id)
			s.mu.Unlock()
			return id, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return "", false
		}
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return "", false
		}
	}
}

// begin registers a run for the task. It returns nil when the task is no
// longer pending, e.g. paused or deleted while queued.
func (s *Scheduler) begin(id string) *run {
	t, err := s.store.Get(id)
	if err != nil || t.State != task.StatePending {
		return nil
	}
	ctx, cancel := context.WithCancelCause(s.ctx)
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel(errShutdown)
		return nil
	}
	s.runs[id] = r
	s.mu.Unlock()
	return r
}

func (s *Scheduler) end(id string, r *run) {
	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	r.cancel(nil)
	close(r.done)
}

func (s *Scheduler) activeRun(id string) *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *Scheduler) enqueue(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	_, isQueued := s.queued[id]
	_, isRunning := s.runs[id]
	if !isQueued && !isRunning {
		s.queued[id] = struct{}{}
		s.queue = append(s.queue, id)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) removeQueued(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[id]; !ok {
		return
	}
	delete(s.queued, id)
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
}

// demoteBlobs returns in-flight blob records to missing, keeping their
// byte counts for resumption.
func demoteBlobs(t *task.Task) {
	for i := range t.Blobs {
		if t.Blobs[i].State == task.BlobInProgress {
			t.Blobs[i].State = task.BlobMissing
		}
	}
}

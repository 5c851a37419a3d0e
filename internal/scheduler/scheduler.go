// Package scheduler drives task execution: it drains the ready queue,
// matches tasks to idle workers through the strategy, and applies retry,
// timeout, aging, and cancellation policies. All scheduling decisions happen
// inside a single logical tick, which keeps the assignment sequence
// reproducible under a fixed clock.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/internal/graph"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/internal/queue"
	"github.com/ShayCichocki/hivemind/internal/strategy"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Config contains configuration options for the Scheduler.
type Config struct {
	// TickInterval is the scheduling loop period. Default 100ms.
	TickInterval time.Duration
	// DefaultTimeout applies to tasks that do not set their own.
	DefaultTimeout time.Duration
	// DefaultRetry applies to tasks that do not override MaxRetries.
	DefaultRetry models.RetryPolicy
	// GracefulCancelWindow is how long a cancelled task may keep running
	// before its worker is declared unresponsive. Default 5s.
	GracefulCancelWindow time.Duration
	// AgingInterval is how often waiting tasks are considered for promotion.
	AgingInterval time.Duration
	// AgingThreshold is the wait beyond which a task is promoted one tier.
	AgingThreshold time.Duration
	// Emit publishes lifecycle events. Optional.
	Emit func(models.Event)
}

// execution tracks one running task attempt.
type execution struct {
	taskID      string
	workerID    string
	cancel      context.CancelFunc
	cancelledAt time.Time // when cancellation was requested; zero if not
	workerDown  bool      // worker destroyed mid-flight; do not charge the attempt
	timedOut    bool      // sweep marked the attempt as timed out
	enqueuedAt  time.Time
}

// Scheduler owns the scheduling loop. It never blocks on task completion:
// execution happens on per-task goroutines that report back through
// onExecutionDone.
type Scheduler struct {
	cfg   Config
	graph *graph.TaskGraph
	queue *queue.Queue
	pool  *pool.Pool
	strat strategy.Strategy

	// taskMu serializes every access to task mutable fields. The tick
	// thread, completion goroutines, and API accessors all go through it;
	// it is always acquired before mu when both are needed.
	taskMu sync.Mutex

	mu         sync.Mutex
	running    map[string]*execution
	enqueuedAt map[string]time.Time
	lastAging  time.Time
	paused     func() bool
	now        func() time.Time
	wg         sync.WaitGroup
}

// New creates a Scheduler over the given graph, queue, pool, and strategy.
func New(cfg Config, g *graph.TaskGraph, q *queue.Queue, p *pool.Pool, strat strategy.Strategy) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}
	if cfg.GracefulCancelWindow <= 0 {
		cfg.GracefulCancelWindow = 5 * time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		graph:      g,
		queue:      q,
		pool:       p,
		strat:      strat,
		running:    make(map[string]*execution),
		enqueuedAt: make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPauseCheck installs the orchestrator's pause gate. While it returns
// true, the assignment phase is skipped; everything else still runs.
func (s *Scheduler) SetPauseCheck(paused func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// emit publishes an event if an emitter is configured.
func (s *Scheduler) emit(evt models.Event) {
	if s.cfg.Emit != nil {
		evt.Source = "scheduler"
		s.cfg.Emit(evt)
	}
}

// clock returns the current time source.
func (s *Scheduler) clock() func() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Run drives Tick at the configured interval until ctx is done, then waits
// for in-flight executions to settle.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// RunningCount returns the number of in-flight executions.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Tick performs one scheduling pass: retry admission, dependency
// resolution, assignment, and the timeout sweep, in that order.
func (s *Scheduler) Tick(ctx context.Context) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	now := s.clock()()

	s.admitRetries(now)
	s.resolveDependencies(now)
	s.ageQueue(now)
	if s.isPaused() {
		// Cooperative pause: no new assignments; in-flight work continues.
		s.sweepTimeouts(now)
		return
	}
	s.assign(ctx, now)
	s.sweepTimeouts(now)
}

func (s *Scheduler) isPaused() bool {
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	return paused != nil && paused()
}

// admitRetries clears elapsed retry delays so waiting tasks become queue
// candidates again.
func (s *Scheduler) admitRetries(now time.Time) {
	for _, task := range s.graph.Tasks() {
		if task.Status == models.TaskStatusPending && task.NextRetryAt != nil &&
			!now.Before(*task.NextRetryAt) {
			task.NextRetryAt = nil
		}
	}
}

// resolveDependencies enqueues every pending task whose dependencies are
// satisfied and whose retry delay has elapsed.
func (s *Scheduler) resolveDependencies(now time.Time) {
	for _, task := range s.graph.Ready() {
		if task.NextRetryAt != nil {
			continue
		}
		if s.queue.Contains(task.ID) {
			continue
		}
		s.mu.Lock()
		_, inFlight := s.running[task.ID]
		s.mu.Unlock()
		if inFlight {
			continue
		}

		task.Status = models.TaskStatusReady
		s.queue.Push(task.ID, task.Priority, now)
		s.mu.Lock()
		s.enqueuedAt[task.ID] = now
		s.mu.Unlock()
		s.emit(models.Event{Type: models.EventTaskReady, TaskID: task.ID})
	}
}

// ageQueue promotes tasks that waited past the aging threshold.
func (s *Scheduler) ageQueue(now time.Time) {
	if s.cfg.AgingInterval <= 0 || s.cfg.AgingThreshold <= 0 {
		return
	}
	s.mu.Lock()
	due := s.lastAging.IsZero() || now.Sub(s.lastAging) >= s.cfg.AgingInterval
	if due {
		s.lastAging = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	for _, id := range s.queue.Age(s.cfg.AgingThreshold, now) {
		if task := s.graph.Get(id); task != nil {
			task.Priority = task.Priority.Promote()
		}
	}
}

// metrics builds the live view handed to the strategy.
func (s *Scheduler) metrics() strategy.Metrics {
	pending := 0
	for _, task := range s.graph.Tasks() {
		if task.Status == models.TaskStatusPending {
			pending++
		}
	}
	return strategy.Metrics{
		Utilization:   s.pool.Utilization(),
		QueueDepth:    s.queue.Len(),
		Backlog:       s.queue.Len() + pending,
		ActiveWorkers: s.pool.Count(),
	}
}

// assign drains the ready queue while idle workers remain. When the
// strategy declines the head task, it returns to the head of its tier and
// the phase stops, preserving tier-FIFO order.
func (s *Scheduler) assign(ctx context.Context, now time.Time) {
	for {
		idle := s.pool.IdleWorkers()
		if len(idle) == 0 {
			return
		}
		taskID, prio, ok := s.queue.Pop()
		if !ok {
			return
		}

		task := s.graph.Get(taskID)
		if task == nil || task.Status != models.TaskStatusReady {
			// Cancelled or cascaded while queued; drop the stale entry.
			s.mu.Lock()
			delete(s.enqueuedAt, taskID)
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		enqueuedAt := s.enqueuedAt[taskID]
		s.mu.Unlock()

		picked := s.strat.Pick(task, idle, s.metrics())
		if picked == nil {
			s.queue.Requeue(taskID, prio, enqueuedAt)
			return
		}

		if err := s.pool.MarkBusy(picked.Config.ID, task); err != nil {
			// The worker changed state between the snapshot and now; put the
			// task back and retry on the next tick.
			log.Printf("[scheduler] assign %s to %s: %v", taskID, picked.Config.ID, err)
			s.queue.Requeue(taskID, prio, enqueuedAt)
			return
		}

		task.Status = models.TaskStatusAssigned
		task.AssignedWorker = picked.Config.ID
		s.emit(models.Event{
			Type:     models.EventTaskAssigned,
			TaskID:   taskID,
			WorkerID: picked.Config.ID,
		})

		s.launch(ctx, task, picked.Config.ID, enqueuedAt)
	}
}

// launch starts one execution attempt on its own goroutine.
func (s *Scheduler) launch(ctx context.Context, task *models.Task, workerID string, enqueuedAt time.Time) {
	// Real-time attempt deadline; the tick sweep covers fake clocks and
	// absolute task deadlines.
	var execCtx context.Context
	var cancel context.CancelFunc
	if timeout := s.timeoutFor(task); timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	exec := &execution{
		taskID:     task.ID,
		workerID:   workerID,
		cancel:     cancel,
		enqueuedAt: enqueuedAt,
	}

	s.mu.Lock()
	s.running[task.ID] = exec
	delete(s.enqueuedAt, task.ID)
	s.mu.Unlock()

	now := s.clock()()
	task.Status = models.TaskStatusRunning
	task.Attempts++
	task.StartedAt = &now
	s.emit(models.Event{
		Type:     models.EventTaskStarted,
		TaskID:   task.ID,
		WorkerID: workerID,
		Payload:  map[string]interface{}{"attempt": task.Attempts},
	})

	worker, ok := s.pool.GetWorker(workerID)
	if !ok {
		cancel()
		s.settleLocked(task, exec, nil,
			models.E(models.KindWorkerFailed, "worker %s vanished before start", workerID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := worker.Execute(execCtx, task)
		s.onExecutionDone(task, exec, result, err)
	}()
}

// timeoutFor returns the per-attempt timeout for a task.
func (s *Scheduler) timeoutFor(task *models.Task) time.Duration {
	if task.Timeout > 0 {
		return task.Timeout
	}
	return s.cfg.DefaultTimeout
}

// sweepTimeouts enforces attempt timeouts and the graceful-cancel window
// against the scheduler clock.
func (s *Scheduler) sweepTimeouts(now time.Time) {
	type view struct {
		exec        *execution
		cancelledAt time.Time
	}
	s.mu.Lock()
	execs := make([]view, 0, len(s.running))
	for _, e := range s.running {
		execs = append(execs, view{exec: e, cancelledAt: e.cancelledAt})
	}
	s.mu.Unlock()

	for _, v := range execs {
		exec := v.exec
		task := s.graph.Get(exec.taskID)
		if task == nil || task.StartedAt == nil {
			continue
		}

		if !v.cancelledAt.IsZero() {
			if now.Sub(v.cancelledAt) > s.cfg.GracefulCancelWindow {
				// The worker ignored the cancel signal.
				log.Printf("[scheduler] worker %s unresponsive to cancel of task %s",
					exec.workerID, exec.taskID)
				s.pool.MarkUnresponsive(exec.workerID)
			}
			continue
		}

		timeout := s.timeoutFor(task)
		expired := timeout > 0 && now.Sub(*task.StartedAt) > timeout
		if !expired && task.Deadline != nil && now.After(*task.Deadline) {
			expired = true
		}
		if expired {
			s.mu.Lock()
			exec.timedOut = true
			s.mu.Unlock()
			exec.cancel()
		}
	}
}

// Cancel cancels a task in any non-terminal state. Queued tasks are removed
// immediately; running tasks get their cancel signal and the graceful
// window starts.
func (s *Scheduler) Cancel(taskID string) error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	task := s.graph.Get(taskID)
	if task == nil {
		return models.E(models.KindNotFound, "task %s", taskID)
	}
	if task.Status.Terminal() {
		return models.E(models.KindInvalidState, "task %s already %s", taskID, task.Status)
	}

	s.mu.Lock()
	exec, inFlight := s.running[taskID]
	if inFlight {
		if exec.cancelledAt.IsZero() {
			exec.cancelledAt = s.now()
		}
		s.mu.Unlock()
		exec.cancel()
		return nil
	}
	delete(s.enqueuedAt, taskID)
	s.mu.Unlock()

	s.queue.Remove(taskID)
	now := s.clock()()
	task.Status = models.TaskStatusCancelled
	task.EndedAt = &now
	s.emit(models.Event{Type: models.EventTaskCancelled, TaskID: taskID})
	s.cascadeFrom(taskID)
	return nil
}

// HandleWorkerDown requeues a task orphaned by a destroyed or restarted
// worker. The interrupted attempt is not charged against the retry budget.
// Wired as the pool's OnWorkerDown callback.
func (s *Scheduler) HandleWorkerDown(workerID, taskID string, reason error) {
	s.mu.Lock()
	exec, ok := s.running[taskID]
	if !ok || exec.workerID != workerID {
		s.mu.Unlock()
		return
	}
	exec.workerDown = true
	s.mu.Unlock()
	log.Printf("[scheduler] reassigning task %s after worker %s went down: %v",
		taskID, workerID, reason)
	exec.cancel()
}

// onExecutionDone settles one finished attempt: metrics, retry policy,
// cascades, and events.
func (s *Scheduler) onExecutionDone(task *models.Task, exec *execution, result *models.TaskResult, execErr error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	s.settleLocked(task, exec, result, execErr)
}

// settleLocked is onExecutionDone's body. Caller must hold s.taskMu.
func (s *Scheduler) settleLocked(task *models.Task, exec *execution, result *models.TaskResult, execErr error) {
	s.mu.Lock()
	delete(s.running, task.ID)
	cancelled := !exec.cancelledAt.IsZero()
	workerDown := exec.workerDown
	timedOut := exec.timedOut
	s.mu.Unlock()

	now := s.clock()()

	if workerDown {
		if cancelled {
			// Cancellation wins: the worker was removed for ignoring the
			// cancel signal, the task itself is done.
			task.Status = models.TaskStatusCancelled
			task.EndedAt = &now
			task.AssignedWorker = ""
			s.emit(models.Event{Type: models.EventTaskCancelled, TaskID: task.ID})
			s.cascadeFrom(task.ID)
			return
		}
		// The pool already destroyed or restarted the worker; hand the task
		// straight back without consuming a retry.
		task.Attempts--
		task.Status = models.TaskStatusPending
		task.AssignedWorker = ""
		task.StartedAt = nil
		retryAt := now
		task.NextRetryAt = &retryAt
		s.emit(models.Event{
			Type:    models.EventAlertTriggered,
			TaskID:  task.ID,
			Message: "task reassigned after worker failure",
		})
		return
	}

	s.pool.MarkIdle(exec.workerID)

	if result == nil {
		result = &models.TaskResult{
			TaskID:    task.ID,
			WorkerID:  exec.workerID,
			Attempt:   task.Attempts,
			StartedAt: *task.StartedAt,
			EndedAt:   now,
		}
		if execErr != nil {
			result.Error = execErr.Error()
		}
	}
	if execErr != nil && result.Error == "" {
		result.Error = execErr.Error()
	}
	task.Results = append(task.Results, result)
	s.pool.RecordResult(exec.workerID, task.Type, result.Success, result.Duration(), result.Error)

	switch {
	case cancelled:
		task.Status = models.TaskStatusCancelled
		task.EndedAt = &now
		task.AssignedWorker = ""
		s.emit(models.Event{Type: models.EventTaskCancelled, TaskID: task.ID, WorkerID: exec.workerID})
		s.cascadeFrom(task.ID)

	case result.Success:
		task.Status = models.TaskStatusCompleted
		task.EndedAt = &now
		task.AssignedWorker = ""
		s.emit(models.Event{Type: models.EventTaskCompleted, TaskID: task.ID, WorkerID: exec.workerID})

	default:
		s.handleFailure(task, exec, result, timedOut, now)
	}
}

// handleFailure applies the retry policy to a failed or timed-out attempt.
func (s *Scheduler) handleFailure(task *models.Task, exec *execution, result *models.TaskResult, timedOut bool, now time.Time) {
	failEvent := models.EventTaskFailed
	if timedOut {
		failEvent = models.EventTaskTimedOut
	}
	s.emit(models.Event{
		Type:     failEvent,
		TaskID:   task.ID,
		WorkerID: exec.workerID,
		Error:    result.Error,
		Payload:  map[string]interface{}{"attempt": task.Attempts},
	})

	budget := maxRetriesFor(task, s.cfg.DefaultRetry)
	if task.Attempts <= budget {
		retryAt := now.Add(backoffDelay(s.cfg.DefaultRetry, task.Attempts))
		// A retry that cannot finish before the deadline is pointless.
		if task.Deadline == nil || !retryAt.After(*task.Deadline) {
			task.Status = models.TaskStatusPending
			task.AssignedWorker = ""
			task.StartedAt = nil
			task.NextRetryAt = &retryAt
			return
		}
	}

	if timedOut {
		task.Status = models.TaskStatusTimedOut
	} else {
		task.Status = models.TaskStatusFailed
	}
	task.EndedAt = &now
	task.AssignedWorker = ""
	s.cascadeFrom(task.ID)
}

// cascadeFrom propagates a terminal failure through the graph and cleans
// affected tasks out of the queue.
func (s *Scheduler) cascadeFrom(taskID string) {
	now := s.clock()()
	for _, affected := range s.graph.Cascade(taskID) {
		s.queue.Remove(affected.ID)
		s.mu.Lock()
		delete(s.enqueuedAt, affected.ID)
		s.mu.Unlock()

		switch affected.Status {
		case models.TaskStatusCascadeFailed:
			affected.EndedAt = &now
			s.emit(models.Event{
				Type:    models.EventTaskCascadeFailed,
				TaskID:  affected.ID,
				Message: "dependency failed",
			})
		case models.TaskStatusSkipped:
			affected.EndedAt = &now
			s.emit(models.Event{
				Type:    models.EventCustom,
				TaskID:  affected.ID,
				Message: "task skipped after dependency failure",
				Payload: map[string]interface{}{"status": string(models.TaskStatusSkipped)},
			})
		}
	}
}

// WaitIdle blocks until no executions are in flight. Used by Stop's drain.
func (s *Scheduler) WaitIdle() {
	s.wg.Wait()
}

// TaskSnapshot returns a copy of one task's current state.
func (s *Scheduler) TaskSnapshot(taskID string) (models.Task, bool) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	task := s.graph.Get(taskID)
	if task == nil {
		return models.Task{}, false
	}
	return copyTask(task), true
}

// TasksSnapshot returns copies of every task in the graph, sorted by id.
func (s *Scheduler) TasksSnapshot() []models.Task {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	tasks := s.graph.Tasks()
	out := make([]models.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, copyTask(t))
	}
	return out
}

// RemoveTask drops a task from the graph and queue. Used by the
// orchestrator's retention sweep; callers must ensure the task is terminal.
func (s *Scheduler) RemoveTask(taskID string) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	s.queue.Remove(taskID)
	s.mu.Lock()
	delete(s.enqueuedAt, taskID)
	s.mu.Unlock()
	s.graph.Remove(taskID)
}

// copyTask clones a task with its slices detached. Result records are
// append-only, so sharing the pointed-to structs is safe.
func copyTask(t *models.Task) models.Task {
	c := *t
	c.Requirements.Capabilities = append([]string(nil), t.Requirements.Capabilities...)
	c.Requirements.DependsOn = append([]string(nil), t.Requirements.DependsOn...)
	c.Results = append([]*models.TaskResult(nil), t.Results...)
	return c
}

// Package orchestrator is the top-level façade: lifecycle, public API,
// checkpointing, and event wiring over the scheduler, worker pool, strategy,
// and knowledge store.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/bus"
	"github.com/ShayCichocki/hivemind/internal/config"
	"github.com/ShayCichocki/hivemind/internal/graph"
	"github.com/ShayCichocki/hivemind/internal/knowledge"
	"github.com/ShayCichocki/hivemind/internal/kv"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/internal/queue"
	"github.com/ShayCichocki/hivemind/internal/scheduler"
	"github.com/ShayCichocki/hivemind/internal/strategy"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Orchestrator coordinates the pool of capability-typed workers over a
// dependency-aware task graph. All public methods are safe for concurrent
// use; none blocks on task completion except Stop.
type Orchestrator struct {
	id   string
	cfg  config.Config
	opts options

	stateMu sync.RWMutex
	state   models.OrchestratorState
	paused  bool

	bus   *bus.Bus
	graph *graph.TaskGraph
	queue *queue.Queue
	pool  *pool.Pool
	sched *scheduler.Scheduler
	strat *strategy.Auto
	know  *knowledge.Store
	store kv.Store
	debug *DebugLogger
	now   func() time.Time

	seqMu         sync.Mutex
	checkpointSeq uint64

	ackMu sync.Mutex
	acked map[string]bool

	kindMu   sync.Mutex
	kindNext int

	runCancel context.CancelFunc
	loopWg    sync.WaitGroup
}

// defaultKinds are the agent kinds created when the caller does not choose.
var defaultKinds = []models.AgentKind{
	models.KindExecution, models.KindAnalysis, models.KindValidation,
}

// New validates the configuration, constructs every subcomponent, and
// returns an orchestrator in the Ready state.
func New(cfg config.Config, optFns ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, models.E(models.KindInvalidArgument, "config: %v", err)
	}

	opts := options{clock: time.Now, debug: NopLogger()}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.store == nil {
		opts.store = kv.NewMemoryStore()
	}
	if len(opts.kinds) == 0 {
		opts.kinds = defaultKinds
	}
	if opts.fallback == nil {
		opts.fallback = func(ctx context.Context, task *models.Task) (interface{}, error) {
			return task.Input, nil
		}
	}

	o := &Orchestrator{
		id:    uuid.New().String()[:8],
		cfg:   cfg,
		opts:  opts,
		state: models.StateInitializing,
		store: opts.store,
		debug: opts.debug,
		now:   opts.clock,
		acked: make(map[string]bool),
	}

	o.bus = bus.New(cfg.EventBufferSize)
	o.graph = graph.New()
	o.queue = queue.New()
	o.strat = strategy.NewAuto(strategy.Config{
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		UpStep:             cfg.UpStep,
		DownStep:           cfg.DownStep,
		TrendWindow:        cfg.TrendWindow,
	})
	o.know = knowledge.NewStore(knowledge.Config{
		MaxKnowledge:       cfg.MaxKnowledge,
		ConsensusThreshold: cfg.ConsensusThreshold,
		Persist:            opts.store,
	})
	o.know.SetClock(o.now)

	factory := opts.factory
	if factory == nil {
		factory = func(wcfg models.WorkerConfig) (pool.Worker, error) {
			w := pool.NewHandlerWorker(wcfg, opts.handlers)
			w.SetFallback(opts.fallback)
			return w, nil
		}
	}
	o.pool = pool.New(pool.Config{
		Factory:         factory,
		MaxWorkers:      cfg.MaxAgents,
		GlobalResources: cfg.GlobalResources,
		RestartPolicy:   cfg.RestartPolicy,
		HealthInterval:  cfg.HealthCheckInterval,
		Emit:            o.bus.Publish,
	})
	o.pool.SetClock(o.now)

	o.sched = scheduler.New(scheduler.Config{
		TickInterval:         cfg.TickInterval,
		DefaultTimeout:       cfg.DefaultTimeout,
		DefaultRetry:         cfg.DefaultRetryPolicy,
		GracefulCancelWindow: cfg.GracefulCancelWindow,
		AgingInterval:        cfg.AgingInterval,
		AgingThreshold:       cfg.AgingThreshold,
		Emit:                 o.bus.Publish,
	}, o.graph, o.queue, o.pool, o.strat)
	o.sched.SetClock(o.now)
	o.sched.SetPauseCheck(o.IsPaused)
	o.pool.SetOnWorkerDown(o.sched.HandleWorkerDown)

	if err := o.know.Load(); err != nil {
		log.Printf("[orchestrator] load persisted knowledge: %v", err)
	}

	for i := 0; i < cfg.MinAgents; i++ {
		if _, err := o.addWorker(); err != nil {
			return nil, err
		}
	}

	o.setState(models.StateReady)
	return o, nil
}

// ID returns the orchestrator's unique identifier.
func (o *Orchestrator) ID() string { return o.id }

// State returns the current lifecycle state.
func (o *Orchestrator) State() models.OrchestratorState {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s models.OrchestratorState) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

// IsPaused returns whether new assignments are suspended.
func (o *Orchestrator) IsPaused() bool {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	return o.paused
}

// emit publishes an event from the orchestrator itself.
func (o *Orchestrator) emit(evt models.Event) {
	evt.Source = "orchestrator"
	o.bus.Publish(evt)
}

// Start transitions Ready to Running and launches the scheduler tick, the
// health loop, the autoscaler, and the checkpoint and retention loops.
func (o *Orchestrator) Start() error {
	o.stateMu.Lock()
	if o.state != models.StateReady {
		state := o.state
		o.stateMu.Unlock()
		return models.E(models.KindInvalidState, "cannot start in state %s", state)
	}
	o.state = models.StateRunning
	o.stateMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	o.runCancel = cancel

	o.spawnLoop(ctx, "scheduler", func(ctx context.Context) { o.sched.Run(ctx) })
	o.spawnLoop(ctx, "health", func(ctx context.Context) { o.pool.RunHealthLoop(ctx) })
	o.spawnLoop(ctx, "autoscale", o.autoscaleLoop)
	o.spawnLoop(ctx, "retention", o.retentionLoop)
	if o.cfg.CheckpointInterval > 0 {
		o.spawnLoop(ctx, "checkpoint", o.checkpointLoop)
	}

	o.emit(models.Event{Type: models.EventOrchestratorStarted})
	o.debug.Log("orchestrator %s started", o.id)
	return nil
}

// Pause suspends new task assignments. In-flight tasks run to completion.
func (o *Orchestrator) Pause() error {
	o.stateMu.Lock()
	if o.state != models.StateRunning {
		state := o.state
		o.stateMu.Unlock()
		return models.E(models.KindInvalidState, "cannot pause in state %s", state)
	}
	o.state = models.StatePaused
	o.paused = true
	o.stateMu.Unlock()

	o.emit(models.Event{Type: models.EventOrchestratorPaused})
	return nil
}

// Resume returns a paused orchestrator to Running.
func (o *Orchestrator) Resume() error {
	o.stateMu.Lock()
	if o.state != models.StatePaused {
		state := o.state
		o.stateMu.Unlock()
		return models.E(models.KindInvalidState, "cannot resume in state %s", state)
	}
	o.state = models.StateRunning
	o.paused = false
	o.stateMu.Unlock()

	o.emit(models.Event{Type: models.EventOrchestratorResumed})
	return nil
}

// Stop drains the scheduler, waits up to DrainTimeout for in-flight tasks,
// persists a final checkpoint, and shuts the event bus down. Terminal.
func (o *Orchestrator) Stop() error {
	o.stateMu.Lock()
	switch o.state {
	case models.StateRunning, models.StatePaused, models.StateReady:
		o.state = models.StateCompleting
	case models.StateCompleting, models.StateCompleted, models.StateTerminated:
		o.stateMu.Unlock()
		return nil
	default:
		state := o.state
		o.stateMu.Unlock()
		return models.E(models.KindInvalidState, "cannot stop in state %s", state)
	}
	o.stateMu.Unlock()

	if o.runCancel != nil {
		o.runCancel()
	}

	// Drain in-flight executions up to the configured timeout.
	drained := make(chan struct{})
	go func() {
		o.sched.WaitIdle()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(o.cfg.DrainTimeout):
		log.Printf("[orchestrator] drain timeout after %s; continuing shutdown", o.cfg.DrainTimeout)
	}

	o.loopWg.Wait()

	if _, err := o.Checkpoint(); err != nil {
		log.Printf("[orchestrator] final checkpoint: %v", err)
	}

	o.setState(models.StateCompleted)
	o.emit(models.Event{Type: models.EventOrchestratorStopped})
	o.bus.Close()
	o.debug.Log("orchestrator %s stopped", o.id)
	return nil
}

// fail transitions to Failed and halts the loops.
func (o *Orchestrator) fail(reason string) {
	o.stateMu.Lock()
	if o.state.Terminal() {
		o.stateMu.Unlock()
		return
	}
	o.state = models.StateFailed
	o.stateMu.Unlock()

	o.emit(models.Event{Type: models.EventOrchestratorFailed, Error: reason})
	log.Printf("[orchestrator] failed: %s", reason)
	if o.runCancel != nil {
		o.runCancel()
	}
}

// Submit validates and registers a task. The id is assigned when missing.
// Re-submitting a live id is idempotent and returns the same id; a terminal
// id is rejected. A negative MaxRetries uses the orchestrator default.
func (o *Orchestrator) Submit(task *models.Task) (string, error) {
	if o.State() != models.StateRunning {
		return "", models.E(models.KindInvalidState, "submit requires Running, state is %s", o.State())
	}
	if task == nil {
		return "", models.E(models.KindInvalidArgument, "nil task")
	}

	if task.ID != "" {
		if existing, ok := o.sched.TaskSnapshot(task.ID); ok {
			if existing.Status.Terminal() {
				return "", models.E(models.KindInvalidArgument,
					"task %s already terminal (%s)", task.ID, existing.Status)
			}
			return task.ID, nil
		}
	} else {
		task.ID = uuid.New().String()[:8]
	}

	if task.Type == "" {
		task.Type = models.TaskTypeCustom
	}
	if !task.Type.Valid() {
		return "", models.E(models.KindInvalidArgument, "unknown task type %q", task.Type)
	}
	if task.Priority == "" {
		task.Priority = models.PriorityMedium
	}
	if !task.Priority.Valid() {
		return "", models.E(models.KindInvalidArgument, "unknown priority %q", task.Priority)
	}
	if task.OnDependencyFailure != "" && !task.OnDependencyFailure.Valid() {
		return "", models.E(models.KindInvalidArgument,
			"unknown cascade policy %q", task.OnDependencyFailure)
	}
	if task.Name == "" {
		task.Name = task.ID
	}

	if o.liveTaskCount() >= o.cfg.MaxQueueSize {
		return "", models.E(models.KindQueueFull,
			"pending+running at max_queue_size %d", o.cfg.MaxQueueSize)
	}
	if missing := o.unsatisfiableCapabilities(task.Requirements.Capabilities); len(missing) > 0 {
		return "", models.E(models.KindInvalidGraph,
			"no worker can provide capabilities %v", missing)
	}

	task.Status = models.TaskStatusPending
	task.SubmittedAt = o.now()
	if err := o.graph.Add(task); err != nil {
		switch err {
		case graph.ErrCycleDetected:
			return "", models.E(models.KindInvalidGraph, "task %s: %v", task.ID, err)
		case graph.ErrUnknownDependency:
			return "", models.E(models.KindInvalidGraph,
				"task %s depends on an unknown task", task.ID)
		case graph.ErrDuplicateTask:
			return task.ID, nil
		default:
			return "", models.E(models.KindInternal, "add task: %v", err)
		}
	}

	o.emit(models.Event{Type: models.EventTaskSubmitted, TaskID: task.ID})
	o.debug.Log("task %s submitted (type=%s priority=%s deps=%d)",
		task.ID, task.Type, task.Priority, len(task.Requirements.DependsOn))
	return task.ID, nil
}

// liveTaskCount counts non-terminal tasks.
func (o *Orchestrator) liveTaskCount() int {
	n := 0
	for _, t := range o.sched.TasksSnapshot() {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// unsatisfiableCapabilities returns the required tags neither the current
// fleet nor any autoscaler-creatable worker kind can provide.
func (o *Orchestrator) unsatisfiableCapabilities(required []string) []string {
	if len(required) == 0 {
		return nil
	}
	available := make(map[string]bool)
	for _, w := range o.pool.Snapshots() {
		for _, c := range w.Config.Capabilities {
			available[c] = true
		}
	}
	for _, kind := range o.opts.kinds {
		for _, c := range pool.KindCapabilities(kind) {
			available[c] = true
		}
	}

	var missing []string
	for _, c := range required {
		if !available[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

// Status returns a task's current status.
func (o *Orchestrator) Status(taskID string) (models.TaskStatus, error) {
	task, ok := o.sched.TaskSnapshot(taskID)
	if !ok {
		return "", models.E(models.KindNotFound, "task %s", taskID)
	}
	return task.Status, nil
}

// Result returns the final result of a terminal task. Calling it on a live
// task returns a retryable InvalidState error.
func (o *Orchestrator) Result(taskID string) (*models.TaskResult, error) {
	task, ok := o.sched.TaskSnapshot(taskID)
	if !ok {
		return nil, models.E(models.KindNotFound, "task %s", taskID)
	}
	if !task.Status.Terminal() {
		return nil, models.E(models.KindInvalidState, "task %s still %s", taskID, task.Status)
	}
	if last := task.LastResult(); last != nil {
		return last, nil
	}
	// Terminal without ever executing (cascade, skip, pre-start cancel).
	return &models.TaskResult{
		TaskID:  taskID,
		Success: false,
		Error:   string(task.Status),
	}, nil
}

// Task returns a full snapshot of one task.
func (o *Orchestrator) Task(taskID string) (models.Task, error) {
	task, ok := o.sched.TaskSnapshot(taskID)
	if !ok {
		return models.Task{}, models.E(models.KindNotFound, "task %s", taskID)
	}
	return task, nil
}

// Cancel cancels a non-terminal task and propagates per cascade policy.
func (o *Orchestrator) Cancel(taskID string) error {
	return o.sched.Cancel(taskID)
}

// Acknowledge marks a terminal task's result as consumed, releasing it for
// the retention sweep.
func (o *Orchestrator) Acknowledge(taskID string) error {
	task, ok := o.sched.TaskSnapshot(taskID)
	if !ok {
		return models.E(models.KindNotFound, "task %s", taskID)
	}
	if !task.Status.Terminal() {
		return models.E(models.KindInvalidState, "task %s still %s", taskID, task.Status)
	}
	o.ackMu.Lock()
	o.acked[taskID] = true
	o.ackMu.Unlock()
	return nil
}

// addWorker creates one worker of the next template kind and registers it
// with the knowledge store.
func (o *Orchestrator) addWorker() (string, error) {
	o.kindMu.Lock()
	kind := o.opts.kinds[o.kindNext%len(o.opts.kinds)]
	o.kindNext++
	o.kindMu.Unlock()

	id, err := o.pool.Add(models.WorkerConfig{
		Kind:        kind,
		ResourceCap: o.perWorkerCap(),
	})
	if err != nil {
		return "", err
	}
	o.know.RegisterWorker(id)
	return id, nil
}

// perWorkerCap splits the global resource budget across MaxAgents, falling
// back to a generous default when no global cap is configured.
func (o *Orchestrator) perWorkerCap() models.Resources {
	if o.cfg.GlobalResources.IsZero() {
		return models.Resources{CPU: 4, MemoryMB: 4096}
	}
	n := o.cfg.MaxAgents
	return models.Resources{
		CPU:      o.cfg.GlobalResources.CPU / float64(n),
		MemoryMB: o.cfg.GlobalResources.MemoryMB / int64(n),
	}
}

// ScaleUp adds n workers, honoring MaxAgents.
func (o *Orchestrator) ScaleUp(n int) error {
	if n <= 0 {
		return models.E(models.KindInvalidArgument, "scale count must be positive, got %d", n)
	}
	if o.State().Terminal() {
		return models.E(models.KindInvalidState, "orchestrator is %s", o.State())
	}
	if o.pool.Count()+n > o.cfg.MaxAgents {
		return models.E(models.KindResourceExhausted,
			"scale-up to %d exceeds max_agents %d", o.pool.Count()+n, o.cfg.MaxAgents)
	}

	created := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := o.addWorker()
		if err != nil {
			return err
		}
		created = append(created, id)
	}
	o.emit(models.Event{
		Type:    models.EventScaleUp,
		Message: "scaled up",
		Payload: map[string]interface{}{"count": n, "workers": created},
	})
	return nil
}

// ScaleDown removes up to n idle workers. Busy workers are never preempted
// without the force flag.
func (o *Orchestrator) ScaleDown(n int, force bool) error {
	if n <= 0 {
		return models.E(models.KindInvalidArgument, "scale count must be positive, got %d", n)
	}
	removed := o.pool.ScaleDown(n, force)
	for _, id := range removed {
		o.know.UnregisterWorker(id)
	}
	if len(removed) > 0 {
		o.emit(models.Event{
			Type:    models.EventScaleDown,
			Message: "scaled down",
			Payload: map[string]interface{}{"count": len(removed), "workers": removed},
		})
	}
	return nil
}

// WorkerCount returns the number of active workers.
func (o *Orchestrator) WorkerCount() int {
	return o.pool.Count()
}

// Workers returns snapshots of the fleet.
func (o *Orchestrator) Workers() []models.WorkerSnapshot {
	return o.pool.Snapshots()
}

// Knowledge returns the shared-knowledge store.
func (o *Orchestrator) Knowledge() *knowledge.Store {
	return o.know
}

// Subscribe returns an event stream filtered to the given kinds (empty for
// all), resumable from a sequence number.
func (o *Orchestrator) Subscribe(kinds []models.EventType, afterSeq uint64) *bus.Subscription {
	return o.bus.Subscribe(kinds, afterSeq)
}

// RegisterEmitter attaches an observability adapter to the event stream.
func (o *Orchestrator) RegisterEmitter(e models.Emitter) {
	o.bus.RegisterEmitter(e)
}

// DroppedEventCount returns events dropped on the adapter path.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.bus.DroppedEventCount()
}

// Metrics is a point-in-time summary of orchestrator progress.
type Metrics struct {
	// TasksTotal counts every task currently known to the graph.
	TasksTotal int `json:"tasks_total"`
	// TasksCompleted counts tasks in the completed state.
	TasksCompleted int `json:"tasks_completed"`
	// TasksFailed counts failed, timed-out, and cascade-failed tasks.
	TasksFailed int `json:"tasks_failed"`
	// SuccessRate is completed / (completed + failed), 1.0 when nothing
	// terminal exists yet.
	SuccessRate float64 `json:"success_rate"`
	// QueueDepth is the number of ready tasks awaiting a worker.
	QueueDepth int `json:"queue_depth"`
	// Workers is the active worker count.
	Workers int `json:"workers"`
	// Utilization is the busy fraction of the fleet.
	Utilization float64 `json:"utilization"`
	// ResourcesInUse aggregates reserved worker resources.
	ResourcesInUse models.Resources `json:"resources_in_use"`
}

// GetMetrics computes the current metrics snapshot.
func (o *Orchestrator) GetMetrics() Metrics {
	m := Metrics{
		QueueDepth:     o.queue.Len(),
		Workers:        o.pool.Count(),
		Utilization:    o.pool.Utilization(),
		ResourcesInUse: o.pool.InUse(),
	}
	for _, t := range o.sched.TasksSnapshot() {
		m.TasksTotal++
		switch t.Status {
		case models.TaskStatusCompleted:
			m.TasksCompleted++
		case models.TaskStatusFailed, models.TaskStatusTimedOut, models.TaskStatusCascadeFailed:
			m.TasksFailed++
		}
	}
	if done := m.TasksCompleted + m.TasksFailed; done > 0 {
		m.SuccessRate = float64(m.TasksCompleted) / float64(done)
	} else {
		m.SuccessRate = 1.0
	}
	return m
}

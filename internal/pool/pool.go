package pool

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Config contains configuration options for the Pool.
type Config struct {
	// Factory creates workers for Add and for restarts.
	Factory Factory
	// MaxWorkers is the hard ceiling for active workers.
	MaxWorkers int
	// GlobalResources caps the sum of per-worker reservations. Zero fields
	// are unlimited.
	GlobalResources models.Resources
	// RestartPolicy bounds worker re-creation after health failures.
	RestartPolicy models.RestartPolicy
	// ProbeTimeout is the hard deadline for one health probe.
	ProbeTimeout time.Duration
	// HealthInterval is the period of the health loop.
	HealthInterval time.Duration
	// Emit publishes lifecycle events. Optional.
	Emit func(models.Event)
	// OnWorkerDown is invoked when a worker is destroyed while executing a
	// task, so the scheduler can requeue the orphaned work. Optional.
	OnWorkerDown func(workerID, taskID string, reason error)
}

// managed is the pool's bookkeeping for one worker.
type managed struct {
	worker        Worker
	state         models.WorkerState
	currentTaskID string
	reserved      models.Resources
	restartCount  int
	createdAt     time.Time
	idleSince     time.Time
	nextRestartAt time.Time
	lastProbeErr  error
	metrics       models.WorkerMetrics
}

// Pool creates and destroys workers, enforces the restart policy, and
// aggregates resource use.
type Pool struct {
	mu      sync.RWMutex
	cfg     Config
	workers map[string]*managed
	now     func() time.Time
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.RestartPolicy.BackoffMultiplier <= 0 {
		cfg.RestartPolicy.BackoffMultiplier = 2
	}
	return &Pool{
		cfg:     cfg,
		workers: make(map[string]*managed),
		now:     time.Now,
	}
}

// SetOnWorkerDown installs the orphaned-task callback after construction.
// The scheduler is built after the pool, so wiring happens here.
func (p *Pool) SetOnWorkerDown(fn func(workerID, taskID string, reason error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg.OnWorkerDown = fn
}

// SetClock replaces the time source. Tests only.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// emit publishes an event if an emitter is configured.
func (p *Pool) emit(evt models.Event) {
	if p.cfg.Emit != nil {
		evt.Source = "pool"
		p.cfg.Emit(evt)
	}
}

// Add creates a worker from cfg and brings it to Idle. Rejects creation when
// the pool is at its ceiling or the reservation exceeds the global limits.
func (p *Pool) Add(wcfg models.WorkerConfig) (string, error) {
	p.mu.Lock()
	if p.cfg.MaxWorkers > 0 && p.activeCountLocked()+1 > p.cfg.MaxWorkers {
		p.mu.Unlock()
		return "", models.E(models.KindResourceExhausted,
			"pool at capacity (%d workers)", p.cfg.MaxWorkers)
	}
	if !p.fitsGlobalLocked(wcfg.ResourceCap) {
		p.mu.Unlock()
		return "", models.E(models.KindResourceExhausted,
			"worker reservation %+v exceeds global limits", wcfg.ResourceCap)
	}
	p.mu.Unlock()

	worker, err := p.cfg.Factory(wcfg)
	if err != nil {
		return "", models.E(models.KindInternal, "create worker: %v", err)
	}
	id := worker.ID()

	p.mu.Lock()
	now := p.now()
	p.workers[id] = &managed{
		worker:    worker,
		state:     models.WorkerIdle,
		createdAt: now,
		idleSince: now,
		metrics:   models.WorkerMetrics{LastHealthAt: now},
	}
	p.mu.Unlock()

	p.emit(models.Event{Type: models.EventWorkerSpawned, WorkerID: id})
	p.emit(models.Event{Type: models.EventWorkerReady, WorkerID: id})
	return id, nil
}

// fitsGlobalLocked checks a new reservation against the global limits.
func (p *Pool) fitsGlobalLocked(cap models.Resources) bool {
	if p.cfg.GlobalResources.IsZero() {
		return true
	}
	total := cap
	for _, m := range p.workers {
		if m.state.Terminal() {
			continue
		}
		total = total.Add(m.worker.Config().ResourceCap)
	}
	limit := p.cfg.GlobalResources
	if limit.CPU > 0 && total.CPU > limit.CPU {
		return false
	}
	return limit.MemoryMB == 0 || total.MemoryMB <= limit.MemoryMB
}

// activeCountLocked counts workers that are not terminated.
func (p *Pool) activeCountLocked() int {
	n := 0
	for _, m := range p.workers {
		if !m.state.Terminal() {
			n++
		}
	}
	return n
}

// Count returns the number of active workers.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeCountLocked()
}

// Remove destroys a worker. Busy workers are only destroyed when force is
// set; their in-flight task is reported through OnWorkerDown.
func (p *Pool) Remove(id string, force bool) error {
	p.mu.Lock()
	m, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return models.E(models.KindNotFound, "worker %s", id)
	}
	if m.state == models.WorkerBusy && !force {
		p.mu.Unlock()
		return models.E(models.KindInvalidState, "worker %s is busy", id)
	}
	taskID := m.currentTaskID
	m.state = models.WorkerTerminated
	delete(p.workers, id)
	p.mu.Unlock()

	p.emit(models.Event{Type: models.EventWorkerTerminated, WorkerID: id})
	if taskID != "" && p.cfg.OnWorkerDown != nil {
		p.cfg.OnWorkerDown(id, taskID, models.E(models.KindWorkerFailed, "worker %s terminated", id))
	}
	return nil
}

// ScaleDown removes up to n workers, idle-first with the oldest-idle
// preferred. Busy workers are only taken when force is set. Returns the ids
// of the removed workers.
func (p *Pool) ScaleDown(n int, force bool) []string {
	p.mu.RLock()
	type cand struct {
		id        string
		idleSince time.Time
		busy      bool
	}
	var cands []cand
	for id, m := range p.workers {
		switch m.state {
		case models.WorkerIdle:
			cands = append(cands, cand{id: id, idleSince: m.idleSince})
		case models.WorkerBusy:
			if force {
				cands = append(cands, cand{id: id, busy: true})
			}
		}
	}
	p.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].busy != cands[j].busy {
			return !cands[i].busy
		}
		if !cands[i].idleSince.Equal(cands[j].idleSince) {
			return cands[i].idleSince.Before(cands[j].idleSince)
		}
		return cands[i].id < cands[j].id
	})

	var removed []string
	for _, c := range cands {
		if len(removed) >= n {
			break
		}
		if err := p.Remove(c.id, force); err == nil {
			removed = append(removed, c.id)
		}
	}
	return removed
}

// GetWorker returns the underlying worker for execution.
func (p *Pool) GetWorker(id string) (Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.workers[id]
	if !ok {
		return nil, false
	}
	return m.worker, true
}

// IdleWorkers returns snapshots of all idle workers, sorted by id. The
// scheduler copies this set and releases the pool lock before strategy calls.
func (p *Pool) IdleWorkers() []models.WorkerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []models.WorkerSnapshot
	for id, m := range p.workers {
		if m.state == models.WorkerIdle {
			out = append(out, p.snapshotLocked(id, m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// Snapshot returns the snapshot of one worker.
func (p *Pool) Snapshot(id string) (models.WorkerSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.workers[id]
	if !ok {
		return models.WorkerSnapshot{}, false
	}
	return p.snapshotLocked(id, m), true
}

// Snapshots returns snapshots of every active worker, sorted by id.
func (p *Pool) Snapshots() []models.WorkerSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.WorkerSnapshot, 0, len(p.workers))
	for id, m := range p.workers {
		out = append(out, p.snapshotLocked(id, m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

func (p *Pool) snapshotLocked(id string, m *managed) models.WorkerSnapshot {
	metrics := m.metrics
	metrics.ResourcesInUse = m.reserved
	return models.WorkerSnapshot{
		Config:        m.worker.Config(),
		State:         m.state,
		CurrentTaskID: m.currentTaskID,
		RestartCount:  m.restartCount,
		IdleSince:     m.idleSince,
		Metrics:       metrics,
	}
}

// MarkBusy reserves a worker for a task. The worker must be idle and the
// task's envelope must fit the worker's cap.
func (p *Pool) MarkBusy(id string, task *models.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.workers[id]
	if !ok {
		return models.E(models.KindNotFound, "worker %s", id)
	}
	if m.state != models.WorkerIdle {
		return models.E(models.KindInvalidState, "worker %s is %s", id, m.state)
	}
	if !task.Requirements.Resources.Fits(m.worker.Config().ResourceCap) {
		return models.E(models.KindResourceExhausted,
			"task %s does not fit worker %s", task.ID, id)
	}
	m.state = models.WorkerBusy
	m.currentTaskID = task.ID
	m.reserved = task.Requirements.Resources
	return nil
}

// MarkIdle releases a worker after task execution.
func (p *Pool) MarkIdle(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.workers[id]
	if !ok {
		return
	}
	if m.state == models.WorkerBusy || m.state == models.WorkerReady {
		m.state = models.WorkerIdle
		m.currentTaskID = ""
		m.reserved = models.Resources{}
		m.idleSince = p.now()
	}
}

// RecordResult folds one execution outcome into the worker's metrics.
func (p *Pool) RecordResult(id string, taskType models.TaskType, success bool, duration time.Duration, errMsg string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.workers[id]
	if !ok {
		return
	}
	if m.metrics.SuccessByType == nil {
		m.metrics.SuccessByType = make(map[models.TaskType]int64)
		m.metrics.TotalByType = make(map[models.TaskType]int64)
	}
	m.metrics.TotalByType[taskType]++
	m.metrics.TotalDuration += duration
	if success {
		m.metrics.TasksCompleted++
		m.metrics.SuccessByType[taskType]++
	} else {
		m.metrics.TasksFailed++
		m.metrics.LastError = errMsg
	}
}

// MarkUnresponsive flags a worker that ignored its cancel signal and removes
// it per the restart policy.
func (p *Pool) MarkUnresponsive(id string) {
	p.mu.Lock()
	m, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	m.state = models.WorkerUnresponsive
	m.lastProbeErr = models.E(models.KindWorkerFailed, "worker %s unresponsive to cancel", id)
	p.evaluateFailureLocked(id, m)
	p.mu.Unlock()
}

// InUse returns the aggregate resource reservation of busy workers.
func (p *Pool) InUse() models.Resources {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total models.Resources
	for _, m := range p.workers {
		total = total.Add(m.reserved)
	}
	return total
}

// Capacity returns the aggregate resource cap of active workers.
func (p *Pool) Capacity() models.Resources {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var total models.Resources
	for _, m := range p.workers {
		if !m.state.Terminal() {
			total = total.Add(m.worker.Config().ResourceCap)
		}
	}
	return total
}

// Utilization returns the fraction of active workers that are busy.
func (p *Pool) Utilization() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	active, busy := 0, 0
	for _, m := range p.workers {
		if m.state.Terminal() {
			continue
		}
		active++
		if m.state == models.WorkerBusy {
			busy++
		}
	}
	if active == 0 {
		return 0
	}
	return float64(busy) / float64(active)
}

// HealthCheck runs one probe pass over the fleet and executes due restarts.
func (p *Pool) HealthCheck(ctx context.Context) {
	p.mu.RLock()
	type probeTarget struct {
		id     string
		worker Worker
	}
	var targets []probeTarget
	for id, m := range p.workers {
		switch m.state {
		case models.WorkerIdle, models.WorkerBusy, models.WorkerReady:
			targets = append(targets, probeTarget{id: id, worker: m.worker})
		}
	}
	p.mu.RUnlock()

	for _, t := range targets {
		err := p.probe(ctx, t.worker)

		p.mu.Lock()
		m, ok := p.workers[t.id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		if err == nil {
			m.metrics.LastHealthAt = p.now()
			p.mu.Unlock()
			continue
		}
		log.Printf("[pool] worker %s failed health probe: %v", t.id, err)
		m.state = models.WorkerError
		m.lastProbeErr = err
		m.metrics.LastError = err.Error()
		p.evaluateFailureLocked(t.id, m)
		p.mu.Unlock()
	}

	p.runDueRestarts()
}

// probe calls the worker's health check with a hard deadline. A probe that
// never returns still counts as failed once the deadline passes.
func (p *Pool) probe(ctx context.Context, w Worker) error {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Health(probeCtx) }()

	select {
	case err := <-done:
		return err
	case <-probeCtx.Done():
		return models.E(models.KindTimeout, "health probe exceeded %s", p.cfg.ProbeTimeout)
	}
}

// evaluateFailureLocked schedules a restart or destroys the worker when the
// restart policy is exhausted. Caller must hold p.mu.
func (p *Pool) evaluateFailureLocked(id string, m *managed) {
	if m.restartCount < p.cfg.RestartPolicy.MaxRestarts {
		delay := time.Duration(float64(p.cfg.RestartPolicy.RestartDelay) *
			math.Pow(p.cfg.RestartPolicy.BackoffMultiplier, float64(m.restartCount)))
		m.nextRestartAt = p.now().Add(delay)
		return
	}

	taskID := m.currentTaskID
	reason := m.lastProbeErr
	delete(p.workers, id)

	go func() {
		p.emit(models.Event{
			Type:     models.EventWorkerFailed,
			WorkerID: id,
			Error:    fmt.Sprintf("restart policy exhausted: %v", reason),
		})
		if taskID != "" && p.cfg.OnWorkerDown != nil {
			p.cfg.OnWorkerDown(id, taskID, reason)
		}
	}()
}

// runDueRestarts re-creates workers whose restart delay has elapsed.
func (p *Pool) runDueRestarts() {
	p.mu.Lock()
	type due struct {
		id  string
		cfg models.WorkerConfig
	}
	var restarts []due
	now := p.now()
	for id, m := range p.workers {
		if (m.state == models.WorkerError || m.state == models.WorkerUnresponsive) &&
			!m.nextRestartAt.IsZero() && !now.Before(m.nextRestartAt) {
			restarts = append(restarts, due{id: id, cfg: m.worker.Config()})
		}
	}
	p.mu.Unlock()

	for _, r := range restarts {
		worker, err := p.cfg.Factory(r.cfg)
		if err != nil {
			log.Printf("[pool] restart of worker %s failed: %v", r.id, err)
			continue
		}

		p.mu.Lock()
		m, ok := p.workers[r.id]
		if !ok {
			p.mu.Unlock()
			continue
		}
		orphanedTask := m.currentTaskID
		m.worker = worker
		m.state = models.WorkerIdle
		m.currentTaskID = ""
		m.reserved = models.Resources{}
		m.restartCount++
		m.nextRestartAt = time.Time{}
		m.idleSince = p.now()
		reason := m.lastProbeErr
		p.mu.Unlock()

		p.emit(models.Event{Type: models.EventWorkerRestarted, WorkerID: r.id})
		if orphanedTask != "" && p.cfg.OnWorkerDown != nil {
			p.cfg.OnWorkerDown(r.id, orphanedTask, reason)
		}
	}
}

// RunHealthLoop probes the fleet every HealthInterval until ctx is done.
func (p *Pool) RunHealthLoop(ctx context.Context) {
	interval := p.cfg.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.HealthCheck(ctx)
		}
	}
}

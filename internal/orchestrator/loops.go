package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/strategy"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// loopRestartLimit bounds how often a panicking loop is restarted before
// the orchestrator gives up and fails.
const loopRestartLimit = 3

// spawnLoop runs fn on its own goroutine with panic containment. A panic is
// reported as an Internal event with a correlation id and the loop is
// restarted; repeated panics fail the orchestrator.
func (o *Orchestrator) spawnLoop(ctx context.Context, name string, fn func(context.Context)) {
	o.loopWg.Add(1)
	go func() {
		defer o.loopWg.Done()
		restarts := 0
		for {
			panicked := o.runContained(ctx, name, fn)
			if !panicked || ctx.Err() != nil {
				return
			}
			restarts++
			if restarts > loopRestartLimit {
				o.fail("loop " + name + " panicked repeatedly")
				return
			}
		}
	}()
}

// runContained invokes fn, converting a panic into an Internal event.
// Returns true if fn panicked.
func (o *Orchestrator) runContained(ctx context.Context, name string, fn func(context.Context)) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			correlationID := uuid.New().String()[:8]
			log.Printf("[orchestrator] %s loop panic (correlation %s): %v", name, correlationID, r)
			o.emit(models.Event{
				Type:          models.EventInternal,
				Message:       "recovered panic in " + name + " loop",
				Error:         toString(r),
				CorrelationID: correlationID,
			})
		}
	}()
	fn(ctx)
	return false
}

func toString(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	if s, ok := r.(string); ok {
		return s
	}
	return "panic"
}

// autoscaleLoop runs scale decisions, the starvation check, and the
// sustained-overage watchdog at AutoscaleInterval.
func (o *Orchestrator) autoscaleLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.AutoscaleInterval)
	defer ticker.Stop()

	var overageSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.autoscaleOnce(&overageSince)
		}
	}
}

// autoscaleOnce performs one autoscaler pass.
func (o *Orchestrator) autoscaleOnce(overageSince *time.Time) {
	if o.State() != models.StateRunning {
		return
	}

	util := o.pool.Utilization()
	o.strat.ObserveUtilization(util)

	live := o.liveTaskCount()
	workers := o.pool.Count()

	// Maintain the MinAgents floor before consulting the strategy.
	if workers < o.cfg.MinAgents {
		for i := workers; i < o.cfg.MinAgents; i++ {
			if _, err := o.addWorker(); err != nil {
				log.Printf("[orchestrator] restore min_agents: %v", err)
				break
			}
		}
		workers = o.pool.Count()
	}

	// Starvation: work exists but the fleet is gone and cannot be rebuilt.
	if live > 0 && workers == 0 {
		o.emit(models.Event{
			Type:    models.EventAlertTriggered,
			Message: "degraded: tasks pending with no workers available",
		})
		if o.cfg.FailOnStarvation {
			o.fail("starvation: tasks pending with no workers")
		}
		return
	}

	// Sustained resource overage against the global budget is fatal.
	if !o.cfg.GlobalResources.IsZero() {
		if !o.pool.InUse().Fits(o.cfg.GlobalResources) {
			if overageSince.IsZero() {
				*overageSince = o.now()
			} else if o.now().Sub(*overageSince) > o.cfg.SustainedOverageWindow {
				o.fail("resource budget exceeded beyond sustained_overage_window")
				return
			}
		} else {
			*overageSince = time.Time{}
		}
	}

	m := strategy.Metrics{
		Utilization:   util,
		QueueDepth:    o.queue.Len(),
		Backlog:       live,
		ActiveWorkers: workers,
		Trend:         o.strat.CurrentTrend(),
	}
	decision := o.strat.ShouldScale(m)
	switch decision.Direction {
	case strategy.ScaleUp:
		n := decision.Count
		if workers+n > o.cfg.MaxAgents {
			n = o.cfg.MaxAgents - workers
		}
		if n > 0 {
			if err := o.ScaleUp(n); err != nil {
				log.Printf("[orchestrator] autoscale up: %v", err)
			} else {
				o.debug.Log("autoscaler added %d workers: %s", n, decision.Reason)
			}
		}
	case strategy.ScaleDown:
		n := decision.Count
		if workers-n < o.cfg.MinAgents {
			n = workers - o.cfg.MinAgents
		}
		if n > 0 {
			if err := o.ScaleDown(n, false); err != nil {
				log.Printf("[orchestrator] autoscale down: %v", err)
			} else {
				o.debug.Log("autoscaler removed %d workers: %s", n, decision.Reason)
			}
		}
	}
}

// checkpointLoop persists periodic checkpoints.
func (o *Orchestrator) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if o.State() != models.StateRunning {
				continue
			}
			if _, err := o.Checkpoint(); err != nil {
				log.Printf("[orchestrator] periodic checkpoint: %v", err)
			}
		}
	}
}

// retentionLoop removes acknowledged or stale terminal tasks and sweeps the
// knowledge store.
func (o *Orchestrator) retentionLoop(ctx context.Context) {
	interval := o.cfg.ResultRetention / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepRetention()
			o.know.Sweep()
		}
	}
}

// sweepRetention removes terminal tasks that have been acknowledged or have
// outlived ResultRetention, provided every dependent is terminal too (a
// completed dependency must stay visible while dependents may still run).
func (o *Orchestrator) sweepRetention() {
	now := o.now()
	for _, task := range o.sched.TasksSnapshot() {
		if !task.Status.Terminal() {
			continue
		}

		o.ackMu.Lock()
		acked := o.acked[task.ID]
		o.ackMu.Unlock()

		expired := task.EndedAt != nil && now.Sub(*task.EndedAt) > o.cfg.ResultRetention
		if !acked && !expired {
			continue
		}

		blocked := false
		for _, depID := range o.graph.Dependents(task.ID) {
			if dep := o.graph.Get(depID); dep != nil && !dep.Status.Terminal() {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}

		o.sched.RemoveTask(task.ID)
		o.ackMu.Lock()
		delete(o.acked, task.ID)
		o.ackMu.Unlock()
		o.debug.Log("retention removed task %s (%s)", task.ID, task.Status)
	}
}

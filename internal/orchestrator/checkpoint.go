package orchestrator

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/internal/kv"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Checkpoint persists a snapshot of every task and worker under
// checkpoint:<id> with a monotonically increasing sequence number.
func (o *Orchestrator) Checkpoint() (string, error) {
	o.seqMu.Lock()
	o.checkpointSeq++
	seq := o.checkpointSeq
	o.seqMu.Unlock()

	cp := models.Checkpoint{
		ID:             uuid.New().String()[:8],
		OrchestratorID: o.id,
		State:          o.State(),
		CreatedAt:      o.now(),
		Sequence:       seq,
	}
	for _, task := range o.sched.TasksSnapshot() {
		t := task
		cp.Tasks = append(cp.Tasks, models.CheckpointTask{
			Task:         &t,
			Dependencies: o.graph.Dependencies(task.ID),
			Dependents:   o.graph.Dependents(task.ID),
		})
	}
	cp.Workers = o.pool.Snapshots()

	data, err := kv.Encode(cp)
	if err != nil {
		return "", models.E(models.KindInternal, "encode checkpoint: %v", err)
	}
	if err := o.store.Set(kv.CheckpointPrefix+cp.ID, data, 0); err != nil {
		return "", models.E(models.KindInternal, "persist checkpoint: %v", err)
	}

	o.emit(models.Event{
		Type:    models.EventCheckpointSaved,
		Message: "checkpoint " + cp.ID,
		Payload: map[string]interface{}{"sequence": seq, "tasks": len(cp.Tasks)},
	})
	o.debug.Log("checkpoint %s saved (seq=%d tasks=%d workers=%d)",
		cp.ID, seq, len(cp.Tasks), len(cp.Workers))
	return cp.ID, nil
}

// Restore rebuilds graph and fleet state from a stored checkpoint. Only
// allowed before Start or while Paused; a snapshot whose sequence is not
// greater than the current one is rejected as stale.
func (o *Orchestrator) Restore(checkpointID string) error {
	switch o.State() {
	case models.StateReady, models.StatePaused:
	default:
		return models.E(models.KindInvalidState, "restore requires Ready or Paused, state is %s", o.State())
	}

	data, ok, err := o.store.Get(kv.CheckpointPrefix + checkpointID)
	if err != nil {
		return models.E(models.KindInternal, "load checkpoint: %v", err)
	}
	if !ok {
		return models.E(models.KindNotFound, "checkpoint %s", checkpointID)
	}
	var cp models.Checkpoint
	if err := kv.Decode(data, &cp); err != nil {
		return models.E(models.KindInvalidArgument, "decode checkpoint %s: %v", checkpointID, err)
	}

	o.seqMu.Lock()
	if cp.Sequence <= o.checkpointSeq {
		current := o.checkpointSeq
		o.seqMu.Unlock()
		return models.E(models.KindInvalidArgument,
			"stale checkpoint: sequence %d not greater than current %d", cp.Sequence, current)
	}
	o.checkpointSeq = cp.Sequence
	o.seqMu.Unlock()

	// Insert tasks dependencies-first so every edge resolves.
	pending := append([]models.CheckpointTask(nil), cp.Tasks...)
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Task.ID < pending[j].Task.ID
	})
	for progress := true; progress && len(pending) > 0; {
		progress = false
		var remaining []models.CheckpointTask
		for _, ct := range pending {
			if !o.depsPresent(ct.Dependencies) {
				remaining = append(remaining, ct)
				continue
			}
			task := *ct.Task
			// Work interrupted mid-flight restarts from the queue.
			switch task.Status {
			case models.TaskStatusReady, models.TaskStatusAssigned, models.TaskStatusRunning:
				task.Status = models.TaskStatusPending
				task.AssignedWorker = ""
				task.StartedAt = nil
			}
			if err := o.graph.Add(&task); err != nil {
				return models.E(models.KindInternal, "restore task %s: %v", task.ID, err)
			}
			progress = true
		}
		pending = remaining
	}
	if len(pending) > 0 {
		return models.E(models.KindInvalidArgument,
			"checkpoint %s has unresolvable dependencies for %d tasks", checkpointID, len(pending))
	}

	// Rebuild the fleet from the stored configurations.
	for _, ws := range cp.Workers {
		if ws.State.Terminal() {
			continue
		}
		if _, err := o.pool.Add(ws.Config); err != nil {
			return models.E(models.KindInternal, "restore worker %s: %v", ws.Config.ID, err)
		}
		o.know.RegisterWorker(ws.Config.ID)
	}

	o.debug.Log("restored checkpoint %s (seq=%d tasks=%d workers=%d)",
		checkpointID, cp.Sequence, len(cp.Tasks), len(cp.Workers))
	return nil
}

// depsPresent reports whether every dependency id is already in the graph.
func (o *Orchestrator) depsPresent(deps []string) bool {
	for _, dep := range deps {
		if !o.graph.Has(dep) {
			return false
		}
	}
	return true
}

// Sequence returns the current checkpoint sequence number.
func (o *Orchestrator) Sequence() uint64 {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()
	return o.checkpointSeq
}

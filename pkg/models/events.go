package models

import "time"

// EventType represents the kind of a lifecycle event.
type EventType string

const (
	// EventOrchestratorStarted indicates the orchestrator entered Running.
	EventOrchestratorStarted EventType = "orchestrator_started"
	// EventOrchestratorPaused indicates the orchestrator entered Paused.
	EventOrchestratorPaused EventType = "orchestrator_paused"
	// EventOrchestratorResumed indicates the orchestrator returned to Running.
	EventOrchestratorResumed EventType = "orchestrator_resumed"
	// EventOrchestratorStopped indicates a clean shutdown completed.
	EventOrchestratorStopped EventType = "orchestrator_stopped"
	// EventOrchestratorFailed indicates a fatal fault.
	EventOrchestratorFailed EventType = "orchestrator_failed"

	// EventWorkerSpawned indicates a worker was created.
	EventWorkerSpawned EventType = "worker_spawned"
	// EventWorkerReady indicates a worker finished initialization.
	EventWorkerReady EventType = "worker_ready"
	// EventWorkerFailed indicates a worker was destroyed after exhausting restarts.
	EventWorkerFailed EventType = "worker_failed"
	// EventWorkerRestarted indicates a worker was restarted after a health failure.
	EventWorkerRestarted EventType = "worker_restarted"
	// EventWorkerTerminated indicates a worker was destroyed by scale-down or stop.
	EventWorkerTerminated EventType = "worker_terminated"

	// EventTaskSubmitted indicates a task entered the orchestrator.
	EventTaskSubmitted EventType = "task_submitted"
	// EventTaskReady indicates all dependencies completed and the task is queued.
	EventTaskReady EventType = "task_ready"
	// EventTaskAssigned indicates a worker was selected for the task.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskStarted indicates execution began.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates the task finished successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates the task failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskTimedOut indicates the task exceeded its timeout.
	EventTaskTimedOut EventType = "task_timed_out"
	// EventTaskCancelled indicates the task was cancelled.
	EventTaskCancelled EventType = "task_cancelled"
	// EventTaskCascadeFailed indicates a dependency failure cascaded to the task.
	EventTaskCascadeFailed EventType = "task_cascade_failed"

	// EventScaleUp indicates workers were added to the pool.
	EventScaleUp EventType = "scale_up"
	// EventScaleDown indicates workers were removed from the pool.
	EventScaleDown EventType = "scale_down"
	// EventCheckpointSaved indicates a checkpoint was persisted.
	EventCheckpointSaved EventType = "checkpoint_saved"
	// EventAlertTriggered indicates a degraded or anomalous condition.
	EventAlertTriggered EventType = "alert_triggered"
	// EventInternal indicates a recovered internal fault.
	EventInternal EventType = "internal"
	// EventsDropped marks that a subscriber's buffer overflowed and events were lost.
	EventsDropped EventType = "events_dropped"
	// EventCustom carries caller-defined payloads.
	EventCustom EventType = "custom"
)

// Event is a structured lifecycle notification.
type Event struct {
	// Seq is the global monotonic sequence number assigned at publish.
	Seq uint64 `json:"seq"`
	// Type is the kind of event.
	Type EventType `json:"type"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Source names the component that emitted the event.
	Source string `json:"source"`
	// TaskID is the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// WorkerID is the related worker, if applicable.
	WorkerID string `json:"worker_id,omitempty"`
	// Message provides additional human-readable context.
	Message string `json:"message,omitempty"`
	// Error contains failure details for failure events.
	Error string `json:"error,omitempty"`
	// CorrelationID links Internal events to a recovered fault.
	CorrelationID string `json:"correlation_id,omitempty"`
	// Payload carries event-specific structured data.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Emitter receives every published event. Implementations are observability
// adapters (tracing backends, metrics sinks) and must not block.
type Emitter interface {
	Emit(Event)
}

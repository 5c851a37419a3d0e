package models

import "time"

// OrchestratorState is the lifecycle state of the orchestrator.
type OrchestratorState string

const (
	// StateInitializing indicates configuration is being validated.
	StateInitializing OrchestratorState = "initializing"
	// StateReady indicates initialization finished; Start has not been called.
	StateReady OrchestratorState = "ready"
	// StateRunning indicates the orchestrator is scheduling work.
	StateRunning OrchestratorState = "running"
	// StatePaused indicates no new assignments are made.
	StatePaused OrchestratorState = "paused"
	// StateCompleting indicates a drain is in progress.
	StateCompleting OrchestratorState = "completing"
	// StateCompleted indicates a clean shutdown finished.
	StateCompleted OrchestratorState = "completed"
	// StateFailed indicates a fatal fault.
	StateFailed OrchestratorState = "failed"
	// StateTerminated indicates a forced shutdown.
	StateTerminated OrchestratorState = "terminated"
)

// Valid returns true if the state is a known value.
func (s OrchestratorState) Valid() bool {
	switch s {
	case StateInitializing, StateReady, StateRunning, StatePaused,
		StateCompleting, StateCompleted, StateFailed, StateTerminated:
		return true
	default:
		return false
	}
}

// Terminal returns true if the orchestrator cannot leave this state.
func (s OrchestratorState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTerminated:
		return true
	default:
		return false
	}
}

// CheckpointTask is a task snapshot with its dependency sets flattened.
type CheckpointTask struct {
	// Task is the full task record.
	Task *Task `json:"task"`
	// Dependencies lists the task IDs this task waits on.
	Dependencies []string `json:"dependencies,omitempty"`
	// Dependents lists the task IDs waiting on this task.
	Dependents []string `json:"dependents,omitempty"`
}

// Checkpoint is a self-describing snapshot of orchestrator state.
type Checkpoint struct {
	// ID is the unique checkpoint identifier.
	ID string `json:"id"`
	// OrchestratorID identifies the orchestrator that produced the snapshot.
	OrchestratorID string `json:"orchestrator_id"`
	// State is the orchestrator state at snapshot time.
	State OrchestratorState `json:"state"`
	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
	// Sequence increases monotonically per checkpoint. Restore rejects a
	// snapshot whose sequence is not greater than the current one.
	Sequence uint64 `json:"sequence"`
	// Tasks holds every live and retained task with its dependency sets.
	Tasks []CheckpointTask `json:"tasks"`
	// Workers holds worker configurations with metrics and restart counts.
	Workers []WorkerSnapshot `json:"workers"`
}

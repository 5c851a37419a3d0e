// Package pool manages the worker fleet: creation, health, restart policy,
// resource accounting, and scaling.
package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Worker executes one task at a time and answers health probes.
// Implementations must honor ctx cancellation at natural yield points.
type Worker interface {
	// ID returns the worker's unique identifier.
	ID() string
	// Config returns the worker's immutable configuration.
	Config() models.WorkerConfig
	// Execute runs a task to completion or until ctx is cancelled.
	Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error)
	// Health probes the worker. A non-nil error marks the worker unhealthy.
	Health(ctx context.Context) error
}

// Factory creates a Worker from its configuration. The pool uses it for
// initial creation and for restarts.
type Factory func(cfg models.WorkerConfig) (Worker, error)

// Handler executes the payload of one task and returns its output.
type Handler func(ctx context.Context, task *models.Task) (interface{}, error)

// KindCapabilities returns the default capability tags for an agent kind.
// Callers may extend the returned set per worker.
func KindCapabilities(kind models.AgentKind) []string {
	switch kind {
	case models.KindResearch:
		return []string{"research", "analyze"}
	case models.KindAnalysis:
		return []string{"analyze", "aggregate"}
	case models.KindExecution:
		return []string{"process", "transform"}
	case models.KindValidation:
		return []string{"validate"}
	case models.KindCoordination:
		return []string{"coordinator", "aggregate"}
	case models.KindMonitoring:
		return []string{"monitor"}
	case models.KindSpecialist:
		return nil
	default:
		return nil
	}
}

// HandlerWorker is the default Worker implementation. It dispatches task
// execution to a registered per-type handler.
type HandlerWorker struct {
	cfg      models.WorkerConfig
	handlers map[models.TaskType]Handler
	fallback Handler
	probe    func(ctx context.Context) error
}

// NewHandlerWorker creates a worker from its configuration and a handler
// registry. Handlers for types the worker never sees may be omitted.
func NewHandlerWorker(cfg models.WorkerConfig, handlers map[models.TaskType]Handler) *HandlerWorker {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()[:8]
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = KindCapabilities(cfg.Kind)
	}
	return &HandlerWorker{cfg: cfg, handlers: handlers}
}

// SetFallback registers a handler used when no type-specific handler exists.
func (w *HandlerWorker) SetFallback(h Handler) { w.fallback = h }

// SetProbe overrides the health probe. The default probe always succeeds.
func (w *HandlerWorker) SetProbe(probe func(ctx context.Context) error) { w.probe = probe }

// ID returns the worker's unique identifier.
func (w *HandlerWorker) ID() string { return w.cfg.ID }

// Config returns the worker's immutable configuration.
func (w *HandlerWorker) Config() models.WorkerConfig { return w.cfg }

// Execute dispatches the task to its handler and wraps the outcome in a
// TaskResult. A missing handler is an execution failure, not a panic.
func (w *HandlerWorker) Execute(ctx context.Context, task *models.Task) (*models.TaskResult, error) {
	started := time.Now()
	result := &models.TaskResult{
		TaskID:    task.ID,
		WorkerID:  w.cfg.ID,
		Attempt:   task.Attempts,
		StartedAt: started,
	}

	handler, ok := w.handlers[task.Type]
	if !ok {
		handler = w.fallback
	}
	if handler == nil {
		result.EndedAt = time.Now()
		result.Error = fmt.Sprintf("no handler registered for task type %s", task.Type)
		return result, nil
	}

	output, err := handler(ctx, task)
	result.EndedAt = time.Now()
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		result.Error = err.Error()
		return result, nil
	}
	result.Success = true
	result.Output = output
	return result, nil
}

// Health answers the worker's health probe.
func (w *HandlerWorker) Health(ctx context.Context) error {
	if w.probe != nil {
		return w.probe(ctx)
	}
	return nil
}

package orchestrator

import (
	"time"

	"github.com/ShayCichocki/hivemind/internal/kv"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

// options holds optional collaborators supplied at construction.
type options struct {
	store    kv.Store
	factory  pool.Factory
	handlers map[models.TaskType]pool.Handler
	fallback pool.Handler
	kinds    []models.AgentKind
	debug    *DebugLogger
	clock    func() time.Time
}

// Option configures the orchestrator at construction.
type Option func(*options)

// WithStore sets the KV store backing checkpoints and knowledge.
// Defaults to an in-memory store.
func WithStore(s kv.Store) Option {
	return func(o *options) { o.store = s }
}

// WithWorkerFactory replaces the default HandlerWorker factory.
func WithWorkerFactory(f pool.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithHandlers registers per-task-type handlers for the default workers.
func WithHandlers(h map[models.TaskType]pool.Handler) Option {
	return func(o *options) { o.handlers = h }
}

// WithFallbackHandler registers the handler used for task types without a
// dedicated handler. The default fallback echoes the task input.
func WithFallbackHandler(h pool.Handler) Option {
	return func(o *options) { o.fallback = h }
}

// WithWorkerKinds sets the agent kinds the autoscaler cycles through when
// creating workers. Defaults to execution, analysis, and validation.
func WithWorkerKinds(kinds []models.AgentKind) Option {
	return func(o *options) { o.kinds = kinds }
}

// WithDebugLogger enables verbose scheduling traces.
func WithDebugLogger(l *DebugLogger) Option {
	return func(o *options) { o.debug = l }
}

// WithClock replaces the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// Package strategy selects workers for tasks and recommends pool scaling.
// The auto strategy chooses an assignment policy per call from live metrics.
package strategy

import (
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// Policy names an assignment policy chosen for one Pick call.
type Policy string

const (
	// PolicyPipeline prefers workers tagged with the task's stage.
	PolicyPipeline Policy = "pipeline"
	// PolicyConsensus prefers validator-capable workers.
	PolicyConsensus Policy = "consensus"
	// PolicyParallel prefers the least-loaded worker.
	PolicyParallel Policy = "parallel"
	// PolicyHierarchical prefers coordinator-tagged workers.
	PolicyHierarchical Policy = "hierarchical"
	// PolicyAdaptive prefers the best historical success rate for the type.
	PolicyAdaptive Policy = "adaptive"
)

// Trend describes the direction of pool load over the trend window.
type Trend string

const (
	// TrendImproving means utilization is falling.
	TrendImproving Trend = "improving"
	// TrendStable means utilization is flat.
	TrendStable Trend = "stable"
	// TrendDegrading means utilization is rising.
	TrendDegrading Trend = "degrading"
)

// Metrics is the live system view passed to every strategy call. The
// strategy reads nothing else.
type Metrics struct {
	// Utilization is the fraction of active workers that are busy.
	Utilization float64
	// QueueDepth is the number of ready tasks waiting for a worker.
	QueueDepth int
	// Backlog is ready plus pending (dependency- or retry-blocked) tasks.
	Backlog int
	// ActiveWorkers is the number of workers in the pool.
	ActiveWorkers int
	// Trend is the utilization trend over the configured window.
	Trend Trend
}

// ScaleDirection is the kind of a scaling recommendation.
type ScaleDirection string

const (
	// ScaleNone recommends no change.
	ScaleNone ScaleDirection = "none"
	// ScaleUp recommends adding workers.
	ScaleUp ScaleDirection = "up"
	// ScaleDown recommends removing workers.
	ScaleDown ScaleDirection = "down"
)

// ScaleDecision is a scaling recommendation with its rationale.
type ScaleDecision struct {
	// Direction is up, down, or none.
	Direction ScaleDirection
	// Count is how many workers to add or remove.
	Count int
	// Reason explains the decision.
	Reason string
}

// Strategy picks workers for tasks and recommends scaling. Implementations
// must be pure with respect to external state: everything they read arrives
// through arguments.
type Strategy interface {
	// Pick selects a worker for the task from the idle set, or nil when no
	// idle worker is eligible.
	Pick(task *models.Task, idle []models.WorkerSnapshot, m Metrics) *models.WorkerSnapshot
	// Rebalance proposes an assignment of pending tasks to workers. Optional
	// periodic optimization; the scheduler may ignore it.
	Rebalance(workers []models.WorkerSnapshot, pending []*models.Task, m Metrics) map[string]string
	// ShouldScale recommends a pool size change from live metrics.
	ShouldScale(m Metrics) ScaleDecision
}

// Config holds the auto strategy's tunables.
type Config struct {
	// ScaleUpThreshold is the utilization above which the pool grows.
	ScaleUpThreshold float64
	// ScaleDownThreshold is the utilization below which the pool shrinks.
	ScaleDownThreshold float64
	// UpStep is the worker count added per scale-up, clamped to 5.
	UpStep int
	// DownStep is the worker count removed per scale-down, clamped to 2.
	DownStep int
	// TrendWindow is the number of utilization samples in the trend window.
	TrendWindow int
	// BacklogUpThreshold forces scale-up regardless of utilization.
	BacklogUpThreshold int
	// BacklogDownThreshold gates scale-down.
	BacklogDownThreshold int
}

// maxUpStep and maxDownStep clamp scale recommendations.
const (
	maxUpStep          = 5
	maxDownStep        = 2
	historyLimit       = 100
	defaultTrendWindow = 10
)

// DefaultConfig returns the thresholds from the orchestrator defaults.
func DefaultConfig() Config {
	return Config{
		ScaleUpThreshold:     0.85,
		ScaleDownThreshold:   0.3,
		UpStep:               2,
		DownStep:             1,
		TrendWindow:          defaultTrendWindow,
		BacklogUpThreshold:   50,
		BacklogDownThreshold: 5,
	}
}

// Selection is one recorded policy choice.
type Selection struct {
	// Time is when the choice was made.
	Time time.Time
	// TaskID is the task being placed.
	TaskID string
	// Policy is the chosen assignment policy.
	Policy Policy
	// WorkerID is the selected worker, empty when no worker was eligible.
	WorkerID string
}

// Auto is the metric-driven strategy. Pick filters candidates by
// capability, resource fit, and the type compatibility matrix, then selects
// among the survivors with a policy chosen from the signal table.
type Auto struct {
	cfg Config

	mu      sync.Mutex
	history []Selection
	samples []float64
}

// NewAuto creates an auto strategy. Zero-valued config fields fall back to
// the defaults.
func NewAuto(cfg Config) *Auto {
	def := DefaultConfig()
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if cfg.UpStep <= 0 {
		cfg.UpStep = def.UpStep
	}
	if cfg.DownStep <= 0 {
		cfg.DownStep = def.DownStep
	}
	if cfg.TrendWindow <= 0 {
		cfg.TrendWindow = def.TrendWindow
	}
	if cfg.BacklogUpThreshold <= 0 {
		cfg.BacklogUpThreshold = def.BacklogUpThreshold
	}
	if cfg.BacklogDownThreshold <= 0 {
		cfg.BacklogDownThreshold = def.BacklogDownThreshold
	}
	if cfg.UpStep > maxUpStep {
		cfg.UpStep = maxUpStep
	}
	if cfg.DownStep > maxDownStep {
		cfg.DownStep = maxDownStep
	}
	return &Auto{cfg: cfg}
}

// Eligible returns the idle workers that may execute the task: required
// capabilities advertised, resource envelope fits, and the type matrix
// allows the pairing.
func Eligible(task *models.Task, idle []models.WorkerSnapshot) []models.WorkerSnapshot {
	var out []models.WorkerSnapshot
	for _, w := range idle {
		if !w.Config.HasCapabilities(task.Requirements.Capabilities) {
			continue
		}
		if !task.Requirements.Resources.Fits(w.Config.ResourceCap) {
			continue
		}
		if !Compatible(task.Type, w.Config.Kind) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Complexity derives a task complexity score in [0,1] from its type, its
// resource reservation, and its dependency count.
func Complexity(task *models.Task) float64 {
	var base float64
	switch task.Type {
	case models.TaskTypeAnalyze:
		base = 0.4
	case models.TaskTypeProcess:
		base = 0.3
	case models.TaskTypeTransform:
		base = 0.5
	case models.TaskTypeValidate:
		base = 0.4
	case models.TaskTypeAggregate:
		base = 0.6
	default:
		base = 0.5
	}
	score := base
	score += (task.Requirements.Resources.CPU / 8) * 0.2
	score += (float64(task.Requirements.Resources.MemoryMB) / 8192) * 0.1
	score += float64(len(task.Requirements.DependsOn)) * 0.05
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

// choosePolicy applies the signal table in priority order.
func (a *Auto) choosePolicy(task *models.Task, m Metrics) Policy {
	switch {
	case len(task.Requirements.DependsOn) > 3:
		return PolicyPipeline
	case Complexity(task) > 0.7:
		return PolicyConsensus
	case m.Utilization < 0.5 && m.QueueDepth > 10:
		return PolicyParallel
	case task.Priority.Weight() >= 0.8:
		return PolicyHierarchical
	default:
		return PolicyAdaptive
	}
}

// Pick selects a worker for the task, or nil when none is eligible.
// Every call records its policy choice in the rolling history.
func (a *Auto) Pick(task *models.Task, idle []models.WorkerSnapshot, m Metrics) *models.WorkerSnapshot {
	policy := a.choosePolicy(task, m)
	candidates := Eligible(task, idle)

	var chosen *models.WorkerSnapshot
	if len(candidates) > 0 {
		switch policy {
		case PolicyPipeline:
			chosen = pickPreferring(candidates, func(w models.WorkerSnapshot) bool {
				return w.Config.HasCapability(string(task.Type))
			})
		case PolicyConsensus:
			chosen = pickPreferring(candidates, func(w models.WorkerSnapshot) bool {
				return w.Config.Kind == models.KindValidation || w.Config.HasCapability("validate")
			})
		case PolicyParallel:
			chosen = pickLeastLoaded(candidates)
		case PolicyHierarchical:
			chosen = pickPreferring(candidates, func(w models.WorkerSnapshot) bool {
				return w.Config.Kind == models.KindCoordination || w.Config.HasCapability("coordinator")
			})
		default:
			chosen = pickBestRate(candidates, task.Type)
		}
	}

	sel := Selection{Time: time.Now(), TaskID: task.ID, Policy: policy}
	if chosen != nil {
		sel.WorkerID = chosen.Config.ID
	}
	a.mu.Lock()
	a.history = append(a.history, sel)
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.mu.Unlock()

	return chosen
}

// pickPreferring returns the first candidate matching prefer, falling back
// to the first candidate when none matches. Candidates arrive sorted by id,
// which keeps selection deterministic.
func pickPreferring(candidates []models.WorkerSnapshot, prefer func(models.WorkerSnapshot) bool) *models.WorkerSnapshot {
	for i := range candidates {
		if prefer(candidates[i]) {
			return &candidates[i]
		}
	}
	return &candidates[0]
}

// pickLeastLoaded returns the candidate with the fewest lifetime executions.
func pickLeastLoaded(candidates []models.WorkerSnapshot) *models.WorkerSnapshot {
	best := 0
	bestLoad := candidates[0].Metrics.TasksCompleted + candidates[0].Metrics.TasksFailed
	for i := 1; i < len(candidates); i++ {
		load := candidates[i].Metrics.TasksCompleted + candidates[i].Metrics.TasksFailed
		if load < bestLoad {
			best, bestLoad = i, load
		}
	}
	return &candidates[best]
}

// pickBestRate returns the candidate with the highest historical success
// rate for the task type, weighted by the worker's priority weight.
func pickBestRate(candidates []models.WorkerSnapshot, taskType models.TaskType) *models.WorkerSnapshot {
	best := 0
	bestScore := score(candidates[0], taskType)
	for i := 1; i < len(candidates); i++ {
		if s := score(candidates[i], taskType); s > bestScore {
			best, bestScore = i, s
		}
	}
	return &candidates[best]
}

func score(w models.WorkerSnapshot, taskType models.TaskType) float64 {
	s := w.Metrics.SuccessRateFor(taskType)
	if w.Config.PriorityWeight > 0 {
		s += w.Config.PriorityWeight * 0.01
	}
	return s
}

// Rebalance proposes a task-to-worker mapping for pending tasks using the
// same eligibility rules as Pick. Workers are not assigned twice.
func (a *Auto) Rebalance(workers []models.WorkerSnapshot, pending []*models.Task, m Metrics) map[string]string {
	available := make([]models.WorkerSnapshot, 0, len(workers))
	for _, w := range workers {
		if w.State == models.WorkerIdle {
			available = append(available, w)
		}
	}
	sort.Slice(available, func(i, j int) bool { return available[i].Config.ID < available[j].Config.ID })

	mapping := make(map[string]string)
	for _, task := range pending {
		candidates := Eligible(task, available)
		if len(candidates) == 0 {
			continue
		}
		chosen := pickBestRate(candidates, task.Type)
		mapping[task.ID] = chosen.Config.ID
		for i, w := range available {
			if w.Config.ID == chosen.Config.ID {
				available = append(available[:i], available[i+1:]...)
				break
			}
		}
	}
	return mapping
}

// ObserveUtilization feeds one utilization sample into the trend window.
func (a *Auto) ObserveUtilization(u float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, u)
	if len(a.samples) > a.cfg.TrendWindow {
		a.samples = a.samples[len(a.samples)-a.cfg.TrendWindow:]
	}
}

// CurrentTrend compares the two halves of the trend window. Rising
// utilization is degrading; falling is improving.
func (a *Auto) CurrentTrend() Trend {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.samples) < 4 {
		return TrendStable
	}
	half := len(a.samples) / 2
	first := mean(a.samples[:half])
	second := mean(a.samples[half:])
	switch {
	case second > first+0.05:
		return TrendDegrading
	case second < first-0.05:
		return TrendImproving
	default:
		return TrendStable
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// ShouldScale recommends a pool change: up when utilization or backlog is
// high, down when both are low and the trend is not degrading.
func (a *Auto) ShouldScale(m Metrics) ScaleDecision {
	switch {
	case m.Utilization > a.cfg.ScaleUpThreshold:
		return ScaleDecision{
			Direction: ScaleUp,
			Count:     a.cfg.UpStep,
			Reason:    "utilization above scale-up threshold",
		}
	case m.Backlog > a.cfg.BacklogUpThreshold:
		return ScaleDecision{
			Direction: ScaleUp,
			Count:     a.cfg.UpStep,
			Reason:    "backlog above scale-up threshold",
		}
	case m.Utilization < a.cfg.ScaleDownThreshold &&
		m.Backlog < a.cfg.BacklogDownThreshold &&
		m.Trend != TrendDegrading:
		return ScaleDecision{
			Direction: ScaleDown,
			Count:     a.cfg.DownStep,
			Reason:    "utilization and backlog below scale-down thresholds",
		}
	default:
		return ScaleDecision{Direction: ScaleNone}
	}
}

// History returns a copy of the rolling policy-selection history.
func (a *Auto) History() []Selection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Selection(nil), a.history...)
}

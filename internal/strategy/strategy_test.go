package strategy

import (
	"fmt"
	"testing"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func worker(id string, kind models.AgentKind, caps ...string) models.WorkerSnapshot {
	return models.WorkerSnapshot{
		Config: models.WorkerConfig{
			ID:           id,
			Kind:         kind,
			Capabilities: caps,
			ResourceCap:  models.Resources{CPU: 4, MemoryMB: 4096},
		},
		State: models.WorkerIdle,
	}
}

func simpleTask(id string, taskType models.TaskType) *models.Task {
	return &models.Task{
		ID:       id,
		Type:     taskType,
		Priority: models.PriorityMedium,
	}
}

func TestCompatibleMatrixComplete(t *testing.T) {
	kinds := []models.AgentKind{
		models.KindResearch, models.KindAnalysis, models.KindExecution,
		models.KindValidation, models.KindCoordination, models.KindMonitoring,
		models.KindSpecialist,
	}
	// Custom tasks run anywhere.
	for _, k := range kinds {
		if !Compatible(models.TaskTypeCustom, k) {
			t.Errorf("custom should be compatible with %s", k)
		}
	}
	// Every task type has at least one compatible kind.
	types := []models.TaskType{
		models.TaskTypeAnalyze, models.TaskTypeProcess, models.TaskTypeTransform,
		models.TaskTypeValidate, models.TaskTypeAggregate, models.TaskTypeCustom,
	}
	for _, tt := range types {
		any := false
		for _, k := range kinds {
			if Compatible(tt, k) {
				any = true
				break
			}
		}
		if !any {
			t.Errorf("no compatible kind for %s", tt)
		}
	}
	if Compatible(models.TaskTypeValidate, models.KindExecution) {
		t.Error("execution workers must not run validate tasks")
	}
}

func TestEligibleFilters(t *testing.T) {
	task := simpleTask("t-1", models.TaskTypeProcess)
	task.Requirements.Capabilities = []string{"gpu"}
	task.Requirements.Resources = models.Resources{CPU: 2, MemoryMB: 1024}

	idle := []models.WorkerSnapshot{
		worker("w-nocap", models.KindExecution, "process"),
		worker("w-wrongkind", models.KindValidation, "gpu", "validate"),
		worker("w-good", models.KindExecution, "gpu", "process"),
	}
	small := worker("w-small", models.KindExecution, "gpu")
	small.Config.ResourceCap = models.Resources{CPU: 1, MemoryMB: 512}
	idle = append(idle, small)

	got := Eligible(task, idle)
	if len(got) != 1 || got[0].Config.ID != "w-good" {
		t.Fatalf("expected only w-good, got %v", names(got))
	}
}

func TestComplexityClamped(t *testing.T) {
	task := simpleTask("t-1", models.TaskTypeAggregate)
	task.Requirements.Resources = models.Resources{CPU: 64, MemoryMB: 1 << 20}
	task.Requirements.DependsOn = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

	if c := Complexity(task); c != 1 {
		t.Errorf("expected clamp at 1, got %f", c)
	}

	simple := simpleTask("t-2", models.TaskTypeProcess)
	if c := Complexity(simple); c <= 0 || c >= 1 {
		t.Errorf("expected simple task in (0,1), got %f", c)
	}
}

func TestPickPipelinePolicyForDeepDependencies(t *testing.T) {
	a := NewAuto(Config{})
	task := simpleTask("t-1", models.TaskTypeProcess)
	task.Requirements.DependsOn = []string{"a", "b", "c", "d"}

	idle := []models.WorkerSnapshot{
		worker("w-1", models.KindExecution, "transform"),
		worker("w-2", models.KindExecution, "process"),
	}
	chosen := a.Pick(task, idle, Metrics{})
	if chosen == nil || chosen.Config.ID != "w-2" {
		t.Fatalf("pipeline policy should prefer stage-tagged worker, got %+v", chosen)
	}

	hist := a.History()
	if len(hist) != 1 || hist[0].Policy != PolicyPipeline {
		t.Errorf("expected pipeline policy recorded, got %+v", hist)
	}
}

func TestPickHierarchicalForCriticalTasks(t *testing.T) {
	a := NewAuto(Config{})
	task := simpleTask("t-1", models.TaskTypeCustom)
	task.Priority = models.PriorityCritical

	idle := []models.WorkerSnapshot{
		worker("w-exec", models.KindExecution, "process"),
		worker("w-coord", models.KindCoordination, "coordinator"),
	}
	chosen := a.Pick(task, idle, Metrics{})
	if chosen == nil || chosen.Config.ID != "w-coord" {
		t.Fatalf("expected coordinator preferred, got %+v", chosen)
	}
	if got := a.History()[0].Policy; got != PolicyHierarchical {
		t.Errorf("expected hierarchical policy, got %s", got)
	}
}

func TestPickParallelChoosesLeastLoaded(t *testing.T) {
	a := NewAuto(Config{})
	task := simpleTask("t-1", models.TaskTypeProcess)

	busy := worker("w-busy", models.KindExecution)
	busy.Metrics.TasksCompleted = 50
	fresh := worker("w-fresh", models.KindExecution)

	chosen := a.Pick(task, []models.WorkerSnapshot{busy, fresh},
		Metrics{Utilization: 0.2, QueueDepth: 20})
	if chosen == nil || chosen.Config.ID != "w-fresh" {
		t.Fatalf("expected least-loaded worker, got %+v", chosen)
	}
	if got := a.History()[0].Policy; got != PolicyParallel {
		t.Errorf("expected parallel policy, got %s", got)
	}
}

func TestPickAdaptiveUsesSuccessRate(t *testing.T) {
	a := NewAuto(Config{})
	task := simpleTask("t-1", models.TaskTypeProcess)

	weak := worker("w-weak", models.KindExecution)
	weak.Metrics.SuccessByType = map[models.TaskType]int64{models.TaskTypeProcess: 1}
	weak.Metrics.TotalByType = map[models.TaskType]int64{models.TaskTypeProcess: 10}
	strong := worker("w-strong", models.KindExecution)
	strong.Metrics.SuccessByType = map[models.TaskType]int64{models.TaskTypeProcess: 9}
	strong.Metrics.TotalByType = map[models.TaskType]int64{models.TaskTypeProcess: 10}

	chosen := a.Pick(task, []models.WorkerSnapshot{weak, strong}, Metrics{Utilization: 0.6})
	if chosen == nil || chosen.Config.ID != "w-strong" {
		t.Fatalf("expected best success rate, got %+v", chosen)
	}
}

func TestPickReturnsNilWhenNoneEligible(t *testing.T) {
	a := NewAuto(Config{})
	task := simpleTask("t-1", models.TaskTypeValidate)

	idle := []models.WorkerSnapshot{worker("w-exec", models.KindExecution)}
	if chosen := a.Pick(task, idle, Metrics{}); chosen != nil {
		t.Fatalf("expected nil, got %+v", chosen)
	}
	// The failed attempt is still recorded.
	if hist := a.History(); len(hist) != 1 || hist[0].WorkerID != "" {
		t.Errorf("expected recorded selection without worker, got %+v", hist)
	}
}

func TestHistoryCapped(t *testing.T) {
	a := NewAuto(Config{})
	idle := []models.WorkerSnapshot{worker("w-1", models.KindExecution)}
	for i := 0; i < 150; i++ {
		a.Pick(simpleTask(fmt.Sprintf("t-%d", i), models.TaskTypeProcess), idle, Metrics{})
	}
	if got := len(a.History()); got != 100 {
		t.Errorf("expected history capped at 100, got %d", got)
	}
}

func TestShouldScaleUpOnUtilization(t *testing.T) {
	a := NewAuto(Config{UpStep: 10}) // clamped to 5
	d := a.ShouldScale(Metrics{Utilization: 0.95})
	if d.Direction != ScaleUp {
		t.Fatalf("expected up, got %+v", d)
	}
	if d.Count != 5 {
		t.Errorf("expected clamp at 5, got %d", d.Count)
	}
}

func TestShouldScaleUpOnBacklog(t *testing.T) {
	a := NewAuto(Config{})
	d := a.ShouldScale(Metrics{Utilization: 0.4, Backlog: 100})
	if d.Direction != ScaleUp {
		t.Fatalf("expected up, got %+v", d)
	}
}

func TestShouldScaleDownRequiresCalmTrend(t *testing.T) {
	a := NewAuto(Config{})

	d := a.ShouldScale(Metrics{Utilization: 0.1, Backlog: 0, Trend: TrendStable})
	if d.Direction != ScaleDown {
		t.Fatalf("expected down, got %+v", d)
	}

	d = a.ShouldScale(Metrics{Utilization: 0.1, Backlog: 0, Trend: TrendDegrading})
	if d.Direction != ScaleNone {
		t.Errorf("degrading trend must suppress scale-down, got %+v", d)
	}
}

func TestTrendFromSamples(t *testing.T) {
	a := NewAuto(Config{TrendWindow: 6})
	for _, u := range []float64{0.2, 0.2, 0.2, 0.8, 0.8, 0.8} {
		a.ObserveUtilization(u)
	}
	if got := a.CurrentTrend(); got != TrendDegrading {
		t.Errorf("rising utilization should be degrading, got %s", got)
	}

	b := NewAuto(Config{TrendWindow: 6})
	for _, u := range []float64{0.8, 0.8, 0.8, 0.2, 0.2, 0.2} {
		b.ObserveUtilization(u)
	}
	if got := b.CurrentTrend(); got != TrendImproving {
		t.Errorf("falling utilization should be improving, got %s", got)
	}
}

func TestRebalanceAssignsEachWorkerOnce(t *testing.T) {
	a := NewAuto(Config{})
	workers := []models.WorkerSnapshot{
		worker("w-1", models.KindExecution),
		worker("w-2", models.KindExecution),
	}
	pending := []*models.Task{
		simpleTask("t-1", models.TaskTypeProcess),
		simpleTask("t-2", models.TaskTypeProcess),
		simpleTask("t-3", models.TaskTypeProcess),
	}

	mapping := a.Rebalance(workers, pending, Metrics{})
	if len(mapping) != 2 {
		t.Fatalf("expected 2 assignments, got %v", mapping)
	}
	if mapping["t-1"] == mapping["t-2"] {
		t.Errorf("workers must not be assigned twice: %v", mapping)
	}
}

func names(ws []models.WorkerSnapshot) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Config.ID
	}
	return out
}

package graph

import (
	"errors"
	"testing"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

func task(id string, deps ...string) *models.Task {
	return &models.Task{
		ID:       id,
		Name:     "Task " + id,
		Type:     models.TaskTypeProcess,
		Priority: models.PriorityMedium,
		Status:   models.TaskStatusPending,
		Requirements: models.Requirements{
			DependsOn: deps,
		},
	}
}

func mustAdd(t *testing.T, g *TaskGraph, tasks ...*models.Task) {
	t.Helper()
	for _, tk := range tasks {
		if err := g.Add(tk); err != nil {
			t.Fatalf("add %s: %v", tk.ID, err)
		}
	}
}

func TestNewGraphEmpty(t *testing.T) {
	g := New()
	if g.Size() != 0 {
		t.Errorf("expected empty graph, got size %d", g.Size())
	}
}

func TestAddWithDependencies(t *testing.T) {
	g := New()
	mustAdd(t, g, task("task-1"), task("task-2", "task-1"), task("task-3", "task-1", "task-2"))

	deps := g.Dependencies("task-3")
	if len(deps) != 2 {
		t.Errorf("expected 2 dependencies for task-3, got %d", len(deps))
	}

	dependents := g.Dependents("task-1")
	if len(dependents) != 2 {
		t.Errorf("expected 2 dependents of task-1, got %d", len(dependents))
	}
}

func TestAddUnknownDependency(t *testing.T) {
	g := New()
	err := g.Add(task("task-1", "missing"))
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
	if g.Has("task-1") {
		t.Error("rejected task should not be in graph")
	}
}

func TestAddSelfDependency(t *testing.T) {
	g := New()
	err := g.Add(task("A", "A"))
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("expected ErrCycleDetected for self-loop, got %v", err)
	}
}

func TestAddDuplicate(t *testing.T) {
	g := New()
	mustAdd(t, g, task("A"))
	err := g.Add(task("A"))
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestReadyRespectsDependencies(t *testing.T) {
	g := New()
	mustAdd(t, g, task("A"), task("B", "A"), task("C", "B"))

	ready := g.Ready()
	if len(ready) != 1 || ready[0].ID != "A" {
		t.Fatalf("expected only A ready, got %v", ids(ready))
	}

	g.Get("A").Status = models.TaskStatusCompleted
	ready = g.Ready()
	if len(ready) != 1 || ready[0].ID != "B" {
		t.Fatalf("expected only B ready, got %v", ids(ready))
	}
}

func TestReadySortedByID(t *testing.T) {
	g := New()
	mustAdd(t, g, task("c"), task("a"), task("b"))

	got := ids(g.Ready())
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDepsSatisfiedSkippedCountsAsEmpty(t *testing.T) {
	g := New()
	mustAdd(t, g, task("A"), task("B", "A"))

	g.Get("A").Status = models.TaskStatusSkipped
	if !g.DepsSatisfied("B") {
		t.Error("skipped dependency should satisfy dependents")
	}
}

func TestCascadeAbortMarksDescendants(t *testing.T) {
	// A -> {B, C}, B -> D. A fails; everything downstream aborts.
	g := New()
	mustAdd(t, g, task("A"), task("B", "A"), task("C", "A"), task("D", "B"))

	g.Get("A").Status = models.TaskStatusFailed
	changed := g.Cascade("A")

	if len(changed) != 3 {
		t.Fatalf("expected 3 cascaded tasks, got %v", ids(changed))
	}
	for _, id := range []string{"B", "C", "D"} {
		if got := g.Get(id).Status; got != models.TaskStatusCascadeFailed {
			t.Errorf("expected %s cascade_failed, got %s", id, got)
		}
	}
}

func TestCascadeSkipUnblocksGrandDependents(t *testing.T) {
	// A -> B -> C, where B uses the skip policy. A fails: B is skipped and
	// C becomes ready as if B produced empty outputs.
	g := New()
	b := task("B", "A")
	b.OnDependencyFailure = models.CascadeSkip
	mustAdd(t, g, task("A"), b, task("C", "B"))

	g.Get("A").Status = models.TaskStatusFailed
	g.Cascade("A")

	if got := g.Get("B").Status; got != models.TaskStatusSkipped {
		t.Fatalf("expected B skipped, got %s", got)
	}
	if !g.DepsSatisfied("C") {
		t.Error("C should be runnable after B was skipped")
	}
}

func TestCascadeContinueSetsMarker(t *testing.T) {
	g := New()
	b := task("B", "A")
	b.OnDependencyFailure = models.CascadeContinue
	mustAdd(t, g, task("A"), b)

	g.Get("A").Status = models.TaskStatusFailed
	changed := g.Cascade("A")

	if len(changed) != 1 || changed[0].ID != "B" {
		t.Fatalf("expected B changed, got %v", ids(changed))
	}
	if g.Get("B").Status != models.TaskStatusPending {
		t.Error("continue policy should leave the task runnable")
	}
	if !g.Get("B").DependencyFailed {
		t.Error("continue policy should set the failed-dependency marker")
	}
	if !g.DepsSatisfied("B") {
		t.Error("B should be runnable with the marker set")
	}
}

func TestCascadeSkipsStartedWork(t *testing.T) {
	g := New()
	mustAdd(t, g, task("A"), task("B", "A"))

	g.Get("B").Status = models.TaskStatusRunning
	g.Get("A").Status = models.TaskStatusFailed
	changed := g.Cascade("A")

	if len(changed) != 0 {
		t.Fatalf("running dependents must not cascade, got %v", ids(changed))
	}
}

func TestRemoveCleansIndexes(t *testing.T) {
	g := New()
	mustAdd(t, g, task("A"), task("B", "A"))

	g.Remove("B")
	if g.Has("B") {
		t.Error("B should be gone")
	}
	if len(g.Dependents("A")) != 0 {
		t.Errorf("dependent index should be clean, got %v", g.Dependents("A"))
	}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

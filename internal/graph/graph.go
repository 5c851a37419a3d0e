// Package graph holds the task graph: tasks, their dependency and dependent
// indexes, readiness queries, and failure cascades.
package graph

import (
	"errors"
	"sort"
	"sync"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownDependency indicates a task depends on an id not in the graph.
var ErrUnknownDependency = errors.New("unknown dependency")

// ErrDuplicateTask indicates a task id is already present.
var ErrDuplicateTask = errors.New("duplicate task id")

// TaskGraph is a directed acyclic graph of task dependencies.
// Edges point from a task to the tasks it is blocked by.
type TaskGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// dependents maps task ID to IDs of tasks that depend on it.
	dependents map[string][]string
}

// New creates an empty task graph.
func New() *TaskGraph {
	return &TaskGraph{
		nodes:      make(map[string]*models.Task),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
	}
}

// Add inserts a task into the graph. Dependencies must reference tasks
// already in the graph; self-dependencies and cycles are rejected.
func (g *TaskGraph) Add(task *models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[task.ID]; exists {
		return ErrDuplicateTask
	}
	for _, depID := range task.Requirements.DependsOn {
		if depID == task.ID {
			return ErrCycleDetected
		}
		if _, exists := g.nodes[depID]; !exists {
			return ErrUnknownDependency
		}
	}

	g.nodes[task.ID] = task
	g.edges[task.ID] = append([]string(nil), task.Requirements.DependsOn...)
	for _, depID := range task.Requirements.DependsOn {
		g.dependents[depID] = append(g.dependents[depID], task.ID)
	}

	if g.hasCycleLocked() {
		// Roll back the insertion.
		for _, depID := range task.Requirements.DependsOn {
			deps := g.dependents[depID]
			for i, id := range deps {
				if id == task.ID {
					g.dependents[depID] = append(deps[:i], deps[i+1:]...)
					break
				}
			}
		}
		delete(g.nodes, task.ID)
		delete(g.edges, task.ID)
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
// Caller must hold g.mu.
func (g *TaskGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Found a back edge - cycle detected.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// Get returns the task for a given ID, or nil if not found.
func (g *TaskGraph) Get(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Has returns true if the task is in the graph.
func (g *TaskGraph) Has(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[taskID]
	return ok
}

// Size returns the number of tasks in the graph.
func (g *TaskGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Tasks returns every task in the graph, sorted by id for determinism.
func (g *TaskGraph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(g.nodes))
	for _, t := range g.nodes {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *TaskGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *TaskGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[taskID]...)
}

// DepsSatisfied returns true if every dependency of the task allows it to
// run: completed, skipped (empty outputs), or any terminal state when the
// task carries the failed-dependency marker of the continue policy.
func (g *TaskGraph) DepsSatisfied(taskID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.depsSatisfiedLocked(taskID)
}

func (g *TaskGraph) depsSatisfiedLocked(taskID string) bool {
	task := g.nodes[taskID]
	if task == nil {
		return false
	}
	for _, depID := range g.edges[taskID] {
		dep := g.nodes[depID]
		if dep == nil {
			return false
		}
		switch dep.Status {
		case models.TaskStatusCompleted, models.TaskStatusSkipped:
			// Satisfied.
		default:
			if dep.Status.Terminal() && task.DependencyFailed {
				// Continue policy: run with the failed-dependency marker.
				continue
			}
			return false
		}
	}
	return true
}

// Ready returns pending tasks whose dependencies are all satisfied, sorted
// by id for determinism.
func (g *TaskGraph) Ready() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Task
	for id, task := range g.nodes {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if g.depsSatisfiedLocked(id) {
			ready = append(ready, task)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// Cascade applies dependency-failure policies after the given task reached a
// failed terminal state. Each not-yet-started dependent reacts per its own
// policy: abort marks it CascadeFailed and recurses, skip marks it Skipped
// (its dependents then see satisfied outputs), continue leaves it runnable
// with the failed-dependency marker. Returns the tasks whose status changed,
// sorted by id.
func (g *TaskGraph) Cascade(failedID string) []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := make(map[string]*models.Task)
	g.cascadeLocked(failedID, changed)

	out := make([]*models.Task, 0, len(changed))
	for _, t := range changed {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (g *TaskGraph) cascadeLocked(failedID string, changed map[string]*models.Task) {
	for _, depID := range g.dependents[failedID] {
		dep := g.nodes[depID]
		if dep == nil || dep.Status.Terminal() {
			continue
		}
		// Started work is never preempted by a cascade.
		if dep.Status == models.TaskStatusAssigned || dep.Status == models.TaskStatusRunning {
			continue
		}
		switch dep.CascadePolicyOrDefault() {
		case models.CascadeAbort:
			dep.Status = models.TaskStatusCascadeFailed
			changed[dep.ID] = dep
			g.cascadeLocked(dep.ID, changed)
		case models.CascadeSkip:
			dep.Status = models.TaskStatusSkipped
			changed[dep.ID] = dep
		case models.CascadeContinue:
			if !dep.DependencyFailed {
				dep.DependencyFailed = true
				changed[dep.ID] = dep
			}
		}
	}
}

// Remove deletes a task and its index entries. Dependents keep their edge
// lists; readiness checks treat a missing dependency as unsatisfied, so
// removing a task with live dependents is the caller's responsibility.
func (g *TaskGraph) Remove(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, depID := range g.edges[taskID] {
		deps := g.dependents[depID]
		for i, id := range deps {
			if id == taskID {
				g.dependents[depID] = append(deps[:i], deps[i+1:]...)
				break
			}
		}
	}
	delete(g.nodes, taskID)
	delete(g.edges, taskID)
}

// Package graph maintains the unified in-memory collection of tasks and
// subtasks with dependency, parent, and provides/requires edges.
//
// Tasks live in an arena slice addressed by id through an index map; edges
// and parent links hold ids, never pointers, so the structure stays acyclic
// at the reference level and diffs against the board stay trivial.
package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/antigravity-dev/marcus/internal/fault"
)

// Graph is the thread-safe unified task collection for one project.
type Graph struct {
	mu    sync.RWMutex
	arena []Task
	index map[string]int // id -> arena slot
	free  []int          // recycled arena slots

	// dependents is the reverse adjacency: dep id -> set of ids requiring it.
	dependents map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		index:      make(map[string]int),
		dependents: make(map[string]map[string]struct{}),
	}
}

// Len returns the number of live tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.index)
}

// Get returns a value copy of the task with the given id.
func (g *Graph) Get(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return Task{}, false
	}
	return g.arena[slot].Clone(), true
}

// Upsert inserts or replaces a task. An upsert that would introduce a
// dependency cycle, give a subtask a subtask parent, or collide subtask
// indices fails with GraphInvariantError and leaves the graph unchanged.
func (g *Graph) Upsert(task Task) error {
	task.ID = strings.TrimSpace(task.ID)
	if task.ID == "" {
		return fault.New(fault.KindBusinessLogic, "graph.upsert", fault.ErrGraphInvariant, "task id is required")
	}
	task = task.Clone()
	dedupeDependencies(&task)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.checkUpsertLocked(task); err != nil {
		return err
	}

	if slot, ok := g.index[task.ID]; ok {
		g.unlinkLocked(g.arena[slot])
		g.arena[slot] = task
	} else {
		slot := g.allocLocked()
		g.arena[slot] = task
		g.index[task.ID] = slot
	}
	g.linkLocked(task)
	return nil
}

// Remove deletes a task from the graph. Removing an unknown id is a no-op.
func (g *Graph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.index[id]
	if !ok {
		return
	}
	g.unlinkLocked(g.arena[slot])
	g.arena[slot] = Task{}
	delete(g.index, id)
	g.free = append(g.free, slot)
}

// Update applies fn to a value copy of the task and stores the result when
// fn succeeds. Edge maintenance and cycle checks re-run, so fn may change
// dependencies. The task id is immutable.
func (g *Graph) Update(id string, fn func(*Task) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	slot, ok := g.index[id]
	if !ok {
		return fault.New(fault.KindBusinessLogic, "graph.update", fault.ErrTaskNotFound, "task %q", id)
	}

	cp := g.arena[slot].Clone()
	if err := fn(&cp); err != nil {
		return err
	}
	if cp.ID != id {
		return fault.New(fault.KindBusinessLogic, "graph.update", fault.ErrGraphInvariant, "task id is immutable (%q -> %q)", id, cp.ID)
	}
	dedupeDependencies(&cp)
	if err := g.checkUpsertLocked(cp); err != nil {
		return err
	}

	g.unlinkLocked(g.arena[slot])
	g.arena[slot] = cp
	g.linkLocked(cp)
	return nil
}

// Snapshot returns value copies of every task, sorted by id.
func (g *Graph) Snapshot() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Task, 0, len(g.index))
	for _, slot := range g.index {
		out = append(out, g.arena[slot].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Predecessors returns value copies of the direct dependencies of id.
// Missing dependency ids are skipped.
func (g *Graph) Predecessors(id string) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	slot, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]Task, 0, len(g.arena[slot].Dependencies))
	for _, depID := range g.arena[slot].Dependencies {
		if depSlot, ok := g.index[depID]; ok {
			out = append(out, g.arena[depSlot].Clone())
		}
	}
	return out
}

// Successors returns value copies of the tasks directly depending on id,
// sorted by id.
func (g *Graph) Successors(id string) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.successorsLocked(id)
}

func (g *Graph) successorsLocked(id string) []Task {
	set, ok := g.dependents[id]
	if !ok {
		return nil
	}
	out := make([]Task, 0, len(set))
	for depID := range set {
		if slot, ok := g.index[depID]; ok {
			out = append(out, g.arena[slot].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TransitivePredecessors returns every task reachable over dependency edges
// from id, sorted by id.
func (g *Graph) TransitivePredecessors(id string) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]struct{}{id: {}}
	var out []Task
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		slot, ok := g.index[cur]
		if !ok {
			continue
		}
		for _, depID := range g.arena[slot].Dependencies {
			if _, dup := seen[depID]; dup {
				continue
			}
			seen[depID] = struct{}{}
			if depSlot, ok := g.index[depID]; ok {
				out = append(out, g.arena[depSlot].Clone())
			}
			stack = append(stack, depID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SuccessorCount returns the number of tasks directly depending on id.
// Used by the scheduler as the dependency-impact term.
func (g *Graph) SuccessorCount(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.dependents[id])
}

// SubtasksOf returns value copies of the subtasks of parent, ordered by
// subtask index then id.
func (g *Graph) SubtasksOf(parentID string) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Task
	for _, slot := range g.index {
		t := &g.arena[slot]
		if t.IsSubtask && t.ParentTaskID == parentID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubtaskIndex != out[j].SubtaskIndex {
			return out[i].SubtaskIndex < out[j].SubtaskIndex
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReadyCandidates returns tasks that are structurally ready: status todo and
// every declared dependency done. Contract matching, phase ordering, and
// assignment state are layered on by the resolver. Results follow the
// deterministic picking order.
func (g *Graph) ReadyCandidates() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Task
	for _, slot := range g.index {
		t := &g.arena[slot]
		if t.Status != StatusTodo {
			continue
		}
		if !g.depsDoneLocked(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}

// DepsDone reports whether every dependency of id exists and is done.
func (g *Graph) DepsDone(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	slot, ok := g.index[id]
	if !ok {
		return false
	}
	return g.depsDoneLocked(&g.arena[slot])
}

func (g *Graph) depsDoneLocked(t *Task) bool {
	for _, depID := range t.Dependencies {
		depSlot, ok := g.index[depID]
		if !ok || g.arena[depSlot].Status != StatusDone {
			return false
		}
	}
	return true
}

// Providers returns done tasks providing the given contract tag, ordered by
// completion time (earliest first) then id.
func (g *Graph) Providers(tag string) []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Task
	for _, slot := range g.index {
		t := &g.arena[slot]
		if t.Provides == tag && t.Status == StatusDone {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.CompletedAt != nil && b.CompletedAt == nil:
			return true
		case a.CompletedAt == nil && b.CompletedAt != nil:
			return false
		case a.CompletedAt != nil && b.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt):
			return a.CompletedAt.Before(*b.CompletedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// HasProducer reports whether any task in the graph declares the contract
// tag, regardless of status.
func (g *Graph) HasProducer(tag string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, slot := range g.index {
		if g.arena[slot].Provides == tag {
			return true
		}
	}
	return false
}

func (g *Graph) allocLocked() int {
	if n := len(g.free); n > 0 {
		slot := g.free[n-1]
		g.free = g.free[:n-1]
		return slot
	}
	g.arena = append(g.arena, Task{})
	return len(g.arena) - 1
}

func (g *Graph) linkLocked(task Task) {
	for _, depID := range task.Dependencies {
		set, ok := g.dependents[depID]
		if !ok {
			set = make(map[string]struct{})
			g.dependents[depID] = set
		}
		set[task.ID] = struct{}{}
	}
}

func (g *Graph) unlinkLocked(task Task) {
	for _, depID := range task.Dependencies {
		if set, ok := g.dependents[depID]; ok {
			delete(set, task.ID)
			if len(set) == 0 {
				delete(g.dependents, depID)
			}
		}
	}
}

// checkUpsertLocked verifies the invariants an upsert can break without
// mutating anything.
func (g *Graph) checkUpsertLocked(task Task) error {
	for _, depID := range task.Dependencies {
		if depID == task.ID {
			return fault.New(fault.KindBusinessLogic, "graph.upsert", fault.ErrGraphInvariant,
				"task %q depends on itself", task.ID)
		}
	}
	if g.wouldCycleLocked(task) {
		return fault.New(fault.KindBusinessLogic, "graph.upsert", fault.ErrGraphInvariant,
			"task %q would introduce a dependency cycle", task.ID)
	}

	if task.IsSubtask && task.ParentTaskID != "" {
		if parentSlot, ok := g.index[task.ParentTaskID]; ok {
			parent := &g.arena[parentSlot]
			if parent.IsSubtask {
				return fault.New(fault.KindBusinessLogic, "graph.upsert", fault.ErrGraphInvariant,
					"subtask %q has subtask parent %q", task.ID, task.ParentTaskID)
			}
		}
		for _, slot := range g.index {
			sibling := &g.arena[slot]
			if sibling.ID == task.ID || !sibling.IsSubtask || sibling.ParentTaskID != task.ParentTaskID {
				continue
			}
			if sibling.SubtaskIndex == task.SubtaskIndex {
				return fault.New(fault.KindBusinessLogic, "graph.upsert", fault.ErrGraphInvariant,
					"subtask index %d collides between %q and %q under parent %q",
					task.SubtaskIndex, task.ID, sibling.ID, task.ParentTaskID)
			}
		}
	}
	return nil
}

// wouldCycleLocked runs a DFS from the proposed task's dependencies looking
// for a path back to the task. The proposed dependency list overrides the
// stored one for the task itself.
func (g *Graph) wouldCycleLocked(task Task) bool {
	seen := make(map[string]struct{})
	stack := append([]string(nil), task.Dependencies...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == task.ID {
			return true
		}
		if _, dup := seen[cur]; dup {
			continue
		}
		seen[cur] = struct{}{}

		var deps []string
		if cur == task.ID {
			deps = task.Dependencies
		} else if slot, ok := g.index[cur]; ok {
			deps = g.arena[slot].Dependencies
		}
		stack = append(stack, deps...)
	}
	return false
}

func dedupeDependencies(task *Task) {
	if len(task.Dependencies) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(task.Dependencies))
	out := task.Dependencies[:0]
	for _, depID := range task.Dependencies {
		depID = strings.TrimSpace(depID)
		if depID == "" {
			continue
		}
		if _, dup := seen[depID]; dup {
			continue
		}
		seen[depID] = struct{}{}
		out = append(out, depID)
	}
	task.Dependencies = out
}

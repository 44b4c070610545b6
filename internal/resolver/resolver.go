// Package resolver decides whether a task is eligible for assignment. The
// graph answers the structural question (status and dependency edges); the
// resolver layers contract matching, phase ordering, parent state, and
// assignment exclusivity on top and reports why a task is held back.
package resolver

import (
	"fmt"
	"sort"

	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/lease"
)

// ReasonCode classifies a hold on a task.
type ReasonCode string

const (
	ReasonStatus          ReasonCode = "status"
	ReasonDependencyOpen  ReasonCode = "dependency_open"
	ReasonRequiresPending ReasonCode = "requires_pending"
	ReasonRequiresOrphan  ReasonCode = "requires_orphan"
	ReasonParentState     ReasonCode = "parent_state"
	ReasonPhaseOrdering   ReasonCode = "phase_ordering"
	ReasonAssigned        ReasonCode = "assigned"
)

// Reason explains one hold on a task.
type Reason struct {
	Code   ReasonCode
	Detail string
}

// Readiness is the full eligibility verdict for a task.
type Readiness struct {
	Ready   bool
	Reasons []Reason
}

// LeaseTable is the slice of the lease manager the resolver needs.
type LeaseTable interface {
	Get(taskID string) (lease.Lease, bool)
}

// Resolver evaluates assignment eligibility over one project's graph.
type Resolver struct {
	graph  *graph.Graph
	leases LeaseTable
}

// New builds a resolver. leases may be nil when assignment exclusivity is
// checked elsewhere (e.g. dry-run readiness queries).
func New(g *graph.Graph, leases LeaseTable) *Resolver {
	return &Resolver{graph: g, leases: leases}
}

// Evaluate reports the readiness of one task with every hold that applies.
// Unknown ids report a status hold.
func (r *Resolver) Evaluate(taskID string) Readiness {
	t, ok := r.graph.Get(taskID)
	if !ok {
		return Readiness{Reasons: []Reason{{Code: ReasonStatus, Detail: fmt.Sprintf("task %q not in graph", taskID)}}}
	}
	return r.evaluate(t, r.openPhaseFloors())
}

// Ready returns every fully eligible task in deterministic picking order.
func (r *Resolver) Ready() []graph.Task {
	floors := r.openPhaseFloors()
	var out []graph.Task
	for _, t := range r.graph.ReadyCandidates() {
		if verdict := r.evaluate(t, floors); verdict.Ready {
			out = append(out, t)
		}
	}
	return out
}

// NewlyReady returns the successors of a just-completed task that its
// completion made eligible, in deterministic picking order.
func (r *Resolver) NewlyReady(completedTaskID string) []graph.Task {
	floors := r.openPhaseFloors()
	var out []graph.Task
	for _, succ := range r.graph.Successors(completedTaskID) {
		if succ.Status != graph.StatusTodo {
			continue
		}
		if verdict := r.evaluate(succ, floors); verdict.Ready {
			out = append(out, succ)
		}
	}
	// Successors come back sorted by id; re-sort into picking order.
	sort.Slice(out, func(i, j int) bool { return graph.Less(out[i], out[j]) })
	return out
}

// phaseFloors maps a phase scope to the lowest open phase rank inside it.
// Scopes keep sibling groups independent: one parent's design work never
// gates another parent's build work.
type phaseFloors map[string]int

func (r *Resolver) evaluate(t graph.Task, floors phaseFloors) Readiness {
	var reasons []Reason

	if t.Status != graph.StatusTodo {
		reasons = append(reasons, Reason{ReasonStatus, fmt.Sprintf("status is %q", t.Status)})
	}

	preds := r.graph.Predecessors(t.ID)
	for _, p := range preds {
		if p.Status != graph.StatusDone {
			reasons = append(reasons, Reason{ReasonDependencyOpen, fmt.Sprintf("dependency %q is %q", p.ID, p.Status)})
		}
	}
	if len(preds) != len(t.Dependencies) {
		reasons = append(reasons, Reason{ReasonDependencyOpen, "dependency missing from graph"})
	}

	if t.Requires != "" {
		if len(r.graph.Providers(t.Requires)) == 0 {
			code := ReasonRequiresPending
			detail := fmt.Sprintf("no completed provider for %q", t.Requires)
			if !r.graph.HasProducer(t.Requires) {
				code = ReasonRequiresOrphan
				detail = fmt.Sprintf("no task provides %q", t.Requires)
			}
			reasons = append(reasons, Reason{code, detail})
		}
	}

	if t.IsSubtask && t.ParentTaskID != "" {
		parent, ok := r.graph.Get(t.ParentTaskID)
		switch {
		case !ok:
			reasons = append(reasons, Reason{ReasonParentState, fmt.Sprintf("parent %q not in graph", t.ParentTaskID)})
		case parent.Status == graph.StatusDone:
			reasons = append(reasons, Reason{ReasonParentState, fmt.Sprintf("parent %q already done", parent.ID)})
		case parent.Status == graph.StatusBlocked:
			reasons = append(reasons, Reason{ReasonParentState, fmt.Sprintf("parent %q is blocked", parent.ID)})
		}
	}

	// Explicit dependency edges override phase ordering: a task that names
	// its prerequisites is gated by them alone.
	if len(t.Dependencies) == 0 {
		if phase := graph.PhaseOf(t); phase != "" {
			if rank, known := graph.PhaseRank(phase); known {
				if earliest, ok := floors[phaseScope(t)]; ok && earliest < rank {
					reasons = append(reasons, Reason{ReasonPhaseOrdering, fmt.Sprintf("earlier phase work is still open before %q", phase)})
				}
			}
		}
	}

	if t.AssignedTo != "" {
		reasons = append(reasons, Reason{ReasonAssigned, fmt.Sprintf("assigned to %q", t.AssignedTo)})
	} else if r.leases != nil {
		if l, held := r.leases.Get(t.ID); held {
			reasons = append(reasons, Reason{ReasonAssigned, fmt.Sprintf("leased by %q", l.AgentID)})
		}
	}

	return Readiness{Ready: len(reasons) == 0, Reasons: reasons}
}

// phaseScope names the sibling group a task's phase label competes within:
// the parent id for subtasks, one shared top-level scope for everything else.
func phaseScope(t graph.Task) string {
	if t.IsSubtask {
		return t.ParentTaskID
	}
	return ""
}

// openPhaseFloors returns, per phase scope, the lowest phase rank among tasks
// in that scope that still have work outstanding. Scopes with no open phased
// task are absent from the map.
func (r *Resolver) openPhaseFloors() phaseFloors {
	floors := make(phaseFloors)
	for _, t := range r.graph.Snapshot() {
		if t.Status == graph.StatusDone {
			continue
		}
		phase := graph.PhaseOf(t)
		if phase == "" {
			continue
		}
		rank, known := graph.PhaseRank(phase)
		if !known {
			continue
		}
		scope := phaseScope(t)
		if earliest, ok := floors[scope]; !ok || rank < earliest {
			floors[scope] = rank
		}
	}
	return floors
}


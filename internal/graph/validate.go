package graph

import (
	"fmt"
	"sort"

	"github.com/antigravity-dev/marcus/internal/fault"
)

// ValidationReport lists non-fatal findings from a full graph validation.
type ValidationReport struct {
	// UnmatchedRequires holds task ids whose requires tag has no producer
	// anywhere in the graph. The scheduler treats these tasks as blocked
	// until a producer appears; the condition is a warning, not an error.
	UnmatchedRequires map[string]string
}

// Validate runs the full invariant check over the graph. The returned error
// wraps GraphInvariantError; the report carries warnings that do not fail
// validation.
func (g *Graph) Validate() (ValidationReport, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	report := ValidationReport{UnmatchedRequires: make(map[string]string)}

	ids := make([]string, 0, len(g.index))
	for id := range g.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	producers := make(map[string]struct{})
	for _, id := range ids {
		if tag := g.arena[g.index[id]].Provides; tag != "" {
			producers[tag] = struct{}{}
		}
	}

	seenIndex := make(map[string]map[int]string) // parent -> index -> subtask id
	for _, id := range ids {
		t := &g.arena[g.index[id]]

		for _, depID := range t.Dependencies {
			if _, ok := g.index[depID]; !ok {
				return report, fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
					"task %q depends on missing task %q", t.ID, depID)
			}
		}

		if t.IsSubtask {
			if t.ParentTaskID == "" {
				return report, fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
					"subtask %q has no parent", t.ID)
			}
			parentSlot, ok := g.index[t.ParentTaskID]
			if !ok {
				return report, fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
					"subtask %q refers to missing parent %q", t.ID, t.ParentTaskID)
			}
			if g.arena[parentSlot].IsSubtask {
				return report, fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
					"subtask %q has subtask parent %q", t.ID, t.ParentTaskID)
			}
			byIndex, ok := seenIndex[t.ParentTaskID]
			if !ok {
				byIndex = make(map[int]string)
				seenIndex[t.ParentTaskID] = byIndex
			}
			if other, dup := byIndex[t.SubtaskIndex]; dup {
				return report, fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
					"subtask index %d collides between %q and %q under parent %q",
					t.SubtaskIndex, other, t.ID, t.ParentTaskID)
			}
			byIndex[t.SubtaskIndex] = t.ID
		}

		if t.Requires != "" {
			if _, ok := producers[t.Requires]; !ok {
				report.UnmatchedRequires[t.ID] = t.Requires
			}
		}
	}

	if err := g.detectCycleLocked(ids); err != nil {
		return report, err
	}

	if t, ok := g.doneWithoutCompletionLocked(ids); ok {
		return report, fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
			"task %q is done without a completion timestamp", t)
	}

	return report, nil
}

// detectCycleLocked colors nodes white/gray/black over dependency edges.
func (g *Graph) detectCycleLocked(ids []string) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		slot, ok := g.index[id]
		if ok {
			for _, depID := range g.arena[slot].Dependencies {
				switch color[depID] {
				case gray:
					return fault.New(fault.KindBusinessLogic, "graph.validate", fault.ErrGraphInvariant,
						"dependency cycle through %q", depID)
				case white:
					if err := visit(depID); err != nil {
						return err
					}
				}
			}
		}
		color[id] = black
		return nil
	}

	for _, id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) doneWithoutCompletionLocked(ids []string) (string, bool) {
	for _, id := range ids {
		t := &g.arena[g.index[id]]
		if t.Status == StatusDone && t.CompletedAt == nil {
			return t.ID, true
		}
	}
	return "", false
}

// String summarizes the report for logging.
func (r ValidationReport) String() string {
	if len(r.UnmatchedRequires) == 0 {
		return "ok"
	}
	return fmt.Sprintf("%d unmatched requires tags", len(r.UnmatchedRequires))
}

package taskctx

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
)

// recentDecisionLimit bounds how many nearby decisions a briefing carries.
const recentDecisionLimit = 5

// CompletedWork summarizes one finished upstream task.
type CompletedWork struct {
	TaskID    string     `json:"task_id"`
	Name      string     `json:"name"`
	Provides  string     `json:"provides,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Provision is a completed provider of the contract tag this task requires.
type Provision struct {
	Tag       string     `json:"tag"`
	TaskID    string     `json:"task_id"`
	Name      string     `json:"name"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Briefing is the full context handed to an agent with an assignment.
type Briefing struct {
	Task            graph.Task      `json:"task"`
	PreviousWork    []CompletedWork `json:"previous_work,omitempty"`
	Provisions      []Provision     `json:"provisions,omitempty"`
	RecentDecisions []Decision      `json:"recent_decisions,omitempty"`
	Hint            string          `json:"hint,omitempty"`
	WorkspacePath   string          `json:"workspace_path,omitempty"`
}

// Render serializes the briefing. Over frozen state the bytes are identical
// across builds.
func (b Briefing) Render() ([]byte, error) {
	out, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fault.New(fault.KindIntegration, "taskctx.render", fault.ErrPersistence,
			"marshal briefing for task %q: %v", b.Task.ID, err)
	}
	return out, nil
}

// Workspaces resolves working directories for briefings. nil disables the
// workspace line.
type Workspaces interface {
	PathFor(projectID, agentID string) (string, error)
}

// Builder assembles briefings over one project's graph and journal.
type Builder struct {
	graph      *graph.Graph
	journal    *Journal
	workspaces Workspaces
	projectID  string
}

// NewBuilder wires a builder. workspaces may be nil.
func NewBuilder(g *graph.Graph, journal *Journal, workspaces Workspaces, projectID string) *Builder {
	return &Builder{graph: g, journal: journal, workspaces: workspaces, projectID: projectID}
}

// Build assembles the briefing for an assignment.
func (b *Builder) Build(ctx context.Context, taskID, agentID string) (Briefing, error) {
	task, ok := b.graph.Get(taskID)
	if !ok {
		return Briefing{}, fault.New(fault.KindBusinessLogic, "taskctx.build", fault.ErrTaskNotFound,
			"task %q", taskID)
	}

	briefing := Briefing{Task: task}

	// Finished upstream work, transitively, in id order.
	for _, pred := range b.graph.TransitivePredecessors(taskID) {
		if pred.Status != graph.StatusDone {
			continue
		}
		artifacts, err := b.journal.ArtifactsFor(ctx, pred.ID)
		if err != nil {
			return Briefing{}, err
		}
		briefing.PreviousWork = append(briefing.PreviousWork, CompletedWork{
			TaskID:    pred.ID,
			Name:      pred.Name,
			Provides:  pred.Provides,
			Artifacts: artifacts,
		})
	}

	if task.Requires != "" {
		for _, provider := range b.graph.Providers(task.Requires) {
			artifacts, err := b.journal.ArtifactsFor(ctx, provider.ID)
			if err != nil {
				return Briefing{}, err
			}
			briefing.Provisions = append(briefing.Provisions, Provision{
				Tag:       task.Requires,
				TaskID:    provider.ID,
				Name:      provider.Name,
				Artifacts: artifacts,
			})
		}
	}

	decisions, err := b.recentDecisions(ctx, task)
	if err != nil {
		return Briefing{}, err
	}
	briefing.RecentDecisions = decisions

	briefing.Hint = hintFor(task)

	if b.workspaces != nil && agentID != "" {
		path, err := b.workspaces.PathFor(b.projectID, agentID)
		if err != nil {
			return Briefing{}, fault.Wrap("taskctx.build", err)
		}
		briefing.WorkspacePath = path
	}

	return briefing, nil
}

// recentDecisions gathers decisions from the task's neighborhood: sibling
// subtasks under the same parent, otherwise the task's upstream chain. The
// newest five win; ties order by task id then sequence for determinism.
func (b *Builder) recentDecisions(ctx context.Context, task graph.Task) ([]Decision, error) {
	var neighborhood []graph.Task
	if task.IsSubtask && task.ParentTaskID != "" {
		neighborhood = b.graph.SubtasksOf(task.ParentTaskID)
		if parent, ok := b.graph.Get(task.ParentTaskID); ok {
			neighborhood = append(neighborhood, parent)
		}
	} else {
		neighborhood = b.graph.TransitivePredecessors(task.ID)
	}

	var all []Decision
	for _, n := range neighborhood {
		if n.ID == task.ID {
			continue
		}
		decisions, err := b.journal.DecisionsFor(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		all = append(all, decisions...)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].RecordedAt.Equal(all[j].RecordedAt) {
			return all[i].RecordedAt.After(all[j].RecordedAt)
		}
		if all[i].TaskID != all[j].TaskID {
			return all[i].TaskID < all[j].TaskID
		}
		return all[i].Seq > all[j].Seq
	})
	if len(all) > recentDecisionLimit {
		all = all[:recentDecisionLimit]
	}
	return all, nil
}

// hintFor derives one line of guidance from the task's phase and labels.
func hintFor(task graph.Task) string {
	var parts []string
	switch graph.PhaseOf(task) {
	case "design":
		parts = append(parts, "design phase: produce contracts and interfaces before implementation")
	case "build":
		parts = append(parts, "build phase: implement against the recorded contracts")
	case "test":
		parts = append(parts, "test phase: verify behavior against upstream artifacts")
	case "deploy":
		parts = append(parts, "deploy phase: ship only work that passed the test phase")
	}
	if task.Priority == graph.PriorityUrgent {
		parts = append(parts, "urgent: prefer the smallest change that completes the task")
	}

	var skills []string
	for _, label := range task.Labels {
		if !strings.HasPrefix(label, "phase:") {
			skills = append(skills, label)
		}
	}
	if len(skills) > 0 {
		sort.Strings(skills)
		parts = append(parts, "relevant skills: "+strings.Join(skills, ", "))
	}
	return strings.Join(parts, "; ")
}

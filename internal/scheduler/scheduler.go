// Package scheduler picks the next task for a requesting agent. Candidates
// come from the resolver; the picker scores them against the agent's skills,
// reserves the winner atomically, and opens the lease.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/antigravity-dev/marcus/internal/assign"
	"github.com/antigravity-dev/marcus/internal/config"
	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/kanban"
	"github.com/antigravity-dev/marcus/internal/lease"
	"github.com/antigravity-dev/marcus/internal/resolver"
)

// impactCeiling is the successor count at which dependency impact saturates.
const impactCeiling = 5

// Agent is the scheduler's view of a registered worker.
type Agent struct {
	ID     string
	Name   string
	Role   string
	Skills []string
}

// Assignment is a successful pick.
type Assignment struct {
	Task  graph.Task
	Lease lease.Lease
}

// Velocity supplies historical pace estimates for lease sizing.
type Velocity interface {
	VelocityFactor(ctx context.Context, agentID string, labels []string) (float64, bool, error)
}

// Picker selects and reserves tasks for one project.
type Picker struct {
	logger      *slog.Logger
	projectID   string
	graph       *graph.Graph
	resolver    *resolver.Resolver
	leases      *lease.Manager
	assignments *assign.Store
	board       kanban.Client
	velocity    Velocity
	bus         *events.Bus
	weights     config.ScoreWeights
	fallback    time.Duration // lease duration for tasks without estimates

	mu      sync.Mutex
	latches map[string]struct{}
}

// New wires a picker. velocity and board may be nil.
func New(
	logger *slog.Logger,
	projectID string,
	g *graph.Graph,
	res *resolver.Resolver,
	leases *lease.Manager,
	assignments *assign.Store,
	board kanban.Client,
	velocity Velocity,
	bus *events.Bus,
	weights config.ScoreWeights,
	fallbackLease time.Duration,
) *Picker {
	return &Picker{
		logger:      logger,
		projectID:   projectID,
		graph:       g,
		resolver:    res,
		leases:      leases,
		assignments: assignments,
		board:       board,
		velocity:    velocity,
		bus:         bus,
		weights:     weights,
		fallback:    fallbackLease,
		latches:     make(map[string]struct{}),
	}
}

// RequestNext picks, reserves, and leases the best ready task for the agent.
// correlationID tags the emitted task_assigned event and may be empty.
// ok=false with a nil error means no ready work exists, which is an expected
// outcome, not a failure.
func (p *Picker) RequestNext(ctx context.Context, agent Agent, correlationID string) (Assignment, bool, error) {
	if agent.ID == "" {
		return Assignment{}, false, fault.New(fault.KindBusinessLogic, "scheduler.request_next", fault.ErrAgentNotFound,
			"agent id is required")
	}

	for _, candidate := range p.ranked(agent) {
		if err := ctx.Err(); err != nil {
			return Assignment{}, false, fault.New(fault.KindTransient, "scheduler.request_next", fault.ErrTimeout,
				"scheduling deadline hit: %v", err)
		}

		a, ok, err := p.reserve(ctx, agent, candidate, correlationID)
		if err != nil {
			return Assignment{}, false, err
		}
		if !ok {
			continue // lost the race, try the next candidate
		}
		return a, true, nil
	}
	return Assignment{}, false, nil
}

// ranked returns the agent's candidates best-first. Subtasks of in-flight
// parents outrank top-level tasks so decomposed work drains before new work
// starts. Zero-score tasks are not candidates at all: a skill mismatch means
// the task waits for a matching agent rather than being handed to this one.
func (p *Picker) ranked(agent Agent) []graph.Task {
	ready := p.resolver.Ready()

	subtasks := p.scored(lo.Filter(ready, func(t graph.Task, _ int) bool { return t.IsSubtask }), agent)
	toplevel := p.scored(lo.Filter(ready, func(t graph.Task, _ int) bool { return !t.IsSubtask }), agent)
	return append(subtasks, toplevel...)
}

func (p *Picker) scored(tasks []graph.Task, agent Agent) []graph.Task {
	scores := make(map[string]float64, len(tasks))
	for _, t := range tasks {
		scores[t.ID] = p.score(t, agent)
	}
	eligible := lo.Filter(tasks, func(t graph.Task, _ int) bool { return scores[t.ID] > 0 })
	sort.SliceStable(eligible, func(i, j int) bool {
		if scores[eligible[i].ID] != scores[eligible[j].ID] {
			return scores[eligible[i].ID] > scores[eligible[j].ID]
		}
		return graph.Less(eligible[i], eligible[j])
	})
	return eligible
}

// score combines skill fit, priority, and dependency impact under the
// configured weights. A labeled task the agent shares no skill with scores
// zero and is dropped from the candidate list; unlabeled tasks take a
// neutral skill fit.
func (p *Picker) score(t graph.Task, agent Agent) float64 {
	skills := skillLabels(t)

	var skillFit float64
	switch {
	case len(skills) == 0:
		skillFit = 0.5
	default:
		matched := lo.CountBy(skills, func(label string) bool {
			return lo.ContainsBy(agent.Skills, func(s string) bool { return strings.EqualFold(s, label) })
		})
		if matched == 0 {
			return 0
		}
		skillFit = float64(matched) / float64(len(skills))
	}

	impact := float64(p.graph.SuccessorCount(t.ID)) / impactCeiling
	if impact > 1 {
		impact = 1
	}

	return skillFit*p.weights.Skill + t.Priority.Weight()*p.weights.Priority + impact*p.weights.Impact
}

// reserve takes the per-task latch, re-checks eligibility, and writes the
// assignment through lease table, durable store, graph, and board, rolling
// back on a lost race. ok=false means another request won the task.
func (p *Picker) reserve(ctx context.Context, agent Agent, t graph.Task, correlationID string) (Assignment, bool, error) {
	if !p.latch(t.ID) {
		return Assignment{}, false, nil
	}
	defer p.unlatch(t.ID)

	// Re-check under the latch: the graph may have moved since ranking.
	if verdict := p.resolver.Evaluate(t.ID); !verdict.Ready {
		return Assignment{}, false, nil
	}

	duration := p.leaseDuration(ctx, agent, t)
	l, err := p.leases.Open(t.ID, agent.ID, duration)
	if err != nil {
		// A racing open is a lost race, not a failure.
		if fault.KindOf(err) == fault.KindBusinessLogic {
			return Assignment{}, false, nil
		}
		return Assignment{}, false, err
	}

	won, err := p.assignments.Reserve(ctx, assign.Record{
		TaskID:   t.ID,
		AgentID:  agent.ID,
		OpenedAt: l.CreatedAt,
		Lease:    assign.LeaseSnapshot{ExpiresAt: l.ExpiresAt},
	})
	if err != nil {
		p.leases.Release(t.ID)
		return Assignment{}, false, err
	}
	if !won {
		p.leases.Release(t.ID)
		return Assignment{}, false, nil
	}

	boardOK := p.pushToBoard(ctx, t.ID, agent.ID)
	err = p.graph.Update(t.ID, func(task *graph.Task) error {
		task.Status = graph.StatusInProgress
		task.AssignedTo = agent.ID
		task.UpdatedAt = l.CreatedAt
		task.BoardSyncPending = !boardOK
		return nil
	})
	if err != nil {
		p.leases.Release(t.ID)
		if rmErr := p.assignments.Remove(ctx, t.ID); rmErr != nil {
			p.logger.Error("assignment rollback failed", "task", t.ID, "error", rmErr)
		}
		return Assignment{}, false, err
	}

	task, _ := p.graph.Get(t.ID)
	p.logger.Info("task assigned", "task", t.ID, "agent", agent.ID, "lease_expires", l.ExpiresAt)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			ProjectID:     p.projectID,
			CorrelationID: correlationID,
			Payload: events.TaskAssigned{
				TaskID:         t.ID,
				AgentID:        agent.ID,
				LeaseExpiresAt: l.ExpiresAt,
			},
		})
	}
	return Assignment{Task: task, Lease: l}, true, nil
}

// pushToBoard mirrors the assignment onto the kanban board. Failures mark
// the task board_sync_pending for the reconciler instead of failing the
// assignment.
func (p *Picker) pushToBoard(ctx context.Context, taskID, agentID string) bool {
	if p.board == nil {
		return true
	}
	if err := p.board.AssignTask(ctx, taskID, agentID); err != nil {
		p.logger.Warn("board assignment deferred to reconciler", "task", taskID, "error", err)
		return false
	}
	return true
}

func (p *Picker) leaseDuration(ctx context.Context, agent Agent, t graph.Task) time.Duration {
	if t.EstimatedHours <= 0 {
		if p.fallback > 0 {
			return p.fallback
		}
		return lease.InitialDuration(0, 0)
	}
	var factor float64
	if p.velocity != nil {
		f, ok, err := p.velocity.VelocityFactor(ctx, agent.ID, skillLabels(t))
		if err != nil {
			p.logger.Warn("velocity lookup failed, using raw estimate", "agent", agent.ID, "error", err)
		} else if ok {
			factor = f
		}
	}
	return lease.InitialDuration(t.EstimatedHours, factor)
}

func (p *Picker) latch(taskID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.latches[taskID]; held {
		return false
	}
	p.latches[taskID] = struct{}{}
	return true
}

func (p *Picker) unlatch(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.latches, taskID)
}

// skillLabels returns the task's labels minus phase tags.
func skillLabels(t graph.Task) []string {
	return lo.Filter(t.Labels, func(label string, _ int) bool {
		return !strings.HasPrefix(label, "phase:")
	})
}

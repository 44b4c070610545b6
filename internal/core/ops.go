package core

import (
	"context"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/antigravity-dev/marcus/internal/assign"
	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/lease"
	"github.com/antigravity-dev/marcus/internal/memory"
	"github.com/antigravity-dev/marcus/internal/resolver"
	"github.com/antigravity-dev/marcus/internal/scheduler"
	"github.com/antigravity-dev/marcus/internal/taskctx"
)

// AssignmentResult is the reply to a successful work request.
type AssignmentResult struct {
	Task          graph.Task
	Lease         lease.Lease
	Briefing      taskctx.Briefing
	CorrelationID string
}

// TaskSnapshot is the full observable state of one task.
type TaskSnapshot struct {
	Task      graph.Task
	Lease     *lease.Lease
	Readiness resolver.Readiness
}

// AgentSnapshot is an agent's registration plus live workload.
type AgentSnapshot struct {
	Agent         Agent
	Assignments   []assign.Record
	Leases        []lease.Lease
	WorkloadHours float64
}

// RequestNextTask picks, reserves, and briefs the best ready task for the
// agent. ok=false with a nil error means no ready work.
func (c *Core) RequestNextTask(ctx context.Context, agentID string) (AssignmentResult, bool, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return AssignmentResult{}, false, err
	}
	a, err := c.agent(agentID)
	if err != nil {
		return AssignmentResult{}, false, err
	}

	ctx, cancel := c.deadline(ctx)
	defer cancel()
	correlationID := uuid.NewString()

	asg, ok, err := pc.Picker.RequestNext(ctx, scheduler.Agent{
		ID:     a.ID,
		Name:   a.Name,
		Role:   a.Role,
		Skills: a.Skills,
	}, correlationID)
	if err != nil {
		return AssignmentResult{}, false, fault.WithCorrelation(err, correlationID)
	}
	if !ok {
		return AssignmentResult{}, false, nil
	}

	briefing, err := pc.Builder.Build(ctx, asg.Task.ID, agentID)
	if err != nil {
		// The reservation stands; the agent can pull the context again.
		c.logger.Warn("briefing build failed after reservation", "task", asg.Task.ID, "error", err)
		briefing = taskctx.Briefing{Task: asg.Task}
	}
	if rendered, renderErr := briefing.Render(); renderErr == nil {
		pc.Bus.Publish(events.Event{
			ProjectID:     pc.ID,
			CorrelationID: correlationID,
			Payload:       events.ContextBuilt{TaskID: asg.Task.ID, AgentID: agentID, Bytes: len(rendered)},
		})
	}

	return AssignmentResult{
		Task:          asg.Task,
		Lease:         asg.Lease,
		Briefing:      briefing,
		CorrelationID: correlationID,
	}, true, nil
}

// ReportProgress renews the agent's lease and, at 100 percent, completes
// the task.
func (c *Core) ReportProgress(ctx context.Context, agentID, taskID string, pct float64, notes string) error {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	l, err := c.authorizeLease(pc, agentID, taskID, "core.report_progress")
	if err != nil {
		return err
	}

	pct = math.Max(0, math.Min(100, pct))
	if pct < l.LastProgressPct {
		return fault.WithRemediation(
			fault.New(fault.KindBusinessLogic, "core.report_progress", fault.ErrAssignment,
				"progress %v is below recorded %v for task %q", pct, l.LastProgressPct, taskID),
			"progress is monotonic; report the highest completed percentage")
	}

	task, ok := pc.Graph.Get(taskID)
	if !ok {
		return fault.New(fault.KindBusinessLogic, "core.report_progress", fault.ErrTaskNotFound, "task %q", taskID)
	}

	if pct >= 100 {
		pc.Bus.Publish(events.Event{ProjectID: pc.ID,
			Payload: events.ProgressReported{TaskID: taskID, AgentID: agentID, Pct: 100, Notes: notes}})
		return c.complete(ctx, pc, agentID, taskID, notes)
	}

	started := l.RenewalCount == 0 && l.LastProgressPct == 0 && pct > 0

	renewed, err := pc.Leases.Renew(taskID, pct, task.EstimatedHours)
	if err != nil {
		return err
	}
	if err := pc.Assignments.Put(ctx, assign.Record{
		TaskID:   taskID,
		AgentID:  agentID,
		OpenedAt: renewed.CreatedAt,
		Lease: assign.LeaseSnapshot{
			ExpiresAt:       renewed.ExpiresAt,
			RenewalCount:    renewed.RenewalCount,
			LastProgressPct: renewed.LastProgressPct,
		},
	}); err != nil {
		return err
	}
	if err := pc.Graph.Update(taskID, func(t *graph.Task) error {
		t.UpdatedAt = c.clock.Now().UTC()
		return nil
	}); err != nil {
		c.logger.Warn("progress timestamp update failed", "task", taskID, "error", err)
	}

	if started {
		pc.Bus.Publish(events.Event{ProjectID: pc.ID,
			Payload: events.TaskStarted{TaskID: taskID, AgentID: agentID}})
	}
	pc.Bus.Publish(events.Event{ProjectID: pc.ID,
		Payload: events.ProgressReported{TaskID: taskID, AgentID: agentID, Pct: pct, Notes: notes}})
	pc.Bus.Publish(events.Event{ProjectID: pc.ID,
		Payload: events.LeaseRenewed{TaskID: taskID, AgentID: agentID,
			ExpiresAt: renewed.ExpiresAt, RenewalCount: renewed.RenewalCount, ProgressPct: renewed.LastProgressPct}})
	return nil
}

// CompleteTask is the explicit completion path, distinct from a 100 percent
// progress report.
func (c *Core) CompleteTask(ctx context.Context, agentID, taskID, outcome string) error {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()
	return c.complete(ctx, pc, agentID, taskID, outcome)
}

func (c *Core) complete(ctx context.Context, pc *ProjectContext, agentID, taskID, outcome string) error {
	if _, err := c.authorizeLease(pc, agentID, taskID, "core.complete_task"); err != nil {
		return err
	}

	released, err := pc.Leases.Release(taskID)
	if err != nil {
		return err
	}

	now := c.clock.Now().UTC()
	actual := now.Sub(released.CreatedAt).Hours()
	if err := pc.Graph.Update(taskID, func(t *graph.Task) error {
		t.Status = graph.StatusDone
		t.CompletedAt = &now
		t.ActualHours = actual
		t.UpdatedAt = now
		return nil
	}); err != nil {
		return err
	}

	if err := pc.Assignments.Remove(ctx, taskID); err != nil {
		return err
	}

	task, _ := pc.Graph.Get(taskID)
	if err := c.mem.Record(ctx, memory.Outcome{
		ProjectID:      pc.ID,
		TaskID:         taskID,
		AgentID:        agentID,
		Labels:         task.Labels,
		EstimatedHours: task.EstimatedHours,
		ActualHours:    actual,
		Result:         memory.ResultCompleted,
	}); err != nil {
		c.logger.Error("completion outcome not recorded", "task", taskID, "error", err)
	}

	c.pushTask(ctx, pc, taskID)

	c.logger.Info("task completed", "task", taskID, "agent", agentID, "actual_hours", actual)
	pc.Bus.Publish(events.Event{ProjectID: pc.ID,
		Payload: events.TaskCompleted{TaskID: taskID, AgentID: agentID, ActualHours: actual, Outcome: outcome}})

	for _, succ := range pc.Resolver.NewlyReady(taskID) {
		pc.Bus.Publish(events.Event{ProjectID: pc.ID,
			Payload: events.DependencyResolved{TaskID: taskID, UnblockedTaskID: succ.ID}})
	}
	return nil
}

// ReportBlocker transitions the task to blocked. The lease stays alive so
// the agent keeps the task while the blocker is worked.
func (c *Core) ReportBlocker(ctx context.Context, agentID, taskID, description, severity string) error {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	if _, err := c.authorizeLease(pc, agentID, taskID, "core.report_blocker"); err != nil {
		return err
	}

	if err := pc.Graph.Update(taskID, func(t *graph.Task) error {
		if t.Status != graph.StatusInProgress {
			return fault.New(fault.KindBusinessLogic, "core.report_blocker", fault.ErrAssignment,
				"task %q is %q, only in-progress tasks block", taskID, t.Status)
		}
		t.Status = graph.StatusBlocked
		t.UpdatedAt = c.clock.Now().UTC()
		return nil
	}); err != nil {
		return err
	}
	if err := pc.Leases.SetBlocked(taskID, true); err != nil {
		return err
	}

	if _, err := c.recordBlocker(ctx, pc, Blocker{
		TaskID:      taskID,
		AgentID:     agentID,
		Description: description,
		Severity:    severity,
	}); err != nil {
		return err
	}

	c.pushTask(ctx, pc, taskID)
	c.logger.Warn("blocker reported", "task", taskID, "agent", agentID, "severity", severity)
	pc.Bus.Publish(events.Event{ProjectID: pc.ID,
		Payload: events.BlockerReported{TaskID: taskID, AgentID: agentID, Description: description, Severity: severity}})
	return nil
}

// UnblockTask reverts blocked to in_progress while the lease is still
// active, otherwise to todo with the assignment cleared.
func (c *Core) UnblockTask(ctx context.Context, taskID, resolutionNotes string) error {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	task, ok := pc.Graph.Get(taskID)
	if !ok {
		return fault.New(fault.KindBusinessLogic, "core.unblock_task", fault.ErrTaskNotFound, "task %q", taskID)
	}
	if task.Status != graph.StatusBlocked {
		return fault.New(fault.KindBusinessLogic, "core.unblock_task", fault.ErrAssignment,
			"task %q is %q, not blocked", taskID, task.Status)
	}

	_, leaseAlive := pc.Leases.Get(taskID)
	if err := pc.Graph.Update(taskID, func(t *graph.Task) error {
		if leaseAlive {
			t.Status = graph.StatusInProgress
		} else {
			t.Status = graph.StatusTodo
			t.AssignedTo = ""
		}
		t.UpdatedAt = c.clock.Now().UTC()
		return nil
	}); err != nil {
		return err
	}

	if leaseAlive {
		if err := pc.Leases.SetBlocked(taskID, false); err != nil {
			return err
		}
	} else {
		if err := pc.Assignments.Remove(ctx, taskID); err != nil {
			return err
		}
	}

	if err := c.resolveBlockers(ctx, pc, taskID, resolutionNotes); err != nil {
		return err
	}

	c.pushTask(ctx, pc, taskID)
	c.logger.Info("task unblocked", "task", taskID, "lease_alive", leaseAlive)
	return nil
}

// RecordDecision journals an architectural decision against a task.
func (c *Core) RecordDecision(ctx context.Context, d taskctx.Decision) (taskctx.Decision, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return taskctx.Decision{}, err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	if _, ok := pc.Graph.Get(d.TaskID); !ok {
		return taskctx.Decision{}, fault.New(fault.KindBusinessLogic, "core.record_decision",
			fault.ErrTaskNotFound, "task %q", d.TaskID)
	}

	recorded, err := pc.Journal.RecordDecision(ctx, d)
	if err != nil {
		return taskctx.Decision{}, err
	}
	pc.Bus.Publish(events.Event{ProjectID: pc.ID,
		Payload: events.DecisionRecorded{TaskID: recorded.TaskID, AgentID: recorded.AgentID,
			What: recorded.What, Why: recorded.Why, Impact: recorded.Impact,
			Confidence: recorded.Confidence, AffectedTaskIDs: recorded.AffectedTaskIDs}})
	return recorded, nil
}

// RecordArtifact journals a produced output against a task.
func (c *Core) RecordArtifact(ctx context.Context, a taskctx.Artifact) (taskctx.Artifact, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return taskctx.Artifact{}, err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	if _, ok := pc.Graph.Get(a.TaskID); !ok {
		return taskctx.Artifact{}, fault.New(fault.KindBusinessLogic, "core.record_artifact",
			fault.ErrTaskNotFound, "task %q", a.TaskID)
	}

	recorded, err := pc.Journal.RecordArtifact(ctx, a)
	if err != nil {
		return taskctx.Artifact{}, err
	}
	pc.Bus.Publish(events.Event{ProjectID: pc.ID,
		Payload: events.ArtifactRecorded{TaskID: recorded.TaskID, AgentID: recorded.AgentID,
			Type: recorded.Type, Location: recorded.Location, Size: recorded.Size,
			Description: recorded.Description}})
	return recorded, nil
}

// GetTaskContext builds the deterministic briefing for a task without an
// assignee.
func (c *Core) GetTaskContext(ctx context.Context, taskID string) (taskctx.Briefing, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return taskctx.Briefing{}, err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	briefing, err := pc.Builder.Build(ctx, taskID, "")
	if err != nil {
		return taskctx.Briefing{}, err
	}
	if rendered, renderErr := briefing.Render(); renderErr == nil {
		pc.Bus.Publish(events.Event{ProjectID: pc.ID,
			Payload: events.ContextBuilt{TaskID: taskID, Bytes: len(rendered)}})
	}
	return briefing, nil
}

// GetTaskStatus returns the task with its lease and readiness verdict.
func (c *Core) GetTaskStatus(_ context.Context, taskID string) (TaskSnapshot, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return TaskSnapshot{}, err
	}

	task, ok := pc.Graph.Get(taskID)
	if !ok {
		return TaskSnapshot{}, fault.New(fault.KindBusinessLogic, "core.get_task_status",
			fault.ErrTaskNotFound, "task %q", taskID)
	}
	snapshot := TaskSnapshot{Task: task, Readiness: pc.Resolver.Evaluate(taskID)}
	if l, held := pc.Leases.Get(taskID); held {
		snapshot.Lease = &l
	}
	return snapshot, nil
}

// GetAgentStatus returns the agent's registration, live assignments, and
// lease health.
func (c *Core) GetAgentStatus(ctx context.Context, agentID string) (AgentSnapshot, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return AgentSnapshot{}, err
	}
	a, err := c.agent(agentID)
	if err != nil {
		return AgentSnapshot{}, err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	records, err := pc.Assignments.ListForAgent(ctx, agentID)
	if err != nil {
		return AgentSnapshot{}, err
	}
	leases := pc.Leases.ActiveForAgent(agentID)
	sort.Slice(leases, func(i, j int) bool { return leases[i].TaskID < leases[j].TaskID })

	var workload float64
	for _, l := range leases {
		if task, ok := pc.Graph.Get(l.TaskID); ok {
			workload += task.EstimatedHours
		}
	}

	return AgentSnapshot{Agent: a, Assignments: records, Leases: leases, WorkloadHours: workload}, nil
}

// authorizeLease verifies the agent holds the active lease on the task.
func (c *Core) authorizeLease(pc *ProjectContext, agentID, taskID, op string) (lease.Lease, error) {
	l, held := pc.Leases.Get(taskID)
	if !held {
		return lease.Lease{}, fault.WithRemediation(
			fault.New(fault.KindBusinessLogic, op, fault.ErrAssignment, "no active lease on task %q", taskID),
			"request the task before reporting against it")
	}
	if l.AgentID != agentID {
		return lease.Lease{}, fault.New(fault.KindBusinessLogic, op, fault.ErrAssignment,
			"task %q is leased to %q, not %q", taskID, l.AgentID, agentID)
	}
	return l, nil
}

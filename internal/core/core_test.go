package core

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/antigravity-dev/marcus/internal/config"
	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/kanban"
	"github.com/antigravity-dev/marcus/internal/taskctx"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type coreFixture struct {
	core   *Core
	clock  *clocktesting.FakeClock
	boards map[string]*kanban.Fake
}

func newCoreFixture(t *testing.T, projects ...string) *coreFixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.General.DataDir = dir
	cfg.General.StateDB = filepath.Join(dir, "state.db")
	cfg.Reconciler.Enabled = false
	cfg.Projects = make(map[string]config.Project, len(projects))

	boards := make(map[string]*kanban.Fake, len(projects))
	for _, id := range projects {
		cfg.Projects[id] = config.Project{Enabled: true, Name: "Project " + id, Provider: "fake", Board: "board-" + id}
		boards[id] = kanban.NewFake()
	}

	fake := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	c, err := New(testLogger(), config.NewManager(cfg),
		WithClock(fake),
		WithBoardFactory(func(id string, _ config.Project) (kanban.Client, error) {
			return boards[id], nil
		}),
	)
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	t.Cleanup(c.Close)

	return &coreFixture{core: c, clock: fake, boards: boards}
}

func (f *coreFixture) register(t *testing.T, id string, skills ...string) {
	t.Helper()
	if _, err := f.core.RegisterAgent(context.Background(), Agent{
		ID: id, Name: id, Role: "engineer", Skills: skills,
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (f *coreFixture) activate(t *testing.T, projectID string) {
	t.Helper()
	if err := f.core.SwitchProject(context.Background(), projectID); err != nil {
		t.Fatalf("switch to %s: %v", projectID, err)
	}
}

func backlogTask(id string, estimatedHours float64, deps ...string) graph.Task {
	return graph.Task{
		ID:             id,
		Name:           "Task " + id,
		Status:         graph.StatusTodo,
		Priority:       graph.PriorityMedium,
		EstimatedHours: estimatedHours,
		Labels:         []string{"backend"},
		Dependencies:   deps,
	}
}

func TestRequestProgressComplete(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 2))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	ctx := context.Background()

	res, ok, err := f.core.RequestNextTask(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}
	if res.Task.ID != "t1" {
		t.Fatalf("expected t1, got %q", res.Task.ID)
	}
	if res.CorrelationID == "" {
		t.Fatal("expected a correlation id")
	}
	if got := res.Lease.ExpiresAt.Sub(res.Lease.CreatedAt); got != 150*time.Minute {
		t.Fatalf("expected 150m initial lease for a 2h estimate, got %v", got)
	}
	if res.Briefing.Task.ID != "t1" {
		t.Fatalf("briefing not built: %+v", res.Briefing)
	}

	if err := f.core.ReportProgress(ctx, "a1", "t1", 50, "halfway"); err != nil {
		t.Fatalf("report 50: %v", err)
	}
	snap, err := f.core.GetTaskStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Lease == nil {
		t.Fatal("expected an active lease")
	}
	if got := snap.Lease.ExpiresAt.Sub(f.clock.Now()); got != 75*time.Minute {
		t.Fatalf("expected 75m renewal at 50%% of a 2h estimate, got %v", got)
	}

	f.clock.SetTime(f.clock.Now().Add(30 * time.Minute))
	if err := f.core.ReportProgress(ctx, "a1", "t1", 100, "shipped"); err != nil {
		t.Fatalf("report 100: %v", err)
	}

	snap, err = f.core.GetTaskStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("status after completion: %v", err)
	}
	if snap.Task.Status != graph.StatusDone {
		t.Fatalf("expected done, got %q", snap.Task.Status)
	}
	if snap.Task.CompletedAt == nil {
		t.Fatal("expected completion timestamp")
	}
	if snap.Task.ActualHours != 0.5 {
		t.Fatalf("expected 0.5 actual hours, got %v", snap.Task.ActualHours)
	}
	if snap.Lease != nil {
		t.Fatalf("lease must be released on completion, got %+v", snap.Lease)
	}
	boardCopy, _ := f.boards["px"].Task("t1")
	if boardCopy.Status != graph.StatusDone {
		t.Fatalf("completion not pushed to board: %+v", boardCopy)
	}
}

func TestReportProgress_RejectsRegressionAndStrangers(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 2))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")
	ctx := context.Background()

	if _, ok, err := f.core.RequestNextTask(ctx, "a1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}
	if err := f.core.ReportProgress(ctx, "a1", "t1", 50, ""); err != nil {
		t.Fatalf("report 50: %v", err)
	}

	err := f.core.ReportProgress(ctx, "a1", "t1", 30, "")
	if !errors.Is(err, fault.ErrAssignment) {
		t.Fatalf("expected assignment error for regressing progress, got %v", err)
	}
	err = f.core.ReportProgress(ctx, "a2", "t1", 60, "")
	if !errors.Is(err, fault.ErrAssignment) {
		t.Fatalf("expected assignment error for non-holder, got %v", err)
	}

	// Out-of-range reports clamp first, then hit the monotonic check.
	if err := f.core.ReportProgress(ctx, "a1", "t1", -10, ""); !errors.Is(err, fault.ErrAssignment) {
		t.Fatalf("clamped negative pct must still regress, got %v", err)
	}
}

func TestDependencyGateAndResolution(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 1), backlogTask("t2", 1, "t1"))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")
	ctx := context.Background()

	res, ok, err := f.core.RequestNextTask(ctx, "a1")
	if err != nil || !ok || res.Task.ID != "t1" {
		t.Fatalf("expected t1 first, got %+v ok=%v err=%v", res.Task, ok, err)
	}
	if _, ok, err := f.core.RequestNextTask(ctx, "a2"); err != nil || ok {
		t.Fatalf("t2 must be held behind t1: ok=%v err=%v", ok, err)
	}

	var mu sync.Mutex
	var unblocked []string
	if _, err := f.core.SubscribeEvents([]events.Kind{events.KindDependencyResolved}, func(ev events.Event) {
		mu.Lock()
		unblocked = append(unblocked, ev.Payload.(events.DependencyResolved).UnblockedTaskID)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := f.core.CompleteTask(ctx, "a1", "t1", "done"); err != nil {
		t.Fatalf("complete t1: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(unblocked)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dependency_resolved not observed, got %d", n)
		}
		time.Sleep(2 * time.Millisecond)
	}
	mu.Lock()
	if unblocked[0] != "t2" {
		t.Fatalf("expected t2 unblocked, got %v", unblocked)
	}
	mu.Unlock()

	res, ok, err = f.core.RequestNextTask(ctx, "a2")
	if err != nil || !ok || res.Task.ID != "t2" {
		t.Fatalf("expected t2 after resolution, got %+v ok=%v err=%v", res.Task, ok, err)
	}
}

func TestConcurrentRequests_SingleWinner(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 1))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")

	type outcome struct {
		ok  bool
		err error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, agent := range []string{"a1", "a2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, ok, err := f.core.RequestNextTask(context.Background(), id)
			results <- outcome{ok: ok, err: err}
		}(agent)
	}
	wg.Wait()
	close(results)

	var wins int
	for r := range results {
		if r.err != nil {
			t.Fatalf("request failed: %v", r.err)
		}
		if r.ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestLeaseExpiry_ReturnsTaskToPool(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 2))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")
	ctx := context.Background()

	if _, ok, err := f.core.RequestNextTask(ctx, "a1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}

	// Wait for the lease ticker to arm before advancing past expiry.
	waitDeadline := time.Now().Add(2 * time.Second)
	for !f.clock.HasWaiters() {
		if time.Now().After(waitDeadline) {
			t.Fatal("lease ticker never armed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.clock.Step(3 * time.Hour)

	waitDeadline = time.Now().Add(2 * time.Second)
	for {
		snap, err := f.core.GetTaskStatus(ctx, "t1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if snap.Task.Status == graph.StatusTodo && snap.Task.AssignedTo == "" && snap.Lease == nil {
			break
		}
		if time.Now().After(waitDeadline) {
			t.Fatalf("task not returned to pool: %+v", snap.Task)
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := f.core.ReportProgress(ctx, "a1", "t1", 50, ""); !errors.Is(err, fault.ErrAssignment) {
		t.Fatalf("expected assignment error after expiry, got %v", err)
	}

	res, ok, err := f.core.RequestNextTask(ctx, "a2")
	if err != nil || !ok || res.Task.ID != "t1" {
		t.Fatalf("expected a2 to pick up t1, got %+v ok=%v err=%v", res.Task, ok, err)
	}
}

func TestProvidesRequires_GatesAcrossTasks(t *testing.T) {
	f := newCoreFixture(t, "px")
	producer := backlogTask("t1", 1)
	producer.Provides = "api-schema"
	consumer := backlogTask("t2", 1)
	consumer.Requires = "api-schema"
	f.boards["px"].Seed(producer, consumer)
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")
	ctx := context.Background()

	snap, err := f.core.GetTaskStatus(ctx, "t2")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Readiness.Ready {
		t.Fatalf("t2 must wait for its provider: %+v", snap.Readiness)
	}

	res, ok, err := f.core.RequestNextTask(ctx, "a1")
	if err != nil || !ok || res.Task.ID != "t1" {
		t.Fatalf("expected t1 first, got %+v ok=%v err=%v", res.Task, ok, err)
	}
	if err := f.core.CompleteTask(ctx, "a1", "t1", "schema published"); err != nil {
		t.Fatalf("complete t1: %v", err)
	}

	snap, err = f.core.GetTaskStatus(ctx, "t2")
	if err != nil {
		t.Fatalf("status after completion: %v", err)
	}
	if !snap.Readiness.Ready {
		t.Fatalf("t2 must be ready once provided: %+v", snap.Readiness)
	}
	res, ok, err = f.core.RequestNextTask(ctx, "a2")
	if err != nil || !ok || res.Task.ID != "t2" {
		t.Fatalf("expected t2, got %+v ok=%v err=%v", res.Task, ok, err)
	}
	var provided bool
	for _, p := range res.Briefing.Provisions {
		if p.Tag == "api-schema" && p.TaskID == "t1" {
			provided = true
		}
	}
	if !provided {
		t.Fatalf("briefing must carry the provider, got %+v", res.Briefing.Provisions)
	}
}

func TestBlockerLifecycle(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 2))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	ctx := context.Background()

	if _, ok, err := f.core.RequestNextTask(ctx, "a1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}
	if err := f.core.ReportBlocker(ctx, "a1", "t1", "waiting on credentials", "high"); err != nil {
		t.Fatalf("report blocker: %v", err)
	}

	snap, err := f.core.GetTaskStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Task.Status != graph.StatusBlocked {
		t.Fatalf("expected blocked, got %q", snap.Task.Status)
	}
	if snap.Lease == nil || !snap.Lease.Blocked {
		t.Fatalf("lease must stay alive and flagged blocked, got %+v", snap.Lease)
	}

	blockers, err := f.core.ListBlockers(ctx, "t1")
	if err != nil || len(blockers) != 1 {
		t.Fatalf("expected one blocker, got %d err=%v", len(blockers), err)
	}
	if blockers[0].Resolved || blockers[0].Severity != "high" {
		t.Fatalf("unexpected blocker record: %+v", blockers[0])
	}

	if err := f.core.UnblockTask(ctx, "t1", "credentials issued"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	snap, _ = f.core.GetTaskStatus(ctx, "t1")
	if snap.Task.Status != graph.StatusInProgress || snap.Task.AssignedTo != "a1" {
		t.Fatalf("expected in_progress under the surviving lease, got %+v", snap.Task)
	}
	blockers, _ = f.core.ListBlockers(ctx, "t1")
	if !blockers[0].Resolved || blockers[0].Resolution != "credentials issued" {
		t.Fatalf("blocker not resolved: %+v", blockers[0])
	}

	if err := f.core.ReportProgress(ctx, "a1", "t1", 60, "back on it"); err != nil {
		t.Fatalf("progress after unblock: %v", err)
	}
}

func TestBlockedTaskSurvivesLeaseDeadline(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 2))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")
	ctx := context.Background()

	if _, ok, err := f.core.RequestNextTask(ctx, "a1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}
	if err := f.core.ReportBlocker(ctx, "a1", "t1", "waiting on upstream fix", "high"); err != nil {
		t.Fatalf("report blocker: %v", err)
	}

	// Let the lease ticker arm, then sail far past the original deadline.
	waitDeadline := time.Now().Add(2 * time.Second)
	for !f.clock.HasWaiters() {
		if time.Now().After(waitDeadline) {
			t.Fatal("lease ticker never armed")
		}
		time.Sleep(2 * time.Millisecond)
	}
	f.clock.Step(48 * time.Hour)
	time.Sleep(50 * time.Millisecond)

	snap, err := f.core.GetTaskStatus(ctx, "t1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Task.Status != graph.StatusBlocked || snap.Task.AssignedTo != "a1" {
		t.Fatalf("blocked task must stay with its agent, got %+v", snap.Task)
	}
	if snap.Lease == nil || !snap.Lease.Blocked {
		t.Fatalf("lease must ride out the blocker, got %+v", snap.Lease)
	}

	if _, ok, err := f.core.RequestNextTask(ctx, "a2"); err != nil || ok {
		t.Fatalf("blocked task must not be reassigned, ok=%v err=%v", ok, err)
	}

	if err := f.core.UnblockTask(ctx, "t1", "upstream fixed"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if err := f.core.ReportProgress(ctx, "a1", "t1", 40, "resuming"); err != nil {
		t.Fatalf("progress after unblock: %v", err)
	}
}

func TestDecisionsFlowIntoSuccessorContext(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 1), backlogTask("t2", 1, "t1"))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	ctx := context.Background()

	if _, ok, err := f.core.RequestNextTask(ctx, "a1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}
	d, err := f.core.RecordDecision(ctx, taskctx.Decision{
		TaskID: "t1", AgentID: "a1",
		What: "Use Postgres", Why: "relational fit", Impact: "storage layer",
		Confidence: 0.9,
	})
	if err != nil || d.Seq != 1 {
		t.Fatalf("record decision: %+v err=%v", d, err)
	}
	if _, err := f.core.RecordArtifact(ctx, taskctx.Artifact{
		TaskID: "t1", AgentID: "a1",
		Type: "document", Location: "docs/schema.md", Size: 2048,
	}); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if err := f.core.CompleteTask(ctx, "a1", "t1", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	briefing, err := f.core.GetTaskContext(ctx, "t2")
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if len(briefing.PreviousWork) != 1 || briefing.PreviousWork[0].TaskID != "t1" {
		t.Fatalf("expected t1 in previous work, got %+v", briefing.PreviousWork)
	}
	if len(briefing.PreviousWork[0].Artifacts) != 1 ||
		briefing.PreviousWork[0].Artifacts[0].Location != "docs/schema.md" {
		t.Fatalf("artifact missing from previous work: %+v", briefing.PreviousWork[0])
	}
	if len(briefing.RecentDecisions) != 1 || briefing.RecentDecisions[0].What != "Use Postgres" {
		t.Fatalf("decision missing from briefing: %+v", briefing.RecentDecisions)
	}
}

func TestSwitchProject_IsolatesProjects(t *testing.T) {
	f := newCoreFixture(t, "px", "py")
	f.boards["px"].Seed(backlogTask("x1", 2))
	f.boards["py"].Seed(backlogTask("y1", 1))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	f.register(t, "a2", "backend")
	ctx := context.Background()

	res, ok, err := f.core.RequestNextTask(ctx, "a1")
	if err != nil || !ok || res.Task.ID != "x1" {
		t.Fatalf("expected x1, got %+v ok=%v err=%v", res.Task, ok, err)
	}
	if err := f.core.ReportProgress(ctx, "a1", "x1", 25, ""); err != nil {
		t.Fatalf("progress on x1: %v", err)
	}

	f.activate(t, "py")

	for _, p := range f.core.ListProjects(ctx) {
		switch p.ID {
		case "px":
			if p.Active || !p.Cached {
				t.Fatalf("px must be cached, not active: %+v", p)
			}
		case "py":
			if !p.Active {
				t.Fatalf("py must be active: %+v", p)
			}
		}
	}

	// Calls now land on py only.
	res, ok, err = f.core.RequestNextTask(ctx, "a2")
	if err != nil || !ok || res.Task.ID != "y1" {
		t.Fatalf("expected y1 from py, got %+v ok=%v err=%v", res.Task, ok, err)
	}
	if err := f.core.ReportProgress(ctx, "a1", "x1", 50, ""); !errors.Is(err, fault.ErrAssignment) {
		t.Fatalf("x1 must be unreachable while py is active, got %v", err)
	}

	// Switching back revives the cached context with its lease intact.
	f.activate(t, "px")
	snap, err := f.core.GetTaskStatus(ctx, "x1")
	if err != nil {
		t.Fatalf("status after revival: %v", err)
	}
	if snap.Task.Status != graph.StatusInProgress || snap.Task.AssignedTo != "a1" {
		t.Fatalf("in-flight work lost across switches: %+v", snap.Task)
	}
	if snap.Lease == nil || snap.Lease.LastProgressPct != 25 {
		t.Fatalf("lease lost across switches: %+v", snap.Lease)
	}
}

func TestAgentStatusAggregatesWorkload(t *testing.T) {
	f := newCoreFixture(t, "px")
	f.boards["px"].Seed(backlogTask("t1", 2))
	f.activate(t, "px")
	f.register(t, "a1", "backend")
	ctx := context.Background()

	if _, ok, err := f.core.RequestNextTask(ctx, "a1"); err != nil || !ok {
		t.Fatalf("request: ok=%v err=%v", ok, err)
	}

	status, err := f.core.GetAgentStatus(ctx, "a1")
	if err != nil {
		t.Fatalf("agent status: %v", err)
	}
	if len(status.Leases) != 1 || status.Leases[0].TaskID != "t1" {
		t.Fatalf("expected one lease on t1, got %+v", status.Leases)
	}
	if len(status.Assignments) != 1 || status.Assignments[0].TaskID != "t1" {
		t.Fatalf("expected one durable record, got %+v", status.Assignments)
	}
	if status.WorkloadHours != 2 {
		t.Fatalf("expected 2h workload, got %v", status.WorkloadHours)
	}
}

func TestCore_RequiresActiveProjectAndKnownAgent(t *testing.T) {
	f := newCoreFixture(t, "px")
	ctx := context.Background()

	if _, _, err := f.core.RequestNextTask(ctx, "a1"); !errors.Is(err, fault.ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable before any switch, got %v", err)
	}

	f.activate(t, "px")
	if _, _, err := f.core.RequestNextTask(ctx, "ghost"); !errors.Is(err, fault.ErrAgentNotFound) {
		t.Fatalf("expected agent not found, got %v", err)
	}
	if _, err := f.core.RegisterAgent(ctx, Agent{}); !errors.Is(err, fault.ErrAgentNotFound) {
		t.Fatalf("expected rejection of empty agent id, got %v", err)
	}

	if err := f.core.SwitchProject(ctx, "unknown"); !errors.Is(err, fault.ErrInvalidConfig) {
		t.Fatalf("expected invalid config for unknown project, got %v", err)
	}
}

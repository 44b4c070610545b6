package taskctx

import (
	"bytes"
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/persist"
)

func newTestJournal(t *testing.T) (*Journal, *clocktesting.FakePassiveClock) {
	t.Helper()
	kv, err := persist.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	fake := clocktesting.NewFakePassiveClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	return NewJournal(kv, "p1", WithClock(fake)), fake
}

func mustUpsert(t *testing.T, g *graph.Graph, task graph.Task) {
	t.Helper()
	if task.Status == "" {
		task.Status = graph.StatusTodo
	}
	if err := g.Upsert(task); err != nil {
		t.Fatalf("upsert %s: %v", task.ID, err)
	}
}

func doneTask(task graph.Task) graph.Task {
	task.Status = graph.StatusDone
	ts := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	task.CompletedAt = &ts
	return task
}

func TestJournal_SequencesPerTask(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	d1, err := j.RecordDecision(ctx, Decision{TaskID: "t1", AgentID: "a1", What: "use postgres"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	d2, err := j.RecordDecision(ctx, Decision{TaskID: "t1", AgentID: "a1", What: "add cache"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	other, err := j.RecordDecision(ctx, Decision{TaskID: "t2", AgentID: "a1", What: "rest over grpc"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if d1.Seq != 1 || d2.Seq != 2 || other.Seq != 1 {
		t.Fatalf("unexpected sequences: %d %d %d", d1.Seq, d2.Seq, other.Seq)
	}

	got, err := j.DecisionsFor(ctx, "t1")
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(got) != 2 || got[0].What != "use postgres" || got[1].What != "add cache" {
		t.Fatalf("unexpected decisions: %+v", got)
	}
}

func TestBuild_PreviousWorkAndProvisions(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()
	g := graph.New()

	mustUpsert(t, g, doneTask(graph.Task{ID: "schema", Name: "Design schema", Provides: "api-schema"}))
	mustUpsert(t, g, doneTask(graph.Task{ID: "auth", Name: "Auth middleware"}))
	mustUpsert(t, g, graph.Task{ID: "impl", Name: "Implement endpoints",
		Dependencies: []string{"auth"}, Requires: "api-schema"})

	if _, err := j.RecordArtifact(ctx, Artifact{TaskID: "schema", AgentID: "a1", Type: "schema", Location: "docs/api.yaml"}); err != nil {
		t.Fatalf("artifact: %v", err)
	}

	b := NewBuilder(g, j, nil, "p1")
	briefing, err := b.Build(ctx, "impl", "a2")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(briefing.PreviousWork) != 1 || briefing.PreviousWork[0].TaskID != "auth" {
		t.Fatalf("unexpected previous work: %+v", briefing.PreviousWork)
	}
	if len(briefing.Provisions) != 1 {
		t.Fatalf("expected one provision, got %+v", briefing.Provisions)
	}
	p := briefing.Provisions[0]
	if p.Tag != "api-schema" || p.TaskID != "schema" || len(p.Artifacts) != 1 || p.Artifacts[0].Location != "docs/api.yaml" {
		t.Fatalf("unexpected provision: %+v", p)
	}
}

func TestBuild_RecentDecisionsFromSiblings(t *testing.T) {
	j, fake := newTestJournal(t)
	ctx := context.Background()
	g := graph.New()

	mustUpsert(t, g, graph.Task{ID: "parent", Name: "Feature", Status: graph.StatusInProgress})
	for i, id := range []string{"s1", "s2", "s3"} {
		mustUpsert(t, g, graph.Task{ID: id, IsSubtask: true, ParentTaskID: "parent", SubtaskIndex: i + 1})
	}

	for i := 0; i < 7; i++ {
		fake.SetTime(fake.Now().Add(time.Minute))
		taskID := "s1"
		if i%2 == 0 {
			taskID = "s2"
		}
		if _, err := j.RecordDecision(ctx, Decision{TaskID: taskID, AgentID: "a1", What: "d"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	b := NewBuilder(g, j, nil, "p1")
	briefing, err := b.Build(ctx, "s3", "a2")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(briefing.RecentDecisions) != recentDecisionLimit {
		t.Fatalf("expected %d decisions, got %d", recentDecisionLimit, len(briefing.RecentDecisions))
	}
	for i := 1; i < len(briefing.RecentDecisions); i++ {
		if briefing.RecentDecisions[i].RecordedAt.After(briefing.RecentDecisions[i-1].RecordedAt) {
			t.Fatal("decisions must be newest first")
		}
	}
}

func TestBuild_DeterministicOverFrozenState(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()
	g := graph.New()

	mustUpsert(t, g, doneTask(graph.Task{ID: "dep", Name: "Upstream", Provides: "lib"}))
	mustUpsert(t, g, graph.Task{ID: "t1", Name: "Work", Dependencies: []string{"dep"},
		Labels: []string{"phase:build", "backend"}, Priority: graph.PriorityUrgent})
	if _, err := j.RecordDecision(ctx, Decision{TaskID: "dep", AgentID: "a1", What: "keep it simple"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	b := NewBuilder(g, j, nil, "p1")
	first, err := b.Build(ctx, "t1", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := b.Build(ctx, "t1", "")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	b1, err := first.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b2, err := second.Render()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Equal(b1, b2) {
		t.Fatal("briefings over frozen state must be byte-identical")
	}
	if first.Hint == "" {
		t.Fatal("expected a derived hint")
	}
}

func TestBuild_UnknownTask(t *testing.T) {
	j, _ := newTestJournal(t)
	b := NewBuilder(graph.New(), j, nil, "p1")
	if _, err := b.Build(context.Background(), "ghost", "a1"); err == nil {
		t.Fatal("expected error for unknown task")
	}
}

package memory

import (
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/antigravity-dev/marcus/internal/persist"
)

func newTestMemory(t *testing.T) (*Memory, *clocktesting.FakePassiveClock) {
	t.Helper()
	kv, err := persist.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	fake := clocktesting.NewFakePassiveClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
	m, err := New(kv, nil, WithClock(fake))
	if err != nil {
		t.Fatalf("new memory: %v", err)
	}
	return m, fake
}

func record(t *testing.T, m *Memory, o Outcome) {
	t.Helper()
	if err := m.Record(context.Background(), o); err != nil {
		t.Fatalf("record %s: %v", o.TaskID, err)
	}
}

func TestVelocityFactor_RequiresMinimumSamples(t *testing.T) {
	m, _ := newTestMemory(t)

	record(t, m, Outcome{ProjectID: "p1", TaskID: "t1", AgentID: "a1", EstimatedHours: 2, ActualHours: 1.5, Result: ResultCompleted})
	record(t, m, Outcome{ProjectID: "p1", TaskID: "t2", AgentID: "a1", EstimatedHours: 2, ActualHours: 1.5, Result: ResultCompleted})

	if _, ok, err := m.VelocityFactor(context.Background(), "a1", nil); err != nil || ok {
		t.Fatalf("expected no estimate under %d samples, got ok=%v err=%v", velocityMinSamples, ok, err)
	}

	record(t, m, Outcome{ProjectID: "p1", TaskID: "t3", AgentID: "a1", EstimatedHours: 4, ActualHours: 3, Result: ResultCompleted})

	factor, ok, err := m.VelocityFactor(context.Background(), "a1", nil)
	if err != nil || !ok {
		t.Fatalf("expected estimate, got ok=%v err=%v", ok, err)
	}
	if factor != 0.75 {
		t.Fatalf("expected factor 0.75, got %v", factor)
	}
}

func TestVelocityFactor_FiltersByLabelOverlap(t *testing.T) {
	m, _ := newTestMemory(t)

	for _, task := range []string{"t1", "t2", "t3"} {
		record(t, m, Outcome{ProjectID: "p1", TaskID: task, AgentID: "a1",
			Labels: []string{"backend"}, EstimatedHours: 2, ActualHours: 1, Result: ResultCompleted})
		record(t, m, Outcome{ProjectID: "p1", TaskID: task + "-fe", AgentID: "a1",
			Labels: []string{"frontend"}, EstimatedHours: 2, ActualHours: 4, Result: ResultCompleted})
	}

	factor, ok, err := m.VelocityFactor(context.Background(), "a1", []string{"backend"})
	if err != nil || !ok {
		t.Fatalf("expected estimate, got ok=%v err=%v", ok, err)
	}
	if factor != 0.5 {
		t.Fatalf("expected backend factor 0.5, got %v", factor)
	}
}

func TestVelocityFactor_IgnoresNonCompletedAndClamps(t *testing.T) {
	m, _ := newTestMemory(t)

	for _, task := range []string{"t1", "t2", "t3"} {
		record(t, m, Outcome{ProjectID: "p1", TaskID: task, AgentID: "a1", EstimatedHours: 1, ActualHours: 10, Result: ResultCompleted})
	}
	record(t, m, Outcome{ProjectID: "p1", TaskID: "x1", AgentID: "a1", EstimatedHours: 1, ActualHours: 0.1, Result: ResultExpired})

	factor, ok, err := m.VelocityFactor(context.Background(), "a1", nil)
	if err != nil || !ok {
		t.Fatalf("expected estimate, got ok=%v err=%v", ok, err)
	}
	if factor != velocityCeiling {
		t.Fatalf("expected clamp to %v, got %v", velocityCeiling, factor)
	}
}

func TestStats(t *testing.T) {
	m, _ := newTestMemory(t)

	record(t, m, Outcome{ProjectID: "p1", TaskID: "t1", AgentID: "a1", ActualHours: 2, Result: ResultCompleted})
	record(t, m, Outcome{ProjectID: "p1", TaskID: "t2", AgentID: "a1", ActualHours: 4, Result: ResultCompleted})
	record(t, m, Outcome{ProjectID: "p1", TaskID: "t3", AgentID: "a1", Result: ResultExpired})
	record(t, m, Outcome{ProjectID: "p1", TaskID: "t4", AgentID: "other", Result: ResultCompleted})

	stats, err := m.Stats(context.Background(), "a1", 7*24*time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Completed != 2 || stats.Expired != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.AvgActualHours != 3 {
		t.Fatalf("expected avg 3h, got %v", stats.AvgActualHours)
	}
}

func TestStats_EmptyAgent(t *testing.T) {
	m, _ := newTestMemory(t)
	stats, err := m.Stats(context.Background(), "ghost", time.Hour)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 || stats.Completed != 0 || stats.SuccessRate != 0 {
		t.Fatalf("expected zero stats, got %+v", stats)
	}
}

func TestProjectThroughput(t *testing.T) {
	m, _ := newTestMemory(t)

	for _, task := range []string{"t1", "t2", "t3", "t4"} {
		record(t, m, Outcome{ProjectID: "p1", TaskID: task, AgentID: "a1", ActualHours: 2, Result: ResultCompleted})
	}
	record(t, m, Outcome{ProjectID: "p1", TaskID: "t5", AgentID: "a1", Result: ResultExpired})

	tp, err := m.ProjectThroughput(context.Background(), "p1", 2*24*time.Hour)
	if err != nil {
		t.Fatalf("throughput: %v", err)
	}
	if tp.Completed != 4 || tp.TasksPerDay != 2 || tp.AvgActualHours != 2 {
		t.Fatalf("unexpected throughput: %+v", tp)
	}
}

func TestVelocityFactor_WindowExcludesStaleOutcomes(t *testing.T) {
	m, fake := newTestMemory(t)

	for _, task := range []string{"t1", "t2", "t3"} {
		record(t, m, Outcome{ProjectID: "p1", TaskID: task, AgentID: "a1", EstimatedHours: 2, ActualHours: 1, Result: ResultCompleted})
	}

	fake.SetTime(fake.Now().Add(velocityWindow + time.Hour))
	if _, ok, err := m.VelocityFactor(context.Background(), "a1", nil); err != nil || ok {
		t.Fatalf("expected stale outcomes excluded, got ok=%v err=%v", ok, err)
	}
}

package assign

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/antigravity-dev/marcus/internal/persist"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := persist.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return NewStore(kv, "proj-1")
}

func record(taskID, agentID string) Record {
	return Record{
		TaskID:   taskID,
		AgentID:  agentID,
		OpenedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Lease: LeaseSnapshot{
			ExpiresAt:       time.Date(2026, 2, 1, 14, 0, 0, 0, time.UTC),
			RenewalCount:    0,
			LastProgressPct: 0,
		},
	}
}

func TestReserve_FirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Reserve(ctx, record("t1", "agent-a"))
	if err != nil || !ok {
		t.Fatalf("first reserve: ok=%v err=%v", ok, err)
	}

	ok, err = s.Reserve(ctx, record("t1", "agent-b"))
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if ok {
		t.Fatal("second reservation must lose")
	}

	rec, found, err := s.Get(ctx, "t1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if rec.AgentID != "agent-a" {
		t.Fatalf("expected agent-a to hold t1, got %q", rec.AgentID)
	}
	if rec.TaskID != "t1" {
		t.Fatalf("expected task id rehydrated from key, got %q", rec.TaskID)
	}
}

func TestPut_UpdatesLeaseSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("t1", "agent-a")
	if _, err := s.Reserve(ctx, rec); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	rec.Lease.RenewalCount = 3
	rec.Lease.LastProgressPct = 60
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, _, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Lease.RenewalCount != 3 || got.Lease.LastProgressPct != 60 {
		t.Fatalf("unexpected lease snapshot: %+v", got.Lease)
	}
}

func TestList_ScopedToProjectAndAgent(t *testing.T) {
	kv, err := persist.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open kv: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()

	p1 := NewStore(kv, "proj-1")
	p2 := NewStore(kv, "proj-2")

	for _, rec := range []Record{record("t1", "agent-a"), record("t2", "agent-b"), record("t3", "agent-a")} {
		if _, err := p1.Reserve(ctx, rec); err != nil {
			t.Fatalf("reserve %s: %v", rec.TaskID, err)
		}
	}
	if _, err := p2.Reserve(ctx, record("t9", "agent-a")); err != nil {
		t.Fatalf("reserve other project: %v", err)
	}

	all, err := p1.ListAll(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 assignments in proj-1, got %d", len(all))
	}
	if all[0].TaskID != "t1" || all[1].TaskID != "t2" || all[2].TaskID != "t3" {
		t.Fatalf("expected task-id order, got %+v", all)
	}

	mine, err := p1.ListForAgent(ctx, "agent-a")
	if err != nil {
		t.Fatalf("list for agent: %v", err)
	}
	if len(mine) != 2 || mine[0].TaskID != "t1" || mine[1].TaskID != "t3" {
		t.Fatalf("unexpected agent assignments: %+v", mine)
	}
}

func TestRemove_FreesTaskForReservation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Reserve(ctx, record("t1", "agent-a")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := s.Remove(ctx, "t1"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	ok, err := s.Reserve(ctx, record("t1", "agent-b"))
	if err != nil || !ok {
		t.Fatalf("re-reserve after remove: ok=%v err=%v", ok, err)
	}
}

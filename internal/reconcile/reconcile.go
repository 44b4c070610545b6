// Package reconcile keeps the in-memory graph and the kanban board
// converged. The board is the source of truth for task content; the kernel
// is the source of truth for in-flight work it actively leases. Each cycle
// pushes deferred local changes, pulls board edits, adopts assignments made
// directly on the board, and clears orphaned assignment records.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/antigravity-dev/marcus/internal/assign"
	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/kanban"
	"github.com/antigravity-dev/marcus/internal/lease"
)

// Report counts what one reconcile cycle changed. A converged system
// reports all zeros.
type Report struct {
	Pulled   int // board edits applied locally
	Pushed   int // deferred local changes written to the board
	Adopted  int // board-side assignments given a lease
	Removed  int // local tasks dropped because the board dropped them
	Orphaned int // durable assignment records cleared
}

func (r Report) converged() bool {
	return r == Report{}
}

// Reconciler converges one project against its board.
type Reconciler struct {
	logger       *slog.Logger
	clock        clock.WithTicker
	graph        *graph.Graph
	leases       *lease.Manager
	assignments  *assign.Store
	board        kanban.Client
	bus          *events.Bus
	projectID    string
	interval     time.Duration
	defaultLease time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the ticker clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(r *Reconciler) { r.clock = c }
}

// New wires a reconciler.
func New(
	logger *slog.Logger,
	g *graph.Graph,
	leases *lease.Manager,
	assignments *assign.Store,
	board kanban.Client,
	bus *events.Bus,
	projectID string,
	interval, defaultLease time.Duration,
	opts ...Option,
) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	r := &Reconciler{
		logger:       logger,
		clock:        clock.RealClock{},
		graph:        g,
		leases:       leases,
		assignments:  assignments,
		board:        board,
		bus:          bus,
		projectID:    projectID,
		interval:     interval,
		defaultLease: defaultLease,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles on the configured cadence until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started", "interval", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping")
			return
		case <-ticker.C():
			if _, err := r.ReconcileNow(ctx); err != nil {
				r.logger.Error("reconcile cycle failed", "error", err)
			}
		}
	}
}

// ReconcileNow runs one full cycle. Cycles are idempotent: running twice
// against unchanged state reports a converged second pass.
func (r *Reconciler) ReconcileNow(ctx context.Context) (Report, error) {
	var report Report

	boardTasks, err := r.board.ListTasks(ctx)
	if err != nil {
		return report, fault.Wrap("reconcile.list_board", err)
	}
	onBoard := make(map[string]graph.Task, len(boardTasks))
	for _, t := range boardTasks {
		onBoard[t.ID] = t
	}

	for _, boardTask := range boardTasks {
		local, exists := r.graph.Get(boardTask.ID)
		switch {
		case !exists:
			if err := r.graph.Upsert(boardTask); err != nil {
				r.logger.Warn("board task rejected by graph", "task", boardTask.ID, "error", err)
				continue
			}
			report.Pulled++
		case local.BoardSyncPending:
			if r.push(ctx, local) {
				report.Pushed++
			}
		case r.protected(local):
			// An actively worked task with reported progress is ours; the
			// board copy catches up when the agent reports through us.
		case differs(local, boardTask):
			if err := r.graph.Update(boardTask.ID, func(t *graph.Task) error {
				pending := t.BoardSyncPending
				*t = boardTask.Clone()
				t.BoardSyncPending = pending
				return nil
			}); err != nil {
				r.logger.Warn("board edit rejected by graph", "task", boardTask.ID, "error", err)
				continue
			}
			report.Pulled++
		}

		if r.adopt(ctx, boardTask) {
			report.Adopted++
		}
	}

	for _, local := range r.graph.Snapshot() {
		if _, ok := onBoard[local.ID]; ok {
			continue
		}
		if local.BoardSyncPending {
			if _, err := r.board.CreateTask(ctx, local); err != nil {
				r.logger.Warn("board create deferred", "task", local.ID, "error", err)
				continue
			}
			r.clearPending(local.ID)
			report.Pushed++
			continue
		}
		if _, leased := r.leases.Get(local.ID); leased {
			continue // never drop actively worked tasks
		}
		r.graph.Remove(local.ID)
		report.Removed++
	}

	orphaned, err := r.clearOrphans(ctx)
	if err != nil {
		return report, err
	}
	report.Orphaned = orphaned

	if !report.converged() {
		r.logger.Info("reconciled against board",
			"pulled", report.Pulled, "pushed", report.Pushed,
			"adopted", report.Adopted, "removed", report.Removed, "orphaned", report.Orphaned)
	}
	return report, nil
}

// protected reports whether local state wins over the board for this task:
// it is in progress under an active lease with real progress reported.
func (r *Reconciler) protected(local graph.Task) bool {
	if local.Status != graph.StatusInProgress {
		return false
	}
	l, ok := r.leases.Get(local.ID)
	return ok && l.LastProgressPct > 0
}

// push writes a deferred local change to the board and clears the pending
// flag on success.
func (r *Reconciler) push(ctx context.Context, local graph.Task) bool {
	toPush := local.Clone()
	toPush.BoardSyncPending = false
	if err := r.board.UpdateTask(ctx, toPush); err != nil {
		r.logger.Warn("board update deferred", "task", local.ID, "error", err)
		return false
	}
	if local.AssignedTo != "" {
		if err := r.board.AssignTask(ctx, local.ID, local.AssignedTo); err != nil {
			r.logger.Warn("board assign deferred", "task", local.ID, "error", err)
			return false
		}
	}
	r.clearPending(local.ID)
	return true
}

func (r *Reconciler) clearPending(taskID string) {
	if err := r.graph.Update(taskID, func(t *graph.Task) error {
		t.BoardSyncPending = false
		return nil
	}); err != nil {
		r.logger.Warn("clearing sync flag failed", "task", taskID, "error", err)
	}
}

// adopt gives a lease to an assignment made directly on the board, so
// board-side work is tracked like any other. Returns whether an adoption
// happened this cycle.
func (r *Reconciler) adopt(ctx context.Context, boardTask graph.Task) bool {
	if boardTask.AssignedTo == "" || boardTask.Status != graph.StatusInProgress {
		return false
	}
	if _, leased := r.leases.Get(boardTask.ID); leased {
		return false
	}

	l, err := r.leases.Open(boardTask.ID, boardTask.AssignedTo, r.defaultLease)
	if err != nil {
		r.logger.Warn("adoption lease rejected", "task", boardTask.ID, "error", err)
		return false
	}
	won, err := r.assignments.Reserve(ctx, assign.Record{
		TaskID:   boardTask.ID,
		AgentID:  boardTask.AssignedTo,
		OpenedAt: l.CreatedAt,
		Lease:    assign.LeaseSnapshot{ExpiresAt: l.ExpiresAt},
	})
	if err != nil || !won {
		if err != nil {
			r.logger.Warn("adoption record rejected", "task", boardTask.ID, "error", err)
		}
		// A stale record already exists; the orphan pass sorts it out.
	}

	if err := r.graph.Update(boardTask.ID, func(t *graph.Task) error {
		t.Status = graph.StatusInProgress
		t.AssignedTo = boardTask.AssignedTo
		return nil
	}); err != nil {
		r.logger.Warn("adoption graph update failed", "task", boardTask.ID, "error", err)
	}

	r.logger.Info("adopted board assignment", "task", boardTask.ID, "agent", boardTask.AssignedTo)
	return true
}

// clearOrphans removes durable assignment records whose lease is gone or
// whose task no longer needs one, emitting assignment_orphaned for each.
func (r *Reconciler) clearOrphans(ctx context.Context) (int, error) {
	records, err := r.assignments.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	var cleared int
	for _, rec := range records {
		task, exists := r.graph.Get(rec.TaskID)
		_, leased := r.leases.Get(rec.TaskID)

		orphan := !leased || !exists || task.Status == graph.StatusDone
		if !orphan {
			continue
		}
		if leased {
			if _, err := r.leases.Release(rec.TaskID); err != nil {
				r.logger.Warn("orphan lease release failed", "task", rec.TaskID, "error", err)
			}
		}
		if err := r.assignments.Remove(ctx, rec.TaskID); err != nil {
			return cleared, err
		}
		if r.bus != nil {
			r.bus.Publish(events.Event{
				ProjectID: r.projectID,
				Payload:   events.AssignmentOrphaned{TaskID: rec.TaskID, AgentID: rec.AgentID},
			})
		}
		r.logger.Warn("assignment orphaned", "task", rec.TaskID, "agent", rec.AgentID)
		cleared++
	}
	return cleared, nil
}

// differs reports whether the board copy and the local copy disagree on any
// field the board owns. Sync bookkeeping and timestamps are ignored.
func differs(local, board graph.Task) bool {
	a, b := normalize(local), normalize(board)
	if a.Name != b.Name || a.Description != b.Description ||
		a.Status != b.Status || a.Priority != b.Priority ||
		a.EstimatedHours != b.EstimatedHours || a.AssignedTo != b.AssignedTo ||
		a.Provides != b.Provides || a.Requires != b.Requires ||
		a.IsSubtask != b.IsSubtask || a.ParentTaskID != b.ParentTaskID ||
		a.SubtaskIndex != b.SubtaskIndex {
		return true
	}
	if len(a.Labels) != len(b.Labels) || len(a.Dependencies) != len(b.Dependencies) {
		return true
	}
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			return true
		}
	}
	for i := range a.Dependencies {
		if a.Dependencies[i] != b.Dependencies[i] {
			return true
		}
	}
	return false
}

func normalize(t graph.Task) graph.Task {
	t = t.Clone()
	t.BoardSyncPending = false
	t.UpdatedAt = time.Time{}
	t.CreatedAt = time.Time{}
	return t
}

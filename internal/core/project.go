package core

import (
	"context"
	"path/filepath"
	"time"

	"github.com/antigravity-dev/marcus/internal/assign"
	"github.com/antigravity-dev/marcus/internal/config"
	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
	"github.com/antigravity-dev/marcus/internal/kanban"
	"github.com/antigravity-dev/marcus/internal/lease"
	"github.com/antigravity-dev/marcus/internal/memory"
	"github.com/antigravity-dev/marcus/internal/persist"
	"github.com/antigravity-dev/marcus/internal/reconcile"
	"github.com/antigravity-dev/marcus/internal/resolver"
	"github.com/antigravity-dev/marcus/internal/scheduler"
	"github.com/antigravity-dev/marcus/internal/taskctx"
)

// BoardFactory resolves a kanban client for a registered project. The
// embedder supplies real providers; the default factory hands out in-memory
// boards.
type BoardFactory func(projectID string, p config.Project) (kanban.Client, error)

// ProjectContext is the resident state for one project: its graph, lease
// table, durable handles, event bus, and board client. Exactly one context
// is active; recently used ones stay cached with their tickers stopped.
type ProjectContext struct {
	ID   string
	Name string

	Graph       *graph.Graph
	Leases      *lease.Manager
	Assignments *assign.Store
	Journal     *taskctx.Journal
	Builder     *taskctx.Builder
	Resolver    *resolver.Resolver
	Picker      *scheduler.Picker
	Reconciler  *reconcile.Reconciler
	Bus         *events.Bus
	Board       kanban.Client

	streams      *persist.Streams
	lastAccessed time.Time
	stopTickers  context.CancelFunc
}

// buildProject constructs a cold project context: board connected, durable
// state loaded, graph populated from the board.
func (c *Core) buildProject(ctx context.Context, id string) (*ProjectContext, error) {
	cfg := c.cfg.Get()
	pcfg, registered := cfg.Projects[id]
	if !registered {
		return nil, fault.New(fault.KindBusinessLogic, "core.switch_project", fault.ErrInvalidConfig,
			"project %q is not registered", id)
	}
	if !pcfg.Enabled {
		return nil, fault.New(fault.KindConfiguration, "core.switch_project", fault.ErrInvalidConfig,
			"project %q is disabled", id)
	}

	rawBoard, err := c.boards(id, pcfg)
	if err != nil {
		return nil, fault.Wrap("core.switch_project", err)
	}
	board := kanban.WithRetry(rawBoard, cfg.Kanban.Retry, c.logger)
	if err := board.Connect(ctx); err != nil {
		return nil, fault.Wrap("core.switch_project", err)
	}

	streams, err := persist.NewStreams(filepath.Join(c.dataDir, "projects", id))
	if err != nil {
		return nil, fault.Wrap("core.switch_project", err)
	}

	var busOpts []events.Option
	busOpts = append(busOpts, events.WithClock(c.clock))
	if cfg.Events.Durable {
		log, err := events.NewLog(streams, cfg.FsyncInterval())
		if err != nil {
			streams.Close()
			return nil, fault.Wrap("core.switch_project", err)
		}
		busOpts = append(busOpts, events.WithDurableLog(log))
	}
	bus := events.NewBus(c.logger, busOpts...)

	pc := &ProjectContext{
		ID:      id,
		Name:    pcfg.Name,
		Graph:   graph.New(),
		Bus:     bus,
		Board:   board,
		streams: streams,
	}

	pc.Leases = lease.NewManager(id, bus, cfg.LeaseTickerInterval(), c.logger,
		lease.WithClock(c.clock),
		lease.WithExpiredFunc(func(l lease.Lease) { c.releaseExpired(pc, l) }),
	)
	pc.Assignments = assign.NewStore(c.kv, id)
	pc.Journal = taskctx.NewJournal(c.kv, id, taskctx.WithClock(c.clock))
	pc.Builder = taskctx.NewBuilder(pc.Graph, pc.Journal, c.workspaces, id)
	pc.Resolver = resolver.New(pc.Graph, pc.Leases)
	pc.Picker = scheduler.New(c.logger, id, pc.Graph, pc.Resolver, pc.Leases, pc.Assignments,
		board, c.mem, bus, cfg.Scheduler.ScoreWeights, cfg.LeaseDefaultDuration())
	pc.Reconciler = reconcile.New(c.logger, pc.Graph, pc.Leases, pc.Assignments, board, bus,
		id, cfg.ReconcilerInterval(), cfg.LeaseDefaultDuration(), reconcile.WithClock(c.clock))

	// First sync populates the graph and adopts board-side assignments.
	if _, err := pc.Reconciler.ReconcileNow(ctx); err != nil {
		pc.retire()
		return nil, err
	}

	pc.lastAccessed = c.clock.Now().UTC()
	return pc, nil
}

// start launches the background tickers for the active context.
func (pc *ProjectContext) start(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	pc.stopTickers = cancel
	go pc.Leases.Run(ctx)
	if cfg.Reconciler.Enabled {
		go pc.Reconciler.Run(ctx)
	}
}

// quiesce stops the background tickers. Safe to call when already stopped.
func (pc *ProjectContext) quiesce() {
	if pc.stopTickers != nil {
		pc.stopTickers()
		pc.stopTickers = nil
	}
}

// retire shuts the context down fully: tickers, bus (flushing the durable
// log), board connection, and stream files.
func (pc *ProjectContext) retire() {
	pc.quiesce()
	pc.Bus.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pc.Board.Disconnect(ctx); err != nil {
		// Nothing to do; the provider connection dies with the process.
		_ = err
	}
	pc.streams.Close()
}

// releaseExpired is the lease ticker's callback: the task returns to the
// pool and the failed attempt is remembered.
func (c *Core) releaseExpired(pc *ProjectContext, l lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Get().SchedulerDeadline())
	defer cancel()

	err := pc.Graph.Update(l.TaskID, func(t *graph.Task) error {
		if t.AssignedTo != l.AgentID {
			return nil
		}
		t.Status = graph.StatusTodo
		t.AssignedTo = ""
		t.BoardSyncPending = true
		t.UpdatedAt = c.clock.Now().UTC()
		return nil
	})
	if err != nil {
		c.logger.Warn("expired lease release skipped graph update", "task", l.TaskID, "error", err)
	}

	if err := pc.Assignments.Remove(ctx, l.TaskID); err != nil {
		c.logger.Error("expired assignment removal failed", "task", l.TaskID, "error", err)
	}

	task, _ := pc.Graph.Get(l.TaskID)
	outcome := memory.Outcome{
		ProjectID:      pc.ID,
		TaskID:         l.TaskID,
		AgentID:        l.AgentID,
		Labels:         task.Labels,
		EstimatedHours: task.EstimatedHours,
		ActualHours:    c.clock.Now().UTC().Sub(l.CreatedAt).Hours(),
		Result:         memory.ResultExpired,
	}
	if err := c.mem.Record(ctx, outcome); err != nil {
		c.logger.Error("expired outcome not recorded", "task", l.TaskID, "error", err)
	}
}

// pushTask mirrors a local task change onto the board, deferring to the
// reconciler on failure.
func (c *Core) pushTask(ctx context.Context, pc *ProjectContext, taskID string) {
	task, ok := pc.Graph.Get(taskID)
	if !ok {
		return
	}
	toPush := task.Clone()
	toPush.BoardSyncPending = false
	if err := pc.Board.UpdateTask(ctx, toPush); err != nil {
		c.logger.Warn("board update deferred to reconciler", "task", taskID, "error", err)
		c.markPending(pc, taskID, true)
		return
	}
	if task.BoardSyncPending {
		c.markPending(pc, taskID, false)
	}
}

func (c *Core) markPending(pc *ProjectContext, taskID string, pending bool) {
	if err := pc.Graph.Update(taskID, func(t *graph.Task) error {
		t.BoardSyncPending = pending
		return nil
	}); err != nil {
		c.logger.Warn("sync flag update failed", "task", taskID, "error", err)
	}
}

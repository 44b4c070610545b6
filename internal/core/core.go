// Package core is the coordination kernel behind the tool surface: agent
// registry, project switching, and the operations agents call to pull,
// progress, and complete work. The Core is an explicit value handed to tool
// handlers; it holds no process-wide mutable state.
package core

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"

	"github.com/antigravity-dev/marcus/internal/config"
	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/kanban"
	"github.com/antigravity-dev/marcus/internal/memory"
	"github.com/antigravity-dev/marcus/internal/persist"
	"github.com/antigravity-dev/marcus/internal/workspace"
)

// Agent is a registered worker.
type Agent struct {
	ID                   string
	Name                 string
	Role                 string
	Skills               []string
	CapacityHoursPerWeek float64
	Performance          float64
}

// ProjectSummary describes a registered project and its residency state.
type ProjectSummary struct {
	ID           string
	Name         string
	Provider     string
	Enabled      bool
	Active       bool
	Cached       bool
	LastAccessed time.Time
}

// Core coordinates the agent pool against the single active project.
type Core struct {
	logger     *slog.Logger
	cfg        config.Manager
	clock      clock.WithTicker
	boards     BoardFactory
	kv         *persist.Store
	streams    *persist.Streams
	mem        *memory.Memory
	workspaces *workspace.Allocator
	dataDir    string

	mu     sync.RWMutex
	agents map[string]Agent

	// switchMu serializes project switches against every scheduling and
	// reporting call: callers hold the read side, a switch the write side.
	switchMu sync.RWMutex
	activeID string
	active   *ProjectContext
	cache    *lru.Cache[string, *ProjectContext]
	reviving string // cache key being taken back, spared from retirement
}

// Option configures a Core.
type Option func(*Core)

// WithClock overrides every internal clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(core *Core) { core.clock = c }
}

// WithBoardFactory installs the kanban provider resolver.
func WithBoardFactory(f BoardFactory) Option {
	return func(core *Core) { core.boards = f }
}

// New opens the durable stores and returns a ready Core with no active
// project; the first SwitchProject activates one.
func New(logger *slog.Logger, cfg config.Manager, opts ...Option) (*Core, error) {
	c := &Core{
		logger: logger,
		cfg:    cfg,
		clock:  clock.RealClock{},
		boards: func(string, config.Project) (kanban.Client, error) { return kanban.NewFake(), nil },
		agents: make(map[string]Agent),
	}
	for _, opt := range opts {
		opt(c)
	}

	conf := cfg.Get()
	c.dataDir = config.ExpandHome(conf.General.DataDir)

	kv, err := persist.Open(config.ExpandHome(conf.General.StateDB))
	if err != nil {
		return nil, fault.New(fault.KindConfiguration, "core.new", fault.ErrPersistence,
			"open state db: %v", err)
	}
	c.kv = kv

	streams, err := persist.NewStreams(c.dataDir)
	if err != nil {
		kv.Close()
		return nil, fault.Wrap("core.new", err)
	}
	c.streams = streams

	mem, err := memory.New(kv, streams, memory.WithClock(c.clock))
	if err != nil {
		streams.Close()
		kv.Close()
		return nil, err
	}
	c.mem = mem

	root := conf.Workspace.Root
	if root == "" {
		root = filepath.Join(c.dataDir, "workspaces")
	}
	c.workspaces = workspace.NewAllocator(config.ExpandHome(root))

	cache, err := lru.NewWithEvict[string, *ProjectContext](conf.Project.CacheCapacity,
		func(id string, pc *ProjectContext) {
			if id == c.reviving {
				return
			}
			c.logger.Info("project context evicted", "project", id)
			pc.retire()
		})
	if err != nil {
		streams.Close()
		kv.Close()
		return nil, fault.New(fault.KindConfiguration, "core.new", fault.ErrInvalidConfig,
			"project cache: %v", err)
	}
	c.cache = cache

	return c, nil
}

// Close quiesces the active project, retires every cached context, and
// closes the durable stores.
func (c *Core) Close() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.active != nil {
		c.active.retire()
		c.active = nil
		c.activeID = ""
	}
	c.cache.Purge()
	c.streams.Close()
	c.kv.Close()
}

// RegisterAgent adds or updates a worker registration. Idempotent on id.
func (c *Core) RegisterAgent(_ context.Context, a Agent) (Agent, error) {
	if a.ID == "" {
		return Agent{}, fault.New(fault.KindBusinessLogic, "core.register_agent", fault.ErrAgentNotFound,
			"agent id is required")
	}
	if a.Performance == 0 {
		a.Performance = 1.0
	}

	c.mu.Lock()
	c.agents[a.ID] = a
	c.mu.Unlock()

	c.logger.Info("agent registered", "agent", a.ID, "role", a.Role, "skills", a.Skills)
	return a, nil
}

func (c *Core) agent(id string) (Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[id]
	if !ok {
		return Agent{}, fault.New(fault.KindBusinessLogic, "core.agent", fault.ErrAgentNotFound,
			"agent %q is not registered", id)
	}
	return a, nil
}

// SwitchProject atomically makes target the active project. Scheduling and
// reporting calls block for the duration of the switch.
func (c *Core) SwitchProject(ctx context.Context, targetID string) error {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.active != nil && c.activeID == targetID {
		c.active.lastAccessed = c.clock.Now().UTC()
		return nil
	}

	outgoing := c.active
	if outgoing != nil {
		outgoing.quiesce()
	}

	target, err := c.takeContext(ctx, targetID)
	if err != nil {
		if outgoing != nil {
			outgoing.start(c.cfg.Get())
		}
		return err
	}

	if outgoing != nil {
		c.cache.Add(outgoing.ID, outgoing)
	}
	target.lastAccessed = c.clock.Now().UTC()
	target.start(c.cfg.Get())
	c.active = target
	c.activeID = targetID

	c.logger.Info("project activated", "project", targetID, "tasks", target.Graph.Len())
	return nil
}

// takeContext fetches the target from the cache, refreshing it against the
// board, or builds it cold. Callers hold the switch latch.
func (c *Core) takeContext(ctx context.Context, id string) (*ProjectContext, error) {
	if cached, ok := c.cache.Peek(id); ok {
		c.reviving = id
		c.cache.Remove(id)
		c.reviving = ""

		if _, err := cached.Reconciler.ReconcileNow(ctx); err != nil {
			c.cache.Add(id, cached)
			return nil, err
		}
		return cached, nil
	}
	return c.buildProject(ctx, id)
}

// ListProjects returns every registered project with its residency state,
// ordered by id.
func (c *Core) ListProjects(_ context.Context) []ProjectSummary {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	conf := c.cfg.Get()
	out := make([]ProjectSummary, 0, len(conf.Projects))
	for id, p := range conf.Projects {
		summary := ProjectSummary{
			ID:       id,
			Name:     p.Name,
			Provider: p.Provider,
			Enabled:  p.Enabled,
			Active:   id == c.activeID,
		}
		if summary.Active {
			summary.LastAccessed = c.active.lastAccessed
		} else if cached, ok := c.cache.Peek(id); ok {
			summary.Cached = true
			summary.LastAccessed = cached.lastAccessed
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SubscribeEvents registers a handler on the active project's bus. The
// subscription dies with the project context.
func (c *Core) SubscribeEvents(kinds []events.Kind, handler events.Handler) (events.Subscription, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return events.Subscription{}, err
	}
	return pc.Bus.Subscribe(kinds, handler), nil
}

// activeContext returns the active project. Callers hold switchMu (either
// side).
func (c *Core) activeContext() (*ProjectContext, error) {
	if c.active == nil {
		return nil, fault.New(fault.KindTransient, "core.active_project", fault.ErrServiceUnavailable,
			"no active project; call switch_project first")
	}
	return c.active, nil
}

// deadline applies the configured per-call budget.
func (c *Core) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Get().SchedulerDeadline())
}

// Package lease manages time-bounded contracts between agents and tasks.
// A lease is opened at reservation, extended by progress reports, and
// expired by a background ticker when the agent goes quiet.
package lease

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/antigravity-dev/marcus/internal/events"
	"github.com/antigravity-dev/marcus/internal/fault"
)

// State is the lifecycle state of a lease.
type State string

const (
	StateActive   State = "active"
	StateExpired  State = "expired"
	StateReleased State = "released"
)

// Duration bounds applied to every computed lease window.
const (
	MinDuration = 30 * time.Minute
	MaxDuration = 24 * time.Hour

	// estimateBuffer pads estimates before they become lease windows.
	estimateBuffer = 1.25
)

// DefaultTableCap bounds the number of concurrently active leases.
const DefaultTableCap = 10000

// Lease is a time contract over one assignment.
type Lease struct {
	TaskID          string
	AgentID         string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RenewalCount    int
	LastProgressPct float64
	State           State

	// Blocked keeps the lease alive without progress while a blocker is
	// open on the task.
	Blocked bool
}

// ExpiredFunc is invoked for each lease the ticker expires, before the
// lease_expired event is emitted. Implementations release the underlying
// assignment.
type ExpiredFunc func(l Lease)

// Manager owns the lease table for one project.
type Manager struct {
	logger    *slog.Logger
	clock     clock.WithTicker
	bus       *events.Bus
	projectID string
	interval  time.Duration
	tableCap  int
	onExpired ExpiredFunc

	mu    sync.RWMutex
	table map[string]*Lease
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the ticker clock, for tests.
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

// WithTableCap overrides the active lease capacity.
func WithTableCap(n int) Option {
	return func(m *Manager) { m.tableCap = n }
}

// WithExpiredFunc sets the assignment release hook.
func WithExpiredFunc(fn ExpiredFunc) Option {
	return func(m *Manager) { m.onExpired = fn }
}

// NewManager builds a lease manager scanning at the given interval.
func NewManager(projectID string, bus *events.Bus, interval time.Duration, logger *slog.Logger, opts ...Option) *Manager {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m := &Manager{
		logger:    logger,
		clock:     clock.RealClock{},
		bus:       bus,
		projectID: projectID,
		interval:  interval,
		tableCap:  DefaultTableCap,
		table:     make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitialDuration computes the first lease window for a task estimate,
// scaled by a historical velocity factor when one is known: below 1 for
// agents that finish early, above 1 for agents that run long.
func InitialDuration(estimatedHours, velocityFactor float64) time.Duration {
	if estimatedHours <= 0 {
		estimatedHours = 1
	}
	hours := estimatedHours * estimateBuffer
	if velocityFactor > 0 {
		hours *= velocityFactor
	}
	return clampDuration(time.Duration(hours * float64(time.Hour)))
}

// renewalDuration computes the remaining window after a progress report.
// The remaining share of the buffered estimate is scaled by a stage factor:
// early work tends to under-report, late work tends to drag.
func renewalDuration(progressPct, estimatedHours float64) time.Duration {
	if estimatedHours <= 0 {
		estimatedHours = 1
	}
	remaining := estimatedHours * estimateBuffer * (1 - progressPct/100)

	var factor float64
	switch {
	case progressPct < 33:
		factor = 0.8
	case progressPct < 67:
		factor = 1.0
	default:
		factor = 1.3
	}
	return clampDuration(time.Duration(remaining * factor * float64(time.Hour)))
}

func clampDuration(d time.Duration) time.Duration {
	if d < MinDuration {
		return MinDuration
	}
	if d > MaxDuration {
		return MaxDuration
	}
	return d
}

// Open starts a lease. At most one active lease may exist per task.
func (m *Manager) Open(taskID, agentID string, duration time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.table[taskID]; ok {
		return Lease{}, fault.New(fault.KindBusinessLogic, "lease.open", fault.ErrAssignment,
			"task %q already leased to %q", taskID, existing.AgentID)
	}
	if len(m.table) >= m.tableCap {
		return Lease{}, fault.New(fault.KindResource, "lease.open", fault.ErrLeaseTableFull,
			"lease table at capacity %d", m.tableCap)
	}

	now := m.clock.Now().UTC()
	l := &Lease{
		TaskID:    taskID,
		AgentID:   agentID,
		CreatedAt: now,
		ExpiresAt: now.Add(clampDuration(duration)),
		State:     StateActive,
	}
	m.table[taskID] = l
	return *l, nil
}

// Renew extends the lease after a progress report. A report below the
// stored progress still extends the lease but never lowers stored progress.
func (m *Manager) Renew(taskID string, progressPct, estimatedHours float64) (Lease, error) {
	progressPct = math.Max(0, math.Min(100, progressPct))

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.table[taskID]
	if !ok {
		return Lease{}, fault.New(fault.KindBusinessLogic, "lease.renew", fault.ErrAssignment,
			"no active lease for task %q", taskID)
	}

	effective := math.Max(progressPct, l.LastProgressPct)
	l.ExpiresAt = m.clock.Now().UTC().Add(renewalDuration(effective, estimatedHours))
	l.RenewalCount++
	if progressPct > l.LastProgressPct {
		l.LastProgressPct = progressPct
	}
	return *l, nil
}

// Release closes the lease terminally and removes it from the table.
func (m *Manager) Release(taskID string) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.table[taskID]
	if !ok {
		return Lease{}, fault.New(fault.KindBusinessLogic, "lease.release", fault.ErrAssignment,
			"no active lease for task %q", taskID)
	}
	delete(m.table, taskID)
	l.State = StateReleased
	return *l, nil
}

// Expire forcibly expires a lease, running the same path as the ticker.
func (m *Manager) Expire(taskID string) (Lease, error) {
	m.mu.Lock()
	l, ok := m.table[taskID]
	if !ok {
		m.mu.Unlock()
		return Lease{}, fault.New(fault.KindBusinessLogic, "lease.expire", fault.ErrAssignment,
			"no active lease for task %q", taskID)
	}
	delete(m.table, taskID)
	l.State = StateExpired
	snapshot := *l
	m.mu.Unlock()

	m.expired(snapshot)
	return snapshot, nil
}

// Get returns the active lease for a task.
func (m *Manager) Get(taskID string) (Lease, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.table[taskID]
	if !ok {
		return Lease{}, false
	}
	return *l, true
}

// SetBlocked marks the lease as riding out a blocker.
func (m *Manager) SetBlocked(taskID string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.table[taskID]
	if !ok {
		return fault.New(fault.KindBusinessLogic, "lease.block", fault.ErrAssignment,
			"no active lease for task %q", taskID)
	}
	l.Blocked = blocked
	return nil
}

// ActiveForAgent returns the agent's active leases.
func (m *Manager) ActiveForAgent(agentID string) []Lease {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Lease
	for _, l := range m.table {
		if l.AgentID == agentID {
			out = append(out, *l)
		}
	}
	return out
}

// ActiveCount returns the number of active leases.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.table)
}

// Run scans for expired leases until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("lease ticker started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lease ticker stopping")
			return
		case <-ticker.C():
			m.Sweep()
		}
	}
}

// Sweep expires every lease whose deadline has passed. Blocked leases are
// exempt: an open blocker keeps the assignment with its agent until someone
// resolves it. Exposed for on-demand scans and tests.
func (m *Manager) Sweep() int {
	now := m.clock.Now().UTC()

	m.mu.Lock()
	var expired []Lease
	for taskID, l := range m.table {
		if l.Blocked {
			continue
		}
		if l.ExpiresAt.Before(now) {
			delete(m.table, taskID)
			l.State = StateExpired
			expired = append(expired, *l)
		}
	}
	m.mu.Unlock()

	for _, l := range expired {
		m.expired(l)
	}
	return len(expired)
}

func (m *Manager) expired(l Lease) {
	m.logger.Warn("lease expired", "task", l.TaskID, "agent", l.AgentID, "renewals", l.RenewalCount)
	if m.onExpired != nil {
		m.onExpired(l)
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			ProjectID: m.projectID,
			Payload:   events.LeaseExpired{TaskID: l.TaskID, AgentID: l.AgentID},
		})
	}
}

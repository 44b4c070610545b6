// Package memory records task outcomes and answers aggregate questions about
// them: how fast an agent really works relative to estimates, and how a
// project is trending. Outcomes land in SQLite for querying and in an
// append-only stream for replay.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/persist"
)

const outcomeStream = "outcomes"

const outcomeSchema = `
CREATE TABLE IF NOT EXISTS outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	labels TEXT NOT NULL DEFAULT '',
	estimated_hours REAL NOT NULL DEFAULT 0,
	actual_hours REAL NOT NULL DEFAULT 0,
	outcome TEXT NOT NULL,
	recorded_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_agent ON outcomes(agent_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_project ON outcomes(project_id, recorded_at);
`

// Result is the terminal disposition of an assignment.
type Result string

const (
	ResultCompleted Result = "completed"
	ResultExpired   Result = "expired"
	ResultAbandoned Result = "abandoned"
)

// Outcome is one finished assignment.
type Outcome struct {
	ProjectID      string    `json:"project_id"`
	TaskID         string    `json:"task_id"`
	AgentID        string    `json:"agent_id"`
	Labels         []string  `json:"labels,omitempty"`
	EstimatedHours float64   `json:"estimated_hours"`
	ActualHours    float64   `json:"actual_hours"`
	Result         Result    `json:"result"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// AgentStats aggregates an agent's outcomes over a window.
type AgentStats struct {
	AgentID        string
	Total          int
	Completed      int
	Expired        int
	AvgActualHours float64
	SuccessRate    float64
}

// Throughput measures a project's completion rate over a window.
type Throughput struct {
	ProjectID      string
	Completed      int
	TasksPerDay    float64
	AvgActualHours float64
}

// Velocity estimation bounds. A factor below 1 shortens initial leases; the
// clamp keeps a few outlier outcomes from distorting them.
const (
	velocityMinSamples = 3
	velocityWindow     = 90 * 24 * time.Hour
	velocityFloor      = 0.5
	velocityCeiling    = 1.5
)

// Memory is the outcome store for all projects.
type Memory struct {
	kv      *persist.Store
	streams *persist.Streams
	clock   clock.PassiveClock
}

// Option configures Memory.
type Option func(*Memory)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Memory) { m.clock = c }
}

// New ensures the outcome schema exists and binds the journal stream.
// streams may be nil when no journal is wanted.
func New(kv *persist.Store, streams *persist.Streams, opts ...Option) (*Memory, error) {
	if _, err := kv.DB().Exec(outcomeSchema); err != nil {
		return nil, fault.New(fault.KindIntegration, "memory.init", fault.ErrPersistence,
			"create outcome schema: %v", err)
	}
	m := &Memory{kv: kv, streams: streams, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Record stores an outcome. The journal append is best-effort ordered after
// the database insert; a missing journal line never loses an aggregate.
func (m *Memory) Record(ctx context.Context, o Outcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = m.clock.Now().UTC()
	}
	_, err := m.kv.DB().ExecContext(ctx, `
		INSERT INTO outcomes (project_id, task_id, agent_id, labels, estimated_hours, actual_hours, outcome, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ProjectID, o.TaskID, o.AgentID, strings.Join(o.Labels, ","),
		o.EstimatedHours, o.ActualHours, string(o.Result), o.RecordedAt)
	if err != nil {
		return fault.New(fault.KindIntegration, "memory.record", fault.ErrPersistence,
			"insert outcome for task %q: %v", o.TaskID, err)
	}

	if m.streams != nil {
		line, err := json.Marshal(o)
		if err != nil {
			return fault.New(fault.KindIntegration, "memory.record", fault.ErrPersistence,
				"marshal outcome for task %q: %v", o.TaskID, err)
		}
		if err := m.streams.Append(outcomeStream, line); err != nil {
			return fault.Wrap("memory.record", err)
		}
	}
	return nil
}

// VelocityFactor estimates how the agent's actual hours compare to estimates
// on similar work: below 1 means the agent finishes early. Similarity is
// label overlap; with no labels given, all of the agent's outcomes count.
// Reports ok=false until enough samples exist.
func (m *Memory) VelocityFactor(ctx context.Context, agentID string, labels []string) (float64, bool, error) {
	cutoff := m.clock.Now().UTC().Add(-velocityWindow)
	rows, err := m.kv.DB().QueryContext(ctx, `
		SELECT labels, estimated_hours, actual_hours
		FROM outcomes
		WHERE agent_id = ? AND outcome = ? AND estimated_hours > 0 AND actual_hours > 0 AND recorded_at >= ?`,
		agentID, string(ResultCompleted), cutoff)
	if err != nil {
		return 0, false, fault.New(fault.KindIntegration, "memory.velocity", fault.ErrPersistence,
			"query outcomes for agent %q: %v", agentID, err)
	}
	defer rows.Close()

	var sum float64
	var n int
	for rows.Next() {
		var rowLabels string
		var est, actual float64
		if err := rows.Scan(&rowLabels, &est, &actual); err != nil {
			return 0, false, fault.New(fault.KindIntegration, "memory.velocity", fault.ErrPersistence,
				"scan outcome for agent %q: %v", agentID, err)
		}
		if len(labels) > 0 && !labelsOverlap(labels, rowLabels) {
			continue
		}
		sum += actual / est
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, false, fault.New(fault.KindIntegration, "memory.velocity", fault.ErrPersistence,
			"iterate outcomes for agent %q: %v", agentID, err)
	}

	if n < velocityMinSamples {
		return 0, false, nil
	}
	factor := sum / float64(n)
	if factor < velocityFloor {
		factor = velocityFloor
	}
	if factor > velocityCeiling {
		factor = velocityCeiling
	}
	return factor, true, nil
}

// Stats aggregates an agent's outcomes over the window.
func (m *Memory) Stats(ctx context.Context, agentID string, window time.Duration) (AgentStats, error) {
	cutoff := m.clock.Now().UTC().Add(-window)
	var stats AgentStats
	var avg *float64
	err := m.kv.DB().QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN outcome = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'expired' THEN 1 ELSE 0 END),
			AVG(CASE WHEN outcome = 'completed' THEN actual_hours ELSE NULL END)
		FROM outcomes
		WHERE agent_id = ? AND recorded_at >= ?`,
		agentID, cutoff).Scan(&stats.Total, &nullInt{&stats.Completed}, &nullInt{&stats.Expired}, &avg)
	if err != nil {
		return AgentStats{}, fault.New(fault.KindIntegration, "memory.stats", fault.ErrPersistence,
			"query stats for agent %q: %v", agentID, err)
	}
	stats.AgentID = agentID
	if avg != nil {
		stats.AvgActualHours = *avg
	}
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(stats.Total) * 100
	}
	return stats, nil
}

// ProjectThroughput measures a project's completion rate over the window.
func (m *Memory) ProjectThroughput(ctx context.Context, projectID string, window time.Duration) (Throughput, error) {
	cutoff := m.clock.Now().UTC().Add(-window)
	var tp Throughput
	var avg *float64
	err := m.kv.DB().QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(actual_hours)
		FROM outcomes
		WHERE project_id = ? AND outcome = 'completed' AND recorded_at >= ?`,
		projectID, cutoff).Scan(&tp.Completed, &avg)
	if err != nil {
		return Throughput{}, fault.New(fault.KindIntegration, "memory.throughput", fault.ErrPersistence,
			"query throughput for project %q: %v", projectID, err)
	}
	tp.ProjectID = projectID
	if avg != nil {
		tp.AvgActualHours = *avg
	}
	if days := window.Hours() / 24; days > 0 {
		tp.TasksPerDay = float64(tp.Completed) / days
	}
	return tp, nil
}

// nullInt scans a nullable aggregate into an int, treating NULL as zero.
type nullInt struct{ v *int }

func (n *nullInt) Scan(src any) error {
	if src == nil {
		*n.v = 0
		return nil
	}
	switch x := src.(type) {
	case int64:
		*n.v = int(x)
	case float64:
		*n.v = int(x)
	}
	return nil
}

func labelsOverlap(want []string, stored string) bool {
	if stored == "" {
		return false
	}
	have := strings.Split(stored, ",")
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(strings.TrimSpace(w), strings.TrimSpace(h)) {
				return true
			}
		}
	}
	return false
}

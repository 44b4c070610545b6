// Package taskctx assembles the briefing an agent receives with an
// assignment: what upstream work produced, which contracts feed this task,
// recent decisions nearby, and where to work. Builds are deterministic over
// frozen state so the same graph always yields the same briefing bytes.
package taskctx

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/persist"
)

const (
	decisionPrefix = "decision"
	artifactPrefix = "artifact"
)

// Decision is an architectural choice recorded against a task.
type Decision struct {
	Seq             int       `json:"seq"`
	TaskID          string    `json:"task_id"`
	AgentID         string    `json:"agent_id"`
	What            string    `json:"what"`
	Why             string    `json:"why"`
	Impact          string    `json:"impact"`
	Confidence      float64   `json:"confidence"`
	AffectedTaskIDs []string  `json:"affected_task_ids,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Artifact is a produced output recorded against a task.
type Artifact struct {
	Seq         int       `json:"seq"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Type        string    `json:"type"` // code, docs, schema, config
	Location    string    `json:"location"`
	Size        int64     `json:"size,omitempty"`
	Description string    `json:"description,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Journal persists decisions and artifacts per task. Sequence numbers are
// per task and assigned under an in-process lock; the single-writer core is
// the only producer.
type Journal struct {
	kv        *persist.Store
	projectID string
	clock     clock.PassiveClock

	mu sync.Mutex
}

// JournalOption configures a Journal.
type JournalOption func(*Journal)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.PassiveClock) JournalOption {
	return func(j *Journal) { j.clock = c }
}

// NewJournal binds a journal to a project namespace.
func NewJournal(kv *persist.Store, projectID string, opts ...JournalOption) *Journal {
	j := &Journal{kv: kv, projectID: projectID, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) key(prefix, taskID string, seq int) string {
	return persist.Key(prefix, j.projectID, taskID, fmt.Sprintf("%06d", seq))
}

// RecordDecision appends a decision, assigning its sequence and timestamp.
func (j *Journal) RecordDecision(ctx context.Context, d Decision) (Decision, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.nextSeq(ctx, decisionPrefix, d.TaskID)
	if err != nil {
		return Decision{}, err
	}
	d.Seq = seq
	if d.RecordedAt.IsZero() {
		d.RecordedAt = j.clock.Now().UTC()
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return Decision{}, fault.New(fault.KindIntegration, "taskctx.record_decision", fault.ErrPersistence,
			"marshal decision for task %q: %v", d.TaskID, err)
	}
	if err := j.kv.KVPut(ctx, j.key(decisionPrefix, d.TaskID, seq), payload); err != nil {
		return Decision{}, fault.New(fault.KindIntegration, "taskctx.record_decision", fault.ErrPersistence,
			"write decision for task %q: %v", d.TaskID, err)
	}
	return d, nil
}

// RecordArtifact appends an artifact, assigning its sequence and timestamp.
func (j *Journal) RecordArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq, err := j.nextSeq(ctx, artifactPrefix, a.TaskID)
	if err != nil {
		return Artifact{}, err
	}
	a.Seq = seq
	if a.RecordedAt.IsZero() {
		a.RecordedAt = j.clock.Now().UTC()
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return Artifact{}, fault.New(fault.KindIntegration, "taskctx.record_artifact", fault.ErrPersistence,
			"marshal artifact for task %q: %v", a.TaskID, err)
	}
	if err := j.kv.KVPut(ctx, j.key(artifactPrefix, a.TaskID, seq), payload); err != nil {
		return Artifact{}, fault.New(fault.KindIntegration, "taskctx.record_artifact", fault.ErrPersistence,
			"write artifact for task %q: %v", a.TaskID, err)
	}
	return a, nil
}

// DecisionsFor returns a task's decisions in sequence order.
func (j *Journal) DecisionsFor(ctx context.Context, taskID string) ([]Decision, error) {
	listing, err := j.kv.KVList(ctx, persist.Key(decisionPrefix, j.projectID, taskID)+"/")
	if err != nil {
		return nil, fault.New(fault.KindIntegration, "taskctx.decisions", fault.ErrPersistence,
			"list decisions for task %q: %v", taskID, err)
	}
	out := make([]Decision, 0, len(listing))
	for _, key := range persist.SortedKeys(listing) {
		var d Decision
		if err := json.Unmarshal(listing[key], &d); err != nil {
			return nil, fault.New(fault.KindIntegration, "taskctx.decisions", fault.ErrPersistence,
				"corrupt decision %q: %v", key, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ArtifactsFor returns a task's artifacts in sequence order.
func (j *Journal) ArtifactsFor(ctx context.Context, taskID string) ([]Artifact, error) {
	listing, err := j.kv.KVList(ctx, persist.Key(artifactPrefix, j.projectID, taskID)+"/")
	if err != nil {
		return nil, fault.New(fault.KindIntegration, "taskctx.artifacts", fault.ErrPersistence,
			"list artifacts for task %q: %v", taskID, err)
	}
	out := make([]Artifact, 0, len(listing))
	for _, key := range persist.SortedKeys(listing) {
		var a Artifact
		if err := json.Unmarshal(listing[key], &a); err != nil {
			return nil, fault.New(fault.KindIntegration, "taskctx.artifacts", fault.ErrPersistence,
				"corrupt artifact %q: %v", key, err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (j *Journal) nextSeq(ctx context.Context, prefix, taskID string) (int, error) {
	listing, err := j.kv.KVList(ctx, persist.Key(prefix, j.projectID, taskID)+"/")
	if err != nil {
		return 0, fault.New(fault.KindIntegration, "taskctx.seq", fault.ErrPersistence,
			"list %s entries for task %q: %v", prefix, taskID, err)
	}
	return len(listing) + 1, nil
}

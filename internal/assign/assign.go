// Package assign is the durable record of (agent -> task) bindings. It
// write-throughs every reservation so assignments survive a restart, and
// its create-if-absent semantics back the scheduler's atomic reservation.
package assign

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/persist"
)

const keyPrefix = "assignment"

// LeaseSnapshot is the persisted view of the lease over an assignment.
type LeaseSnapshot struct {
	ExpiresAt       time.Time `json:"expires_at"`
	RenewalCount    int       `json:"renewal_count"`
	LastProgressPct float64   `json:"last_progress_pct"`
}

// Record is one durable assignment.
type Record struct {
	TaskID   string        `json:"-"`
	AgentID  string        `json:"agent_id"`
	OpenedAt time.Time     `json:"opened_at"`
	Lease    LeaseSnapshot `json:"lease"`
}

// Store persists assignments for one project.
type Store struct {
	kv        *persist.Store
	projectID string
}

// NewStore binds an assignment store to a project namespace.
func NewStore(kv *persist.Store, projectID string) *Store {
	return &Store{kv: kv, projectID: projectID}
}

func (s *Store) key(taskID string) string {
	return persist.Key(keyPrefix, s.projectID, taskID)
}

func (s *Store) taskID(key string) string {
	return strings.TrimPrefix(key, persist.Key(keyPrefix, s.projectID)+"/")
}

// Reserve durably creates the assignment only when no record exists for the
// task. Returns false when another agent already holds it.
func (s *Store) Reserve(ctx context.Context, rec Record) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fault.New(fault.KindIntegration, "assign.reserve", fault.ErrPersistence,
			"marshal assignment %q: %v", rec.TaskID, err)
	}
	ok, err := s.kv.KVCAS(ctx, s.key(rec.TaskID), nil, payload)
	if err != nil {
		return false, fault.New(fault.KindIntegration, "assign.reserve", fault.ErrPersistence,
			"write assignment %q: %v", rec.TaskID, err)
	}
	return ok, nil
}

// Put overwrites the assignment record, e.g. after a lease renewal.
func (s *Store) Put(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fault.New(fault.KindIntegration, "assign.put", fault.ErrPersistence,
			"marshal assignment %q: %v", rec.TaskID, err)
	}
	if err := s.kv.KVPut(ctx, s.key(rec.TaskID), payload); err != nil {
		return fault.New(fault.KindIntegration, "assign.put", fault.ErrPersistence,
			"write assignment %q: %v", rec.TaskID, err)
	}
	return nil
}

// Get returns the assignment for a task, reporting presence explicitly.
func (s *Store) Get(ctx context.Context, taskID string) (Record, bool, error) {
	payload, ok, err := s.kv.KVGet(ctx, s.key(taskID))
	if err != nil {
		return Record{}, false, fault.New(fault.KindIntegration, "assign.get", fault.ErrPersistence,
			"read assignment %q: %v", taskID, err)
	}
	if !ok {
		return Record{}, false, nil
	}
	rec, err := decode(taskID, payload)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// ListAll returns every assignment in the project, ordered by task id.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	listing, err := s.kv.KVList(ctx, persist.Key(keyPrefix, s.projectID)+"/")
	if err != nil {
		return nil, fault.New(fault.KindIntegration, "assign.list", fault.ErrPersistence,
			"list assignments: %v", err)
	}

	out := make([]Record, 0, len(listing))
	for _, key := range persist.SortedKeys(listing) {
		rec, err := decode(s.taskID(key), listing[key])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ListForAgent returns the agent's assignments, ordered by task id.
func (s *Store) ListForAgent(ctx context.Context, agentID string) ([]Record, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rec := range all {
		if rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Remove deletes the assignment for a task. Missing records are a no-op.
func (s *Store) Remove(ctx context.Context, taskID string) error {
	if err := s.kv.KVDelete(ctx, s.key(taskID)); err != nil {
		return fault.New(fault.KindIntegration, "assign.remove", fault.ErrPersistence,
			"delete assignment %q: %v", taskID, err)
	}
	return nil
}

func decode(taskID string, payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, fault.New(fault.KindIntegration, "assign.decode", fault.ErrPersistence,
			"corrupt assignment record %q: %v", taskID, err)
	}
	rec.TaskID = taskID
	return rec, nil
}

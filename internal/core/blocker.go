package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/antigravity-dev/marcus/internal/fault"
)

// Blocker is the durable record of work stopping on a task. Records are
// append-only per task; unblocking marks the open ones resolved.
type Blocker struct {
	Seq         int       `json:"seq"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	ReportedAt  time.Time `json:"reported_at"`
	Resolved    bool      `json:"resolved"`
	Resolution  string    `json:"resolution,omitempty"`
}

func blockerPrefix(projectID, taskID string) string {
	return fmt.Sprintf("blocker/%s/%s/", projectID, taskID)
}

func (c *Core) recordBlocker(ctx context.Context, pc *ProjectContext, b Blocker) (Blocker, error) {
	prefix := blockerPrefix(pc.ID, b.TaskID)
	existing, err := c.kv.KVList(ctx, prefix)
	if err != nil {
		return Blocker{}, fault.Wrap("core.record_blocker", err)
	}
	b.Seq = len(existing) + 1
	b.ReportedAt = c.clock.Now().UTC()

	raw, err := json.Marshal(b)
	if err != nil {
		return Blocker{}, fault.Wrap("core.record_blocker", err)
	}
	key := fmt.Sprintf("%s%06d", prefix, b.Seq)
	if err := c.kv.KVPut(ctx, key, raw); err != nil {
		return Blocker{}, fault.Wrap("core.record_blocker", err)
	}
	return b, nil
}

// resolveBlockers closes every open blocker on the task with the given
// resolution note.
func (c *Core) resolveBlockers(ctx context.Context, pc *ProjectContext, taskID, resolution string) error {
	prefix := blockerPrefix(pc.ID, taskID)
	entries, err := c.kv.KVList(ctx, prefix)
	if err != nil {
		return fault.Wrap("core.unblock_task", err)
	}
	for key, raw := range entries {
		var b Blocker
		if err := json.Unmarshal(raw, &b); err != nil {
			c.logger.Warn("unreadable blocker record skipped", "key", key, "error", err)
			continue
		}
		if b.Resolved {
			continue
		}
		b.Resolved = true
		b.Resolution = resolution
		updated, err := json.Marshal(b)
		if err != nil {
			return fault.Wrap("core.unblock_task", err)
		}
		if err := c.kv.KVPut(ctx, key, updated); err != nil {
			return fault.Wrap("core.unblock_task", err)
		}
	}
	return nil
}

// ListBlockers returns a task's blocker history, oldest first.
func (c *Core) ListBlockers(ctx context.Context, taskID string) ([]Blocker, error) {
	c.switchMu.RLock()
	defer c.switchMu.RUnlock()

	pc, err := c.activeContext()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.deadline(ctx)
	defer cancel()

	entries, err := c.kv.KVList(ctx, blockerPrefix(pc.ID, taskID))
	if err != nil {
		return nil, fault.Wrap("core.list_blockers", err)
	}
	out := make([]Blocker, 0, len(entries))
	for key, raw := range entries {
		var b Blocker
		if err := json.Unmarshal(raw, &b); err != nil {
			c.logger.Warn("unreadable blocker record skipped", "key", key, "error", err)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

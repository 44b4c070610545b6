// Package kanban defines the provider contract for external task boards and
// the retry policy applied to every call that crosses it. Concrete providers
// (planka, github, linear) are supplied by the embedder; this package ships
// the in-memory board used by tests and local runs.
package kanban

import (
	"context"

	"github.com/antigravity-dev/marcus/internal/graph"
)

// Client is the provider contract. Tasks cross the boundary in the graph's
// task shape so board diffs stay field-by-field.
//
// Implementations must be safe for concurrent use. Transient failures should
// be surfaced as fault errors with KindTransient so the retry layer can tell
// them from contract violations.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	ListTasks(ctx context.Context) ([]graph.Task, error)
	CreateTask(ctx context.Context, task graph.Task) (graph.Task, error)
	UpdateTask(ctx context.Context, task graph.Task) error
	AssignTask(ctx context.Context, taskID, agentID string) error
	AddComment(ctx context.Context, taskID, text string) error
}

package kanban

import (
	"context"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/antigravity-dev/marcus/internal/config"
	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
)

// Retrying decorates a Client with exponential backoff on retryable
// failures. Business-logic and security errors pass through on the first
// attempt; only transient faults burn the retry budget.
type Retrying struct {
	inner  Client
	logger *slog.Logger
	policy config.Retry
}

// WithRetry wraps client with the configured retry policy.
func WithRetry(client Client, policy config.Retry, logger *slog.Logger) *Retrying {
	return &Retrying{inner: client, logger: logger, policy: policy}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	initial := time.Duration(r.policy.BackoffInitialMs) * time.Millisecond
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(r.policy.Attempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(fault.Retryable),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			d := float64(initial)
			for i := uint(0); i < n; i++ {
				d *= r.policy.BackoffFactor
			}
			return time.Duration(d)
		}),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("kanban call retrying", "op", op, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fault.Wrap(op, err)
	}
	return nil
}

func (r *Retrying) Connect(ctx context.Context) error {
	return r.do(ctx, "kanban.connect", func() error { return r.inner.Connect(ctx) })
}

func (r *Retrying) Disconnect(ctx context.Context) error {
	return r.do(ctx, "kanban.disconnect", func() error { return r.inner.Disconnect(ctx) })
}

func (r *Retrying) ListTasks(ctx context.Context) ([]graph.Task, error) {
	var out []graph.Task
	err := r.do(ctx, "kanban.list_tasks", func() error {
		var err error
		out, err = r.inner.ListTasks(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) CreateTask(ctx context.Context, task graph.Task) (graph.Task, error) {
	var out graph.Task
	err := r.do(ctx, "kanban.create_task", func() error {
		var err error
		out, err = r.inner.CreateTask(ctx, task)
		return err
	})
	return out, err
}

func (r *Retrying) UpdateTask(ctx context.Context, task graph.Task) error {
	return r.do(ctx, "kanban.update_task", func() error { return r.inner.UpdateTask(ctx, task) })
}

func (r *Retrying) AssignTask(ctx context.Context, taskID, agentID string) error {
	return r.do(ctx, "kanban.assign_task", func() error { return r.inner.AssignTask(ctx, taskID, agentID) })
}

func (r *Retrying) AddComment(ctx context.Context, taskID, text string) error {
	return r.do(ctx, "kanban.add_comment", func() error { return r.inner.AddComment(ctx, taskID, text) })
}

package graph

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Priority orders tasks for picking. Weight() maps it onto [0,1] for scoring.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Weight returns the scoring weight of the priority. Unknown priorities
// weigh the same as medium.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 0.25
	case PriorityMedium:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityUrgent:
		return 1.0
	default:
		return 0.5
	}
}

// Rank returns an integer ordering for tie-breaking, higher is more urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// Task is the unit of work tracked by the coordination kernel. Graph edges
// are held as task ids, never pointers; parent links likewise.
type Task struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Status         Status     `json:"status"`
	Priority       Priority   `json:"priority"`
	EstimatedHours float64    `json:"estimated_hours"`
	ActualHours    float64    `json:"actual_hours"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
	Labels         []string   `json:"labels"`
	ProjectID      string     `json:"project_id"`

	Dependencies []string `json:"dependencies"`
	IsSubtask    bool     `json:"is_subtask"`
	ParentTaskID string   `json:"parent_task_id,omitempty"`
	SubtaskIndex int      `json:"subtask_index,omitempty"`
	Provides     string   `json:"provides,omitempty"`
	Requires     string   `json:"requires,omitempty"`

	AssignedTo string `json:"assigned_to,omitempty"`

	// BoardSyncPending marks a local change the kanban board has not
	// accepted yet; the reconciler pushes and clears it.
	BoardSyncPending bool `json:"board_sync_pending,omitempty"`
}

// Clone returns a value copy of t with independently allocated slices.
// Reference-type fields that must be cloned: Dependencies, Labels, and the
// optional timestamp pointers. If Task gains new slice or map fields, add
// them here.
func (t Task) Clone() Task {
	if len(t.Dependencies) > 0 {
		cp := make([]string, len(t.Dependencies))
		copy(cp, t.Dependencies)
		t.Dependencies = cp
	}
	if len(t.Labels) > 0 {
		cp := make([]string, len(t.Labels))
		copy(cp, t.Labels)
		t.Labels = cp
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		t.CompletedAt = &ts
	}
	if t.DueDate != nil {
		ts := *t.DueDate
		t.DueDate = &ts
	}
	return t
}

// HasLabel reports whether the task carries the label, case-insensitively.
func (t Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Less orders tasks for deterministic picking: higher priority first, then
// earlier due date, then shorter estimate, then lexicographic id.
func Less(a, b Task) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	switch {
	case a.DueDate != nil && b.DueDate == nil:
		return true
	case a.DueDate == nil && b.DueDate != nil:
		return false
	case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
		return a.DueDate.Before(*b.DueDate)
	}
	if a.EstimatedHours != b.EstimatedHours {
		return a.EstimatedHours < b.EstimatedHours
	}
	return a.ID < b.ID
}

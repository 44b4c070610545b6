package kanban

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/antigravity-dev/marcus/internal/fault"
	"github.com/antigravity-dev/marcus/internal/graph"
)

// Fake is the in-memory board. It backs tests and local runs, and supports
// scripted failures so retry and reconcile paths can be exercised.
type Fake struct {
	mu        sync.Mutex
	connected bool
	tasks     map[string]graph.Task
	comments  map[string][]string
	nextID    int

	failures map[string]int // op -> remaining scripted failures
	failErr  error
}

// NewFake returns an empty in-memory board.
func NewFake() *Fake {
	return &Fake{
		tasks:    make(map[string]graph.Task),
		comments: make(map[string][]string),
		failures: make(map[string]int),
	}
}

// Seed loads tasks onto the board without going through CreateTask.
func (f *Fake) Seed(tasks ...graph.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tasks {
		f.tasks[t.ID] = t.Clone()
	}
}

// FailNext scripts the next n calls of op ("list", "create", "update",
// "assign", "comment", "connect") to return err.
func (f *Fake) FailNext(op string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
	f.failErr = err
}

// Task returns the board's copy of a task.
func (f *Fake) Task(id string) (graph.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return graph.Task{}, false
	}
	return t.Clone(), true
}

// Comments returns the comments added to a task, oldest first.
func (f *Fake) Comments(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments[id]...)
}

func (f *Fake) failLocked(op string) error {
	if f.failures[op] > 0 {
		f.failures[op]--
		return f.failErr
	}
	return nil
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked("connect"); err != nil {
		return err
	}
	f.connected = true
	return nil
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) ListTasks(ctx context.Context) ([]graph.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked("list"); err != nil {
		return nil, err
	}
	out := make([]graph.Task, 0, len(f.tasks))
	for _, t := range f.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) CreateTask(ctx context.Context, task graph.Task) (graph.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked("create"); err != nil {
		return graph.Task{}, err
	}
	if task.ID == "" {
		f.nextID++
		task.ID = fmt.Sprintf("card-%03d", f.nextID)
	}
	if _, exists := f.tasks[task.ID]; exists {
		return graph.Task{}, fault.New(fault.KindIntegration, "kanban.create_task", fault.ErrKanban,
			"task %q already on board", task.ID)
	}
	f.tasks[task.ID] = task.Clone()
	return task, nil
}

func (f *Fake) UpdateTask(ctx context.Context, task graph.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked("update"); err != nil {
		return err
	}
	if _, ok := f.tasks[task.ID]; !ok {
		return fault.New(fault.KindIntegration, "kanban.update_task", fault.ErrTaskNotFound,
			"task %q not on board", task.ID)
	}
	f.tasks[task.ID] = task.Clone()
	return nil
}

func (f *Fake) AssignTask(ctx context.Context, taskID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked("assign"); err != nil {
		return err
	}
	t, ok := f.tasks[taskID]
	if !ok {
		return fault.New(fault.KindIntegration, "kanban.assign_task", fault.ErrTaskNotFound,
			"task %q not on board", taskID)
	}
	t.AssignedTo = agentID
	f.tasks[taskID] = t
	return nil
}

func (f *Fake) AddComment(ctx context.Context, taskID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failLocked("comment"); err != nil {
		return err
	}
	if _, ok := f.tasks[taskID]; !ok {
		return fault.New(fault.KindIntegration, "kanban.add_comment", fault.ErrTaskNotFound,
			"task %q not on board", taskID)
	}
	f.comments[taskID] = append(f.comments[taskID], text)
	return nil
}

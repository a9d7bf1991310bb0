package runner

import (
	"context"
	"sort"
	"time"
)

// Task is a periodic engine job: evaluation ticks, rollups, archiving and
// the mail flush.
type Task interface {
	Name() string
	// Schedule is a cron expression with seconds, or an @every descriptor.
	// An empty schedule disables the task.
	Schedule() string
	Run(ctx context.Context) error
	Timeout() time.Duration
}

// TaskRegistry maps task names to tasks. Registering a name again replaces
// the earlier task.
type TaskRegistry struct {
	tasks map[string]Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

// Register adds task unless its schedule is empty.
func (r *TaskRegistry) Register(task Task) {
	if task.Schedule() == "" {
		return
	}
	r.tasks[task.Name()] = task
}

func (r *TaskRegistry) Get(name string) (Task, bool) {
	task, ok := r.tasks[name]
	return task, ok
}

// Names returns the registered task names in sorted order.
func (r *TaskRegistry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *TaskRegistry) All() map[string]Task {
	return r.tasks
}

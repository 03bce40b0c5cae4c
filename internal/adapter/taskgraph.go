package adapter

import "fmt"

// Task statuses the task-graph domain recognizes.
var taskStatuses = map[string]bool{
	"open":    true,
	"claimed": true,
	"done":    true,
	"blocked": true,
	"gated":   true,
}

// TaskGraph is the task-graph reference adapter: snapshot keys are task
// ids, values are task statuses. Cover parts select task subsets, typically
// the slices independently scheduled workers operated on.
type TaskGraph struct {
	fragmentCore
}

// NewTaskGraph creates a task-graph adapter at the given version.
func NewTaskGraph(version string) *TaskGraph {
	tg := &TaskGraph{}
	tg.adapterID = "taskgraph"
	tg.version = version
	tg.validateValue = func(key, value string) error {
		if !taskStatuses[value] {
			return fmt.Errorf("task %s: unknown status %q", key, value)
		}
		return nil
	}
	return tg
}

package engine

import "github.com/sluiceio/sluice/internal/model"

// Events receives task lifecycle notifications from the monitor. Each call
// carries a private snapshot of the task. Implementations must be safe for
// concurrent use and should return quickly; the monitor calls them inline.
type Events interface {
	// TaskSubmitted fires after the backend accepted the task.
	TaskSubmitted(task *model.Task)

	// TaskRunning fires when the task is first observed executing.
	TaskRunning(task *model.Task)

	// TaskCompleted fires on success; the exit code is pinned on the task.
	TaskCompleted(task *model.Task)

	// TaskFailed fires on any failure with its cause.
	TaskFailed(task *model.Task, err error)
}

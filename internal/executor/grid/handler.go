package grid

import (
	"context"
	"fmt"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

// handler drives one task through the grid lifecycle. The engine serializes
// calls, so the only shared state it touches is the executor's snapshot.
type handler struct {
	exec *Executor
	task *model.Task

	// missedOnce records that the job was absent from the last snapshot (or
	// scheduler-terminal with no exit file). The next poll forces a fresh
	// snapshot; only a second consecutive miss resolves the task.
	missedOnce bool
}

var _ executor.Handler = (*handler)(nil)

func (h *handler) Task() *model.Task { return h.task }

func (h *handler) Submit(ctx context.Context) error {
	id, err := h.exec.submit(ctx, h.task)
	if err != nil {
		return err
	}
	h.task.Handle = model.JobHandle{JobID: id, JobName: JobName(h.task)}
	return nil
}

func (h *handler) CheckRunning(ctx context.Context) (bool, error) {
	snap, err := h.exec.QueueStatus(ctx, false)
	if err != nil {
		return false, err
	}
	st, ok := snap[h.task.Handle.JobID]
	if !ok {
		// Not visible yet, or already gone; completion polling decides.
		return false, nil
	}
	return st == executor.StateRunning || st.Terminal(), nil
}

func (h *handler) CheckCompleted(ctx context.Context) (bool, error) {
	// The exit file always wins: the job may have finished while the queue
	// was not being observed.
	if code, ok := executor.ReadExitFile(h.task.ExitFilePath()); ok {
		h.finish(code, "")
		return true, nil
	}

	snap, err := h.exec.QueueStatus(ctx, h.missedOnce)
	if err != nil {
		return false, err
	}

	st, present := snap[h.task.Handle.JobID]
	if present && st.Active() {
		h.missedOnce = false
		return false, nil
	}

	// The job is gone from the queue, or the scheduler is done with it and
	// the exit file has not appeared. Force one fresh snapshot before
	// concluding; the file may still land in between.
	if !h.missedOnce {
		h.missedOnce = true
		h.exec.logger.Debug("job not active in queue, reconfirming",
			"task_id", h.task.ID, "job_id", h.task.Handle.JobID, "present", present)
		return false, nil
	}

	var cause string
	if present {
		cause = fmt.Sprintf("job %s left the queue in state %s without an exit status",
			h.task.Handle.JobID, st)
	} else {
		cause = fmt.Sprintf("job %s vanished from the queue without an exit status",
			h.task.Handle.JobID)
	}
	h.exec.logger.Warn("job lost", "task_id", h.task.ID, "job_id", h.task.Handle.JobID, "cause", cause)
	h.finish(model.ExitUnknown, cause)
	return true, nil
}

func (h *handler) Kill(ctx context.Context) error {
	if h.task.Handle.JobID == "" {
		return nil
	}
	return h.exec.kill(ctx, h.task.Handle.JobID)
}

// finish pins the task verdict. A zero exit completes the task; anything
// else, including the unknown sentinel, fails it with a cause.
func (h *handler) finish(code int, cause string) {
	c := code
	h.task.ExitCode = &c
	if cause != "" {
		h.task.Error = cause
	} else if code != 0 {
		h.task.Error = fmt.Sprintf("task exited with status %d", code)
	}
}

// Package local runs tasks as child processes on the engine host. It exists
// for development and for pipelines small enough to not need a scheduler,
// and exercises the same wrapper script and exit file protocol as the grid
// backends.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

// Executor starts one child process per task.
type Executor struct {
	logger *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New returns the local process executor.
func New(logger *slog.Logger) *Executor {
	return &Executor{logger: logger.With("executor", "local")}
}

// Name returns the backend name.
func (e *Executor) Name() string { return "local" }

// NewHandler returns the lifecycle driver for one task.
func (e *Executor) NewHandler(task *model.Task) (executor.Handler, error) {
	if task.WorkDir == "" {
		return nil, fmt.Errorf("task %s has no work directory", task.ID)
	}
	return &handler{exec: e, task: task, done: make(chan struct{})}, nil
}

type handler struct {
	exec *Executor
	task *model.Task

	cmd  *exec.Cmd
	done chan struct{}
}

var _ executor.Handler = (*handler)(nil)

func (h *handler) Task() *model.Task { return h.task }

func (h *handler) Submit(_ context.Context) error {
	if err := executor.WriteScripts(h.task, "", nil); err != nil {
		return fmt.Errorf("writing task scripts: %w", err)
	}
	logFile, err := os.Create(h.task.LogPath())
	if err != nil {
		return fmt.Errorf("creating task log: %w", err)
	}

	cmd := exec.Command("/bin/bash", h.task.WrapperPath())
	cmd.Dir = h.task.WorkDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Own process group, so Kill can take the payload's children down too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return &executor.SubmitError{Backend: "local", Err: err}
	}
	h.cmd = cmd
	h.task.Handle = model.JobHandle{JobID: strconv.Itoa(cmd.Process.Pid)}
	h.exec.logger.Info("process started", "task_id", h.task.ID, "pid", cmd.Process.Pid)

	go func() {
		_ = cmd.Wait()
		logFile.Close()
		close(h.done)
	}()
	return nil
}

func (h *handler) CheckRunning(_ context.Context) (bool, error) {
	return h.cmd != nil, nil
}

func (h *handler) CheckCompleted(_ context.Context) (bool, error) {
	select {
	case <-h.done:
	default:
		return false, nil
	}

	code, ok := executor.ReadExitFile(h.task.ExitFilePath())
	if !ok {
		// The wrapper died before writing the exit file, typically because
		// the whole process group was signaled.
		code = model.ExitUnknown
		if state := h.cmd.ProcessState; state != nil && state.ExitCode() >= 0 {
			code = state.ExitCode()
		}
	}

	c := code
	h.task.ExitCode = &c
	if code != 0 {
		if code == model.ExitUnknown {
			h.task.Error = "task process ended without an exit status"
		} else {
			h.task.Error = fmt.Sprintf("task exited with status %d", code)
		}
	}
	return true, nil
}

func (h *handler) Kill(_ context.Context) error {
	if h.cmd == nil || h.cmd.Process == nil {
		return nil
	}
	// Negative pid signals the process group the wrapper leads.
	err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signaling process group %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

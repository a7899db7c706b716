package local_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/executor/local"
	"github.com/sluiceio/sluice/internal/model"
)

func newTask(t *testing.T, script string) *model.Task {
	t.Helper()
	return &model.Task{
		ID:      model.NewID(),
		Name:    "t",
		Script:  script,
		Status:  model.StatusPending,
		WorkDir: filepath.Join(t.TempDir(), "aa", "bb"),
	}
}

func startTask(t *testing.T, script string) (executor.Handler, *model.Task) {
	t.Helper()
	e := local.New(slog.New(slog.DiscardHandler))
	task := newTask(t, script)
	h, err := e.NewHandler(task)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	if err := h.Submit(context.Background()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return h, task
}

// waitDone polls CheckCompleted until the task finishes or the test times out.
func waitDone(t *testing.T, h executor.Handler) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		done, err := h.CheckCompleted(context.Background())
		if err != nil {
			t.Fatalf("CheckCompleted: %v", err)
		}
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task did not complete in time")
}

func TestRunSuccess(t *testing.T) {
	h, task := startTask(t, "echo hello from task")
	waitDone(t, h)

	if task.ExitCode == nil || *task.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", task.ExitCode)
	}
	if task.Error != "" {
		t.Errorf("unexpected failure cause %q", task.Error)
	}

	log, err := os.ReadFile(task.LogPath())
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	if !strings.Contains(string(log), "hello from task") {
		t.Errorf("log missing task output: %q", log)
	}
}

func TestRunFailureExitCode(t *testing.T) {
	h, task := startTask(t, "exit 3")
	waitDone(t, h)

	if task.ExitCode == nil || *task.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", task.ExitCode)
	}
	if !strings.Contains(task.Error, "exited with status 3") {
		t.Errorf("failure cause = %q", task.Error)
	}
}

func TestRunRecordsExitFile(t *testing.T) {
	h, task := startTask(t, "exit 7")
	waitDone(t, h)

	code, ok := executor.ReadExitFile(task.ExitFilePath())
	if !ok {
		t.Fatal("exit file not written")
	}
	if code != 7 {
		t.Errorf("exit file = %d, want 7", code)
	}
}

func TestCheckRunningAfterSubmit(t *testing.T) {
	h, _ := startTask(t, "sleep 0.2")
	running, err := h.CheckRunning(context.Background())
	if err != nil {
		t.Fatalf("CheckRunning: %v", err)
	}
	if !running {
		t.Error("submitted local task not reported running")
	}
	waitDone(t, h)
}

func TestKillTerminatesProcessGroup(t *testing.T) {
	h, task := startTask(t, "sleep 30")

	if err := h.Kill(context.Background()); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, h)

	if task.ExitCode == nil || *task.ExitCode == 0 {
		t.Errorf("killed task reported exit code %v", task.ExitCode)
	}
	if task.Error == "" {
		t.Error("killed task has no failure cause")
	}
}

func TestHandleCarriesPID(t *testing.T) {
	h, task := startTask(t, "true")
	if task.Handle.JobID == "" {
		t.Error("local handle has no pid")
	}
	waitDone(t, h)
}

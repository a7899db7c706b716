package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sluiceio/sluice/internal/cache"
	"github.com/sluiceio/sluice/internal/engine"
	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/history"
	"github.com/sluiceio/sluice/internal/model"
)

// script configures the behavior of every handler a stubExecutor hands out.
type script struct {
	submitErr  error
	runPolls   int // CheckRunning calls returning false before true
	donePolls  int // CheckCompleted calls returning false before done
	failChecks int // CheckCompleted calls erroring before anything else
	exitCode   int
}

// stubExecutor hands out scripted handlers and remembers them for
// inspection.
type stubExecutor struct {
	script script

	mu       sync.Mutex
	handlers []*stubHandler
}

func (s *stubExecutor) Name() string { return "stub" }

func (s *stubExecutor) NewHandler(task *model.Task) (executor.Handler, error) {
	h := &stubHandler{task: task, script: s.script}
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	s.mu.Unlock()
	return h, nil
}

func (s *stubExecutor) handler(t *testing.T, i int) *stubHandler {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.handlers) {
		t.Fatalf("handler %d not created, have %d", i, len(s.handlers))
	}
	return s.handlers[i]
}

type stubHandler struct {
	task   *model.Task
	script script

	mu         sync.Mutex
	submits    int
	runChecks  int
	doneChecks int
	kills      int
}

func (h *stubHandler) Task() *model.Task { return h.task }

func (h *stubHandler) Submit(_ context.Context) error {
	h.mu.Lock()
	h.submits++
	h.mu.Unlock()
	if h.script.submitErr != nil {
		return h.script.submitErr
	}
	h.task.Handle = model.JobHandle{JobID: "stub-1"}
	return nil
}

func (h *stubHandler) CheckRunning(_ context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runChecks++
	return h.runChecks > h.script.runPolls, nil
}

func (h *stubHandler) CheckCompleted(_ context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doneChecks++
	if h.doneChecks <= h.script.failChecks {
		return false, errors.New("scheduler unreachable")
	}
	if h.kills > 0 {
		code := model.ExitUnknown
		h.task.ExitCode = &code
		h.task.Error = "task process ended without an exit status"
		return true, nil
	}
	if h.doneChecks-h.script.failChecks <= h.script.donePolls {
		return false, nil
	}
	code := h.script.exitCode
	h.task.ExitCode = &code
	if code != 0 {
		h.task.Error = fmt.Sprintf("task exited with status %d", code)
	}
	return true, nil
}

func (h *stubHandler) Kill(_ context.Context) error {
	h.mu.Lock()
	h.kills++
	h.mu.Unlock()
	return nil
}

func (h *stubHandler) counts() (submits, kills int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submits, h.kills
}

// recordingEvents captures lifecycle notifications in arrival order.
type recordingEvents struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingEvents) TaskSubmitted(*model.Task) { r.record("submitted") }
func (r *recordingEvents) TaskRunning(*model.Task)   { r.record("running") }
func (r *recordingEvents) TaskCompleted(*model.Task) { r.record("completed") }
func (r *recordingEvents) TaskFailed(*model.Task, error) {
	r.record("failed")
}

func (r *recordingEvents) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
}

func (r *recordingEvents) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func testConfig(t *testing.T) engine.Config {
	t.Helper()
	return engine.Config{
		Session:       uuid.NewString(),
		RunName:       "test_run",
		Command:       "sluice run",
		WorkRoot:      t.TempDir(),
		Executor:      "stub",
		PollInterval:  10 * time.Millisecond,
		SubmitTimeout: 2 * time.Second,
	}
}

func stubRegistry(stub *stubExecutor) *executor.Registry {
	reg := executor.NewRegistry()
	reg.Register("stub", func() (executor.Executor, error) { return stub, nil })
	return reg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startEngine(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
}

// waitForStatus polls the engine until the task reaches the expected status.
func waitForStatus(t *testing.T, eng *engine.Engine, id, expected string, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := eng.Task(id)
		if err != nil {
			t.Fatalf("Task: %v", err)
		}
		if task.Status == expected {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach status %q within %v", id, expected, timeout)
	return nil
}

func TestTaskRunsToCompletion(t *testing.T) {
	stub := &stubExecutor{}
	events := &recordingEvents{}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, events, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.Status != model.StatusPending {
		t.Errorf("admitted status = %q, want pending", snap.Status)
	}

	done := waitForStatus(t, eng, snap.ID, model.StatusCompleted, 5*time.Second)
	if done.ExitCode == nil || *done.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", done.ExitCode)
	}
	if done.StartedAt == nil {
		t.Error("started_at is nil")
	}
	if done.FinishedAt == nil {
		t.Error("finished_at is nil")
	}
	if done.Handle.JobID != "stub-1" {
		t.Errorf("job id = %q, want stub-1", done.Handle.JobID)
	}

	want := []string{"submitted", "running", "completed"}
	got := events.list()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSubmitAssignsIdentity(t *testing.T) {
	stub := &stubExecutor{}
	cfg := testConfig(t)
	eng := engine.New(cfg, stubRegistry(stub), nil, nil, nil, discardLogger())

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.ID == "" {
		t.Error("task id not assigned")
	}
	if snap.Hash == "" {
		t.Error("task hash not assigned")
	}
	if snap.Executor != "stub" {
		t.Errorf("executor = %q, want default stub", snap.Executor)
	}
	if want := model.BucketPath(cfg.WorkRoot, snap.Hash); snap.WorkDir != want {
		t.Errorf("work dir = %q, want %q", snap.WorkDir, want)
	}
}

func TestSubmitRejectsEmptyScript(t *testing.T) {
	eng := engine.New(testConfig(t), stubRegistry(&stubExecutor{}), nil, nil, nil, discardLogger())
	if _, err := eng.Submit(context.Background(), &model.Task{Script: "  "}); err == nil {
		t.Fatal("Submit accepted an empty script")
	}
}

func TestSubmitUnknownExecutor(t *testing.T) {
	eng := engine.New(testConfig(t), stubRegistry(&stubExecutor{}), nil, nil, nil, discardLogger())
	_, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi", Executor: "nope"})
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("Submit error = %v, want unregistered executor", err)
	}
}

func TestSubmitFailureFailsTaskWithoutRetry(t *testing.T) {
	stub := &stubExecutor{script: script{submitErr: errors.New("queue rejected job")}}
	events := &recordingEvents{}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, events, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, eng, snap.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "queue rejected job") {
		t.Errorf("error = %q, want submit cause", failed.Error)
	}

	// A few more poll cycles must not re-submit.
	time.Sleep(60 * time.Millisecond)
	submits, _ := stub.handler(t, 0).counts()
	if submits != 1 {
		t.Errorf("submit attempts = %d, want exactly 1", submits)
	}
	if got := events.list(); len(got) != 1 || got[0] != "failed" {
		t.Errorf("events = %v, want [failed]", got)
	}
}

func TestTaskFailureCarriesCause(t *testing.T) {
	stub := &stubExecutor{script: script{exitCode: 3}}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "exit 3"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForStatus(t, eng, snap.ID, model.StatusFailed, 5*time.Second)
	if failed.ExitCode == nil || *failed.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", failed.ExitCode)
	}
	if !strings.Contains(failed.Error, "exited with status 3") {
		t.Errorf("error = %q, want exit cause", failed.Error)
	}
}

func TestPollErrorsAreTransient(t *testing.T) {
	stub := &stubExecutor{script: script{failChecks: 2}}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, eng, snap.ID, model.StatusCompleted, 5*time.Second)
}

func TestKillPendingTask(t *testing.T) {
	stub := &stubExecutor{}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := eng.Kill(snap.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	startEngine(t, eng)

	failed := waitForStatus(t, eng, snap.ID, model.StatusFailed, 5*time.Second)
	if !strings.Contains(failed.Error, "killed before submission") {
		t.Errorf("error = %q, want kill-before-submit cause", failed.Error)
	}
	submits, kills := stub.handler(t, 0).counts()
	if submits != 0 {
		t.Errorf("submit attempts = %d, want 0", submits)
	}
	if kills != 0 {
		t.Errorf("backend kills = %d, want 0", kills)
	}
}

func TestKillRunningTaskSignalsBackendOnce(t *testing.T) {
	stub := &stubExecutor{script: script{donePolls: 1 << 30}}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "sleep 600"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusRunning, 5*time.Second)

	if err := eng.Kill(snap.ID); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := eng.Kill(snap.ID); err != nil {
		t.Fatalf("second Kill: %v", err)
	}

	failed := waitForStatus(t, eng, snap.ID, model.StatusFailed, 5*time.Second)
	if failed.ExitCode == nil || *failed.ExitCode != model.ExitUnknown {
		t.Errorf("exit code = %v, want unknown sentinel", failed.ExitCode)
	}

	time.Sleep(60 * time.Millisecond)
	_, kills := stub.handler(t, 0).counts()
	if kills != 1 {
		t.Errorf("backend kills = %d, want exactly 1", kills)
	}
}

func TestKillFinishedTaskIsNoop(t *testing.T) {
	stub := &stubExecutor{}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusCompleted, 5*time.Second)

	if err := eng.Kill(snap.ID); err != nil {
		t.Fatalf("Kill on finished task: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	_, kills := stub.handler(t, 0).counts()
	if kills != 0 {
		t.Errorf("backend kills = %d, want 0", kills)
	}
}

func TestKillUnknownTask(t *testing.T) {
	eng := engine.New(testConfig(t), stubRegistry(&stubExecutor{}), nil, nil, nil, discardLogger())
	if err := eng.Kill("no-such-task"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("Kill error = %v, want ErrNotFound", err)
	}
}

func TestTaskUnknownID(t *testing.T) {
	eng := engine.New(testConfig(t), stubRegistry(&stubExecutor{}), nil, nil, nil, discardLogger())
	if _, err := eng.Task("no-such-task"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("Task error = %v, want ErrNotFound", err)
	}
}

func TestResumeRestoresFromCache(t *testing.T) {
	runs, err := cache.New(":memory:")
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	cfg := testConfig(t)
	cfg.Resume = true

	hash := model.Fingerprint(model.FingerprintInput{Script: "echo hello"})
	zero := 0
	err = runs.Put(context.Background(), cache.Entry{
		SessionID: cfg.Session,
		Hash:      hash,
		TaskID:    model.NewID(),
		Status:    model.StatusCompleted,
		ExitCode:  &zero,
		WorkDir:   "prior-dir",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	stub := &stubExecutor{}
	events := &recordingEvents{}
	eng := engine.New(cfg, stubRegistry(stub), runs, nil, events, discardLogger())

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if snap.Status != model.StatusCompleted {
		t.Errorf("status = %q, want completed", snap.Status)
	}
	if !snap.Cached {
		t.Error("cached flag not set")
	}
	if snap.WorkDir != "prior-dir" {
		t.Errorf("work dir = %q, want the cached run's", snap.WorkDir)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", snap.ExitCode)
	}
	submits, _ := stub.handler(t, 0).counts()
	if submits != 0 {
		t.Errorf("submit attempts = %d, want 0", submits)
	}
	if got := events.list(); len(got) != 1 || got[0] != "completed" {
		t.Errorf("events = %v, want [completed]", got)
	}
}

func TestResumeIgnoresFailedEntry(t *testing.T) {
	runs, err := cache.New(":memory:")
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	cfg := testConfig(t)
	cfg.Resume = true

	hash := model.Fingerprint(model.FingerprintInput{Script: "echo hello"})
	one := 1
	err = runs.Put(context.Background(), cache.Entry{
		SessionID: cfg.Session,
		Hash:      hash,
		TaskID:    model.NewID(),
		Status:    model.StatusFailed,
		ExitCode:  &one,
		WorkDir:   "prior-dir",
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	stub := &stubExecutor{}
	eng := engine.New(cfg, stubRegistry(stub), runs, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hello"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForStatus(t, eng, snap.ID, model.StatusCompleted, 5*time.Second)
	if done.Cached {
		t.Error("task marked cached after a failed prior run")
	}
	submits, _ := stub.handler(t, 0).counts()
	if submits != 1 {
		t.Errorf("submit attempts = %d, want 1", submits)
	}
}

func TestCompletedTaskRecordedInCache(t *testing.T) {
	runs, err := cache.New(":memory:")
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	cfg := testConfig(t)
	eng := engine.New(cfg, stubRegistry(&stubExecutor{}), runs, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusCompleted, 5*time.Second)

	entry, err := runs.Get(context.Background(), cfg.Session, snap.Hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != model.StatusCompleted {
		t.Errorf("cached status = %q, want completed", entry.Status)
	}
	if entry.ExitCode == nil || *entry.ExitCode != 0 {
		t.Errorf("cached exit code = %v, want 0", entry.ExitCode)
	}
	if entry.TaskID != snap.ID {
		t.Errorf("cached task id = %q, want %q", entry.TaskID, snap.ID)
	}
}

func TestFailedTaskRecordedInCache(t *testing.T) {
	runs, err := cache.New(":memory:")
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	cfg := testConfig(t)
	stub := &stubExecutor{script: script{exitCode: 7}}
	eng := engine.New(cfg, stubRegistry(stub), runs, nil, nil, discardLogger())
	startEngine(t, eng)

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "exit 7"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusFailed, 5*time.Second)

	entry, err := runs.Get(context.Background(), cfg.Session, snap.Hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != model.StatusFailed {
		t.Errorf("cached status = %q, want failed", entry.Status)
	}
	if entry.ExitCode == nil || *entry.ExitCode != 7 {
		t.Errorf("cached exit code = %v, want 7", entry.ExitCode)
	}
}

func TestRunLedgerLifecycle(t *testing.T) {
	ledger := history.New(filepath.Join(t.TempDir(), "history"), discardLogger())
	cfg := testConfig(t)
	eng := engine.New(cfg, stubRegistry(&stubExecutor{}), nil, ledger, nil, discardLogger())

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	open, err := ledger.Last()
	if err != nil {
		t.Fatalf("Last after start: %v", err)
	}
	if open.RunName != cfg.RunName || open.SessionID != cfg.Session {
		t.Errorf("open record = %+v, want run %q session %q", open, cfg.RunName, cfg.Session)
	}
	if open.Status != history.StatusUnknown {
		t.Errorf("open status = %q, want %q", open.Status, history.StatusUnknown)
	}

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusCompleted, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	closed, err := ledger.Last()
	if err != nil {
		t.Fatalf("Last after stop: %v", err)
	}
	if closed.Status != history.StatusOK {
		t.Errorf("closed status = %q, want OK", closed.Status)
	}
	if closed.Duration <= 0 {
		t.Errorf("closed duration = %v, want > 0", closed.Duration)
	}
}

func TestRunLedgerRecordsFailure(t *testing.T) {
	ledger := history.New(filepath.Join(t.TempDir(), "history"), discardLogger())
	cfg := testConfig(t)
	stub := &stubExecutor{script: script{exitCode: 1}}
	eng := engine.New(cfg, stubRegistry(stub), nil, ledger, nil, discardLogger())

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "exit 1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusFailed, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	closed, err := ledger.Last()
	if err != nil {
		t.Fatalf("Last: %v", err)
	}
	if closed.Status != history.StatusError {
		t.Errorf("closed status = %q, want ERR", closed.Status)
	}
}

func TestStopKillsActiveTasks(t *testing.T) {
	stub := &stubExecutor{script: script{donePolls: 1 << 30}}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())
	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "sleep 600"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, eng, snap.ID, model.StatusRunning, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	task, err := eng.Task(snap.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.Status != model.StatusFailed {
		t.Errorf("status after stop = %q, want failed", task.Status)
	}
	if !strings.Contains(task.Error, "run aborted") {
		t.Errorf("error = %q, want run aborted", task.Error)
	}
	_, kills := stub.handler(t, 0).counts()
	if kills != 1 {
		t.Errorf("backend kills = %d, want 1", kills)
	}
}

func TestTasksReturnsSnapshotsInOrder(t *testing.T) {
	eng := engine.New(testConfig(t), stubRegistry(&stubExecutor{}), nil, nil, nil, discardLogger())

	first, err := eng.Submit(context.Background(), &model.Task{Script: "echo one"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := eng.Submit(context.Background(), &model.Task{Script: "echo two"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	tasks := eng.Tasks()
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != first.ID || tasks[1].ID != second.ID {
		t.Errorf("order = [%s %s], want admission order [%s %s]",
			tasks[0].ID, tasks[1].ID, first.ID, second.ID)
	}

	// Returned snapshots are private copies.
	tasks[0].Status = "mangled"
	again, err := eng.Task(first.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if again.Status != model.StatusPending {
		t.Errorf("status = %q, mutation of a snapshot leaked", again.Status)
	}
}

func TestBrokerStreamsTaskLifecycle(t *testing.T) {
	stub := &stubExecutor{}
	eng := engine.New(testConfig(t), stubRegistry(stub), nil, nil, nil, discardLogger())

	snap, err := eng.Submit(context.Background(), &model.Task{Script: "echo hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ch, unsub := eng.Broker().Subscribe(snap.ID)
	defer unsub()
	startEngine(t, eng)

	var got []string
	for task := range ch {
		got = append(got, task.Status)
	}

	want := []string{model.StatusSubmitted, model.StatusRunning, model.StatusCompleted}
	if len(got) != len(want) {
		t.Fatalf("streamed statuses = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sluiceio/sluice/internal/cache"
	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/history"
	"github.com/sluiceio/sluice/internal/model"
)

const (
	// DefaultPollInterval is the monitor tick when none is configured.
	DefaultPollInterval = time.Second

	// DefaultSubmitTimeout bounds a single backend call when none is
	// configured.
	DefaultSubmitTimeout = 30 * time.Second
)

// ErrNotFound is returned when no task matches the given id.
var ErrNotFound = errors.New("engine: task not found")

// Config holds the run-level settings of an engine.
type Config struct {
	// Session identifies the run cache scope; resumed runs reuse it.
	Session string

	// RunName names the run in the history ledger.
	RunName string

	// Command is the invocation recorded in the history ledger.
	Command string

	// WorkRoot is the directory task work directories are bucketed under.
	WorkRoot string

	// Executor is the backend used by tasks that do not name one.
	Executor string

	// PollInterval is the monitor tick.
	PollInterval time.Duration

	// SubmitTimeout bounds each backend call: submit, poll and kill.
	SubmitTimeout time.Duration

	// Resume completes tasks from the run cache instead of re-executing
	// them when their fingerprint already succeeded in this session.
	Resume bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	return c
}

// taskState is the engine's bookkeeping around one task. The monitor owns
// the task object and the handler; the flags are guarded by the engine
// mutex so Kill can be called from any goroutine.
type taskState struct {
	task    *model.Task
	handler executor.Handler
	killReq bool
	killed  bool
}

// Engine owns every admitted task from admission to terminal state.
type Engine struct {
	cfg      Config
	registry *executor.Registry
	runs     cache.Cache
	ledger   *history.Ledger
	events   Events
	broker   *Broker
	logger   *slog.Logger

	mu     sync.Mutex
	states map[string]*taskState
	order  []string
	views  map[string]*model.Task
	failed int

	runStart time.Time
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates an engine. The run cache, ledger and events sink are each
// optional; a nil value disables the corresponding integration.
func New(cfg Config, reg *executor.Registry, runs cache.Cache, ledger *history.Ledger, events Events, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg.withDefaults(),
		registry: reg,
		runs:     runs,
		ledger:   ledger,
		events:   events,
		broker:   NewBroker(),
		logger:   logger,
		states:   make(map[string]*taskState),
		views:    make(map[string]*model.Task),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Broker returns the engine's task event broker for SSE subscription.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// Start records the run in the ledger and launches the monitor goroutine.
func (e *Engine) Start() error {
	e.runStart = time.Now()
	if e.ledger != nil {
		rec := history.Record{
			Timestamp: e.runStart,
			RunName:   e.cfg.RunName,
			Status:    history.StatusUnknown,
			SessionID: e.cfg.Session,
			Command:   e.cfg.Command,
		}
		if err := e.ledger.Write(rec); err != nil {
			return fmt.Errorf("recording run start: %w", err)
		}
	}
	go e.loop()
	e.logger.Info("engine started",
		"session", e.cfg.Session, "run_name", e.cfg.RunName, "executor", e.cfg.Executor)
	return nil
}

// Stop halts the monitor, kills whatever is still active and closes the
// run's ledger entry with its final status and duration.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done

	for _, ts := range e.activeStates() {
		e.mu.Lock()
		killed := ts.killed
		ts.killReq = true
		ts.killed = true
		e.mu.Unlock()
		if !killed {
			if err := ts.handler.Kill(ctx); err != nil {
				e.logger.Warn("killing task during shutdown failed",
					"task_id", ts.task.ID, "error", err)
			}
		}
		e.finish(ts, model.StatusFailed, errors.New("run aborted"))
	}

	if e.ledger != nil {
		e.mu.Lock()
		status := history.StatusOK
		if e.failed > 0 {
			status = history.StatusError
		}
		e.mu.Unlock()
		if err := e.ledger.Update(e.cfg.RunName, status, time.Since(e.runStart)); err != nil {
			return fmt.Errorf("closing run record: %w", err)
		}
	}
	e.logger.Info("engine stopped", "run_name", e.cfg.RunName)
	return nil
}

// Submit admits a task: identity, fingerprint and work directory are
// assigned, the executor handler is created, and the resume cache is
// consulted before the task joins the monitor's active set. The returned
// task is a private snapshot the caller owns.
func (e *Engine) Submit(ctx context.Context, task *model.Task) (*model.Task, error) {
	if strings.TrimSpace(task.Script) == "" {
		return nil, errors.New("task script is empty")
	}
	if task.ID == "" {
		task.ID = model.NewID()
	}
	if task.Executor == "" {
		task.Executor = e.cfg.Executor
	}
	if task.Hash == "" {
		task.Hash = model.Fingerprint(model.FingerprintInput{
			Script:    task.Script,
			Container: task.Container,
			Env:       task.Env,
		})
	}
	if task.WorkDir == "" {
		task.WorkDir = model.BucketPath(e.cfg.WorkRoot, task.Hash)
	}
	task.Status = model.StatusPending
	task.CreatedAt = time.Now().UTC()

	exec, err := e.registry.Get(task.Executor)
	if err != nil {
		return nil, err
	}
	h, err := exec.NewHandler(task)
	if err != nil {
		return nil, fmt.Errorf("creating %s handler: %w", task.Executor, err)
	}
	ts := &taskState{task: task, handler: h}
	activeTasks.Inc()

	if e.restoreFromCache(ctx, task) {
		e.logger.Info("task restored from cache", "task_id", task.ID, "hash", task.Hash)
		e.finish(ts, model.StatusCompleted, nil)
		e.mu.Lock()
		e.states[task.ID] = ts
		e.order = append(e.order, task.ID)
		e.mu.Unlock()
		return task.Clone(), nil
	}

	snap := task.Clone()
	e.mu.Lock()
	e.states[task.ID] = ts
	e.order = append(e.order, task.ID)
	e.views[task.ID] = task.Clone()
	e.mu.Unlock()

	e.logger.Info("task admitted", "task_id", task.ID, "executor", task.Executor)
	e.wakeMonitor()
	return snap, nil
}

// restoreFromCache completes the task from an earlier successful run of the
// same fingerprint, when resume is on. Lookup failures only log; the task
// then runs normally.
func (e *Engine) restoreFromCache(ctx context.Context, task *model.Task) bool {
	if !e.cfg.Resume || e.runs == nil {
		return false
	}
	entry, err := e.runs.Get(ctx, e.cfg.Session, task.Hash)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.Warn("resume cache lookup failed", "task_id", task.ID, "error", err)
		}
		return false
	}
	if entry.Status != model.StatusCompleted {
		return false
	}

	task.Cached = true
	task.WorkDir = entry.WorkDir
	code := 0
	if entry.ExitCode != nil {
		code = *entry.ExitCode
	}
	task.ExitCode = &code
	return true
}

// Task returns a snapshot of the task with the given id.
func (e *Engine) Task(id string) (*model.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.views[id]
	if !ok {
		return nil, ErrNotFound
	}
	return v.Clone(), nil
}

// Tasks returns snapshots of every admitted task in admission order.
func (e *Engine) Tasks() []*model.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.views[id].Clone())
	}
	return out
}

// Kill requests termination of a task. The request is recorded at most once
// and honored by the monitor, which owns all handler calls. Killing a task
// that already reached a terminal state is a no-op.
func (e *Engine) Kill(id string) error {
	e.mu.Lock()
	ts, ok := e.states[id]
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if model.Terminal(ts.task.Status) {
		status := ts.task.Status
		e.mu.Unlock()
		e.logger.Info("kill ignored for finished task", "task_id", id, "status", status)
		return nil
	}
	already := ts.killReq
	ts.killReq = true
	e.mu.Unlock()

	if !already {
		e.logger.Info("task kill requested", "task_id", id)
		e.wakeMonitor()
	}
	return nil
}

// loop is the monitor: it wakes on the poll interval or on demand and
// advances every active task by at most one lifecycle step per cycle.
func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		case <-e.wake:
		}
		e.pollOnce()
	}
}

func (e *Engine) pollOnce() {
	start := time.Now()
	for _, ts := range e.activeStates() {
		e.step(ts)
	}
	pollCycleDuration.Observe(time.Since(start).Seconds())
}

func (e *Engine) activeStates() []*taskState {
	e.mu.Lock()
	defer e.mu.Unlock()
	var active []*taskState
	for _, id := range e.order {
		ts := e.states[id]
		if !model.Terminal(ts.task.Status) {
			active = append(active, ts)
		}
	}
	return active
}

// step advances one task. A pending kill request is honored first: tasks
// that never reached the backend fail in place, everything else is killed
// on the backend exactly once and then polled to its verdict.
func (e *Engine) step(ts *taskState) {
	status, killReq, killed := e.stateOf(ts)
	if killReq && !killed {
		if status == model.StatusPending {
			e.finish(ts, model.StatusFailed, errors.New("task killed before submission"))
			return
		}
		e.killTask(ts)
	}

	switch status {
	case model.StatusPending:
		e.submitStep(ts)
	case model.StatusSubmitted, model.StatusRunning:
		e.watchStep(ts, status == model.StatusRunning)
	}
}

func (e *Engine) stateOf(ts *taskState) (status string, killReq, killed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ts.task.Status, ts.killReq, ts.killed
}

// submitStep hands the task to its backend. Submission failures fail the
// task immediately; retry is not the engine's business.
func (e *Engine) submitStep(ts *taskState) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
	defer cancel()

	start := time.Now()
	err := ts.handler.Submit(ctx)
	submitDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.finish(ts, model.StatusFailed, err)
		return
	}

	if !e.setStatus(ts, model.StatusSubmitted) {
		return
	}
	snap := ts.task.Clone()
	e.logger.Info("task submitted",
		"task_id", ts.task.ID, "executor", ts.task.Executor, "job_id", ts.task.Handle.JobID)
	if e.events != nil {
		e.events.TaskSubmitted(snap)
	}
	e.announce(snap, false)
}

// watchStep polls a submitted or running task. Poll errors are transient:
// they are logged and the task is retried on the next cycle.
func (e *Engine) watchStep(ts *taskState, started bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
	defer cancel()

	if !started {
		running, err := ts.handler.CheckRunning(ctx)
		if err != nil {
			e.logger.Warn("checking task start failed", "task_id", ts.task.ID, "error", err)
			return
		}
		if running {
			now := time.Now().UTC()
			ts.task.StartedAt = &now
			if !e.setStatus(ts, model.StatusRunning) {
				return
			}
			snap := ts.task.Clone()
			e.logger.Info("task running", "task_id", ts.task.ID)
			if e.events != nil {
				e.events.TaskRunning(snap)
			}
			e.announce(snap, false)
			return
		}
		// Not visibly running; it may already be done. Fall through to the
		// completion check so short jobs are not missed.
	}

	done, err := ts.handler.CheckCompleted(ctx)
	if err != nil {
		e.logger.Warn("checking task completion failed", "task_id", ts.task.ID, "error", err)
		return
	}
	if done {
		e.resolve(ts)
	}
}

// resolve turns the exit recorded by the handler into the terminal status:
// zero completes, anything else, including the unknown sentinel, fails with
// the recorded cause.
func (e *Engine) resolve(ts *taskState) {
	code := model.ExitUnknown
	if ts.task.ExitCode != nil {
		code = *ts.task.ExitCode
	}
	if code == 0 {
		e.finish(ts, model.StatusCompleted, nil)
		return
	}
	cause := ts.task.Error
	if cause == "" {
		cause = fmt.Sprintf("task exited with status %d", code)
	}
	e.finish(ts, model.StatusFailed, errors.New(cause))
}

// killTask signals the backend once; the verdict still comes from polling.
func (e *Engine) killTask(ts *taskState) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
	defer cancel()
	if err := ts.handler.Kill(ctx); err != nil {
		e.logger.Warn("killing task failed", "task_id", ts.task.ID, "error", err)
	} else {
		e.logger.Info("task kill signaled", "task_id", ts.task.ID)
	}
	e.mu.Lock()
	ts.killed = true
	e.mu.Unlock()
}

// finish pins the terminal state: timestamps, cause, the run cache row, the
// events sink, and the subscriber stream, in that order.
func (e *Engine) finish(ts *taskState, status string, cause error) {
	t := ts.task
	now := time.Now().UTC()
	t.FinishedAt = &now
	if t.StartedAt == nil && status == model.StatusCompleted {
		t.StartedAt = &now
	}
	if cause != nil && t.Error == "" {
		t.Error = cause.Error()
	}
	if !e.setStatus(ts, status) {
		return
	}
	e.recordRun(ts)
	activeTasks.Dec()

	snap := t.Clone()
	switch status {
	case model.StatusCompleted:
		outcome := outcomeCompleted
		if t.Cached {
			outcome = outcomeCached
		}
		tasksTotal.WithLabelValues(outcome).Inc()
		e.logger.Info("task completed", "task_id", t.ID, "cached", t.Cached)
		if e.events != nil {
			e.events.TaskCompleted(snap)
		}
	case model.StatusFailed:
		tasksTotal.WithLabelValues(outcomeFailed).Inc()
		e.logger.Warn("task failed", "task_id", t.ID, "error", t.Error)
		if e.events != nil {
			e.events.TaskFailed(snap, cause)
		}
	}
	e.announce(snap, true)
}

// setStatus applies a transition, refusing anything the transition table
// does not allow.
func (e *Engine) setStatus(ts *taskState, to string) bool {
	e.mu.Lock()
	from := ts.task.Status
	if !model.ValidTransition(from, to) {
		e.mu.Unlock()
		e.logger.Error("invalid status transition",
			"task_id", ts.task.ID, "from", from, "to", to)
		return false
	}
	ts.task.Status = to
	if to == model.StatusFailed {
		e.failed++
	}
	e.mu.Unlock()
	return true
}

// announce publishes a fresh snapshot to readers and subscribers. Terminal
// snapshots also close the task's event stream.
func (e *Engine) announce(snap *model.Task, terminal bool) {
	e.mu.Lock()
	e.views[snap.ID] = snap
	e.mu.Unlock()
	e.broker.Publish(snap.ID, snap)
	if terminal {
		e.broker.Close(snap.ID)
	}
}

// recordRun upserts the task's outcome into the run cache. Cache-restored
// tasks keep their original row.
func (e *Engine) recordRun(ts *taskState) {
	if e.runs == nil || ts.task.Cached {
		return
	}
	t := ts.task
	var durationMS int64
	if t.StartedAt != nil && t.FinishedAt != nil {
		durationMS = t.FinishedAt.Sub(*t.StartedAt).Milliseconds()
	}
	entry := cache.Entry{
		SessionID:  e.cfg.Session,
		Hash:       t.Hash,
		TaskID:     t.ID,
		Name:       t.Name,
		Status:     t.Status,
		WorkDir:    t.WorkDir,
		DurationMS: durationMS,
	}
	if t.ExitCode != nil {
		code := *t.ExitCode
		entry.ExitCode = &code
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.runs.Put(ctx, entry); err != nil {
		e.logger.Warn("recording task run failed", "task_id", t.ID, "error", err)
	}
}

func (e *Engine) wakeMonitor() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

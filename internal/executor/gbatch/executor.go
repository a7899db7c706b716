// Package gbatch runs tasks as Google Cloud Batch jobs. One job carries a
// single task or a whole uniform array; handlers poll their per-index task
// status and fall back to the parent job when that is unavailable. All API
// traffic flows through a shared throttled invoker.
package gbatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"google.golang.org/api/batch/v1"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
	"github.com/sluiceio/sluice/internal/throttle"
)

// Executor submits and tracks Cloud Batch jobs.
type Executor struct {
	cfg     Config
	api     batchAPI
	invoker *throttle.Invoker
	logger  *slog.Logger
}

var _ executor.Executor = (*Executor)(nil)

// New builds the Cloud Batch executor using application default credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Executor, error) {
	if cfg.Project == "" {
		return nil, &executor.ConfigError{Backend: "gbatch", Setting: "google.project",
			Hint: "set SLUICE_GOOGLE_PROJECT or google.project in the config file"}
	}
	if cfg.Location == "" {
		return nil, &executor.ConfigError{Backend: "gbatch", Setting: "google.location",
			Hint: "set SLUICE_GOOGLE_LOCATION or google.location in the config file"}
	}
	svc, err := batch.NewService(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating batch service: %w", err)
	}
	return newWithAPI(cfg, &serviceAPI{svc: svc}, logger), nil
}

// newWithAPI wires an executor to a batchAPI; tests pass a scripted one.
func newWithAPI(cfg Config, api batchAPI, logger *slog.Logger) *Executor {
	logger = logger.With("executor", "gbatch")
	inv := throttle.New(throttle.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		MaxRetries:        cfg.MaxRetries,
		Retryable:         retryableAPIError,
	}, logger)
	return &Executor{cfg: cfg, api: api, invoker: inv, logger: logger}
}

// Name returns the backend name.
func (e *Executor) Name() string { return "gbatch" }

// NewHandler returns the lifecycle driver for a singleton task.
func (e *Executor) NewHandler(task *model.Task) (executor.Handler, error) {
	if task.WorkDir == "" {
		return nil, fmt.Errorf("task %s has no work directory", task.ID)
	}
	return &handler{exec: e, task: task}, nil
}

// NewArrayHandlers returns handlers whose tasks run as children of a single
// Batch job, one task index per child. The first handler to be submitted
// creates the job; its siblings attach to it.
func (e *Executor) NewArrayHandlers(tasks []*model.Task) ([]executor.Handler, error) {
	if len(tasks) == 0 {
		return nil, errors.New("empty task array")
	}
	arr := &arrayJob{
		tasks:  tasks,
		active: make(map[int64]bool, len(tasks)),
	}
	handlers := make([]executor.Handler, len(tasks))
	for i, task := range tasks {
		if task.WorkDir == "" {
			return nil, fmt.Errorf("task %s has no work directory", task.ID)
		}
		arr.active[int64(i)] = true
		handlers[i] = &handler{exec: e, task: task, array: arr, index: int64(i)}
	}
	return handlers, nil
}

// arrayJob is the shared bookkeeping of one array submission: the job id
// once created, and the set of children still relying on it.
type arrayJob struct {
	mu     sync.Mutex
	tasks  []*model.Task
	jobID  string
	uid    string
	active map[int64]bool
	killed bool
}

// createJob submits a job under the configured parent, throttled.
func (e *Executor) createJob(ctx context.Context, jobID string, job *batch.Job) (*batch.Job, error) {
	var created *batch.Job
	err := e.invoker.Do(ctx, "jobs.create", func() error {
		var err error
		created, err = e.api.CreateJob(ctx, e.cfg.parent(), jobID, job)
		return err
	})
	if err != nil {
		jobsTotal.WithLabelValues(outcomeError).Inc()
		return nil, &executor.SubmitError{Backend: "gbatch", Err: err}
	}
	jobsTotal.WithLabelValues(outcomeOK).Inc()
	return created, nil
}

func (e *Executor) getJob(ctx context.Context, name string) (*batch.Job, error) {
	var job *batch.Job
	err := e.invoker.Do(ctx, "jobs.get", func() error {
		var err error
		job, err = e.api.GetJob(ctx, name)
		return err
	})
	return job, err
}

func (e *Executor) getTask(ctx context.Context, name string) (*batch.Task, error) {
	var t *batch.Task
	err := e.invoker.Do(ctx, "tasks.get", func() error {
		var err error
		t, err = e.api.GetTask(ctx, name)
		return err
	})
	return t, err
}

func (e *Executor) deleteJob(ctx context.Context, name string) error {
	return e.invoker.Do(ctx, "jobs.delete", func() error {
		return e.api.DeleteJob(ctx, name)
	})
}

// handler drives one task, either a singleton job or one child of an array.
type handler struct {
	exec  *Executor
	task  *model.Task
	array *arrayJob
	index int64

	warnedQuota bool
}

var _ executor.Handler = (*handler)(nil)

func (h *handler) Task() *model.Task { return h.task }

func (h *handler) jobName() string {
	return h.exec.cfg.parent() + "/jobs/" + h.task.Handle.JobID
}

func (h *handler) taskName() string {
	return h.jobName() + "/taskGroups/group0/tasks/" + strconv.FormatInt(h.task.Handle.TaskIndex, 10)
}

func (h *handler) Submit(ctx context.Context) error {
	if h.array == nil {
		return h.submitSingle(ctx)
	}
	return h.submitArrayChild(ctx)
}

func (h *handler) submitSingle(ctx context.Context) error {
	if err := executor.WriteScripts(h.task, "", nil); err != nil {
		return fmt.Errorf("writing task scripts: %w", err)
	}
	jobID := jobIDFor(h.task)
	job, err := buildJob(h.task, h.exec.cfg, singleScript(h.task), 1, h.exec.logger)
	if err != nil {
		return err
	}
	created, err := h.exec.createJob(ctx, jobID, job)
	if err != nil {
		return err
	}
	h.task.Handle = model.JobHandle{JobID: jobID, JobName: created.Name, UID: created.Uid}
	h.exec.logger.Info("job submitted", "task_id", h.task.ID, "job_id", jobID, "uid", created.Uid)
	return nil
}

// submitArrayChild creates the array job on the first call and attaches
// every later child to the already submitted job.
func (h *handler) submitArrayChild(ctx context.Context) error {
	arr := h.array
	arr.mu.Lock()
	defer arr.mu.Unlock()

	if arr.jobID == "" {
		// All children's scripts must exist before the job starts: any
		// task index may be scheduled first.
		for _, task := range arr.tasks {
			if err := executor.WriteScripts(task, "", nil); err != nil {
				return fmt.Errorf("writing task scripts: %w", err)
			}
		}
		jobID := jobIDFor(arr.tasks[0])
		job, err := buildJob(h.task, h.exec.cfg, arrayScript(arr.tasks), int64(len(arr.tasks)), h.exec.logger)
		if err != nil {
			return err
		}
		created, err := h.exec.createJob(ctx, jobID, job)
		if err != nil {
			return err
		}
		arr.jobID = jobID
		arr.uid = created.Uid
		h.exec.logger.Info("array job submitted",
			"job_id", jobID, "uid", created.Uid, "children", len(arr.tasks))
	}

	h.task.Handle = model.JobHandle{
		JobID:     arr.jobID,
		JobName:   h.exec.cfg.parent() + "/jobs/" + arr.jobID,
		TaskIndex: h.index,
		UID:       arr.uid,
	}
	return nil
}

// currentState resolves the task's state string and trailing status events.
// Array children ask for their per-index task and fall back to the parent
// job when that is unavailable; singletons go straight to the job.
func (h *handler) currentState(ctx context.Context) (string, []*batch.StatusEvent, error) {
	if h.array != nil {
		t, err := h.exec.getTask(ctx, h.taskName())
		if err == nil && t != nil && t.Status != nil {
			return t.Status.State, t.Status.StatusEvents, nil
		}
		if err != nil && !notFoundAPIError(err) {
			h.exec.logger.Debug("per-index task status unavailable, using parent job",
				"task_id", h.task.ID, "job_id", h.task.Handle.JobID,
				"task_index", h.task.Handle.TaskIndex, "error", err)
		}
	}

	job, err := h.exec.getJob(ctx, h.jobName())
	if err != nil {
		return "", nil, fmt.Errorf("querying job %s: %w", h.task.Handle.JobID, err)
	}
	if job.Status == nil {
		return "", nil, nil
	}
	return job.Status.State, job.Status.StatusEvents, nil
}

func (h *handler) noteQuota(events []*batch.StatusEvent) {
	if h.warnedQuota {
		return
	}
	if desc, ok := quotaExceeded(events); ok {
		h.warnedQuota = true
		h.exec.logger.Warn("compute quota exhausted, job remains queued",
			"task_id", h.task.ID, "job_id", h.task.Handle.JobID, "detail", desc)
	}
}

func (h *handler) CheckRunning(ctx context.Context) (bool, error) {
	state, events, err := h.currentState(ctx)
	if err != nil {
		return false, err
	}
	h.noteQuota(events)
	return stateStarted(state), nil
}

func (h *handler) CheckCompleted(ctx context.Context) (bool, error) {
	state, events, err := h.currentState(ctx)
	if err != nil {
		return false, err
	}
	h.noteQuota(events)
	if !stateTerminal(state) {
		return false, nil
	}

	code, ok := executor.ReadExitFile(h.task.ExitFilePath())
	if !ok {
		// No exit file reached shared storage; fall back to the backend
		// verdict and whatever the status events recorded.
		switch state {
		case stateSucceeded:
			code = 0
		default:
			code = model.ExitUnknown
			if ec, found := eventExitCode(events); found {
				code = int(ec)
			}
		}
	}

	c := code
	h.task.ExitCode = &c
	if code != 0 {
		if cause := lastEventDescription(events); cause != "" {
			h.task.Error = cause
		} else if code == model.ExitUnknown {
			h.task.Error = fmt.Sprintf("job finished in state %s without an exit status", state)
		} else {
			h.task.Error = fmt.Sprintf("task exited with status %d", code)
		}
	}

	if h.array != nil {
		h.array.mu.Lock()
		delete(h.array.active, h.index)
		h.array.mu.Unlock()
	}
	return true, nil
}

// Kill deletes the backing job. For an array child the deletion is deferred
// until no sibling still depends on the job.
func (h *handler) Kill(ctx context.Context) error {
	if h.task.Handle.JobID == "" {
		return nil
	}
	if h.array == nil {
		return h.exec.deleteJob(ctx, h.jobName())
	}

	h.array.mu.Lock()
	delete(h.array.active, h.index)
	drained := len(h.array.active) == 0
	alreadyKilled := h.array.killed
	if drained {
		h.array.killed = true
	}
	h.array.mu.Unlock()

	if !drained || alreadyKilled {
		return nil
	}
	h.exec.logger.Info("deleting drained array job", "job_id", h.task.Handle.JobID)
	return h.exec.deleteJob(ctx, h.jobName())
}

// Package grid runs tasks on batch schedulers driven through their command
// line tools. The Commands interface captures everything that differs
// between schedulers as pure translations; the surrounding Executor owns
// the side effects: script materialization, process execution, and the
// shared queue snapshot its handlers poll against.
package grid

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"os/user"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

const (
	// DefaultWalltime bounds tasks that do not request a wall time.
	DefaultWalltime = 24 * time.Hour

	// DefaultQueueInterval is how long a bulk queue snapshot stays fresh.
	DefaultQueueInterval = time.Second
)

// Commands is the translation layer a scheduler needs: build submission
// directives, render the submit argv, parse the submit acknowledgement,
// build the bulk status query, parse its output, and name the kill command.
// Implementations are stateless; two calls on the same task must produce
// identical results.
type Commands interface {
	// Directives returns the ordered header flag/value pairs for a task.
	Directives(task *model.Task) []executor.Directive

	// SubmitCommand returns the argv that submits the task's wrapper script.
	SubmitCommand(task *model.Task) []string

	// ParseSubmitOutput extracts the backend job id from the submit
	// command's output. No id means the submission failed regardless of the
	// command's exit status.
	ParseSubmitOutput(out string) (string, error)

	// QueueStatusCommand returns the argv of the bulk status query covering
	// every job of the given user.
	QueueStatusCommand(queue, user string) []string

	// ParseQueueOutput folds the bulk query output into job id to state
	// entries. Malformed lines are logged and skipped; recognized lines
	// with an unknown state word map to StateError.
	ParseQueueOutput(out string) map[string]executor.QueueState

	// KillCommand returns the argv that removes a job from the scheduler.
	KillCommand(jobID string) []string

	// HeaderToken is the marker the scheduler scans for in script headers,
	// such as "#SBATCH".
	HeaderToken() string
}

// Config holds the settings shared by every grid backend.
type Config struct {
	// Queue is the queue or partition tasks are submitted to.
	Queue string

	// Project is the accounting project or account, where required.
	Project string

	// ClusterOptions are raw scheduler options appended after the generated
	// directives, able to override them.
	ClusterOptions string

	// DefaultWalltime applies when a task requests no wall time.
	DefaultWalltime time.Duration

	// QueueInterval is the freshness window of the bulk queue snapshot.
	QueueInterval time.Duration

	// User scopes the bulk status query; defaults to the current OS user.
	User string
}

func (c Config) withDefaults() Config {
	if c.DefaultWalltime <= 0 {
		c.DefaultWalltime = DefaultWalltime
	}
	if c.QueueInterval <= 0 {
		c.QueueInterval = DefaultQueueInterval
	}
	if c.User == "" {
		if u, err := user.Current(); err == nil {
			c.User = u.Username
		}
	}
	return c
}

// Runner executes a scheduler command and returns its combined output.
// Tests swap it for a scripted fake.
type Runner func(ctx context.Context, dir string, argv []string) ([]byte, error)

func runCommand(ctx context.Context, dir string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Executor drives tasks on one batch scheduler. A single instance serves
// every task of its backend; handlers share the queue snapshot it maintains
// so one bulk query per interval covers them all.
type Executor struct {
	name   string
	cmds   Commands
	cfg    Config
	logger *slog.Logger
	run    Runner

	flight singleflight.Group

	mu       sync.Mutex
	snapshot map[string]executor.QueueState
	taken    time.Time
}

var _ executor.Executor = (*Executor)(nil)

// New builds a grid executor around a scheduler command set. Most callers
// use NewSlurm or NewBridge instead.
func New(name string, cmds Commands, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		name:   name,
		cmds:   cmds,
		cfg:    cfg.withDefaults(),
		logger: logger,
		run:    runCommand,
	}
}

// NewSlurm returns a grid executor speaking Slurm's command set.
func NewSlurm(cfg Config, logger *slog.Logger) *Executor {
	logger = logger.With("executor", "slurm")
	cfg = cfg.withDefaults()
	return New("slurm", &Slurm{Config: cfg, Logger: logger}, cfg, logger)
}

// NewBridge returns a grid executor speaking the Bridge (CCRT) command set.
func NewBridge(cfg Config, logger *slog.Logger) *Executor {
	logger = logger.With("executor", "bridge")
	cfg = cfg.withDefaults()
	return New("bridge", &Bridge{Config: cfg, Logger: logger}, cfg, logger)
}

// Name returns the backend name.
func (e *Executor) Name() string { return e.name }

// NewHandler returns the lifecycle driver for one task.
func (e *Executor) NewHandler(task *model.Task) (executor.Handler, error) {
	if task.WorkDir == "" {
		return nil, fmt.Errorf("task %s has no work directory", task.ID)
	}
	return &handler{exec: e, task: task}, nil
}

// QueueStatus returns the queue snapshot, refreshing through the scheduler's
// bulk query when the cached copy is older than the configured interval or a
// fresh view is forced. Concurrent refreshes collapse into a single
// in-flight query and every caller of a cycle observes the same snapshot.
func (e *Executor) QueueStatus(ctx context.Context, force bool) (map[string]executor.QueueState, error) {
	e.mu.Lock()
	fresh := !force && e.snapshot != nil && time.Since(e.taken) < e.cfg.QueueInterval
	snap := e.snapshot
	e.mu.Unlock()
	if fresh {
		return snap, nil
	}

	v, err, _ := e.flight.Do("queue", func() (any, error) {
		argv := e.cmds.QueueStatusCommand(e.cfg.Queue, e.cfg.User)
		out, err := e.run(ctx, "", argv)
		if err != nil {
			queueRefreshesTotal.WithLabelValues(e.name, outcomeError).Inc()
			return nil, fmt.Errorf("querying %s queue: %w: %s", e.name, err, strings.TrimSpace(string(out)))
		}
		states := e.cmds.ParseQueueOutput(string(out))
		e.mu.Lock()
		e.snapshot = states
		e.taken = time.Now()
		e.mu.Unlock()
		queueRefreshesTotal.WithLabelValues(e.name, outcomeOK).Inc()
		return states, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]executor.QueueState), nil
}

// submit materializes the task scripts and runs the scheduler submit command
// in the task work directory.
func (e *Executor) submit(ctx context.Context, task *model.Task) (string, error) {
	if err := executor.WriteScripts(task, e.cmds.HeaderToken(), e.cmds.Directives(task)); err != nil {
		return "", fmt.Errorf("writing task scripts: %w", err)
	}

	argv := e.cmds.SubmitCommand(task)
	start := time.Now()
	out, err := e.run(ctx, task.WorkDir, argv)
	submitDuration.WithLabelValues(e.name).Observe(time.Since(start).Seconds())
	if err != nil {
		submitsTotal.WithLabelValues(e.name, outcomeError).Inc()
		return "", &executor.SubmitError{Backend: e.name, Output: string(out), Err: err}
	}

	id, err := e.cmds.ParseSubmitOutput(string(out))
	if err != nil {
		submitsTotal.WithLabelValues(e.name, outcomeError).Inc()
		return "", &executor.SubmitError{Backend: e.name, Output: string(out), Err: err}
	}
	submitsTotal.WithLabelValues(e.name, outcomeOK).Inc()
	e.logger.Info("job submitted", "task_id", task.ID, "job_id", id)
	return id, nil
}

// kill removes a job from the scheduler.
func (e *Executor) kill(ctx context.Context, jobID string) error {
	argv := e.cmds.KillCommand(jobID)
	out, err := e.run(ctx, "", argv)
	if err != nil {
		return fmt.Errorf("killing %s job %s: %w: %s", e.name, jobID, err, strings.TrimSpace(string(out)))
	}
	e.logger.Info("job killed", "job_id", jobID)
	return nil
}

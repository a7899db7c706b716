package executor

import (
	"context"

	"github.com/sluiceio/sluice/internal/model"
)

// QueueState is the canonical state of a job as reported by a backend
// scheduler. Every backend maps its native vocabulary onto this closed set;
// anything a backend cannot classify becomes StateError. Absence from a
// queue snapshot is not a state and is handled separately by the engine.
type QueueState string

const (
	StatePending QueueState = "PENDING"
	StateRunning QueueState = "RUNNING"
	StateDone    QueueState = "DONE"
	StateError   QueueState = "ERROR"
)

// Active reports whether the state describes a job still occupying the queue.
func (s QueueState) Active() bool { return s == StatePending || s == StateRunning }

// Terminal reports whether the state describes a job the scheduler is done with.
func (s QueueState) Terminal() bool { return s == StateDone || s == StateError }

// Executor is implemented by every execution backend. An executor is a
// long-lived instance created once per configured backend; it hands out one
// Handler per task and may share state across its handlers, such as a queue
// snapshot cache or a remote API client.
type Executor interface {
	// Name returns the backend name the executor is registered under.
	Name() string

	// NewHandler returns the lifecycle driver for one task. The task must
	// already have its work directory assigned.
	NewHandler(task *model.Task) (Handler, error)
}

// Handler drives a single task through submission, polling and kill. The
// engine is the only caller and serializes calls per handler, so
// implementations need no internal locking unless they touch executor state
// shared between handlers.
type Handler interface {
	// Task returns the task this handler owns.
	Task() *model.Task

	// Submit hands the task to the backend. It blocks for the duration of
	// the submission; the engine bounds it with a deadline on ctx.
	Submit(ctx context.Context) error

	// CheckRunning reports whether the submitted task has started.
	CheckRunning(ctx context.Context) (bool, error)

	// CheckCompleted reports whether the task has finished. When it returns
	// true the handler has already fixed the task's exit code and failure
	// cause: the recorded exit file decides success, not the backend verdict.
	CheckCompleted(ctx context.Context) (bool, error)

	// Kill removes the task from the backend. The engine calls it at most
	// once and never after the task reached a terminal state.
	Kill(ctx context.Context) error
}

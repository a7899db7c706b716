package model

import (
	"maps"
	"math"
	"path/filepath"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Names of the files materialized in a task work directory.
const (
	WrapperFile = ".task.run"
	PayloadFile = ".task.sh"
	LogFile     = ".task.log"
	ExitFile    = ".exitcode"
)

// ExitUnknown marks a task whose exit status could not be recovered, for
// example when the exit file is missing or garbled.
const ExitUnknown = math.MaxInt32

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusSubmitted: true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusSubmitted: {
		StatusRunning:   true,
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Disk describes the scratch disk request of a task.
type Disk struct {
	SizeMB int64  `json:"size_mb,omitempty"`
	Type   string `json:"type,omitempty"`
}

// Accelerator describes an attached accelerator request.
type Accelerator struct {
	Count int64  `json:"count,omitempty"`
	Type  string `json:"type,omitempty"`
}

// Resources carries the resource requests a task hands to its executor.
// Zero values mean "not requested"; backends apply their own defaults.
type Resources struct {
	CPUs        int           `json:"cpus,omitempty"`
	MemoryMB    int64         `json:"memory_mb,omitempty"`
	Time        time.Duration `json:"time,omitempty"`
	Disk        Disk          `json:"disk,omitempty"`
	Accelerator Accelerator   `json:"accelerator,omitempty"`
}

// JobHandle identifies a submitted job on its backend. Grid backends fill
// JobID only; cloud backends also record the generated job name, the array
// child index and the backend-assigned uid.
type JobHandle struct {
	JobID     string `json:"job_id,omitempty"`
	JobName   string `json:"job_name,omitempty"`
	TaskIndex int64  `json:"task_index,omitempty"`
	UID       string `json:"uid,omitempty"`
}

// Task represents one resolved unit of work handed to an executor: the
// script is fully expanded, inputs are staged, and the work directory is
// derived from the content hash.
type Task struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Hash       string            `json:"hash"`
	Status     string            `json:"status"`
	Executor   string            `json:"executor,omitempty"`
	Script     string            `json:"script"`
	Env        map[string]string `json:"env,omitempty"`
	Container  string            `json:"container,omitempty"`
	Resources  Resources         `json:"resources"`
	WorkDir    string            `json:"work_dir"`
	Handle     JobHandle         `json:"handle,omitzero"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	Cached     bool              `json:"cached,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// WrapperPath returns the path of the wrapper script inside the work directory.
func (t *Task) WrapperPath() string { return filepath.Join(t.WorkDir, WrapperFile) }

// PayloadPath returns the path of the payload script inside the work directory.
func (t *Task) PayloadPath() string { return filepath.Join(t.WorkDir, PayloadFile) }

// LogPath returns the path of the combined output log inside the work directory.
func (t *Task) LogPath() string { return filepath.Join(t.WorkDir, LogFile) }

// ExitFilePath returns the path of the exit status file inside the work directory.
func (t *Task) ExitFilePath() string { return filepath.Join(t.WorkDir, ExitFile) }

// Walltime returns the requested wall time, or def when the task does not set one.
func (t *Task) Walltime(def time.Duration) time.Duration {
	if t.Resources.Time > 0 {
		return t.Resources.Time
	}
	return def
}

// Clone returns a deep copy of the task, safe to hand to API consumers while
// the handler keeps mutating the original.
func (t *Task) Clone() *Task {
	c := *t
	c.Env = maps.Clone(t.Env)
	if t.ExitCode != nil {
		v := *t.ExitCode
		c.ExitCode = &v
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return &c
}

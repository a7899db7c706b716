package gbatch

import (
	"strings"

	"google.golang.org/api/batch/v1"
)

// Job and task states the executor branches on. Job and per-index task
// status share the vocabulary that matters here: RUNNING, SUCCEEDED, FAILED.
const (
	stateRunning   = "RUNNING"
	stateSucceeded = "SUCCEEDED"
	stateFailed    = "FAILED"
	stateDeleting  = "DELETION_IN_PROGRESS"
)

// quotaMarker appears in status event descriptions when the project has run
// out of a compute quota. The job stays queued until capacity frees up; the
// condition is worth a warning but is not an error.
const quotaMarker = "CODE_GCE_QUOTA_EXCEEDED"

// stateTerminal reports whether the scheduler is finished with the job. A
// job under deletion counts: it will never run again.
func stateTerminal(state string) bool {
	return state == stateSucceeded || state == stateFailed || state == stateDeleting
}

// stateStarted reports whether the job has begun executing. Terminal states
// count: a job that already finished has necessarily started.
func stateStarted(state string) bool {
	return state == stateRunning || stateTerminal(state)
}

// quotaExceeded returns the description of a quota exhaustion event, if any.
func quotaExceeded(events []*batch.StatusEvent) (string, bool) {
	for _, ev := range events {
		if ev == nil {
			continue
		}
		if strings.Contains(ev.Description, quotaMarker) {
			return ev.Description, true
		}
	}
	return "", false
}

// eventExitCode scans status events for a recorded task execution exit code,
// preferring the most recent.
func eventExitCode(events []*batch.StatusEvent) (int64, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if ev := events[i]; ev != nil && ev.TaskExecution != nil {
			return ev.TaskExecution.ExitCode, true
		}
	}
	return 0, false
}

// lastEventDescription returns the most recent non-empty event description,
// used as the failure cause when nothing better is recorded.
func lastEventDescription(events []*batch.StatusEvent) string {
	for i := len(events) - 1; i >= 0; i-- {
		if ev := events[i]; ev != nil && ev.Description != "" {
			return ev.Description
		}
	}
	return ""
}

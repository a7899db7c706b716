package executor

import (
	"fmt"
	"strings"
)

// ConfigError reports a backend setting that is required but unset. It
// aborts the affected task before anything reaches the backend.
type ConfigError struct {
	Backend string
	Setting string
	Hint    string
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("%s executor: required setting %q is not set", e.Backend, e.Setting)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// SubmitError reports a failed submission attempt. Output carries the
// trimmed combined output of the submit command so the task error report
// shows what the scheduler said.
type SubmitError struct {
	Backend string
	Output  string
	Err     error
}

func (e *SubmitError) Error() string {
	msg := fmt.Sprintf("%s executor: submit failed: %v", e.Backend, e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *SubmitError) Unwrap() error { return e.Err }

package grid

import (
	"bufio"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

// ErrNoSubmitID reports submit command output that carries no job id. The
// submission counts as failed even when the command exited zero, because
// without an id the job could never be tracked or killed.
var ErrNoSubmitID = errors.New("no job id in submit output")

// parseQueueLines folds bulk status output into job id to state entries.
// Lines for which skip returns true are ignored (scheduler headers); lines
// with fewer than two fields are logged and dropped; a recognized line whose
// state word is not in vocab maps to StateError so an unreadable job is
// never mistaken for a healthy one. A bad line never aborts the parse.
func parseQueueLines(out string, vocab map[string]executor.QueueState, skip func(string) bool, logger *slog.Logger) map[string]executor.QueueState {
	states := make(map[string]executor.QueueState)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || (skip != nil && skip(line)) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			logger.Error("skipping malformed queue status line", "line", line)
			continue
		}
		jobID, word := fields[0], fields[1]
		st, ok := vocab[word]
		if !ok {
			logger.Warn("unknown queue state word, treating as error state",
				"job_id", jobID, "state", word)
			st = executor.StateError
		}
		states[jobID] = st
	}
	return states
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Job names must satisfy the pickiest scheduler: no blanks, shell-safe
// characters only, bounded length.
const maxJobNameLen = 256

var jobNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_.\-]`)

// JobName derives the scheduler job name for a task.
func JobName(task *model.Task) string {
	base := task.Name
	if base == "" {
		base = task.ID
	}
	name := "sl-" + jobNameUnsafe.ReplaceAllString(base, "_")
	if len(name) > maxJobNameLen {
		name = name[:maxJobNameLen]
	}
	return name
}

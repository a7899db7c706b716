package grid

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

// bridgeStates maps Bridge state words onto the canonical queue states.
// Cancelled jobs map to the error state: they ended without a result. A
// suspended job keeps its slot and may resume, so it stays pending.
var bridgeStates = map[string]executor.QueueState{
	"PENDING":   executor.StatePending,
	"SUSPENDED": executor.StatePending,
	"RUNNING":   executor.StateRunning,
	"COMPLETED": executor.StateDone,
	"FAILED":    executor.StateError,
	"CANCELLED": executor.StateError,
}

var bridgeSubmitRe = regexp.MustCompile(`Submitted Batch Session (\d+)`)

// Bridge translates tasks into the Bridge command set used on CCRT class
// machines: ccc_msub, ccc_mpp, ccc_mdel.
type Bridge struct {
	Config Config
	Logger *slog.Logger
}

var _ Commands = (*Bridge)(nil)

func (b *Bridge) HeaderToken() string { return "#MSUB" }

func (b *Bridge) Directives(task *model.Task) []executor.Directive {
	dirs := []executor.Directive{
		{Flag: "-o", Value: task.LogPath()},
		{Flag: "-e", Value: task.LogPath()},
		{Flag: "-r", Value: JobName(task)},
	}
	if b.Config.Project != "" {
		dirs = append(dirs, executor.Directive{Flag: "-A", Value: b.Config.Project})
	}
	if b.Config.Queue != "" {
		dirs = append(dirs, executor.Directive{Flag: "-q", Value: b.Config.Queue})
	}
	if cpus := task.Resources.CPUs; cpus > 1 {
		dirs = append(dirs, executor.Directive{Flag: "-c", Value: strconv.Itoa(cpus)})
	}
	walltime := int64(task.Walltime(b.Config.DefaultWalltime).Seconds())
	dirs = append(dirs, executor.Directive{Flag: "-T", Value: strconv.FormatInt(walltime, 10)})
	if mem := task.Resources.MemoryMB; mem > 0 {
		dirs = append(dirs, executor.Directive{Flag: "-M", Value: strconv.FormatInt(mem, 10)})
	}
	return append(dirs, executor.ParseClusterOptions(b.Config.ClusterOptions)...)
}

func (b *Bridge) SubmitCommand(task *model.Task) []string {
	return []string{"ccc_msub", task.WrapperPath()}
}

// ParseSubmitOutput scans the whole submit output for the Bridge
// acknowledgement. ccc_msub prints banner lines around it, so matching is
// position independent; no acknowledgement means the submission failed even
// when the command exited zero.
func (b *Bridge) ParseSubmitOutput(out string) (string, error) {
	if m := bridgeSubmitRe.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoSubmitID, strings.TrimSpace(out))
}

func (b *Bridge) QueueStatusCommand(queue, user string) []string {
	argv := []string{"ccc_mpp"}
	if queue != "" {
		argv = append(argv, "-q", queue)
	}
	if user != "" {
		argv = append(argv, "-u", user)
	}
	return argv
}

func (b *Bridge) ParseQueueOutput(out string) map[string]executor.QueueState {
	skipHeader := func(line string) bool { return strings.HasPrefix(line, "USER") }
	return parseQueueLines(out, bridgeStates, skipHeader, b.logger())
}

func (b *Bridge) KillCommand(jobID string) []string {
	return []string{"ccc_mdel", jobID}
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.New(slog.DiscardHandler)
}

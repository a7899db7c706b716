package grid

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

// slurmStates maps squeue short codes onto the canonical queue states.
// Suspended jobs still hold their allocation, so they count as running.
var slurmStates = map[string]executor.QueueState{
	"PD":  executor.StatePending,
	"CF":  executor.StatePending,
	"R":   executor.StateRunning,
	"CG":  executor.StateRunning,
	"S":   executor.StateRunning,
	"ST":  executor.StateRunning,
	"CD":  executor.StateDone,
	"F":   executor.StateError,
	"CA":  executor.StateError,
	"TO":  executor.StateError,
	"NF":  executor.StateError,
	"PR":  executor.StateError,
	"BF":  executor.StateError,
	"DL":  executor.StateError,
	"OOM": executor.StateError,
}

var slurmSubmitRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// Slurm translates tasks into the Slurm command set: sbatch, squeue, scancel.
type Slurm struct {
	Config Config
	Logger *slog.Logger
}

var _ Commands = (*Slurm)(nil)

func (s *Slurm) HeaderToken() string { return "#SBATCH" }

func (s *Slurm) Directives(task *model.Task) []executor.Directive {
	dirs := []executor.Directive{
		{Flag: "-o", Value: task.LogPath()},
		{Flag: "-J", Value: JobName(task)},
		{Flag: "--no-requeue"},
	}
	if s.Config.Queue != "" {
		dirs = append(dirs, executor.Directive{Flag: "-p", Value: s.Config.Queue})
	}
	if cpus := task.Resources.CPUs; cpus > 1 {
		dirs = append(dirs, executor.Directive{Flag: "-c", Value: strconv.Itoa(cpus)})
	}
	dirs = append(dirs, executor.Directive{Flag: "-t", Value: slurmWalltime(task.Walltime(s.Config.DefaultWalltime))})
	if mem := task.Resources.MemoryMB; mem > 0 {
		dirs = append(dirs, executor.Directive{Flag: "--mem", Value: strconv.FormatInt(mem, 10)})
	}
	if s.Config.Project != "" {
		dirs = append(dirs, executor.Directive{Flag: "-A", Value: s.Config.Project})
	}
	return append(dirs, executor.ParseClusterOptions(s.Config.ClusterOptions)...)
}

func (s *Slurm) SubmitCommand(task *model.Task) []string {
	return []string{"sbatch", task.WrapperPath()}
}

func (s *Slurm) ParseSubmitOutput(out string) (string, error) {
	if m := slurmSubmitRe.FindStringSubmatch(out); m != nil {
		return m[1], nil
	}
	// Sites that configure sbatch for parsable output print the bare id.
	if id := strings.TrimSpace(out); isDigits(id) {
		return id, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNoSubmitID, strings.TrimSpace(out))
}

func (s *Slurm) QueueStatusCommand(queue, user string) []string {
	argv := []string{"squeue", "--noheader", "-o", "%i %t", "-t", "all"}
	if queue != "" {
		argv = append(argv, "-p", queue)
	}
	if user != "" {
		argv = append(argv, "-u", user)
	}
	return argv
}

func (s *Slurm) ParseQueueOutput(out string) map[string]executor.QueueState {
	return parseQueueLines(out, slurmStates, nil, s.logger())
}

func (s *Slurm) KillCommand(jobID string) []string {
	return []string{"scancel", jobID}
}

func (s *Slurm) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// slurmWalltime formats a duration in Slurm's D-HH:MM:SS form.
func slurmWalltime(d time.Duration) string {
	secs := int64(d.Round(time.Second).Seconds())
	days := secs / 86400
	hours := secs % 86400 / 3600
	mins := secs % 3600 / 60
	return fmt.Sprintf("%d-%02d:%02d:%02d", days, hours, mins, secs%60)
}

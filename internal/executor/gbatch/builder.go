package gbatch

import (
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/batch/v1"

	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/model"
)

// Cloud Batch reserves this exit code range for VM preemption. A spot task
// ending inside it did not fail on its own and may be retried by the
// provider.
const (
	preemptExitLow  = 50001
	preemptExitHigh = 50006
)

// jobIDFor derives the Batch job id from a task. Batch job ids must start
// with a letter and stay lowercase.
func jobIDFor(task *model.Task) string {
	return "sl-" + strings.ToLower(task.ID)
}

// buildJob renders the Batch job request for a task group. script is the
// container command; for arrays it dispatches on the task index. Everything
// is derived from the task, the config and the machine selector, so a given
// task always produces the same request.
func buildJob(task *model.Task, cfg Config, script string, taskCount int64, logger *slog.Logger) (*batch.Job, error) {
	if task.Container == "" {
		return nil, &executor.ConfigError{
			Backend: "gbatch",
			Setting: "container",
			Hint:    "cloud batch tasks must name a container image",
		}
	}

	runnable := &batch.Runnable{
		Container: &batch.Container{
			ImageUri:   task.Container,
			Entrypoint: "/bin/bash",
			Commands:   []string{"-c", script},
			Volumes:    containerMounts(cfg.Volumes),
		},
	}

	spec := &batch.TaskSpec{
		Runnables: []*batch.Runnable{runnable},
		ComputeResource: &batch.ComputeResource{
			CpuMilli:  cpuMilli(task.Resources.CPUs),
			MemoryMib: task.Resources.MemoryMB,
		},
		Volumes: jobVolumes(cfg.Volumes),
	}
	if cfg.BootDiskMB > 0 {
		spec.ComputeResource.BootDiskMib = cfg.BootDiskMB
	}
	if len(task.Env) > 0 {
		spec.Environment = &batch.Environment{Variables: task.Env}
	}
	if task.Resources.Time > 0 {
		spec.MaxRunDuration = fmt.Sprintf("%ds", int64(task.Resources.Time.Seconds()))
	}
	if cfg.Spot && cfg.MaxSpotAttempts > 0 {
		spec.MaxRetryCount = cfg.MaxSpotAttempts
		spec.LifecyclePolicies = []*batch.LifecyclePolicy{{
			Action: "RETRY_TASK",
			ActionCondition: &batch.ActionCondition{
				ExitCodes: preemptExitCodes(),
			},
		}}
	}

	instance := &batch.InstancePolicyOrTemplate{
		Policy: instancePolicy(task, cfg, logger),
	}
	if task.Resources.Accelerator.Count > 0 {
		instance.InstallGpuDrivers = cfg.InstallGPUDrivers
	}

	alloc := &batch.AllocationPolicy{
		Instances: []*batch.InstancePolicyOrTemplate{instance},
		Location: &batch.LocationPolicy{
			AllowedLocations: []string{"regions/" + cfg.Location},
		},
	}
	if cfg.Network != "" || cfg.Subnetwork != "" {
		alloc.Network = &batch.NetworkPolicy{
			NetworkInterfaces: []*batch.NetworkInterface{{
				Network:             cfg.Network,
				Subnetwork:          cfg.Subnetwork,
				NoExternalIpAddress: cfg.NoExternalIP,
			}},
		}
	}
	if cfg.ServiceAccount != "" {
		alloc.ServiceAccount = &batch.ServiceAccount{Email: cfg.ServiceAccount}
	}

	return &batch.Job{
		TaskGroups: []*batch.TaskGroup{{
			TaskSpec:  spec,
			TaskCount: taskCount,
		}},
		AllocationPolicy: alloc,
		LogsPolicy:       &batch.LogsPolicy{Destination: "CLOUD_LOGGING"},
		Labels: map[string]string{
			"managed-by": "sluice",
			"task-id":    strings.ToLower(task.ID),
		},
	}, nil
}

// instancePolicy picks the VM shape. A failed machine selection is logged
// and leaves the machine type empty so the provider chooses.
func instancePolicy(task *model.Task, cfg Config, logger *slog.Logger) *batch.InstancePolicy {
	policy := &batch.InstancePolicy{}
	if cfg.Spot {
		policy.ProvisioningModel = "SPOT"
	}

	machineType := SelectMachineType(MachineRequest{
		CPUs:     int64(task.Resources.CPUs),
		MemoryMB: task.Resources.MemoryMB,
		Families: cfg.MachineFamilies,
		Spot:     cfg.Spot,
		LocalSSD: task.Resources.Disk.Type == "local-ssd",
	})
	if machineType == "" {
		if len(cfg.MachineFamilies) > 0 {
			logger.Warn("no catalog machine type fits, letting the provider choose",
				"task_id", task.ID, "families", cfg.MachineFamilies,
				"cpus", task.Resources.CPUs, "memory_mb", task.Resources.MemoryMB)
			machineSelectionsTotal.WithLabelValues(selectionFallback).Inc()
		}
	} else {
		policy.MachineType = machineType
		machineSelectionsTotal.WithLabelValues(selectionFit).Inc()
	}

	if n := task.Resources.Accelerator.Count; n > 0 {
		policy.Accelerators = []*batch.Accelerator{{
			Type:  task.Resources.Accelerator.Type,
			Count: n,
		}}
	}
	if size := task.Resources.Disk.SizeMB; size > 0 && task.Resources.Disk.Type != "local-ssd" {
		policy.BootDisk = &batch.Disk{
			SizeGb: (size + 1023) / 1024,
			Type:   task.Resources.Disk.Type,
		}
	}
	return policy
}

func cpuMilli(cpus int) int64 {
	if cpus <= 0 {
		cpus = 1
	}
	return int64(cpus) * 1000
}

func preemptExitCodes() []int64 {
	codes := make([]int64, 0, preemptExitHigh-preemptExitLow+1)
	for c := int64(preemptExitLow); c <= preemptExitHigh; c++ {
		codes = append(codes, c)
	}
	return codes
}

// jobVolumes translates the configured mounts into Batch volumes on the VM.
func jobVolumes(volumes []VolumeConfig) []*batch.Volume {
	out := make([]*batch.Volume, 0, len(volumes))
	for _, v := range volumes {
		vol := &batch.Volume{MountPath: v.MountPath}
		if v.Bucket != "" {
			vol.Gcs = &batch.GCS{RemotePath: v.Bucket}
		} else if v.Server != "" {
			vol.Nfs = &batch.NFS{Server: v.Server, RemotePath: v.Path}
		}
		if v.ReadOnly {
			vol.MountOptions = append(vol.MountOptions, "ro")
		}
		out = append(out, vol)
	}
	return out
}

// containerMounts maps each VM mount path into the container at the same
// location, so task scripts see identical paths inside and outside.
func containerMounts(volumes []VolumeConfig) []string {
	out := make([]string, 0, len(volumes))
	for _, v := range volumes {
		mount := v.MountPath + ":" + v.MountPath
		if v.ReadOnly {
			mount += ":ro"
		}
		out = append(out, mount)
	}
	return out
}

// singleScript is the container command for a one-task job.
func singleScript(task *model.Task) string {
	return fmt.Sprintf("bash '%s'", task.WrapperPath())
}

// arrayScript dispatches on the Batch task index so every child of an array
// job runs its own wrapper.
func arrayScript(tasks []*model.Task) string {
	var b strings.Builder
	b.WriteString(`case "$BATCH_TASK_INDEX" in`)
	b.WriteByte('\n')
	for i, task := range tasks {
		fmt.Fprintf(&b, "%d) bash '%s' ;;\n", i, task.WrapperPath())
	}
	b.WriteString("esac\n")
	return b.String()
}

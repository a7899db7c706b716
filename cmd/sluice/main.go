package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sluiceio/sluice/internal/api"
	"github.com/sluiceio/sluice/internal/cache"
	"github.com/sluiceio/sluice/internal/config"
	"github.com/sluiceio/sluice/internal/engine"
	"github.com/sluiceio/sluice/internal/executor"
	"github.com/sluiceio/sluice/internal/executor/gbatch"
	"github.com/sluiceio/sluice/internal/executor/grid"
	"github.com/sluiceio/sluice/internal/executor/local"
	"github.com/sluiceio/sluice/internal/history"
	"github.com/sluiceio/sluice/internal/model"
)

const stopTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.Level())

	logger.Info("sluice: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"executor", cfg.Executor,
	)

	runs, err := cache.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open run cache: %v", err)
	}
	defer runs.Close()

	ledger := history.New(cfg.HistoryPath, logger)
	reg := buildRegistry(cfg, logger)

	session := cfg.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	runName := cfg.RunName
	if runName == "" {
		runName = model.RandomRunName()
	}
	logger.Info("run opened", "run_name", runName, "session_id", session, "resume", cfg.Resume)

	eng := engine.New(engine.Config{
		Session:       session,
		RunName:       runName,
		Command:       strings.Join(os.Args, " "),
		WorkRoot:      cfg.WorkRoot,
		Executor:      cfg.Executor,
		PollInterval:  cfg.PollInterval.Std(),
		SubmitTimeout: cfg.SubmitTimeout.Std(),
		Resume:        cfg.Resume,
	}, reg, runs, ledger, nil, logger)
	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, eng, reg, ledger, runs, logger)
	runErr := srv.Run()

	// Stop the engine only after the HTTP server has drained, so no request
	// can admit a task into a stopping engine.
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Error("engine stop", "error", err)
	}

	if runErr != nil {
		runs.Close()
		log.Fatalf("server error: %v", runErr)
	}
}

// buildRegistry registers every executor the configuration can name.
// Factories run lazily, so a backend with missing settings fails only when
// a task actually selects it.
func buildRegistry(cfg config.Config, logger *slog.Logger) *executor.Registry {
	reg := executor.NewRegistry()

	reg.Register("local", func() (executor.Executor, error) {
		return local.New(logger), nil
	})

	gridCfg := grid.Config{
		Queue:           cfg.Grid.Queue,
		Project:         cfg.Grid.Project,
		ClusterOptions:  cfg.Grid.ClusterOptions,
		DefaultWalltime: cfg.Grid.Walltime.Std(),
		QueueInterval:   cfg.Grid.QueueInterval.Std(),
	}
	reg.Register("slurm", func() (executor.Executor, error) {
		return grid.NewSlurm(gridCfg, logger), nil
	})
	reg.Register("bridge", func() (executor.Executor, error) {
		return grid.NewBridge(gridCfg, logger), nil
	})

	reg.Register("gbatch", func() (executor.Executor, error) {
		return gbatch.New(context.Background(), gbatchConfig(cfg.Google), logger)
	})

	return reg
}

func gbatchConfig(g config.GoogleConfig) gbatch.Config {
	volumes := make([]gbatch.VolumeConfig, len(g.Volumes))
	for i, v := range g.Volumes {
		volumes[i] = gbatch.VolumeConfig{
			Bucket:    v.Bucket,
			Server:    v.Server,
			Path:      v.Path,
			MountPath: v.MountPath,
			ReadOnly:  v.ReadOnly,
		}
	}
	return gbatch.Config{
		Project:           g.Project,
		Location:          g.Location,
		Spot:              g.Spot,
		MaxSpotAttempts:   g.MaxSpotAttempts,
		MachineFamilies:   g.MachineFamilies,
		BootDiskMB:        g.BootDiskMB,
		InstallGPUDrivers: g.InstallGPUDrivers,
		Network:           g.Network,
		Subnetwork:        g.Subnetwork,
		NoExternalIP:      g.NoExternalIP,
		ServiceAccount:    g.ServiceAccount,
		Volumes:           volumes,
		RequestsPerSecond: g.RequestsPerSecond,
		Burst:             g.Burst,
		MaxRetries:        g.MaxRetries,
	}
}

// Package config assembles application settings from defaults, an optional
// YAML file and SLUICE_* environment variables, the environment winning.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// defaultConfigFile is consulted when no explicit path is given.
const defaultConfigFile = "sluice.yaml"

const (
	defaultListenAddr    = ":8080"
	defaultDBPath        = "sluice.db"
	defaultHistoryPath   = ".sluice/history"
	defaultWorkRoot      = "work"
	defaultExecutor      = "local"
	defaultPollInterval  = time.Second
	defaultSubmitTimeout = 30 * time.Second
)

// Environment variable names for application configuration.
const (
	envConfigFile    = "SLUICE_CONFIG"
	envListenAddr    = "SLUICE_LISTEN_ADDR"
	envDBPath        = "SLUICE_DB_PATH"
	envHistoryPath   = "SLUICE_HISTORY_PATH"
	envWorkRoot      = "SLUICE_WORK_ROOT"
	envLogLevel      = "SLUICE_LOG_LEVEL"
	envExecutor      = "SLUICE_EXECUTOR"
	envPollInterval  = "SLUICE_POLL_INTERVAL"
	envSubmitTimeout = "SLUICE_SUBMIT_TIMEOUT"
	envResume        = "SLUICE_RESUME"
	envSessionID     = "SLUICE_SESSION"
	envRunName       = "SLUICE_RUN_NAME"

	envGridQueue          = "SLUICE_GRID_QUEUE"
	envGridProject        = "SLUICE_GRID_PROJECT"
	envGridClusterOptions = "SLUICE_GRID_CLUSTER_OPTIONS"
	envGridWalltime       = "SLUICE_GRID_WALLTIME"
	envGridQueueInterval  = "SLUICE_GRID_QUEUE_INTERVAL"

	envGoogleProject  = "SLUICE_GOOGLE_PROJECT"
	envGoogleLocation = "SLUICE_GOOGLE_LOCATION"
	envGoogleSpot     = "SLUICE_GOOGLE_SPOT"
)

// Duration decodes YAML scalars like "30s" or "1h" via time.ParseDuration.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// GridConfig holds settings shared by the grid scheduler backends.
type GridConfig struct {
	Queue          string   `yaml:"queue"`
	Project        string   `yaml:"project"`
	ClusterOptions string   `yaml:"cluster_options"`
	Walltime       Duration `yaml:"walltime"`
	QueueInterval  Duration `yaml:"queue_interval"`
}

// VolumeConfig describes one storage mount for cloud batch tasks.
type VolumeConfig struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Server    string `yaml:"server,omitempty"`
	Path      string `yaml:"path,omitempty"`
	MountPath string `yaml:"mount_path"`
	ReadOnly  bool   `yaml:"read_only,omitempty"`
}

// GoogleConfig holds settings of the Google Cloud Batch backend.
type GoogleConfig struct {
	Project           string         `yaml:"project"`
	Location          string         `yaml:"location"`
	Spot              bool           `yaml:"spot"`
	MaxSpotAttempts   int64          `yaml:"max_spot_attempts"`
	MachineFamilies   []string       `yaml:"machine_families"`
	BootDiskMB        int64          `yaml:"boot_disk_mb"`
	InstallGPUDrivers bool           `yaml:"install_gpu_drivers"`
	Network           string         `yaml:"network"`
	Subnetwork        string         `yaml:"subnetwork"`
	NoExternalIP      bool           `yaml:"no_external_ip"`
	ServiceAccount    string         `yaml:"service_account"`
	Volumes           []VolumeConfig `yaml:"volumes"`
	RequestsPerSecond float64        `yaml:"requests_per_second"`
	Burst             int            `yaml:"burst"`
	MaxRetries        int            `yaml:"max_retries"`
}

// Config holds application configuration.
type Config struct {
	ListenAddr    string       `yaml:"listen_addr"`
	DBPath        string       `yaml:"db_path"`
	HistoryPath   string       `yaml:"history_path"`
	WorkRoot      string       `yaml:"work_root"`
	LogLevel      string       `yaml:"log_level"`
	Executor      string       `yaml:"executor"`
	PollInterval  Duration     `yaml:"poll_interval"`
	SubmitTimeout Duration     `yaml:"submit_timeout"`
	Resume        bool         `yaml:"resume"`
	SessionID     string       `yaml:"session_id"`
	RunName       string       `yaml:"run_name"`
	Grid          GridConfig   `yaml:"grid"`
	Google        GoogleConfig `yaml:"google"`
}

// Load builds the configuration: defaults first, then the YAML file, then
// environment overrides. path may be empty, in which case SLUICE_CONFIG or
// the default file name is consulted; a missing default file is not an
// error, a missing explicit file is.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddr:    defaultListenAddr,
		DBPath:        defaultDBPath,
		HistoryPath:   defaultHistoryPath,
		WorkRoot:      defaultWorkRoot,
		LogLevel:      "info",
		Executor:      defaultExecutor,
		PollInterval:  Duration(defaultPollInterval),
		SubmitTimeout: Duration(defaultSubmitTimeout),
	}

	explicit := path != ""
	if !explicit {
		if v := os.Getenv(envConfigFile); v != "" {
			path = v
			explicit = true
		} else {
			path = defaultConfigFile
		}
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file, defaults apply.
	default:
		return cfg, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envHistoryPath); v != "" {
		c.HistoryPath = v
	}
	if v := os.Getenv(envWorkRoot); v != "" {
		c.WorkRoot = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(envExecutor); v != "" {
		c.Executor = v
	}
	if v := os.Getenv(envPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv(envSubmitTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SubmitTimeout = Duration(d)
		}
	}
	if v := os.Getenv(envResume); v != "" {
		c.Resume = parseBool(v)
	}
	if v := os.Getenv(envSessionID); v != "" {
		c.SessionID = v
	}
	if v := os.Getenv(envRunName); v != "" {
		c.RunName = v
	}

	if v := os.Getenv(envGridQueue); v != "" {
		c.Grid.Queue = v
	}
	if v := os.Getenv(envGridProject); v != "" {
		c.Grid.Project = v
	}
	if v := os.Getenv(envGridClusterOptions); v != "" {
		c.Grid.ClusterOptions = v
	}
	if v := os.Getenv(envGridWalltime); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Grid.Walltime = Duration(d)
		}
	}
	if v := os.Getenv(envGridQueueInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Grid.QueueInterval = Duration(d)
		}
	}

	if v := os.Getenv(envGoogleProject); v != "" {
		c.Google.Project = v
	}
	if v := os.Getenv(envGoogleLocation); v != "" {
		c.Google.Location = v
	}
	if v := os.Getenv(envGoogleSpot); v != "" {
		c.Google.Spot = parseBool(v)
	}
}

func parseBool(s string) bool {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return strings.EqualFold(s, "yes") || strings.EqualFold(s, "on")
}

// Level returns the configured log level, defaulting to info.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

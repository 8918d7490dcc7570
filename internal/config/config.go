// Package config loads executor settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the process-wide executor settings.
type Config struct {
	RunsDir        string        `env:"TASK_EXECUTOR_RUNS_DIR" envDefault:"RUNS"`
	LocksDir       string        `env:"TASK_EXECUTOR_LOCKS_DIR" envDefault:"LOCKS"`
	WorkDir        string        `env:"TASK_EXECUTOR_WORKDIR"`
	CommandTimeout time.Duration `env:"TASK_EXECUTOR_COMMAND_TIMEOUT" envDefault:"5m"`
	LogLevel       string        `env:"TASK_EXECUTOR_LOG_LEVEL" envDefault:"info"`
	LogFile        string        `env:"TASK_EXECUTOR_LOG_FILE"`
	MaxParallel    int           `env:"TASK_EXECUTOR_MAX_PARALLEL" envDefault:"0"`
	HashWorkers    int           `env:"TASK_EXECUTOR_HASH_WORKERS" envDefault:"4"`
	ApprovalWait   time.Duration `env:"TASK_EXECUTOR_APPROVAL_WAIT" envDefault:"0s"`
	PolicyFile     string        `env:"TASK_EXECUTOR_POLICY_FILE"`

	// ObsidianEnabled is forwarded to the knowledge-base sync hook.
	ObsidianEnabled bool `env:"OBSIDIAN_ENABLED"`

	Telemetry TelemetryConfig `envPrefix:"TASK_EXECUTOR_OTEL_"`
	Archive   ArchiveConfig   `envPrefix:"TASK_EXECUTOR_ARCHIVE_"`
}

// TelemetryConfig controls opt-in OpenTelemetry tracing.
type TelemetryConfig struct {
	Endpoint string `env:"ENDPOINT"`
	Enabled  bool   `env:"ENABLED" envDefault:"true"`
}

// ArchiveConfig points at an optional S3-compatible bucket for evidence copies.
type ArchiveConfig struct {
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET" envDefault:"task-executor-evidence"`
	UseSSL    bool   `env:"USE_SSL" envDefault:"true"`
}

// Enabled reports whether an archive endpoint is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.Endpoint != ""
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv parses the process environment without touching .env.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("resolve working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.RunsDir == "" {
		errs = append(errs, errors.New("runs dir is empty"))
	}
	if c.LocksDir == "" {
		errs = append(errs, errors.New("locks dir is empty"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("command timeout must be positive, got %s", c.CommandTimeout))
	}
	if c.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("max parallel must be >= 0, got %d", c.MaxParallel))
	}
	if c.HashWorkers < 0 {
		errs = append(errs, fmt.Errorf("hash workers must be >= 0, got %d", c.HashWorkers))
	}
	if c.ApprovalWait < 0 {
		errs = append(errs, fmt.Errorf("approval wait must be >= 0, got %s", c.ApprovalWait))
	}
	return errors.Join(errs...)
}

// RunDir returns RUNS/<task_id>.
func (c Config) RunDir(taskID string) string {
	return filepath.Join(c.RunsDir, taskID)
}

// EvidenceDir returns RUNS/evidence.
func (c Config) EvidenceDir() string {
	return filepath.Join(c.RunsDir, "evidence")
}

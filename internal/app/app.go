// Package app wires configuration, logging, the security policy and tracing
// for the command-line entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/msageha/taskexec/internal/config"
	"github.com/msageha/taskexec/internal/evidence"
	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/sandbox"
	"github.com/msageha/taskexec/internal/telemetry"
)

// App holds the process-wide collaborators of one CLI invocation.
type App struct {
	Config  config.Config
	Logger  *logging.Logger
	Policy  sandbox.SecurityPolicy
	Sandbox *sandbox.Sandbox

	logCloser io.Closer
	shutdown  func(context.Context) error
}

// Open loads configuration from .env and the environment, then builds the
// logger, policy, sandbox and tracer provider. Close must be called.
func Open(ctx context.Context, service string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return FromConfig(ctx, cfg, service)
}

// FromConfig is Open with an explicit configuration.
func FromConfig(ctx context.Context, cfg config.Config, service string) (*App, error) {
	logger, closer, err := logging.Open(cfg.LogFile, logging.ParseLogLevel(cfg.LogLevel), service)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, logCloser: closer}

	a.Policy = sandbox.DefaultPolicy()
	if cfg.PolicyFile != "" {
		if a.Policy, err = sandbox.LoadPolicy(cfg.PolicyFile); err != nil {
			_ = closer.Close()
			return nil, err
		}
		logger.Infof("policy_loaded path=%s programs=%d", cfg.PolicyFile, len(a.Policy.Programs()))
	}
	a.Sandbox = sandbox.New(a.Policy,
		sandbox.WithLogger(logger),
		sandbox.WithDefaultTimeout(cfg.CommandTimeout),
	)

	a.shutdown, err = telemetry.Setup(ctx, cfg.Telemetry, service)
	if err != nil {
		// Tracing is opt-in; an unusable exporter must not block execution.
		logger.Warnf("telemetry_disabled error=%v", err)
	}
	return a, nil
}

// Archiver returns the configured evidence archiver, or nil when none is configured.
func (a *App) Archiver() (evidence.Archiver, error) {
	if !a.Config.Archive.Enabled() {
		return nil, nil
	}
	arch, err := evidence.NewS3Archiver(a.Config.Archive)
	if err != nil {
		return nil, fmt.Errorf("create archiver: %w", err)
	}
	return arch, nil
}

// Close flushes spans and closes the log file.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.shutdown != nil {
		if err := a.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log: %w", err))
		}
	}
	return errors.Join(errs...)
}

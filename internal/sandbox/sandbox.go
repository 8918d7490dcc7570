package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/model"
)

// DefaultTimeout applies when neither the invocation nor the sandbox sets one.
const DefaultTimeout = 5 * time.Minute

// DefaultMaxOutput caps each of stdout and stderr as captured in a Result.
const DefaultMaxOutput = 4 << 20

// DefaultWaitDelay bounds how long Run waits for stdout/stderr to close once
// the child has exited or been killed. Descendants that escaped the process
// group (setsid) and still hold the pipes are cut off after this delay.
const DefaultWaitDelay = 2 * time.Second

const maxStderrInError = 2048

// Invocation is one program+args call. Args are handed to the OS verbatim.
type Invocation struct {
	Program string
	Args    []string
	Dir     string
	// Env is the complete child environment. Nil means BuildEnv(policy, os.LookupEnv).
	Env     map[string]string
	Timeout time.Duration
}

// Rendered is the "program arg..." form checked against dangerous patterns.
func (inv Invocation) Rendered() string {
	return model.Command{Program: inv.Program, Args: inv.Args}.Rendered()
}

// Result is the captured outcome of a finished process.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// Truncated reports that stdout or stderr exceeded the capture limit.
	Truncated bool
}

// Sandbox runs invocations that pass its SecurityPolicy.
type Sandbox struct {
	policy         SecurityPolicy
	defaultTimeout time.Duration
	maxOutput      int
	waitDelay      time.Duration
	logger         *logging.Logger
	start          func(*exec.Cmd) error
}

type Option func(*Sandbox)

func WithLogger(l *logging.Logger) Option {
	return func(s *Sandbox) { s.logger = l.With("sandbox") }
}

func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithMaxOutput caps the bytes kept from each of stdout and stderr.
func WithMaxOutput(n int) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.maxOutput = n
		}
	}
}

func WithWaitDelay(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.waitDelay = d
		}
	}
}

func New(policy SecurityPolicy, opts ...Option) *Sandbox {
	s := &Sandbox{
		policy:         policy,
		defaultTimeout: DefaultTimeout,
		maxOutput:      DefaultMaxOutput,
		waitDelay:      DefaultWaitDelay,
		start:          (*exec.Cmd).Start,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sandbox) Policy() SecurityPolicy {
	return s.policy
}

// Check applies the allow-list, then the dangerous patterns. It never spawns anything.
func (s *Sandbox) Check(program string, args []string) error {
	if !s.policy.Allows(program) {
		return model.NewSecurityError(model.ErrCommandNotAllowed, "program %q is not in the allow-list", program)
	}
	rendered := Invocation{Program: program, Args: args}.Rendered()
	if pattern, ok := s.policy.MatchDangerous(rendered); ok {
		return model.NewSecurityError(model.ErrDangerousPattern, "%q matches %s", rendered, pattern)
	}
	return nil
}

// Run validates inv and executes it with a wall-clock timeout. A non-zero exit
// yields both the Result and an ErrCommandFailed error. No retries.
func (s *Sandbox) Run(ctx context.Context, inv Invocation) (Result, error) {
	if err := s.Check(inv.Program, inv.Args); err != nil {
		s.logger.Warnf("command_rejected program=%s error=%v", inv.Program, err)
		return Result{}, err
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	env := inv.Env
	if env == nil {
		env = BuildEnv(s.policy, os.LookupEnv)
	}

	cmd := exec.Command(inv.Program, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = EnvList(env)
	// Own process group so the whole tree can be killed on expiry.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = s.waitDelay
	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	op := "run " + inv.Program
	started := time.Now()
	s.logger.Debugf("command_start rendered=%q dir=%s timeout=%s", inv.Rendered(), inv.Dir, timeout)
	if err := s.start(cmd); err != nil {
		return Result{}, &model.TaskExecutorError{Op: op, Err: fmt.Errorf("start: %w", err)}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		killGroup(cmd)
		<-done
		res := capture(stdout, stderr, started)
		res.ExitCode = -1
		s.logger.Warnf("command_timeout rendered=%q timeout=%s", inv.Rendered(), timeout)
		return res, &model.TaskExecutorError{Op: op, Err: fmt.Errorf("%w after %s", model.ErrCommandTimeout, timeout)}
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		res := capture(stdout, stderr, started)
		res.ExitCode = -1
		return res, &model.TaskExecutorError{Op: op, Err: fmt.Errorf("cancelled: %w", ctx.Err())}
	}

	res := capture(stdout, stderr, started)
	if res.Truncated {
		s.logger.Warnf("command_output_truncated rendered=%q limit=%d", inv.Rendered(), s.maxOutput)
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		// The child exited cleanly; only an escaped descendant kept the pipes open.
		s.logger.Warnf("command_pipes_held rendered=%q wait_delay=%s", inv.Rendered(), s.waitDelay)
		waitErr = nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, &model.TaskExecutorError{Op: op, Err: waitErr}
		}
		res.ExitCode = exitErr.ExitCode()
		s.logger.Infof("command_failed rendered=%q exit_code=%d duration=%s", inv.Rendered(), res.ExitCode, res.Duration)
		return res, &model.TaskExecutorError{
			Op:  op,
			Err: fmt.Errorf("%w: exit code %d: %s", model.ErrCommandFailed, res.ExitCode, truncate(strings.TrimSpace(res.Stderr), maxStderrInError)),
		}
	}
	s.logger.Debugf("command_done rendered=%q duration=%s", inv.Rendered(), res.Duration)
	return res, nil
}

func capture(stdout, stderr *cappedBuffer, started time.Time) Result {
	return Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(started),
		Truncated: stdout.truncated || stderr.truncated,
	}
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid addresses the process group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

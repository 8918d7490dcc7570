// Package runner drives one contract through the linear execution protocol:
// budget, plan, approval, secrets, locks, ports, commands, gates, evidence
// and the terminal run state. Each step is a hard precondition for the next.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/msageha/taskexec/internal/config"
	"github.com/msageha/taskexec/internal/events"
	"github.com/msageha/taskexec/internal/evidence"
	"github.com/msageha/taskexec/internal/lock"
	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/plan"
	"github.com/msageha/taskexec/internal/quality"
	"github.com/msageha/taskexec/internal/sandbox"
	"github.com/msageha/taskexec/internal/store"
	"github.com/msageha/taskexec/internal/telemetry"
)

// Version is recorded as Provenance.ExecutorVersion.
const Version = "1.0.0"

// Optimizer may rewrite a contract before it runs (for example to compact
// its title or provenance metadata). The rewritten contract must keep the
// same plan hash.
type Optimizer interface {
	Optimize(ctx context.Context, c *model.Contract) (*model.Contract, error)
}

// Syncer receives the provenance of successful runs when OBSIDIAN_ENABLED is set.
type Syncer interface {
	Sync(ctx context.Context, p model.Provenance) error
}

// CommandResult is the outcome of one contract command.
type CommandResult struct {
	ID       string
	ExitCode int
	Duration time.Duration
	Stdout   string
	Stderr   string
}

// Result summarizes a run. It is returned alongside the error on failure
// with whatever was completed before the failing step.
type Result struct {
	TaskID         string
	RunID          string
	PlanHash       string
	Budget         quality.BudgetDecision
	Commands       []CommandResult
	Gates          []quality.GateResult
	Evidence       map[string]string
	ProvenancePath string
	// Succeeded is set once the success state has been persisted.
	Succeeded bool
}

type Runner struct {
	cfg       config.Config
	sandbox   *sandbox.Sandbox
	state     *store.StateStore
	collector *evidence.Collector
	archiver  evidence.Archiver
	optimizer Optimizer
	syncer    Syncer
	lookup    sandbox.LookupFunc
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

type Option func(*Runner)

func WithLogger(l *logging.Logger) Option         { return func(r *Runner) { r.logger = l.With("runner") } }
func WithTracer(t trace.Tracer) Option            { return func(r *Runner) { r.tracer = t } }
func WithOptimizer(o Optimizer) Option            { return func(r *Runner) { r.optimizer = o } }
func WithSyncer(s Syncer) Option                  { return func(r *Runner) { r.syncer = s } }
func WithArchiver(a evidence.Archiver) Option     { return func(r *Runner) { r.archiver = a } }
func WithLookup(lookup sandbox.LookupFunc) Option { return func(r *Runner) { r.lookup = lookup } }

func New(cfg config.Config, sb *sandbox.Sandbox, opts ...Option) (*Runner, error) {
	r := &Runner{
		cfg:     cfg,
		sandbox: sb,
		tracer:  telemetry.Tracer(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lookup == nil {
		r.lookup = osLookup
	}
	collector, err := evidence.NewCollector(cfg.WorkDir, cfg.HashWorkers, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create evidence collector: %w", err)
	}
	r.collector = collector
	r.state = store.NewStateStore(cfg.RunsDir, r.logger)
	return r, nil
}

// State exposes the run-state store used by the runner.
func (r *Runner) State() *store.StateStore { return r.state }

// ApprovalPath returns RUNS/<task_id>/.human_approved.
func (r *Runner) ApprovalPath(taskID string) string {
	return filepath.Join(r.state.RunDir(taskID), plan.ApprovalFileName)
}

// Plan runs the optimize and budget steps, then writes the human-readable
// plan and returns its hash. It creates no files, state or locks.
func (r *Runner) Plan(ctx context.Context, w io.Writer, c *model.Contract) (string, error) {
	ctx, span := r.tracer.Start(ctx, "runner.plan", trace.WithAttributes(telemetry.TaskID(c.TaskID)))
	c, hash, _, err := r.prepare(ctx, c)
	defer func() { telemetry.End(span, err) }()
	if err != nil {
		return "", err
	}
	span.SetAttributes(telemetry.PlanHash(hash))
	if err = plan.Render(w, *c, hash, r.ApprovalPath(c.TaskID)); err != nil {
		return "", fmt.Errorf("render plan: %w", err)
	}
	return hash, nil
}

// prepare covers the steps shared by Plan and Run: validation, the optional
// optimizer pass and the budget gate.
func (r *Runner) prepare(ctx context.Context, c *model.Contract) (*model.Contract, string, quality.BudgetDecision, error) {
	if err := c.Validate(); err != nil {
		return nil, "", quality.BudgetDecision{}, &model.TaskExecutorError{Op: "validate contract", Err: fmt.Errorf("%w: %v", model.ErrParse, err)}
	}
	hash, err := plan.Hash(*c)
	if err != nil {
		return nil, "", quality.BudgetDecision{}, fmt.Errorf("hash plan: %w", err)
	}

	if r.optimizer != nil {
		optimized, err := r.optimizer.Optimize(ctx, c)
		if err != nil {
			return nil, "", quality.BudgetDecision{}, &model.TaskExecutorError{Op: model.StepOptimize, Err: err}
		}
		after, err := plan.Hash(*optimized)
		if err != nil {
			return nil, "", quality.BudgetDecision{}, fmt.Errorf("hash optimized plan: %w", err)
		}
		if after != hash {
			return nil, "", quality.BudgetDecision{}, &model.TaskExecutorError{
				Op:  model.StepOptimize,
				Err: fmt.Errorf("optimizer changed the plan hash from %s to %s", hash, after),
			}
		}
		c = optimized
	}

	decision, err := quality.CheckBudget(c)
	if err != nil {
		r.logger.Warnf("budget_exceeded task_id=%s error=%v", c.TaskID, err)
		return nil, "", decision, err
	}
	if decision.Warning != "" {
		r.logger.Warnf("budget_warning task_id=%s %s threshold=%.2f", c.TaskID, decision.Warning, decision.Threshold)
	}
	return c, hash, decision, nil
}

// run carries the per-run values through the protocol steps.
type run struct {
	contract *model.Contract
	id       string
	hash     string
	env      map[string]string
	audit    *events.AuditLogger
	result   *Result
}

// Run executes c end to end. Once the running state has been written every
// failure leaves a terminal failed state, and every acquired lock is released.
func (r *Runner) Run(ctx context.Context, c *model.Contract) (res *Result, err error) {
	runID := model.NewRunID()
	ctx, span := r.tracer.Start(ctx, "runner.run", trace.WithAttributes(
		telemetry.TaskID(c.TaskID), telemetry.RunID(runID)))
	defer func() { telemetry.End(span, err) }()

	c, hash, decision, err := r.prepare(ctx, c)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(telemetry.PlanHash(hash))
	res = &Result{TaskID: c.TaskID, RunID: runID, PlanHash: hash, Budget: decision}
	r.logger.Infof("run_started task_id=%s run_id=%s plan_hash=%s", c.TaskID, runID, hash)

	rn := &run{contract: c, id: runID, hash: hash, result: res}

	// Nothing is written under RUNS until the approval gate has passed.
	if c.HasHumanReview() {
		if err := r.approve(ctx, rn); err != nil {
			r.logger.Warnf("run_rejected task_id=%s run_id=%s error=%v", c.TaskID, runID, err)
			return res, err
		}
	}

	audit, err := events.OpenAuditLog(filepath.Join(r.state.RunDir(c.TaskID), events.AuditFileName))
	if err != nil {
		return res, fmt.Errorf("open audit log: %w", err)
	}
	defer func() {
		if cerr := audit.Close(); cerr != nil {
			r.logger.Warnf("audit_close_failed task_id=%s error=%v", c.TaskID, cerr)
		}
	}()
	rn.audit = audit
	r.audit(rn, "run_started", model.StepBudget, map[string]any{
		"plan_hash": hash, "estimate": decision.Estimate, "budget": decision.Budget, "warning": decision.Warning,
	})
	if c.HasHumanReview() {
		r.audit(rn, "step_passed", model.StepApproval, nil)
	}

	if _, err := r.state.Begin(c.TaskID, runID, hash, model.StepSecrets); err != nil {
		return res, fmt.Errorf("begin run state: %w", err)
	}
	r.audit(rn, "step_started", model.StepSecrets, nil)
	env, err := r.resolveSecrets(c)
	if err != nil {
		return res, r.finish(rn, err)
	}
	rn.env = env

	if err := r.advance(rn, model.StepLocks); err != nil {
		return res, r.finish(rn, err)
	}
	finished := false
	err = lock.WithLocks(r.cfg.LocksDir, c.Locks, runID, func(set *lock.LockSet) error {
		r.audit(rn, "locks_acquired", model.StepLocks, map[string]any{"locks": set.Names()})
		finished = true
		return r.finish(rn, r.locked(ctx, rn))
	})
	if !finished {
		err = r.finish(rn, err)
	}
	if err == nil {
		r.logger.Infof("run_succeeded task_id=%s run_id=%s evidence_files=%d", c.TaskID, runID, len(res.Evidence))
	}
	return res, err
}

// locked runs the steps that need the resource locks: ports, commands,
// gates and evidence.
func (r *Runner) locked(ctx context.Context, rn *run) error {
	c := rn.contract

	if err := r.advance(rn, model.StepPorts); err != nil {
		return err
	}
	if err := lock.CheckPortsFree(ctx, c.PortsShouldBeFree); err != nil {
		return err
	}

	if err := r.advance(rn, model.StepCommands); err != nil {
		return err
	}
	for _, cmd := range c.Commands {
		if err := r.runCommand(ctx, rn, cmd); err != nil {
			return err
		}
	}

	if err := r.advance(rn, model.StepGates); err != nil {
		return err
	}
	approvalPath := r.ApprovalPath(c.TaskID)
	evaluator := quality.NewEvaluator(r.sandbox,
		func(cmd model.Command) sandbox.Invocation { return r.invocation(rn, cmd) },
		quality.WithApprovalCheck(func() error { return plan.CheckApproval(approvalPath, rn.hash) }),
		quality.WithEvaluatorLogger(r.logger),
	)
	gctx, gspan := r.tracer.Start(ctx, "runner.gates", trace.WithAttributes(telemetry.Step(model.StepGates)))
	results, err := evaluator.Evaluate(gctx, c.Gates)
	telemetry.End(gspan, err)
	rn.result.Gates = results
	for _, g := range results {
		r.audit(rn, "gate_evaluated", model.StepGates, map[string]any{
			"gate_id": g.GateID, "kind": g.Kind, "passed": g.Passed, "duration_ms": g.Duration.Milliseconds(),
		})
	}
	if err != nil {
		return err
	}

	if err := r.advance(rn, model.StepEvidence); err != nil {
		return err
	}
	return r.collectEvidence(ctx, rn)
}

func (r *Runner) runCommand(ctx context.Context, rn *run, cmd model.Command) error {
	ctx, span := r.tracer.Start(ctx, "runner.command", trace.WithAttributes(
		telemetry.TaskID(rn.contract.TaskID), telemetry.Step(model.StepCommands)))
	out, err := r.sandbox.Run(ctx, r.invocation(rn, cmd))
	telemetry.End(span, err)

	rn.result.Commands = append(rn.result.Commands, CommandResult{
		ID: cmd.ID, ExitCode: out.ExitCode, Duration: out.Duration, Stdout: out.Stdout, Stderr: out.Stderr,
	})
	details := map[string]any{"command_id": cmd.ID, "rendered": cmd.Rendered(), "exit_code": out.ExitCode, "duration_ms": out.Duration.Milliseconds()}
	if err != nil {
		details["error"] = err.Error()
		r.audit(rn, "command_failed", model.StepCommands, details)
		return fmt.Errorf("command %s: %w", cmd.ID, err)
	}
	r.audit(rn, "command_succeeded", model.StepCommands, details)
	r.logger.Infof("command_succeeded task_id=%s command_id=%s duration=%s", rn.contract.TaskID, cmd.ID, out.Duration)
	return nil
}

func (r *Runner) invocation(rn *run, cmd model.Command) sandbox.Invocation {
	timeout := r.cfg.CommandTimeout
	if cmd.TimeoutSec > 0 {
		timeout = time.Duration(cmd.TimeoutSec) * time.Second
	}
	return sandbox.Invocation{
		Program: cmd.Program,
		Args:    cmd.Args,
		Dir:     r.cfg.WorkDir,
		Env:     rn.env,
		Timeout: timeout,
	}
}

func (r *Runner) approve(ctx context.Context, rn *run) error {
	path := r.ApprovalPath(rn.contract.TaskID)
	if r.cfg.ApprovalWait <= 0 {
		return plan.CheckApproval(path, rn.hash)
	}
	r.logger.Infof("approval_waiting task_id=%s path=%s wait=%s", rn.contract.TaskID, path, r.cfg.ApprovalWait)
	wctx, cancel := context.WithTimeout(ctx, r.cfg.ApprovalWait)
	defer cancel()
	return plan.WaitForApproval(wctx, path, rn.hash, r.logger)
}

// resolveSecrets returns the command environment: the policy-filtered
// environment plus every declared secret.
func (r *Runner) resolveSecrets(c *model.Contract) (map[string]string, error) {
	env := sandbox.BuildEnv(r.sandbox.Policy(), r.lookup)
	var missing []string
	for _, name := range c.SecretsRequired {
		v, ok := r.lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			missing = append(missing, name)
			continue
		}
		env[name] = v
	}
	if len(missing) > 0 {
		return nil, model.NewSecurityError(model.ErrMissingSecret, "unset or empty: %s", strings.Join(missing, ", "))
	}
	return env, nil
}

func (r *Runner) collectEvidence(ctx context.Context, rn *run) error {
	c := rn.contract
	ctx, span := r.tracer.Start(ctx, "runner.evidence", trace.WithAttributes(telemetry.Step(model.StepEvidence)))
	digests, err := r.collector.Collect(ctx, c.Evidence)
	defer func() { telemetry.End(span, err) }()
	if err != nil {
		return fmt.Errorf("collect evidence: %w", err)
	}
	rn.result.Evidence = digests

	prov := model.Provenance{
		TaskID:          c.TaskID,
		RunID:           rn.id,
		PlanHash:        rn.hash,
		EvidenceSHA256:  digests,
		ExecutedAt:      r.now().UTC(),
		ExecutorVersion: Version,
		Metadata:        c.Provenance,
	}
	path, err := r.state.WriteProvenance(prov)
	if err != nil {
		return fmt.Errorf("write provenance: %w", err)
	}
	rn.result.ProvenancePath = path
	r.audit(rn, "provenance_written", model.StepEvidence, map[string]any{"path": path, "files": len(digests)})

	r.archive(ctx, rn, path, digests)
	if r.cfg.ObsidianEnabled && r.syncer != nil {
		if serr := r.syncer.Sync(ctx, prov); serr != nil {
			r.logger.Warnf("sync_failed task_id=%s error=%v", c.TaskID, serr)
		}
	}
	return nil
}

// archive uploads provenance and evidence files. Upload failures are logged
// and audited but do not fail the run; the local provenance is authoritative.
func (r *Runner) archive(ctx context.Context, rn *run, provenancePath string, digests map[string]string) {
	if r.archiver == nil {
		return
	}
	files := map[string]string{filepath.Base(provenancePath): provenancePath}
	for name := range digests {
		local := filepath.FromSlash(name)
		if !filepath.IsAbs(local) {
			local = filepath.Join(r.cfg.WorkDir, local)
		}
		files[filepath.ToSlash(filepath.Join("evidence", name))] = local
	}
	if err := r.archiver.Archive(ctx, rn.id, files); err != nil {
		r.logger.Warnf("archive_failed task_id=%s run_id=%s error=%v", rn.contract.TaskID, rn.id, err)
		r.audit(rn, "archive_failed", model.StepEvidence, map[string]any{"error": err.Error()})
		return
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	r.audit(rn, "archived", model.StepEvidence, map[string]any{"objects": names})
}

func (r *Runner) advance(rn *run, step string) error {
	if err := r.state.Step(rn.contract.TaskID, rn.id, step); err != nil {
		return fmt.Errorf("record step %s: %w", step, err)
	}
	r.audit(rn, "step_started", step, nil)
	r.logger.Debugf("step task_id=%s run_id=%s step=%s", rn.contract.TaskID, rn.id, step)
	return nil
}

// finish writes the terminal state for cause (nil means success) and returns
// cause joined with any state-write error.
func (r *Runner) finish(rn *run, cause error) error {
	c := rn.contract
	if cause == nil {
		if err := r.state.Finish(c.TaskID, rn.id, model.RunStatusSuccess, ""); err != nil {
			return fmt.Errorf("finish run state: %w", err)
		}
		rn.result.Succeeded = true
		r.audit(rn, "run_succeeded", model.StepComplete, map[string]any{"provenance": rn.result.ProvenancePath})
		return nil
	}

	r.logger.Errorf("run_failed task_id=%s run_id=%s error=%v", c.TaskID, rn.id, cause)
	r.audit(rn, "run_failed", "", map[string]any{"error": cause.Error()})
	if err := r.state.Finish(c.TaskID, rn.id, model.RunStatusFailed, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("finish run state: %w", err))
	}
	return cause
}

func (r *Runner) audit(rn *run, eventType, step string, details map[string]any) {
	if err := rn.audit.Record(eventType, rn.contract.TaskID, rn.id, step, details); err != nil {
		r.logger.Warnf("audit_write_failed task_id=%s event=%s error=%v", rn.contract.TaskID, eventType, err)
	}
}

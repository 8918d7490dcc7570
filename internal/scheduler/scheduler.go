// Package scheduler parses phase-grouped task lists and executes them:
// parallel-eligible tasks of a phase fan out concurrently, sequential tasks
// follow in file order, and a failing blocking phase halts every later phase.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskexec/internal/events"
	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/sandbox"
	"github.com/msageha/taskexec/internal/telemetry"
)

// CommandRunner is satisfied by *sandbox.Sandbox.
type CommandRunner interface {
	Run(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error)
}

// Recorder persists one ExecutionResult and returns where it was written.
type Recorder interface {
	Record(res model.ExecutionResult) (string, error)
}

type Scheduler struct {
	runner      CommandRunner
	orderer     PhaseOrderer
	recorder    Recorder
	bus         *events.Bus
	logger      *logging.Logger
	tracer      trace.Tracer
	workDir     string
	timeout     time.Duration
	maxParallel int
	validateAll bool
	now         func() time.Time
}

type Option func(*Scheduler)

func WithOrderer(o PhaseOrderer) Option   { return func(s *Scheduler) { s.orderer = o } }
func WithRecorder(r Recorder) Option      { return func(s *Scheduler) { s.recorder = r } }
func WithBus(b *events.Bus) Option        { return func(s *Scheduler) { s.bus = b } }
func WithLogger(l *logging.Logger) Option { return func(s *Scheduler) { s.logger = l.With("scheduler") } }
func WithTracer(t trace.Tracer) Option    { return func(s *Scheduler) { s.tracer = t } }
func WithWorkDir(dir string) Option       { return func(s *Scheduler) { s.workDir = dir } }
func WithTimeout(d time.Duration) Option  { return func(s *Scheduler) { s.timeout = d } }
func WithMaxParallel(n int) Option        { return func(s *Scheduler) { s.maxParallel = n } }
func WithValidateAll(v bool) Option       { return func(s *Scheduler) { s.validateAll = v } }

func New(runner CommandRunner, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		orderer: DefaultOrderer{},
		tracer:  telemetry.Tracer(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report is the outcome of one scheduler run.
type Report struct {
	RunID  string              `json:"run_id"`
	Phases []model.PhaseResult `json:"phases"`
	Stats  model.Stats         `json:"stats"`
}

// Success reports whether every executed task of every executed phase succeeded.
func (r Report) Success() bool {
	for _, p := range r.Phases {
		if p.Failed() {
			return false
		}
	}
	return true
}

// ExitCode is 0 on Success, 1 otherwise.
func (r Report) ExitCode() int {
	if r.Success() {
		return 0
	}
	return 1
}

// run holds the mutable state of one Run call.
type run struct {
	id        string
	satisfied map[string]bool
	attempted map[string]bool
}

// Run executes phases in orderer order. Per-task failures are reported as
// data in the Report; the error is reserved for invalid input.
func (s *Scheduler) Run(ctx context.Context, phases []model.Phase) (Report, error) {
	if _, err := ValidateDependencies(phases); err != nil {
		return Report{}, &model.TaskExecutorError{Op: "schedule", Err: err}
	}

	r := &run{id: model.NewRunID(), satisfied: make(map[string]bool), attempted: make(map[string]bool)}
	ordered := s.orderer.Order(phases)
	report := Report{RunID: r.id}

	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(telemetry.RunID(r.id)))
	defer span.End()

	start := s.now()
	s.logger.Infof("run_started run_id=%s phases=%d tasks=%d validate_all=%t", r.id, len(ordered), CountTasks(ordered), s.validateAll)

	halted := ""
	for _, phase := range ordered {
		pr := model.PhaseResult{Name: phase.Name, Blocking: phase.Blocking, Status: model.PhaseStatusPending}
		if halted != "" {
			s.transitionPhase(&pr, model.PhaseStatusNotRun)
			s.logger.Warnf("phase_not_run phase=%q reason=%q", phase.Name, "blocking phase "+halted+" failed")
			report.Phases = append(report.Phases, pr)
			continue
		}

		s.transitionPhase(&pr, model.PhaseStatusRunning)
		phaseStart := s.now()
		pr.Results = s.runPhase(ctx, r, phase)
		pr.Duration = s.now().Sub(phaseStart)

		switch {
		case pr.Failed() && phase.Blocking:
			s.transitionPhase(&pr, model.PhaseStatusBlockedFailed)
			halted = phase.Name
		case pr.Failed():
			s.transitionPhase(&pr, model.PhaseStatusFailed)
		default:
			s.transitionPhase(&pr, model.PhaseStatusSucceeded)
		}
		report.Phases = append(report.Phases, pr)
	}

	report.Stats = computeStats(ordered, report.Phases, s.now().Sub(start))
	s.logger.Infof("run_finished run_id=%s success=%t completed=%d failed=%d skipped=%d elapsed=%s estimated_time_saved=%s",
		r.id, report.Success(), report.Stats.Completed, report.Stats.Failed, report.Stats.Skipped,
		report.Stats.Elapsed, report.Stats.EstimatedTimeSaved)
	return report, nil
}

func (s *Scheduler) runPhase(ctx context.Context, r *run, phase model.Phase) []model.ExecutionResult {
	ctx, span := s.tracer.Start(ctx, "scheduler.phase", trace.WithAttributes(telemetry.Phase(phase.Name)))
	defer span.End()

	results := make([]model.ExecutionResult, len(phase.Tasks))
	var parallel, sequential []int
	for i, t := range phase.Tasks {
		if t.IsCompleted && !s.validateAll {
			results[i] = s.skip(t)
			r.satisfied[t.ID] = true
			continue
		}
		if t.IsParallel {
			parallel = append(parallel, i)
		} else {
			sequential = append(sequential, i)
		}
	}

	// Dependencies are resolved before fan-out so goroutines only read r.
	pre := make(map[int]string, len(parallel))
	for _, i := range parallel {
		pre[i] = r.unmet(phase.Tasks[i])
	}
	for _, i := range parallel {
		r.attempted[phase.Tasks[i].ID] = true
	}
	g := new(errgroup.Group)
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for _, i := range parallel {
		i := i
		g.Go(func() error {
			results[i] = s.runTask(ctx, r.id, phase.Tasks[i], pre[i])
			return nil
		})
	}
	_ = g.Wait()
	for _, i := range parallel {
		r.satisfied[phase.Tasks[i].ID] = results[i].Success
	}

	stoppedBy := ""
	for _, i := range sequential {
		t := phase.Tasks[i]
		r.attempted[t.ID] = true
		if stoppedBy != "" {
			results[i] = s.notRun(t, fmt.Sprintf("not run: sequential task %s failed", stoppedBy))
			continue
		}
		results[i] = s.runTask(ctx, r.id, t, r.unmet(t))
		r.satisfied[t.ID] = results[i].Success
		if !results[i].Success {
			stoppedBy = t.ID
		}
	}
	return results
}

// unmet names the first dependency that has not succeeded, with the reason.
func (r *run) unmet(t model.Task) string {
	for _, dep := range t.Dependencies {
		if r.satisfied[dep] {
			continue
		}
		if r.attempted[dep] {
			return fmt.Sprintf("dependency %s failed", dep)
		}
		return fmt.Sprintf("dependency %s was not executed", dep)
	}
	return ""
}

func (s *Scheduler) runTask(ctx context.Context, runID string, t model.Task, unmet string) model.ExecutionResult {
	ctx, span := s.tracer.Start(ctx, "scheduler.task", trace.WithAttributes(
		telemetry.TaskID(t.ID), telemetry.Phase(t.Phase), telemetry.Parallel(t.IsParallel)))

	s.bus.Publish(events.EventTaskStarted, map[string]any{
		"run_id": runID, "task_id": t.ID, "phase": t.Phase, "parallel": t.IsParallel,
	})

	res := model.ExecutionResult{TaskID: t.ID, IsParallel: t.IsParallel, Status: model.TaskStatusPending, StartedAt: s.now()}
	if unmet != "" {
		s.transitionTask(&res, model.TaskStatusFailed)
		res.Error = unmet
	} else {
		s.transitionTask(&res, model.TaskStatusRunning)
		s.attempt(ctx, t, &res)
	}
	res.FinishedAt = s.now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)

	if s.recorder != nil {
		path, err := s.recorder.Record(res)
		if err != nil {
			s.logger.Errorf("evidence_write_failed task_id=%s error=%v", t.ID, err)
		} else {
			res.EvidencePath = path
		}
	}

	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	telemetry.End(span, spanErr)

	s.bus.Publish(events.EventTaskCompleted, map[string]any{
		"run_id": runID, "task_id": t.ID, "phase": t.Phase, "success": res.Success,
		"duration_ms": res.Duration.Milliseconds(), "error": res.Error,
	})
	if res.Success {
		s.logger.Infof("task_completed task_id=%s parallel=%t duration=%s", t.ID, t.IsParallel, res.Duration)
	} else {
		s.logger.Warnf("task_failed task_id=%s parallel=%t duration=%s error=%q", t.ID, t.IsParallel, res.Duration, res.Error)
	}
	return res
}

// attempt executes t and fills res. A panic anywhere in execution is
// captured as a task failure.
func (s *Scheduler) attempt(ctx context.Context, t model.Task, res *model.ExecutionResult) {
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
			if res.Status == model.TaskStatusRunning {
				s.transitionTask(res, model.TaskStatusFailed)
			}
		}
	}()

	if !t.HasCommand() {
		res.Output = ""
		res.Success = true
		s.transitionTask(res, model.TaskStatusSucceeded)
		return
	}

	out, err := s.runner.Run(ctx, sandbox.Invocation{
		Program: t.Program,
		Args:    t.Args,
		Dir:     s.workDir,
		Timeout: s.timeout,
	})
	res.Output = out.Stdout
	if err != nil {
		res.Error = err.Error()
		s.transitionTask(res, model.TaskStatusFailed)
		return
	}
	res.Success = true
	s.transitionTask(res, model.TaskStatusSucceeded)
}

func (s *Scheduler) skip(t model.Task) model.ExecutionResult {
	now := s.now()
	res := model.ExecutionResult{TaskID: t.ID, IsParallel: t.IsParallel, Status: model.TaskStatusPending, Success: true, StartedAt: now, FinishedAt: now}
	s.transitionTask(&res, model.TaskStatusSkipped)
	s.logger.Debugf("task_skipped task_id=%s reason=completed", t.ID)
	return res
}

func (s *Scheduler) notRun(t model.Task, reason string) model.ExecutionResult {
	now := s.now()
	res := model.ExecutionResult{TaskID: t.ID, IsParallel: t.IsParallel, Status: model.TaskStatusPending, Error: reason, StartedAt: now, FinishedAt: now}
	s.transitionTask(&res, model.TaskStatusSkipped)
	s.logger.Infof("task_not_run task_id=%s reason=%q", t.ID, reason)
	return res
}

func (s *Scheduler) transitionTask(res *model.ExecutionResult, to model.TaskStatus) {
	if err := model.ValidateTaskTransition(res.Status, to); err != nil {
		s.logger.Errorf("task_transition task_id=%s error=%v", res.TaskID, err)
	}
	res.Status = to
}

func (s *Scheduler) transitionPhase(pr *model.PhaseResult, to model.PhaseStatus) {
	from := pr.Status
	if err := model.ValidatePhaseTransition(from, to); err != nil {
		s.logger.Errorf("phase_transition phase=%q error=%v", pr.Name, err)
	}
	pr.Status = to
	s.bus.Publish(events.EventPhaseTransition, map[string]any{
		"phase": pr.Name, "from": string(from), "to": string(to), "blocking": pr.Blocking,
	})
	s.logger.Infof("phase_transition phase=%q from=%s to=%s", pr.Name, from, to)
}

// computeStats aggregates counts over every parsed task. EstimatedTimeSaved
// is Σ(executed parallel task durations) − elapsed, floored at zero.
func computeStats(phases []model.Phase, results []model.PhaseResult, elapsed time.Duration) model.Stats {
	st := model.Stats{Total: CountTasks(phases), Elapsed: elapsed}
	for _, p := range phases {
		for _, t := range p.Tasks {
			if t.IsParallel {
				st.Parallel++
			}
		}
	}
	st.Sequential = st.Total - st.Parallel

	var parallelSum time.Duration
	for _, pr := range results {
		for _, r := range pr.Results {
			switch r.Status {
			case model.TaskStatusSucceeded:
				st.Completed++
			case model.TaskStatusFailed:
				st.Failed++
			case model.TaskStatusSkipped:
				st.Skipped++
				if r.Success {
					st.Completed++
				}
			}
			if r.IsParallel && (r.Status == model.TaskStatusSucceeded || r.Status == model.TaskStatusFailed) {
				parallelSum += r.Duration
			}
		}
	}
	if saved := parallelSum - elapsed; saved > 0 {
		st.EstimatedTimeSaved = saved
	}
	return st
}

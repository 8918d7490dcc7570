package quality

import (
	"context"
	"fmt"
	"time"

	"github.com/msageha/taskexec/internal/logging"
	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/sandbox"
)

// CommandRunner is satisfied by *sandbox.Sandbox.
type CommandRunner interface {
	Run(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error)
}

// InvocationBuilder turns a gate's exec into a sandbox invocation with the
// run's working directory, environment and timeout.
type InvocationBuilder func(model.Command) sandbox.Invocation

// GateResult records the evaluation of one gate.
type GateResult struct {
	GateID   string
	Kind     string
	Passed   bool
	Duration time.Duration
	Output   string
	Err      error
}

// Evaluator checks contract gates in declaration order.
type Evaluator struct {
	runner   CommandRunner
	build    InvocationBuilder
	approval func() error
	logger   *logging.Logger
}

type EvaluatorOption func(*Evaluator)

// WithApprovalCheck re-verifies the human approval when a HumanReview gate is evaluated.
func WithApprovalCheck(check func() error) EvaluatorOption {
	return func(e *Evaluator) { e.approval = check }
}

func WithEvaluatorLogger(l *logging.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = l.With("quality") }
}

func NewEvaluator(runner CommandRunner, build InvocationBuilder, opts ...EvaluatorOption) *Evaluator {
	if build == nil {
		build = func(c model.Command) sandbox.Invocation {
			return sandbox.Invocation{Program: c.Program, Args: c.Args}
		}
	}
	e := &Evaluator{runner: runner, build: build}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate stops at the first failing gate and returns a *model.GateFailedError.
// Results of the gates evaluated so far are returned either way.
func (e *Evaluator) Evaluate(ctx context.Context, gates []model.Gate) ([]GateResult, error) {
	results := make([]GateResult, 0, len(gates))
	for _, g := range gates {
		res := e.evaluateGate(ctx, g)
		results = append(results, res)
		if !res.Passed {
			e.logger.Warnf("gate_failed gate=%s kind=%s error=%v", g.ID, res.Kind, res.Err)
			return results, &model.GateFailedError{GateID: g.ID, Err: res.Err}
		}
		e.logger.Infof("gate_passed gate=%s kind=%s duration=%s", g.ID, res.Kind, res.Duration)
	}
	return results, nil
}

func (e *Evaluator) evaluateGate(ctx context.Context, g model.Gate) GateResult {
	start := time.Now()
	res := GateResult{GateID: g.ID, Kind: model.KindName(g.Kind)}

	switch k := g.Kind.(type) {
	case model.HumanReview:
		if e.approval != nil {
			res.Err = e.approval()
		}
	case model.CommandCheck:
		out, err := e.runner.Run(ctx, e.build(k.Exec))
		res.Output = out.Stdout
		res.Err = err
	default:
		res.Err = fmt.Errorf("unsupported gate kind %T", g.Kind)
	}

	res.Passed = res.Err == nil
	res.Duration = time.Since(start)
	return res
}

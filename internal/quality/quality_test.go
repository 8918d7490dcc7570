package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/taskexec/internal/model"
	"github.com/msageha/taskexec/internal/sandbox"
)

func contractWithCosts(budget float64, hard bool, costs ...float64) *model.Contract {
	c := &model.Contract{TaskID: "T-1", Title: "budget", Telemetry: model.Telemetry{CostBudgetUSD: budget, CostHardLimit: hard}}
	for i, cost := range costs {
		c.Commands = append(c.Commands, model.Command{ID: string(rune('a' + i)), Program: "echo", CostEstimate: cost})
	}
	return c
}

func TestCheckBudget(t *testing.T) {
	tests := []struct {
		name     string
		contract *model.Contract
		wantErr  bool
		wantWarn bool
	}{
		{"disabled", contractWithCosts(0, true, 100), false, false},
		{"under threshold", contractWithCosts(10, true, 2, 3), false, false},
		{"at warn threshold", contractWithCosts(10, true, 8), false, true},
		{"hard limit exceeded", contractWithCosts(10, true, 5, 10), true, false},
		{"soft limit exceeded warns", contractWithCosts(10, false, 5, 10), false, true},
		{"exactly at budget", contractWithCosts(10, true, 10), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := CheckBudget(tt.contract)
			if tt.wantErr {
				var be *model.BudgetExceededError
				require.True(t, errors.As(err, &be))
				assert.Equal(t, 15.0, be.Estimate)
				assert.Equal(t, 10.0, be.Budget)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantWarn, d.Warning != "")
		})
	}
}

func TestCheckBudget_CustomThreshold(t *testing.T) {
	c := contractWithCosts(10, false, 5)
	c.Telemetry.CostWarnThreshold = 0.5

	d, err := CheckBudget(c)
	require.NoError(t, err)
	assert.Equal(t, 0.5, d.Threshold)
	assert.NotEmpty(t, d.Warning)
}

type fakeRunner struct {
	calls []sandbox.Invocation
	fail  map[string]error
}

func (f *fakeRunner) Run(_ context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	f.calls = append(f.calls, inv)
	if err := f.fail[inv.Program]; err != nil {
		return sandbox.Result{ExitCode: 1}, err
	}
	return sandbox.Result{Stdout: "ok"}, nil
}

func TestEvaluator_AllPass(t *testing.T) {
	runner := &fakeRunner{}
	approved := 0
	e := NewEvaluator(runner, func(c model.Command) sandbox.Invocation {
		return sandbox.Invocation{Program: c.Program, Args: c.Args, Dir: "/work"}
	}, WithApprovalCheck(func() error { approved++; return nil }))

	results, err := e.Evaluate(context.Background(), []model.Gate{
		{ID: "review", Kind: model.HumanReview{}},
		{ID: "types", Kind: model.CommandCheck{Exec: model.Command{Program: "mypy", Args: []string{"src"}}}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	assert.Equal(t, model.GateKindHumanReview, results[0].Kind)
	assert.Equal(t, "ok", results[1].Output)
	assert.Equal(t, 1, approved)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, "/work", runner.calls[0].Dir)
}

func TestEvaluator_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("exit 1")
	runner := &fakeRunner{fail: map[string]error{"mypy": boom}}
	e := NewEvaluator(runner, nil)

	results, err := e.Evaluate(context.Background(), []model.Gate{
		{ID: "types", Kind: model.CommandCheck{Exec: model.Command{Program: "mypy"}}},
		{ID: "lint", Kind: model.CommandCheck{Exec: model.Command{Program: "ruff"}}},
	})
	require.Error(t, err)

	var gf *model.GateFailedError
	require.True(t, errors.As(err, &gf))
	assert.Equal(t, "types", gf.GateID)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, results, 1)
	assert.Len(t, runner.calls, 1)
}

func TestEvaluator_HumanReviewRecheckFails(t *testing.T) {
	e := NewEvaluator(&fakeRunner{}, nil, WithApprovalCheck(func() error {
		return model.NewSecurityError(model.ErrPlanHashMismatch, "changed")
	}))

	_, err := e.Evaluate(context.Background(), []model.Gate{{ID: "review", Kind: model.HumanReview{}}})
	assert.ErrorIs(t, err, model.ErrPlanHashMismatch)
}

func TestEvaluator_NilKind(t *testing.T) {
	e := NewEvaluator(&fakeRunner{}, nil)
	_, err := e.Evaluate(context.Background(), []model.Gate{{ID: "broken"}})
	assert.Error(t, err)
}

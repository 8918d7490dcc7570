// Package quality implements the pre-execution budget gate and the
// post-execution evaluation of contract gates.
package quality

import (
	"fmt"

	"github.com/msageha/taskexec/internal/model"
)

// BudgetDecision is the outcome of CheckBudget. Warning is non-empty when the
// estimate crosses the warn threshold without aborting the run.
type BudgetDecision struct {
	Estimate  float64
	Budget    float64
	Threshold float64
	Enabled   bool
	Warning   string
}

// CheckBudget sums command cost estimates against the contract's budget.
// A zero budget disables the gate. Only a hard limit turns an overrun into
// a *model.BudgetExceededError.
func CheckBudget(c *model.Contract) (BudgetDecision, error) {
	t := c.Telemetry
	d := BudgetDecision{
		Estimate:  c.EstimatedCost(),
		Budget:    t.CostBudgetUSD,
		Threshold: t.WarnThreshold(),
		Enabled:   t.CostBudgetUSD > 0,
	}
	if !d.Enabled {
		return d, nil
	}
	if t.CostHardLimit && d.Estimate > d.Budget {
		return d, &model.BudgetExceededError{Estimate: d.Estimate, Budget: d.Budget}
	}
	if d.Estimate >= d.Budget*d.Threshold {
		d.Warning = fmt.Sprintf("estimated cost $%.2f is %.0f%% of budget $%.2f",
			d.Estimate, 100*d.Estimate/d.Budget, d.Budget)
	}
	return d, nil
}

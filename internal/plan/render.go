package plan

import (
	"fmt"
	"io"
	"strings"

	"github.com/msageha/taskexec/internal/model"
)

// Render writes the reviewer-facing plan. The last lines carry the hash and
// the approval instruction.
func Render(w io.Writer, c model.Contract, hash, approvalPath string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for %s: %s\n", c.TaskID, c.Title)

	b.WriteString("\nCommands:\n")
	for i, cmd := range c.Commands {
		fmt.Fprintf(&b, "  %d. [%s] %s\n", i+1, cmd.ID, cmd.Rendered())
		if cmd.Description != "" {
			fmt.Fprintf(&b, "       %s\n", cmd.Description)
		}
	}

	b.WriteString("\nGates:\n")
	for _, g := range c.Gates {
		switch k := g.Kind.(type) {
		case model.HumanReview:
			fmt.Fprintf(&b, "  - %s: human review\n", g.ID)
		case model.CommandCheck:
			fmt.Fprintf(&b, "  - %s: %s\n", g.ID, k.Exec.Rendered())
		default:
			fmt.Fprintf(&b, "  - %s: %s\n", g.ID, model.KindName(g.Kind))
		}
	}

	if len(c.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, ac := range c.AcceptanceCriteria {
			fmt.Fprintf(&b, "  - %s\n", ac)
		}
	}
	writeList(&b, "Locks", c.Locks)
	if len(c.PortsShouldBeFree) > 0 {
		ports := make([]string, len(c.PortsShouldBeFree))
		for i, p := range c.PortsShouldBeFree {
			ports[i] = fmt.Sprint(p)
		}
		writeList(&b, "Ports that must be free", ports)
	}
	writeList(&b, "Secrets required", c.SecretsRequired)
	writeList(&b, "Evidence", c.Evidence)

	if t := c.Telemetry; t.CostBudgetUSD > 0 {
		mode := "soft"
		if t.CostHardLimit {
			mode = "hard"
		}
		fmt.Fprintf(&b, "\nBudget: estimated $%.2f of $%.2f (%s limit, warn at %.0f%%)\n",
			c.EstimatedCost(), t.CostBudgetUSD, mode, t.WarnThreshold()*100)
	}

	fmt.Fprintf(&b, "\nPlan hash: %s\n", hash)
	if c.HasHumanReview() {
		fmt.Fprintf(&b, "To approve: echo %s > %s\n", hash, approvalPath)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "  - %s\n", it)
	}
}

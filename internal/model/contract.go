// Package model defines the contract, task, run-state and evidence types shared by the executor packages.
package model

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCostWarnThreshold applies when a contract declares a budget without a warn threshold.
const DefaultCostWarnThreshold = 0.8

// Contract is the declarative unit of work run by the contract runner.
// It is treated as immutable once loaded.
type Contract struct {
	TaskID             string         `yaml:"task_id"`
	Title              string         `yaml:"title"`
	Commands           []Command      `yaml:"commands"`
	Gates              []Gate         `yaml:"gates"`
	AcceptanceCriteria []string       `yaml:"acceptance_criteria,omitempty"`
	SecretsRequired    []string       `yaml:"secrets_required,omitempty"`
	Locks              []string       `yaml:"locks,omitempty"`
	PortsShouldBeFree  []int          `yaml:"ports_should_be_free,omitempty"`
	Evidence           []string       `yaml:"evidence,omitempty"`
	Provenance         map[string]any `yaml:"provenance,omitempty"`
	Telemetry          Telemetry      `yaml:"telemetry,omitempty"`
}

// Command is one program+args invocation. Args are never joined into a shell string.
type Command struct {
	ID           string   `yaml:"id"`
	Program      string   `yaml:"program"`
	Args         []string `yaml:"args,omitempty"`
	Description  string   `yaml:"description,omitempty"`
	CostEstimate float64  `yaml:"cost_estimate,omitempty"`
	TimeoutSec   int      `yaml:"timeout_sec,omitempty"`
}

// Rendered returns the "program arg1 arg2" form used for pattern checks and display.
func (c Command) Rendered() string {
	if len(c.Args) == 0 {
		return c.Program
	}
	return c.Program + " " + strings.Join(c.Args, " ")
}

// Telemetry carries the cost budget settings of a contract.
type Telemetry struct {
	CostBudgetUSD     float64 `yaml:"cost_budget_usd,omitempty"`
	CostWarnThreshold float64 `yaml:"cost_warn_threshold,omitempty"`
	CostHardLimit     bool    `yaml:"cost_hard_limit,omitempty"`
}

// WarnThreshold returns the configured threshold or DefaultCostWarnThreshold.
func (t Telemetry) WarnThreshold() float64 {
	if t.CostWarnThreshold <= 0 {
		return DefaultCostWarnThreshold
	}
	return t.CostWarnThreshold
}

// GateKind is a closed set of gate variants: HumanReview or CommandCheck.
type GateKind interface {
	gateKind() string
}

// HumanReview requires a reviewer-written approval matching the plan hash.
type HumanReview struct{}

// CommandCheck re-runs Exec through the sandbox; a zero exit satisfies the gate.
type CommandCheck struct {
	Exec Command
}

func (HumanReview) gateKind() string  { return GateKindHumanReview }
func (CommandCheck) gateKind() string { return GateKindCommand }

const (
	GateKindHumanReview = "human-review"
	GateKindCommand     = "command"
)

// KindName returns the serialized name of a gate kind.
func KindName(k GateKind) string {
	if k == nil {
		return ""
	}
	return k.gateKind()
}

// Gate is a named precondition for a successful run.
type Gate struct {
	ID          string
	Description string
	Kind        GateKind
}

type gateDocument struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind,omitempty"`
	Type        string   `yaml:"type,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Exec        *Command `yaml:"exec,omitempty"`
}

// UnmarshalYAML decodes `{id, kind: human-review}` or `{id, kind: command, exec: {...}}`.
// `type` is accepted as an alias of `kind`; kind may be omitted when exec is present.
func (g *Gate) UnmarshalYAML(value *yaml.Node) error {
	var doc gateDocument
	if err := value.Decode(&doc); err != nil {
		return err
	}
	kind := strings.ToLower(strings.TrimSpace(doc.Kind))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(doc.Type))
	}

	g.ID = doc.ID
	g.Description = doc.Description
	switch kind {
	case "human-review", "human_review", "humanreview":
		g.Kind = HumanReview{}
	case "command", "command-check", "command_check", "exec", "":
		if doc.Exec == nil {
			return fmt.Errorf("gate %q: kind %q requires exec", doc.ID, GateKindCommand)
		}
		exec := *doc.Exec
		if exec.ID == "" {
			exec.ID = doc.ID
		}
		g.Kind = CommandCheck{Exec: exec}
	default:
		return fmt.Errorf("gate %q: unknown kind %q", doc.ID, kind)
	}
	return nil
}

// MarshalYAML mirrors UnmarshalYAML.
func (g Gate) MarshalYAML() (any, error) {
	doc := gateDocument{ID: g.ID, Kind: KindName(g.Kind), Description: g.Description}
	if cc, ok := g.Kind.(CommandCheck); ok {
		exec := cc.Exec
		doc.Exec = &exec
	}
	return doc, nil
}

// HasHumanReview reports whether any gate requires a human approval.
func (c *Contract) HasHumanReview() bool {
	for _, g := range c.Gates {
		if _, ok := g.Kind.(HumanReview); ok {
			return true
		}
	}
	return false
}

// EstimatedCost sums the cost estimates of all commands.
func (c *Contract) EstimatedCost() float64 {
	var total float64
	for _, cmd := range c.Commands {
		total += cmd.CostEstimate
	}
	return total
}

var requiredContractKeys = []string{"task_id", "title", "commands", "gates"}

// LoadContract reads and validates a contract YAML file.
func LoadContract(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TaskExecutorError{Op: "read contract", Err: err}
	}
	return ParseContract(data)
}

// ParseContract decodes and validates contract YAML.
func ParseContract(data []byte) (*Contract, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &TaskExecutorError{Op: "parse contract", Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}
	var missing []string
	for _, key := range requiredContractKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &TaskExecutorError{Op: "parse contract", Err: fmt.Errorf("%w: missing required field(s): %s", ErrParse, strings.Join(missing, ", "))}
	}

	var c Contract
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, &TaskExecutorError{Op: "parse contract", Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}
	if err := c.Validate(); err != nil {
		return nil, &TaskExecutorError{Op: "validate contract", Err: fmt.Errorf("%w: %v", ErrParse, err)}
	}
	return &c, nil
}

// Validate checks structural invariants that do not depend on the security policy.
func (c *Contract) Validate() error {
	var errs []error
	if err := ValidateName("task_id", c.TaskID); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(c.Title) == "" {
		errs = append(errs, errors.New("title is empty"))
	}

	seen := make(map[string]bool, len(c.Commands))
	for i, cmd := range c.Commands {
		if cmd.ID == "" {
			errs = append(errs, fmt.Errorf("commands[%d]: id is required", i))
		} else if seen[cmd.ID] {
			errs = append(errs, fmt.Errorf("commands[%d]: duplicate id %q", i, cmd.ID))
		}
		seen[cmd.ID] = true
		if strings.TrimSpace(cmd.Program) == "" {
			errs = append(errs, fmt.Errorf("commands[%d]: program is required", i))
		}
		if cmd.CostEstimate < 0 {
			errs = append(errs, fmt.Errorf("commands[%d]: cost_estimate must be >= 0", i))
		}
	}

	gateIDs := make(map[string]bool, len(c.Gates))
	for i, g := range c.Gates {
		if g.ID == "" {
			errs = append(errs, fmt.Errorf("gates[%d]: id is required", i))
		} else if gateIDs[g.ID] {
			errs = append(errs, fmt.Errorf("gates[%d]: duplicate id %q", i, g.ID))
		}
		gateIDs[g.ID] = true
		if g.Kind == nil {
			errs = append(errs, fmt.Errorf("gates[%d]: kind is required", i))
		}
	}

	for _, name := range c.Locks {
		if err := ValidateName("lock name", name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range c.PortsShouldBeFree {
		if p <= 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", p))
		}
	}
	for _, s := range c.SecretsRequired {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, errors.New("secrets_required contains an empty name"))
		}
	}
	if c.Telemetry.CostBudgetUSD < 0 {
		errs = append(errs, errors.New("telemetry.cost_budget_usd must be >= 0"))
	}
	return errors.Join(errs...)
}

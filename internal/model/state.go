package model

import "time"

// RunState is the single mutable record of one contract run, persisted as
// RUNS/<task_id>/.state.json via atomic replace.
type RunState struct {
	TaskID     string     `json:"task_id"`
	RunID      string     `json:"run_id"`
	Status     RunStatus  `json:"status"`
	Step       string     `json:"step"`
	PlanHash   string     `json:"plan_hash,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Provenance links a successful run to its evidence digests. Written once per run.
type Provenance struct {
	TaskID          string            `json:"task_id"`
	RunID           string            `json:"run_id"`
	PlanHash        string            `json:"plan_hash"`
	EvidenceSHA256  map[string]string `json:"evidence_sha256"`
	ExecutedAt      time.Time         `json:"executed_at"`
	ExecutorVersion string            `json:"executor_version"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// Run step names recorded in RunState.Step and the audit trail.
const (
	StepOptimize = "optimize"
	StepBudget   = "budget"
	StepPlan     = "plan"
	StepApproval = "approval"
	StepSecrets  = "secrets"
	StepLocks    = "locks"
	StepPorts    = "ports"
	StepCommands = "commands"
	StepGates    = "gates"
	StepEvidence = "evidence"
	StepComplete = "complete"
)

package model

import (
	"strings"
	"time"
)

// Task is one checklist entry of a phase-grouped task list.
type Task struct {
	ID           string   `json:"id" yaml:"id"`
	Description  string   `json:"description" yaml:"description"`
	Phase        string   `json:"phase" yaml:"phase"`
	IsParallel   bool     `json:"is_parallel" yaml:"parallel"`
	IsCompleted  bool     `json:"is_completed" yaml:"completed"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"depends_on,omitempty"`
	Program      string   `json:"program,omitempty" yaml:"program,omitempty"`
	Args         []string `json:"args,omitempty" yaml:"args,omitempty"`
	Line         int      `json:"line,omitempty" yaml:"-"`
}

// HasCommand reports whether the task declares an executable program.
func (t Task) HasCommand() bool {
	return strings.TrimSpace(t.Program) != ""
}

// Command returns the task's invocation as a contract-style Command.
func (t Task) Command() Command {
	return Command{ID: t.ID, Program: t.Program, Args: t.Args, Description: t.Description}
}

// Phase groups tasks; a blocking phase's failure halts every later phase.
type Phase struct {
	Name     string `json:"name"`
	Tasks    []Task `json:"tasks"`
	Blocking bool   `json:"blocking"`
}

// ExecutionResult is the immutable record of one task attempt.
type ExecutionResult struct {
	TaskID       string        `json:"task_id"`
	Success      bool          `json:"success"`
	Status       TaskStatus    `json:"status"`
	Duration     time.Duration `json:"duration_ns"`
	Output       string        `json:"output"`
	Error        string        `json:"error,omitempty"`
	IsParallel   bool          `json:"is_parallel"`
	EvidencePath string        `json:"evidence_path,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// PhaseResult summarizes one phase of a scheduler run.
type PhaseResult struct {
	Name     string            `json:"name"`
	Blocking bool              `json:"blocking"`
	Status   PhaseStatus       `json:"status"`
	Results  []ExecutionResult `json:"results"`
	Duration time.Duration     `json:"duration_ns"`
}

// Failed reports whether any task in the phase failed.
func (p PhaseResult) Failed() bool {
	for _, r := range p.Results {
		if !r.Success {
			return true
		}
	}
	return false
}

// Stats aggregates task counts and the estimated parallelism gain of a run.
// EstimatedTimeSaved is sum(parallel task durations) minus wall-clock elapsed,
// floored at zero; it is an approximation, not a measurement.
// Completed counts succeeded tasks plus tasks already checked off in the task
// list. Skipped counts tasks that were not executed, so a checked-off task is
// in both Completed and Skipped.
type Stats struct {
	Total              int           `json:"total"`
	Parallel           int           `json:"parallel"`
	Sequential         int           `json:"sequential"`
	Completed          int           `json:"completed"`
	Failed             int           `json:"failed"`
	Skipped            int           `json:"skipped"`
	Elapsed            time.Duration `json:"elapsed_ns"`
	EstimatedTimeSaved time.Duration `json:"estimated_time_saved_ns"`
}

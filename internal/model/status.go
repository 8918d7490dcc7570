package model

import "fmt"

// RunStatus is the lifecycle status of one contract run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// TaskStatus is the lifecycle status of one scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// PhaseStatus is the lifecycle status of one scheduler phase.
type PhaseStatus string

const (
	PhaseStatusPending       PhaseStatus = "pending"
	PhaseStatusRunning       PhaseStatus = "running"
	PhaseStatusSucceeded     PhaseStatus = "succeeded"
	PhaseStatusFailed        PhaseStatus = "failed"
	PhaseStatusBlockedFailed PhaseStatus = "blocked_failed"
	PhaseStatusNotRun        PhaseStatus = "not_run"
)

var terminalRunStatuses = map[RunStatus]bool{
	RunStatusSuccess: true,
	RunStatusFailed:  true,
}

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskStatusSucceeded: true,
	TaskStatusFailed:    true,
	TaskStatusSkipped:   true,
}

var terminalPhaseStatuses = map[PhaseStatus]bool{
	PhaseStatusSucceeded:     true,
	PhaseStatusFailed:        true,
	PhaseStatusBlockedFailed: true,
	PhaseStatusNotRun:        true,
}

// A run is created directly in running; "" models "no state file yet".
var validRunTransitions = map[RunStatus]map[RunStatus]bool{
	"": {
		RunStatusRunning: true,
	},
	RunStatusRunning: {
		RunStatusSuccess: true,
		RunStatusFailed:  true,
	},
}

var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusPending: {
		TaskStatusRunning: true,
		TaskStatusSkipped: true,
		TaskStatusFailed:  true, // dependency failed before start
	},
	TaskStatusRunning: {
		TaskStatusSucceeded: true,
		TaskStatusFailed:    true,
	},
}

var validPhaseTransitions = map[PhaseStatus]map[PhaseStatus]bool{
	PhaseStatusPending: {
		PhaseStatusRunning: true,
		PhaseStatusNotRun:  true,
	},
	PhaseStatusRunning: {
		PhaseStatusSucceeded:     true,
		PhaseStatusFailed:        true,
		PhaseStatusBlockedFailed: true,
	},
}

func IsRunTerminal(s RunStatus) bool {
	return terminalRunStatuses[s]
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsPhaseTerminal(s PhaseStatus) bool {
	return terminalPhaseStatuses[s]
}

func ValidateRunTransition(from, to RunStatus) error {
	if IsRunTerminal(from) {
		return fmt.Errorf("cannot transition from terminal run status %q", from)
	}
	allowed, ok := validRunTransitions[from]
	if !ok {
		return fmt.Errorf("unknown run status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid run transition: %q → %q", from, to)
	}
	return nil
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePhaseTransition(from, to PhaseStatus) error {
	if IsPhaseTerminal(from) {
		return fmt.Errorf("cannot transition from terminal phase status %q", from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}

package model

import (
	"errors"
	"fmt"
)

// Security sentinels. They always reach callers wrapped in a *SecurityError.
var (
	ErrCommandNotAllowed = errors.New("command not allowed")
	ErrDangerousPattern  = errors.New("dangerous pattern")
	ErrLockHeld          = errors.New("lock held")
	ErrPortInUse         = errors.New("port in use")
	ErrMissingSecret     = errors.New("missing secret")
	ErrPlanHashMismatch  = errors.New("plan hash mismatch")
	ErrApprovalMissing   = errors.New("approval missing")
)

// Execution sentinels, wrapped in a *TaskExecutorError.
var (
	ErrCommandFailed  = errors.New("command failed")
	ErrCommandTimeout = errors.New("command timeout")
	ErrParse          = errors.New("parse error")
)

// SecurityError is returned for every fail-closed security check.
type SecurityError struct {
	Reason string
	Err    error
}

func NewSecurityError(err error, format string, args ...any) *SecurityError {
	return &SecurityError{Reason: fmt.Sprintf(format, args...), Err: err}
}

func (e *SecurityError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("security: %v", e.Err)
	}
	return fmt.Sprintf("security: %v: %s", e.Err, e.Reason)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// BudgetExceededError is returned when a hard cost limit would be crossed.
type BudgetExceededError struct {
	Estimate float64
	Budget   float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: estimated $%.2f > budget $%.2f", e.Estimate, e.Budget)
}

// GateFailedError is returned when a declared gate is not satisfied.
type GateFailedError struct {
	GateID string
	Err    error
}

func (e *GateFailedError) Error() string {
	return fmt.Sprintf("gate %s failed: %v", e.GateID, e.Err)
}

func (e *GateFailedError) Unwrap() error { return e.Err }

// TaskExecutorError covers timeouts, failed commands, missing files and parse errors.
type TaskExecutorError struct {
	Op  string
	Err error
}

func (e *TaskExecutorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TaskExecutorError) Unwrap() error { return e.Err }

// IsSecurityError reports whether err carries a *SecurityError anywhere in its chain.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

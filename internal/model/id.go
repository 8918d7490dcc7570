package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	taskTokenRegex = regexp.MustCompile(`^T\d+$`)
	runIDRegex     = regexp.MustCompile(`^run_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	nameRegex      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
)

// NewRunID returns a fresh identifier for one contract or scheduler run.
func NewRunID() string {
	return "run_" + uuid.NewString()
}

func ValidateRunID(id string) bool {
	return runIDRegex.MatchString(id)
}

// IsTaskToken reports whether s has the declared task-id shape (T001, T42, ...).
func IsTaskToken(s string) bool {
	return taskTokenRegex.MatchString(s)
}

// TaskIDFromDescription derives a stable id for checklist lines without a T-token.
func TaskIDFromDescription(description string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(description)))
	return "task-" + hex.EncodeToString(sum[:])[:8]
}

// ValidateName checks that name is usable as a single path segment
// (task ids, lock names, evidence file prefixes).
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s is empty", kind)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("%s %q must not contain '..'", kind, name)
	}
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%s %q contains characters outside [A-Za-z0-9._-]", kind, name)
	}
	return nil
}

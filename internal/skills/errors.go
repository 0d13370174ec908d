package skills

import (
	"errors"
	"fmt"

	"github.com/wardenhq/warden/control-plane/internal/policy"
	"github.com/wardenhq/warden/control-plane/pkg/models"
)

var (
	// ErrApprovalRequired is returned by Execute for a pending_approval execution.
	ErrApprovalRequired = errors.New("execution requires approval before it can run")
	// ErrInvalidTransition is returned when the requested state change is not allowed.
	ErrInvalidTransition = errors.New("invalid execution state transition")
	// ErrUnknownSkill is returned when a skill id is not in the catalog.
	ErrUnknownSkill = errors.New("unknown skill")
	// ErrPolicyViolation is matched by *PolicyViolationError.
	ErrPolicyViolation = errors.New("policy violation")
)

// ValidationError is a malformed target or parameter, rejected before any
// side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SandboxViolation is a template that contains a forbidden pattern.
type SandboxViolation struct {
	Pattern string
}

func (e *SandboxViolation) Error() string {
	return fmt.Sprintf("template rejected: forbidden pattern %q", e.Pattern)
}

// ExecutionError wraps an adapter or runtime failure on one attempt.
type ExecutionError struct {
	Attempt int
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("attempt %d failed: %v", e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PolicyViolationError carries the blocking decision made just before run.
type PolicyViolationError struct {
	Decision policy.Decision
}

func (e *PolicyViolationError) Error() string {
	return "blocked by policy: " + e.Decision.PrimaryReason()
}

func (e *PolicyViolationError) Is(target error) bool { return target == ErrPolicyViolation }

// TransitionError names the state that made a transition invalid.
type TransitionError struct {
	Op     string
	Status models.ExecutionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s execution in status %s", e.Op, e.Status)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

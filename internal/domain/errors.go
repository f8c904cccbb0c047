package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a referenced project, phase, rule or tracking row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a manual advance to a non-adjacent or unknown phase.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrAlreadyInitialized indicates phase tracking already exists for the project.
	ErrAlreadyInitialized = errors.New("phase tracking already initialized")

	// ErrUnknownAction indicates the action key is not part of the project's current phase.
	ErrUnknownAction = errors.New("unknown action for current phase")

	// ErrActionAlreadyCompleted indicates the action was completed before.
	ErrActionAlreadyCompleted = errors.New("action already completed")

	// ErrPhaseCompleted indicates the project already finished its last phase.
	ErrPhaseCompleted = errors.New("project has completed all phases")

	// ErrInvalidInput indicates a request field failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict indicates the target already exists or is in a state that forbids the change.
	ErrConflict = errors.New("conflict")

	// ErrTransientStorage marks retryable storage failures (busy or locked database).
	ErrTransientStorage = errors.New("transient storage error")
)

// RuleConfigError reports a structurally invalid automation rule.
type RuleConfigError struct {
	RuleID string
	Field  string
	Err    error
}

func (e *RuleConfigError) Error() string {
	target := e.RuleID
	if target == "" {
		target = "(new)"
	}
	if e.Field != "" {
		return fmt.Sprintf("rule %s: %s: %v", target, e.Field, e.Err)
	}
	return fmt.Sprintf("rule %s: %v", target, e.Err)
}

func (e *RuleConfigError) Unwrap() error { return e.Err }

// NotificationDispatchError wraps a failed notification delivery. It is logged, never propagated
// as a reason to roll back phase state.
type NotificationDispatchError struct {
	ProjectID string
	Kind      string
	Err       error
}

func (e *NotificationDispatchError) Error() string {
	return fmt.Sprintf("dispatch %s notification for project %s: %v", e.Kind, e.ProjectID, e.Err)
}

func (e *NotificationDispatchError) Unwrap() error { return e.Err }

// IsRuleConfigError reports whether err carries a RuleConfigError.
func IsRuleConfigError(err error) bool {
	var rce *RuleConfigError
	return errors.As(err, &rce)
}

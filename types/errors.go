package types

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed definitions or approval configuration at
// registration/creation time. It never reaches a running instance.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown definition, instance, or approval.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// AuthorizationError reports a decision submitted by a principal that is
// neither a listed approver nor a live delegate of one.
type AuthorizationError struct {
	UserID string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %s not authorized: %s", e.UserID, e.Reason)
}

// ExecutionError wraps a failure thrown by an action handler or condition
// evaluator while executing a step.
type ExecutionError struct {
	StepID string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %s execution failed: %v", e.StepID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// IsAuthorization reports whether err is an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// Package errors defines the error taxonomy of the provisioning pipeline.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryProcess represents failures of external processes (CLI, git, scripts)
	CategoryProcess ErrorCategory = "process"
	// CategoryNotFound represents missing database rows
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryValidation represents naming rule violations
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotReady represents on-chain state that has not settled yet
	CategoryNotReady ErrorCategory = "not_ready"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryQueue represents job queue backend errors
	CategoryQueue ErrorCategory = "queue"
)

// Error codes
const (
	CodeProcessFailed   = "PROCESS_FAILED"
	CodeMalformedOutput = "MALFORMED_OUTPUT"
	CodeNotFound        = "NOT_FOUND"
	CodeValidation      = "VALIDATION_FAILED"
	CodePushFailed      = "PUSH_FAILED"
	CodeNotReady        = "NOT_READY"
	CodeDatabase        = "DATABASE_ERROR"
	CodeQueue           = "QUEUE_ERROR"
)

// CategorizedError represents an error with category and code
type CategorizedError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Details  map[string]interface{}
	Cause    error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ProcessError is returned when an external process exits non-zero.
type ProcessError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ProcessError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[:512] + "..."
	}
	return fmt.Sprintf("%s: %q exited with code %d: %s", CodeProcessFailed, e.Command, e.ExitCode, out)
}

// NewProcessError creates a process error
func NewProcessError(command string, exitCode int, output string) *ProcessError {
	return &ProcessError{Command: command, ExitCode: exitCode, Output: output}
}

// NewMalformedOutputError is returned when CLI stdout is not valid JSON
func NewMalformedOutputError(command string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryProcess,
		Code:     CodeMalformedOutput,
		Message:  fmt.Sprintf("malformed output from %q", command),
		Cause:    cause,
		Details: map[string]interface{}{
			"command": command,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotFound,
		Code:     CodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewValidationError creates a naming rule violation error
func NewValidationError(field, value, reason string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryValidation,
		Code:     CodeValidation,
		Message:  fmt.Sprintf("%s %q: %s", field, value, reason),
		Details: map[string]interface{}{
			"field":  field,
			"value":  value,
			"reason": reason,
		},
	}
}

// PushFailedError is returned when the upload script exits non-zero.
type PushFailedError struct {
	Repository string
	ExitCode   int
}

func (e *PushFailedError) Error() string {
	return fmt.Sprintf("%s: push of %s exited with %d", CodePushFailed, e.Repository, e.ExitCode)
}

// NewPushFailedError creates a push failure error
func NewPushFailedError(repository string, exitCode int) *PushFailedError {
	return &PushFailedError{Repository: repository, ExitCode: exitCode}
}

// NewNotReadyError marks a readiness check whose condition is not met yet
func NewNotReadyError(what, address string) *CategorizedError {
	return &CategorizedError{
		Category: CategoryNotReady,
		Code:     CodeNotReady,
		Message:  fmt.Sprintf("%s not ready: %s", what, address),
		Details: map[string]interface{}{
			"address": address,
		},
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryDatabase,
		Code:     CodeDatabase,
		Message:  fmt.Sprintf("database error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewQueueError creates a queue backend error
func NewQueueError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category: CategoryQueue,
		Code:     CodeQueue,
		Message:  fmt.Sprintf("queue error during %s", operation),
		Cause:    cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

func categoryOf(err error) (ErrorCategory, bool) {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category, true
	}
	return "", false
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNotFound
}

// IsValidation reports whether err is a naming rule violation
func IsValidation(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryValidation
}

// IsNotReady reports whether err only signals unsettled chain state
func IsNotReady(err error) bool {
	c, ok := categoryOf(err)
	return ok && c == CategoryNotReady
}

// IsProcessError reports whether err carries a failed process exit
func IsProcessError(err error) bool {
	var pe *ProcessError
	return stderrors.As(err, &pe)
}

// IsPushFailed reports whether err is an upload script failure
func IsPushFailed(err error) bool {
	var pe *PushFailedError
	return stderrors.As(err, &pe)
}

// IsRetryable determines if retrying the same job can change the outcome.
// Missing rows and invalid names stay that way until an operator fixes the data.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsNotFound(err) && !IsValidation(err)
}

// Is, As and New re-export the standard helpers so callers need one import.
var (
	Is  = stderrors.Is
	As  = stderrors.As
	New = stderrors.New
)

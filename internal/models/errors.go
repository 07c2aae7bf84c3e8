package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the store and services.
var (
	// Admission errors
	ErrNodeBanned  = errors.New("node is banned")
	ErrTrustTooLow = errors.New("node trust score below admission floor")

	// Not-found errors
	ErrTaskNotFound       = errors.New("task not found")
	ErrAssignmentNotFound = errors.New("assignment not found for this node and task")
	ErrCanaryNotFound     = errors.New("canary task not found")
	ErrNodeNotFound       = errors.New("node not found")
	ErrNoTaskAvailable    = errors.New("no task available")

	// Plausibility errors
	ErrExecutionTooFast = errors.New("claimed execution time implausibly fast")
	ErrExecutionTooSlow = errors.New("claimed execution time exceeds plausible maximum")

	// Submission errors
	ErrAlreadySubmitted       = errors.New("assignment already has a completed submission")
	ErrAssignmentTimedOut     = errors.New("assignment slot was released after timing out")
	ErrTaskFinalized          = errors.New("task already finalized")
	ErrInvalidSignature       = errors.New("manifest signature verification failed")
	ErrMissingSignature       = errors.New("manifest signature required but missing")
	ErrCanaryNonDeterministic = errors.New("canary tasks are only defined for deterministic types")

	// Validation errors
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrInvalidTaskData = errors.New("invalid task data")
	ErrInvalidResult   = errors.New("result payload is not well-formed")
)

// Error codes surfaced in API responses.
const (
	ErrCodeTrustTooLow        = "TRUST_TOO_LOW"
	ErrCodeNodeBanned         = "NODE_BANNED"
	ErrCodeNoTaskAvailable    = "NO_TASK_AVAILABLE"
	ErrCodeTaskNotFound       = "TASK_NOT_FOUND"
	ErrCodeAssignmentNotFound = "ASSIGNMENT_NOT_FOUND"
	ErrCodeImplausibleTiming  = "IMPLAUSIBLE_TIMING"
	ErrCodeInvalidSignature   = "INVALID_SIGNATURE"
	ErrCodeAlreadySubmitted   = "ALREADY_SUBMITTED"
	ErrCodeAssignmentTimedOut = "ASSIGNMENT_TIMED_OUT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// GridError is a structured error with a stable code for HTTP mapping and
// optional detail fields. It wraps an underlying cause.
type GridError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *GridError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *GridError) Unwrap() error {
	return e.Cause
}

// NewGridError creates a coded error wrapping cause.
func NewGridError(code, message string, cause error) *GridError {
	return &GridError{Code: code, Message: message, Cause: cause}
}

// WithDetail attaches a detail field to the error and returns it.
func (e *GridError) WithDetail(key string, value interface{}) *GridError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

package service

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies workflow and gateway errors for retry and reporting
// decisions. All kinds are distinct and surfaced on the Result when terminal.
type ErrorKind string

const (
	ErrKindTransport        ErrorKind = "transport"
	ErrKindRateLimit        ErrorKind = "rate_limit"
	ErrKindServerError      ErrorKind = "server_error"
	ErrKindMalformedJSON    ErrorKind = "malformed_tool_json"
	ErrKindTokenLimit       ErrorKind = "token_limit_exceeded"
	ErrKindStructure        ErrorKind = "message_structure_error"
	ErrKindAuthRecovered    ErrorKind = "auth_recovered"
	ErrKindToolFailure      ErrorKind = "tool_failure"
	ErrKindIterationLimit   ErrorKind = "iteration_limit"
	ErrKindSessionBudget    ErrorKind = "session_error_budget"
	ErrKindPrematureStop    ErrorKind = "premature_stop_budget"
	ErrKindMissingAPIKey    ErrorKind = "missing_api_key"
	ErrKindInvalidConfig    ErrorKind = "invalid_config"
	ErrKindNonRetryable     ErrorKind = "non_retryable"
)

// retryBudget returns how many times the loop will retry a given kind.
func retryBudget(kind ErrorKind) int {
	switch kind {
	case ErrKindTransport, ErrKindServerError:
		return 20
	case ErrKindRateLimit, ErrKindMalformedJSON, ErrKindTokenLimit, ErrKindStructure:
		return 3
	case ErrKindAuthRecovered:
		return 3
	default:
		return 0
	}
}

// ClassifiedError is the structured error the gateway returns for a failed
// model request. RetryAfter is only set for rate-limit responses.
type ClassifiedError struct {
	Kind       ErrorKind
	Retryable  bool
	RetryAfter time.Duration
	StatusCode int
	Message    string
	FailedTool string
	Cause      error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap enables errors.Is/errors.As on the cause chain.
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// AsClassified extracts a *ClassifiedError from an error chain, wrapping
// unknown errors as non-retryable transport failures.
func AsClassified(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{
		Kind:      ErrKindTransport,
		Retryable: true,
		Message:   "transport failure",
		Cause:     err,
	}
}

// Result is what ProcessInput returns. Terminal errors carry the kind that
// stopped the loop; tool failures inside a successful run do not.
type Result struct {
	Success       bool
	Content       string
	Error         string
	ErrorKind     ErrorKind
	Iterations    int
	ToolCallsMade []string
}

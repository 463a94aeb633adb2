package provider

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/talon-agent/talon/internal/domain/service"
)

// StatusTransport is the synthetic status attached to network-level
// failures so they flow through the same classification path as HTTP ones.
const StatusTransport = 599

var retryInPattern = regexp.MustCompile(`(?i)retry\s+in\s+(\d+)`)

// malformedToolPatterns mark 400s caused by a broken tool-call argument
// blob rather than our message structure.
var malformedToolPatterns = []string{
	"invalid json",
	"malformed json",
	"failed to parse tool",
	"tool call arguments",
	"invalid function arguments",
	"could not parse arguments",
}

var tokenLimitPatterns = []string{
	"context length",
	"context_length_exceeded",
	"too many tokens",
	"exceeds the limit",
	"exceeds token",
	"maximum context",
	"input too long",
	"prompt is too long",
	"tokens exceed",
}

var structurePatterns = []string{
	"tool_call_id",
	"tool_calls",
	"must be followed by",
	"must be a response to",
	"invalid message",
	"messages with role",
	"message order",
	"alternat",
}

// providerError is the common error envelope shape. Some providers wrap the
// object, some return it bare, some return plain text.
type providerError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
	Message string `json:"message"`
}

// extractErrorMessage pulls the human-readable message from an error body.
func extractErrorMessage(body []byte) string {
	var env providerError
	if err := json.Unmarshal(body, &env); err == nil {
		if env.Error.Message != "" {
			return env.Error.Message
		}
		if env.Message != "" {
			return env.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return msg
}

func matchesAny(msg string, patterns []string) bool {
	lower := strings.ToLower(msg)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Classify maps an HTTP status, response headers, and body to a
// ClassifiedError. authRefreshed reports whether a 401/403 was healed by an
// internal token refresh; those retry immediately.
func Classify(status int, header http.Header, body []byte, authRefreshed bool) *service.ClassifiedError {
	msg := extractErrorMessage(body)

	switch {
	case status == http.StatusTooManyRequests:
		return &service.ClassifiedError{
			Kind:       service.ErrKindRateLimit,
			Retryable:  true,
			StatusCode: status,
			RetryAfter: retryAfterDelay(header, msg),
			Message:    msg,
		}

	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable || status == StatusTransport:
		return &service.ClassifiedError{
			Kind:       service.ErrKindServerError,
			Retryable:  true,
			StatusCode: status,
			RetryAfter: 2 * time.Second,
			Message:    msg,
		}

	case status == http.StatusBadRequest:
		switch {
		case matchesAny(msg, malformedToolPatterns):
			return &service.ClassifiedError{
				Kind:       service.ErrKindMalformedJSON,
				Retryable:  true,
				StatusCode: status,
				Message:    msg,
			}
		case matchesAny(msg, tokenLimitPatterns):
			return &service.ClassifiedError{
				Kind:       service.ErrKindTokenLimit,
				Retryable:  true,
				StatusCode: status,
				Message:    msg,
			}
		case matchesAny(msg, structurePatterns):
			return &service.ClassifiedError{
				Kind:       service.ErrKindStructure,
				Retryable:  true,
				StatusCode: status,
				Message:    msg,
			}
		}
		return &service.ClassifiedError{
			Kind:       service.ErrKindNonRetryable,
			StatusCode: status,
			Message:    msg,
		}

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if authRefreshed {
			return &service.ClassifiedError{
				Kind:       service.ErrKindAuthRecovered,
				Retryable:  true,
				StatusCode: status,
				Message:    msg,
			}
		}
		return &service.ClassifiedError{
			Kind:       service.ErrKindNonRetryable,
			StatusCode: status,
			Message:    msg,
		}

	default:
		if matchesAny(msg, structurePatterns) {
			return &service.ClassifiedError{
				Kind:       service.ErrKindStructure,
				Retryable:  true,
				StatusCode: status,
				Message:    msg,
			}
		}
		return &service.ClassifiedError{
			Kind:       service.ErrKindNonRetryable,
			StatusCode: status,
			Message:    msg,
		}
	}
}

// retryAfterDelay extracts the 429 backoff: Retry-After header, then a
// "retry in N" phrase in the body, then 60 s.
func retryAfterDelay(header http.Header, msg string) time.Duration {
	if ra := header.Get("Retry-After"); ra != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	if m := retryInPattern.FindStringSubmatch(msg); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 60 * time.Second
}

// ClassifyTransport wraps a network-level failure (dial, TLS, reset,
// timeout) as a retryable transport error.
func ClassifyTransport(err error) *service.ClassifiedError {
	return &service.ClassifiedError{
		Kind:       service.ErrKindTransport,
		Retryable:  true,
		StatusCode: StatusTransport,
		Message:    err.Error(),
		Cause:      err,
	}
}

// Package resilience defines the engine's error taxonomy and the retry
// policy helpers built on it. Every failure that crosses a component
// boundary is wrapped in exactly one of these classes; the queue routes
// retries off Retryable and the orchestrator routes field outcomes off the
// concrete type.
package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/lanterna-data/enrich-cli/internal/classify"
	"github.com/lanterna-data/enrich-cli/internal/model"
)

// NetworkError wraps a transport-level failure (timeout, refusal, DNS).
// Retryable.
type NetworkError struct {
	Err    error
	Target string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network (%s): %v", e.Target, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError wraps err as a network failure against target.
func NewNetworkError(err error, target string) *NetworkError {
	return &NetworkError{Err: err, Target: target}
}

// BlockedError marks a request the target refused to serve (captcha, WAF,
// rate limit, challenge page). Retryable, and the carried signature feeds
// the rate governor.
type BlockedError struct {
	Signature classify.Signature
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked (%s): %s", e.Signature.Target, e.Signature.Kind)
}

// NewBlockedError wraps a block signature as an error.
func NewBlockedError(sig classify.Signature) *BlockedError {
	return &BlockedError{Signature: sig}
}

// ValidationError marks malformed input or an external response that failed
// shape validation. Permanent: retrying cannot help.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError wraps err as a permanent validation failure.
func NewValidationError(err error) *ValidationError {
	return &ValidationError{Err: err}
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// BudgetExceededError reports that a field's resolution budget ran out. It
// terminates the field, never the job.
type BudgetExceededError struct {
	Field   model.FieldKey
	Budget  time.Duration
	Elapsed time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s: %s elapsed of %s", e.Field, e.Elapsed.Round(time.Millisecond), e.Budget)
}

// LogicError marks an internal invariant breach. Never swallowed, never
// retried; the job dead-letters on first occurrence.
type LogicError struct {
	Err error
}

func (e *LogicError) Error() string { return "logic: " + e.Err.Error() }
func (e *LogicError) Unwrap() error { return e.Err }

// Logicf builds a LogicError from a format string.
func Logicf(format string, args ...any) *LogicError {
	return &LogicError{Err: fmt.Errorf(format, args...)}
}

// Retryable reports whether the error (or any error in its chain) is worth
// another attempt. Validation, budget, and logic failures are permanent;
// blocked and network failures are not. Unwrapped transport errors are
// matched by type, syscall, and message heuristics.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var le *LogicError
	if errors.As(err, &le) {
		return false
	}
	var be *BudgetExceededError
	if errors.As(err, &be) {
		return false
	}

	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var bl *BlockedError
	if errors.As(err, &bl) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ErrorClass names the taxonomy class of err for logs and attempt history.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var (
		ne *NetworkError
		bl *BlockedError
		ve *ValidationError
		be *BudgetExceededError
		le *LogicError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &le):
		return "logic"
	case errors.As(err, &be):
		return "budget"
	case errors.As(err, &bl):
		return "blocked"
	case errors.As(err, &ne):
		return "network"
	default:
		return "unknown"
	}
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}

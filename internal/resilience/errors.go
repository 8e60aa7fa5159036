package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (network timeout,
// connection reset, interrupted stream). Transient failures count toward a
// document's retry threshold.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// FatalError wraps an upstream-model error that must never be auto-retried:
// quota exhaustion, auth failure, malformed request, or an upstream server
// failure. StatusCode is the HTTP status when known.
type FatalError struct {
	Err        error
	StatusCode int
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal with an optional HTTP status code.
func NewFatalError(err error, statusCode int) *FatalError {
	return &FatalError{Err: err, StatusCode: statusCode}
}

// fatalPatterns are text indicators of quota, auth, bad-request, and
// upstream-server failures in wrapped gateway errors.
var fatalPatterns = []string{
	"quota",
	"credit balance",
	"rate limit",
	"rate_limit",
	"invalid x-api-key",
	"authentication",
	"unauthorized",
	"permission",
	"forbidden",
	"invalid_request",
	"bad request",
	"not_found_error",
	"request too large",
	"internal server error",
	"overloaded",
	"api_error",
	"service unavailable",
	"bad gateway",
}

// IsFatal returns true if the error (or any error in its chain) is a
// FatalError, or if its text matches a quota/auth/bad-request/upstream-server
// indicator.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range fatalPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// FatalStatus returns true if the HTTP status code classifies as fatal:
// bad request, auth, quota, or any upstream server failure.
func FatalStatus(statusCode int) bool {
	switch statusCode {
	case 400, 401, 403, 404, 413, 422, 429:
		return true
	}
	return statusCode >= 500
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or if it matches common transient network patterns. Fatal
// errors are never transient, whatever their text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if IsFatal(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// Network-level transient errors.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection reset / refused / DNS.
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
		"unexpected eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

package detect

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies a failed detection request. The stream loop
// branches on the kind, never on the underlying error.
type FailureKind int

const (
	// KindTimeout means the request deadline expired before a response
	// arrived. Counted toward connection loss.
	KindTimeout FailureKind = iota
	// KindNetwork covers transport-level failures (refused, reset, DNS).
	// Counted toward connection loss.
	KindNetwork
	// KindHTTP means the service answered with a non-2xx status.
	// Counted toward connection loss.
	KindHTTP
	// KindDecode means a 2xx response carried an unusable body. Treated
	// as a transient payload problem, not a connectivity failure.
	KindDecode
)

// String returns the kind's name for logs and metrics labels.
func (k FailureKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a classified detection request failure.
type Error struct {
	Kind   FailureKind
	Status int // HTTP status for KindHTTP, 0 otherwise
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		return fmt.Sprintf("detect: server returned status %d", e.Status)
	default:
		return fmt.Sprintf("detect: %s: %v", e.Kind, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure counts toward connection loss.
// Decode failures are skips: the link is up, the payload was bad.
func (e *Error) Retryable() bool {
	return e.Kind != KindDecode
}

// AsError extracts a classified *Error from err, or nil.
func AsError(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return nil
}

func classifyTransport(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

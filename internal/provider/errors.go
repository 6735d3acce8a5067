// internal/provider/errors.go
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind partitions provider failures by how the engine should react.
type Kind string

const (
	// KindTransient failures are worth retrying in place with backoff.
	KindTransient Kind = "transient"

	// KindStrategic failures mean the approach was wrong; the next
	// attempt needs a different plan.
	KindStrategic Kind = "strategic"

	// KindFatal failures end the task immediately.
	KindFatal Kind = "fatal"
)

// Error is a classified provider failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s provider error: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s provider error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Transient builds a transient error.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransient, Message: message, Cause: cause}
}

// Strategic builds a strategic error.
func Strategic(message string, cause error) *Error {
	return &Error{Kind: KindStrategic, Message: message, Cause: cause}
}

// Fatal builds a fatal error.
func Fatal(message string, cause error) *Error {
	return &Error{Kind: KindFatal, Message: message, Cause: cause}
}

// transientMarkers are the substrings that mark an unstructured error
// as infrastructure trouble rather than a wrong approach.
var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"service unavailable",
	"rate limit",
	"too many requests",
	"resource lock",
	"lock held",
	"429",
	"503",
}

// Classify maps any provider failure onto the closed taxonomy. Typed
// errors keep their kind; context timeouts are transient; everything
// unrecognized is strategic, which is the safe default because a
// strategic retry re-plans instead of hammering the same call.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}

	text := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return KindTransient
		}
	}
	return KindStrategic
}

package neighbour

import (
	"github.com/gravitational/trace"
)

// Sentinel-ish predicates built on top of trace's classified errors, so
// callers outside this package can branch on error kind without importing
// trace themselves.

// IsResourceExhausted reports whether err represents a table at capacity
// whose garbage collector could not free enough entries to admit a new one.
func IsResourceExhausted(err error) bool {
	return trace.IsLimitExceeded(err)
}

// IsRefused reports whether err represents an administrative update that
// was refused (PERMANENT/NOARP overwrite without the admin flag, or a
// locktime-guarded override).
func IsRefused(err error) bool {
	return trace.IsAccessDenied(err)
}

// IsNotFound reports whether err represents a lookup miss.
func IsNotFound(err error) bool {
	return trace.IsNotFound(err)
}

func errResourceExhausted(format string, args ...interface{}) error {
	return trace.LimitExceeded(format, args...)
}

func errRefused(format string, args ...interface{}) error {
	return trace.AccessDenied(format, args...)
}

func errNotFound(format string, args ...interface{}) error {
	return trace.NotFound(format, args...)
}

func errBadParameter(format string, args ...interface{}) error {
	return trace.BadParameter(format, args...)
}

func errInterfaceDown(format string, args ...interface{}) error {
	return trace.ConnectionProblem(nil, format, args...)
}

// IsInterfaceDown reports whether err represents a transmit attempt against
// an interface that has gone down (ENETDOWN).
func IsInterfaceDown(err error) bool {
	return trace.IsConnectionProblem(err)
}

package store

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Error class constants for persistence failure classification.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassConflict   = "conflict"
	ErrorClassInvalid    = "invalid_document"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a store error to one of the defined error classes so
// failure logs and counters carry a stable category.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	switch {
	case errors.Is(err, ErrConflict):
		return ErrorClassConflict
	case errors.Is(err, ErrInvalidDocument):
		return ErrorClassInvalid
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	// Driver errors often reach here wrapped as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case isConnectionString(msg):
		return ErrorClassConnection
	case isTimeoutString(msg):
		return ErrorClassTimeout
	case isContentionString(msg):
		return ErrorClassContention
	case isConstraintString(msg):
		return ErrorClassConstraint
	}
	return ErrorClassUnknown
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isContentionString(msg string) bool {
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database is locked")
}

func isConstraintString(msg string) bool {
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "violates unique constraint") ||
		strings.Contains(msg, "violates check constraint") ||
		strings.Contains(msg, "duplicate key")
}

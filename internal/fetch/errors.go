package fetch

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError is a failure below HTTP status handling: DNS, connect,
// timeout, reset, or a body read that broke off. Status is set when the
// response line had already arrived.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (HTTP %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TransientError is a failed attempt that the retry loop may repeat.
type TransientError struct {
	URL     string
	Status  int
	Attempt int
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("attempt %d for %s failed: %v", e.Attempt, e.URL, e.Err)
	}
	return fmt.Sprintf("attempt %d for %s failed: HTTP %d", e.Attempt, e.URL, e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError means a URL is given up on: retries were exhausted or the
// status is not retryable.
type TerminalError struct {
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("giving up on %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("giving up on %s after %d attempt(s): HTTP %d", e.URL, e.Attempts, e.Status)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Status
	}
	var term *TerminalError
	if errors.As(err, &term) {
		return term.Status
	}
	return 0
}

// IsRateLimitSignal reports whether a transport error message suggests the
// server is throttling us.
func IsRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "exceed"))
}

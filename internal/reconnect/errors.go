package reconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrClosed is returned by Run when the engine was cancelled.
	ErrClosed = errors.New("reconnect: stream closed")

	// ErrAttemptsExhausted wraps the last failure once the policy gives up.
	ErrAttemptsExhausted = errors.New("reconnect: retry attempts exhausted")

	// ErrStreamEnded is reported when the upstream closes the stream cleanly.
	ErrStreamEnded = errors.New("reconnect: upstream ended the stream")
)

// StatusError is returned by a Connector when the upstream answers with a
// non-success status.
type StatusError struct {
	Code int
	// RetryAfter is the server supplied wait before the next attempt, zero
	// when absent.
	RetryAfter time.Duration
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch {
	case e.Code >= 500:
		return true
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// TerminalError marks an error that must not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so Classify reports it as fatal.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Class is the outcome of classifying a stream failure.
type Class int

const (
	Retryable Class = iota
	Fatal
)

func (c Class) String() string {
	if c == Fatal {
		return "fatal"
	}
	return "retryable"
}

// Classify decides whether a connect or read failure re-enters Connecting.
// Network level failures, server errors and oversized frames are retryable.
// Authentication rejections, other client errors, explicit terminal errors
// and cancellation are fatal.
func Classify(err error) Class {
	if err == nil {
		return Retryable
	}

	var te *TerminalError
	if errors.As(err, &te) {
		return Fatal
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return Fatal
	}

	var se *StatusError
	if errors.As(err, &se) {
		if se.Retryable() {
			return Retryable
		}
		return Fatal
	}

	// Refused, reset, timeouts, EOF, oversized frames and anything else
	// from the transport.
	return Retryable
}

// retryAfter extracts a transport level retry hint from err.
func retryAfter(err error) (time.Duration, bool) {
	var se *StatusError
	if errors.As(err, &se) && se.RetryAfter > 0 {
		return se.RetryAfter, true
	}
	return 0, false
}

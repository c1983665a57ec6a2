package ca

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable matches CA failures caused by the CA itself or the
	// network: transport errors, timeouts, 5xx and 429 responses, and
	// successful statuses with an unusable body.
	ErrUnavailable = errors.New("certificate authority unavailable")

	// ErrRejected matches 4xx responses: the CA understood the request and
	// refused it.
	ErrRejected = errors.New("certificate authority rejected request")
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 4 << 10

// Error is returned for every failed CA call. StatusCode is 0 when no HTTP
// response was received.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("ca %s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("ca %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("ca %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("ca %s: status %d", e.Op, e.StatusCode)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets callers match on ErrUnavailable and ErrRejected.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.StatusCode < http.StatusBadRequest ||
			e.StatusCode >= http.StatusInternalServerError ||
			e.StatusCode == http.StatusTooManyRequests
	case ErrRejected:
		return e.StatusCode >= http.StatusBadRequest &&
			e.StatusCode < http.StatusInternalServerError &&
			e.StatusCode != http.StatusTooManyRequests
	}
	return false
}

// IsUnavailable reports whether err is a CA outage rather than a rejection.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

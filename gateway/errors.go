package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed API call.
type Kind int

const (
	KindUnreachable Kind = iota + 1
	KindNotFound
	KindUnauthorized
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the gateway.
type Error struct {
	Kind    Kind
	Status  int
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or 0 when err did not come from
// the gateway.
func KindOf(err error) Kind {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Kind
	}
	return 0
}

func IsUnreachable(err error) bool  { return KindOf(err) == KindUnreachable }
func IsNotFound(err error) bool     { return KindOf(err) == KindNotFound }
func IsUnauthorized(err error) bool { return KindOf(err) == KindUnauthorized }
func IsRejected(err error) bool     { return KindOf(err) == KindRejected }

// statusKind maps an HTTP status to a Kind. 2xx statuses return 0.
func statusKind(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return 0
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return KindUnreachable
	default:
		return KindRejected
	}
}

func unreachable(op string, err error) *Error {
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

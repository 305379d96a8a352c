package brain

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Match them with errors.Is.
var (
	// ErrUnreachable covers connection failures and timeouts.
	ErrUnreachable = errors.New("brain unreachable")
	// ErrRejected means the API answered with a non-2xx status.
	ErrRejected = errors.New("brain rejected request")
	// ErrMalformedResponse means the body could not be decoded or the
	// reply text was missing or empty.
	ErrMalformedResponse = errors.New("brain response malformed")
)

// Error is returned by every Client call that fails.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// Status is the HTTP status code, when a response was received.
	Status int
	// Body is a truncated excerpt of a rejected response body.
	Body string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error's Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns a short label for logs: "unreachable", "rejected",
// "malformed_response", or "unknown".
func KindOf(err error) string {
	switch {
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	default:
		return "unknown"
	}
}

package voice

import (
	"errors"
	"fmt"
)

// ErrShutdown is returned by controller operations after Shutdown.
var ErrShutdown = errors.New("voice controller shut down")

// ErrorKind classifies session failures.
type ErrorKind string

const (
	KindCapabilityUnavailable ErrorKind = "capability_unavailable"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindTransport             ErrorKind = "transport_error"
	KindRecognition           ErrorKind = "recognition_error"
	KindSynthesis             ErrorKind = "synthesis_error"
)

// Fatal reports whether errors of this kind end the session. Recognition and
// synthesis failures are recovered locally.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindRecognition, KindSynthesis:
		return false
	default:
		return true
	}
}

// SessionError is a classified failure surfaced on the event bus.
type SessionError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func newError(kind ErrorKind, err error, format string, args ...any) *SessionError {
	return &SessionError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *SessionError) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Is matches another SessionError of the same kind, so callers can test
// errors.Is(err, &SessionError{Kind: KindTransport}).
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

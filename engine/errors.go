package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted is returned when a run was cancelled through the abort signal.
	ErrAborted = errors.New("operation aborted by the user")

	// ErrTaskRunning is returned by Task.Start when the task is already running.
	ErrTaskRunning = errors.New("task is already running")
)

// Kind classifies a failed run.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindSink
	KindAborted
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindSink:
		return "sink"
	case KindAborted:
		return "aborted"
	case KindConfig:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error is the error returned by a failed run. Op names the phase that failed
// ("connect", "query", "receive", "write", ...) and Err carries the underlying
// diagnostic message.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrAborted) {
		return KindAborted
	}
	return KindUnknown
}

func transportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

func sinkError(op string, err error) *Error {
	return &Error{Kind: KindSink, Op: op, Err: err}
}

func abortedError(op string) *Error {
	return &Error{Kind: KindAborted, Op: op, Err: ErrAborted}
}

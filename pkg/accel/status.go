package accel

import (
	"errors"
	"fmt"
)

// Status is the closed set of outcomes every runtime operation reports.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotInitialized
	StatusInvalidValue
	StatusAllocFailed
	StatusCopyFailed
	StatusExecFailed
	StatusFreeFailed
	StatusUnknown
)

var statusNames = [...]string{
	StatusSuccess:        "SUCCESS",
	StatusNotInitialized: "NOT_INITIALIZED",
	StatusInvalidValue:   "INVALID_VALUE",
	StatusAllocFailed:    "ALLOC_FAILED",
	StatusCopyFailed:     "COPY_FAILED",
	StatusExecFailed:     "EXEC_FAILED",
	StatusFreeFailed:     "FREE_FAILED",
	StatusUnknown:        "UNKNOWN",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Sentinels for errors.Is. Every error returned by this package matches
// exactly one of them.
var (
	ErrNotInitialized = errors.New("not initialized")
	ErrInvalidValue   = errors.New("invalid value")
	ErrAllocFailed    = errors.New("allocation failed")
	ErrCopyFailed     = errors.New("copy failed")
	ErrExecFailed     = errors.New("execution failed")
	ErrFreeFailed     = errors.New("free failed")
	ErrUnknown        = errors.New("unknown failure")
)

func (s Status) sentinel() error {
	switch s {
	case StatusNotInitialized:
		return ErrNotInitialized
	case StatusInvalidValue:
		return ErrInvalidValue
	case StatusAllocFailed:
		return ErrAllocFailed
	case StatusCopyFailed:
		return ErrCopyFailed
	case StatusExecFailed:
		return ErrExecFailed
	case StatusFreeFailed:
		return ErrFreeFailed
	case StatusSuccess:
		return nil
	default:
		return ErrUnknown
	}
}

// Error carries the status of a failed operation and the underlying cause.
type Error struct {
	Status Status
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("accel: %s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("accel: %s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Status.sentinel()}
	}
	return []error{e.Status.sentinel(), e.Err}
}

func fail(status Status, op string, format string, args ...any) error {
	return &Error{Status: status, Op: op, Err: fmt.Errorf(format, args...)}
}

func wrap(status Status, op string, err error) error {
	return &Error{Status: status, Op: op, Err: err}
}

// StatusOf classifies err. A nil error is StatusSuccess.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	for s := StatusNotInitialized; s < StatusUnknown; s++ {
		if errors.Is(err, s.sentinel()) {
			return s
		}
	}
	return StatusUnknown
}

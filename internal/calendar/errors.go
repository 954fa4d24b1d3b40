package calendar

import (
	"errors"
	"fmt"

	"github.com/agis/calmgr/internal/backend"
)

// Kind classifies facade failures.
type Kind int

const (
	KindNotAuthorized Kind = iota + 1
	KindNotFound
	KindNotRemovable
	KindPersistenceFailure
	KindInvalidArgument
	// KindUnavailable reports a host store that could not be read.
	KindUnavailable
)

var (
	ErrNotAuthorized      = errors.New("not authorized")
	ErrNotFound           = errors.New("not found")
	ErrNotRemovable       = errors.New("not removable")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnavailable        = errors.New("store unavailable")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotAuthorized:
		return ErrNotAuthorized
	case KindNotFound:
		return ErrNotFound
	case KindNotRemovable:
		return ErrNotRemovable
	case KindPersistenceFailure:
		return ErrPersistenceFailure
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}

func (k Kind) String() string {
	if s := k.sentinel(); s != nil {
		return s.Error()
	}
	return "unknown"
}

// Error is returned by every Manager operation that fails. Err carries the
// host diagnostic when there is one.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrNotFound) and friends match on Kind.
func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf returns the Kind of err, or 0 when err is not a facade error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// storeError classifies a failed store mutation.
func storeError(op string, err error) *Error {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	case errors.Is(err, backend.ErrNotRemovable):
		return &Error{Kind: KindNotRemovable, Op: op, Err: err}
	default:
		return &Error{Kind: KindPersistenceFailure, Op: op, Err: err}
	}
}

// readError classifies a failed store read.
func readError(op string, err error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

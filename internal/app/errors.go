package app

import (
	"errors"
	"fmt"

	"github.com/agis/calmgr/internal/calendar"
	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/output"
)

const (
	exitUsage         = 2
	exitNotAuthorized = 3
	exitNotFound      = 4
	exitPersistence   = 5
	exitUnavailable   = 6
)

type AppError struct {
	Code    int
	Err     error
	Printed bool
}

func (e AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e AppError) Unwrap() error { return e.Err }

func Wrap(code int, err error) error {
	if err == nil {
		return nil
	}
	return AppError{Code: code, Err: err}
}

func WrapPrinted(code int, err error) error {
	if err == nil {
		return nil
	}
	return AppError{Code: code, Err: err, Printed: true}
}

func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e AppError
	if errors.As(err, &e) {
		return e.Code
	}
	return 1
}

func failWithHint(printer output.Printer, code contract.ErrorCode, err error, hint string, exitCode int) error {
	if err == nil {
		err = errors.New("unknown error")
	}
	_ = printer.ErrorWithMeta(code, err.Error(), hint, callErrorMeta(err))
	return WrapPrinted(exitCode, err)
}

// classifyError maps a facade error to its wire code and exit status.
func classifyError(err error) (contract.ErrorCode, int) {
	if callErrorMeta(err) != nil {
		return contract.ErrBackendUnavailable, exitUnavailable
	}
	switch calendar.KindOf(err) {
	case calendar.KindNotAuthorized:
		return contract.ErrNotAuthorized, exitNotAuthorized
	case calendar.KindNotFound:
		return contract.ErrNotFound, exitNotFound
	case calendar.KindNotRemovable:
		return contract.ErrNotRemovable, exitPersistence
	case calendar.KindPersistenceFailure:
		return contract.ErrPersistence, exitPersistence
	case calendar.KindInvalidArgument:
		return contract.ErrInvalidArgument, exitUsage
	case calendar.KindUnavailable:
		return contract.ErrBackendUnavailable, exitUnavailable
	default:
		return contract.ErrGeneric, 1
	}
}

// failFacade prints err with a hint chosen from its kind unless hint is set.
func failFacade(printer output.Printer, err error, hint string) error {
	code, exit := classifyError(err)
	if hint == "" {
		hint = hintFor(code)
	}
	return failWithHint(printer, code, err, hint, exit)
}

func hintFor(code contract.ErrorCode) string {
	switch code {
	case contract.ErrNotAuthorized:
		return "Run `calmgr setup --yes` to grant calendar access"
	case contract.ErrNotFound:
		return "Check IDs with `calmgr calendars list` or `calmgr events list --fields id,title,start`"
	case contract.ErrNotRemovable:
		return "Subscribed and birthday calendars cannot be removed"
	case contract.ErrPersistence:
		return "The calendar store rejected the change; re-run with --verbose for details"
	case contract.ErrBackendUnavailable:
		return "Run `calmgr doctor` for remediation"
	default:
		return ""
	}
}

func errorCodeForExit(code int) contract.ErrorCode {
	switch code {
	case exitUsage:
		return contract.ErrInvalidUsage
	case exitNotAuthorized:
		return contract.ErrNotAuthorized
	case exitNotFound:
		return contract.ErrNotFound
	case exitPersistence:
		return contract.ErrPersistence
	case exitUnavailable:
		return contract.ErrBackendUnavailable
	default:
		return contract.ErrGeneric
	}
}

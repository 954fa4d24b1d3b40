package backend

import (
	"context"
	"errors"
	"time"

	"github.com/agis/calmgr/internal/contract"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotRemovable = errors.New("not removable")
	ErrReadOnly     = errors.New("read-only")
	ErrConflict     = errors.New("conflict")
)

type EventFilter struct {
	CalendarIDs []string
	From        time.Time
	To          time.Time
	Limit       int
}

type CalendarCreateInput struct {
	SourceID string
	Title    string
	Color    string
	// MakeDefault records the new calendar as the store default in the same
	// write. Stores without a persisted default ignore it.
	MakeDefault bool
}

// Change identifies which part of the store was modified out-of-band.
type Change int

const (
	ChangeCalendars Change = iota + 1
	ChangeEvents
)

func (c Change) String() string {
	switch c {
	case ChangeCalendars:
		return "calendars"
	case ChangeEvents:
		return "events"
	default:
		return "unknown"
	}
}

// Prompter asks the user whether calendar access may be granted.
type Prompter interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

type PrompterFunc func(ctx context.Context, message string) (bool, error)

func (f PrompterFunc) Confirm(ctx context.Context, message string) (bool, error) {
	return f(ctx, message)
}

// Store is the host event database the facade delegates to.
type Store interface {
	AuthorizationStatus(context.Context) (contract.AuthState, error)
	RequestAccess(context.Context) (bool, error)
	Doctor(context.Context) ([]contract.DoctorCheck, error)

	ListSources(context.Context) ([]contract.Source, error)
	ListCalendars(context.Context) ([]contract.Calendar, error)
	DefaultCalendarID(context.Context) (string, error)
	CreateCalendar(context.Context, CalendarCreateInput) (*contract.Calendar, error)
	RemoveCalendar(context.Context, string) error

	ListEvents(context.Context, EventFilter) ([]contract.Event, error)
	SaveEvent(context.Context, contract.Event) (*contract.Event, error)
	RemoveEvent(context.Context, string) error

	// Watch streams out-of-band changes until ctx is done. The channel is
	// closed when watching stops.
	Watch(context.Context) (<-chan Change, error)
	Close() error
}

package contract

import (
	"fmt"
	"strings"
	"time"
)

const SchemaVersion = "v1"

type ErrorCode string

const (
	ErrGeneric            ErrorCode = "GENERIC_FAILURE"
	ErrInvalidUsage       ErrorCode = "INVALID_USAGE"
	ErrInvalidArgument    ErrorCode = "INVALID_ARGUMENT"
	ErrNotAuthorized      ErrorCode = "NOT_AUTHORIZED"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrNotRemovable       ErrorCode = "NOT_REMOVABLE"
	ErrPersistence        ErrorCode = "PERSISTENCE_FAILURE"
	ErrBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
)

type ErrorEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	Error         ErrorBody      `json:"error"`
	Meta          map[string]any `json:"meta,omitempty"`
}

type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
}

type SuccessEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	Command       string         `json:"command"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Data          any            `json:"data"`
	Meta          map[string]any `json:"meta"`
	Warnings      []string       `json:"warnings"`
}

// SourceKind classifies the account a calendar lives in.
type SourceKind string

const (
	SourceLocal      SourceKind = "local"
	SourceCloud      SourceKind = "cloud"
	SourceSubscribed SourceKind = "subscribed"
	SourceExchange   SourceKind = "exchange"
	SourceBirthdays  SourceKind = "birthdays"
	SourceOther      SourceKind = "other"
)

var sourceKinds = []SourceKind{SourceLocal, SourceCloud, SourceSubscribed, SourceExchange, SourceBirthdays, SourceOther}

// SourceKinds returns every known kind in a stable order.
func SourceKinds() []SourceKind {
	out := make([]SourceKind, len(sourceKinds))
	copy(out, sourceKinds)
	return out
}

func ParseSourceKind(v string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "local":
		return SourceLocal, nil
	case "cloud", "icloud":
		return SourceCloud, nil
	case "subscribed", "caldav":
		return SourceSubscribed, nil
	case "exchange":
		return SourceExchange, nil
	case "birthdays", "birthday":
		return SourceBirthdays, nil
	case "other":
		return SourceOther, nil
	default:
		return "", fmt.Errorf("unknown source kind: %s", v)
	}
}

type Source struct {
	ID    string     `json:"id"`
	Title string     `json:"title"`
	Kind  SourceKind `json:"kind"`
}

type Calendar struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	SourceKind SourceKind `json:"source_kind"`
	Title      string     `json:"title"`
	Color      string     `json:"color"`
	Writable   bool       `json:"writable"`
	Removable  bool       `json:"removable"`
	Default    bool       `json:"default"`
}

// Alarm fires a reminder a number of minutes before the event starts.
type Alarm struct {
	MinutesBefore int `json:"minutes_before"`
}

// Offset is the trigger offset relative to the event start (negative or zero).
func (a Alarm) Offset() time.Duration {
	return -time.Duration(a.MinutesBefore) * time.Minute
}

type Event struct {
	ID            string    `json:"id"`
	CalendarID    string    `json:"calendar_id"`
	CalendarTitle string    `json:"calendar_title"`
	Title         string    `json:"title"`
	Location      string    `json:"location"`
	Notes         string    `json:"notes"`
	URL           string    `json:"url"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	AllDay        bool      `json:"all_day"`
	Recurrence    string    `json:"recurrence,omitempty"`
	Alarms        []Alarm   `json:"alarms,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Intersects reports whether the event interval overlaps [from, to].
func (e Event) Intersects(from, to time.Time) bool {
	end := e.End
	if end.Before(e.Start) {
		end = e.Start
	}
	return !e.Start.After(to) && !end.Before(from)
}

// AuthState is the host authorization state as seen by the facade.
type AuthState string

const (
	AuthUnrequested AuthState = "unrequested"
	AuthPending     AuthState = "pending"
	AuthGranted     AuthState = "granted"
	AuthDenied      AuthState = "denied"
)

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

package calendar

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/agis/calmgr/internal/backend"
	"github.com/agis/calmgr/internal/contract"
)

type EditAction int

const (
	EditCanceled EditAction = iota
	EditSaved
)

func (a EditAction) String() string {
	if a == EditSaved {
		return "saved"
	}
	return "canceled"
}

// EditSession holds an unsaved event while a user completes it. Nothing is
// persisted until Complete is called with EditSaved.
type EditSession struct {
	m *Manager

	mu   sync.Mutex
	ev   contract.Event
	done bool
}

// BeginAddEvent drafts an event in calendarID (or the default calendar) and
// asks the observer to present an editor for it. end before start is left
// for SaveEvent to reject.
func (m *Manager) BeginAddEvent(ctx context.Context, calendarID, title, location string, start, end time.Time, notes string) (*EditSession, error) {
	const op = "begin add event"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	if strings.TrimSpace(calendarID) == "" {
		m.mu.Lock()
		calendarID = m.defaultID
		m.mu.Unlock()
	}
	if calendarID == "" {
		return nil, newError(KindInvalidArgument, op, "no calendar given and no default calendar set")
	}
	cals, err := m.calendars(ctx, op)
	if err != nil {
		return nil, err
	}
	var cal *contract.Calendar
	for i := range cals {
		if cals[i].ID == calendarID {
			cal = &cals[i]
			break
		}
	}
	if cal == nil {
		return nil, &Error{Kind: KindNotFound, Op: op, Err: backend.ErrNotFound}
	}
	s := &EditSession{m: m, ev: contract.Event{
		CalendarID:    cal.ID,
		CalendarTitle: cal.Title,
		Title:         title,
		Location:      location,
		Notes:         notes,
		Start:         start,
		End:           end,
	}}
	m.obs().presentEditor(s)
	return s, nil
}

// Event returns a copy of the draft.
func (s *EditSession) Event() contract.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.ev
	ev.Alarms = append([]contract.Alarm(nil), s.ev.Alarms...)
	return ev
}

func (s *EditSession) edit(fn func(*contract.Event)) {
	s.mu.Lock()
	fn(&s.ev)
	s.mu.Unlock()
}

func (s *EditSession) SetTitle(v string)    { s.edit(func(e *contract.Event) { e.Title = v }) }
func (s *EditSession) SetLocation(v string) { s.edit(func(e *contract.Event) { e.Location = v }) }
func (s *EditSession) SetNotes(v string)    { s.edit(func(e *contract.Event) { e.Notes = v }) }
func (s *EditSession) SetURL(v string)      { s.edit(func(e *contract.Event) { e.URL = v }) }

func (s *EditSession) SetTimes(start, end time.Time, allDay bool) {
	s.edit(func(e *contract.Event) {
		e.Start, e.End, e.AllDay = start, end, allDay
	})
}

// SetRecurrence sets an RRULE for the draft. An invalid rule is rejected
// immediately.
func (s *EditSession) SetRecurrence(rule string) error {
	if err := backend.ValidateRecurrence(rule); err != nil {
		return &Error{Kind: KindInvalidArgument, Op: "set recurrence", Err: err}
	}
	s.edit(func(e *contract.Event) { e.Recurrence = strings.TrimSpace(rule) })
	return nil
}

func (s *EditSession) AddAlarm(a contract.Alarm) {
	s.edit(func(e *contract.Event) { e.Alarms = append(e.Alarms, a) })
}

// Done reports whether the session was completed.
func (s *EditSession) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Complete ends the session. EditSaved persists the draft first; when that
// fails the session stays open so the caller can fix it and retry. The
// observer is asked to dismiss the editor once the session is closed.
func (s *EditSession) Complete(ctx context.Context, action EditAction) error {
	const op = "complete edit"
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return newError(KindInvalidArgument, op, "edit session already completed")
	}
	ev := s.ev
	s.mu.Unlock()

	if action == EditSaved {
		if err := s.m.SaveEvent(ctx, &ev); err != nil {
			return err
		}
	}
	s.mu.Lock()
	if action == EditSaved {
		s.ev = ev
	}
	s.done = true
	s.mu.Unlock()
	s.m.obs().dismissEditor(s, action)
	return nil
}

package calendar

import "github.com/agis/calmgr/internal/contract"

// Observer receives facade notifications. Every slot is optional.
type Observer struct {
	OnCalendarCreated      func(contract.Calendar)
	OnEventCreated         func(contract.Event)
	OnCalendarsInvalidated func()
	OnEventsInvalidated    func()
	OnRequestPresentEditor func(*EditSession)
	OnDismissEditor        func(*EditSession, EditAction)
}

func (o *Observer) calendarCreated(c contract.Calendar) {
	if o != nil && o.OnCalendarCreated != nil {
		o.OnCalendarCreated(c)
	}
}

func (o *Observer) eventCreated(e contract.Event) {
	if o != nil && o.OnEventCreated != nil {
		o.OnEventCreated(e)
	}
}

func (o *Observer) calendarsInvalidated() {
	if o != nil && o.OnCalendarsInvalidated != nil {
		o.OnCalendarsInvalidated()
	}
}

func (o *Observer) eventsInvalidated() {
	if o != nil && o.OnEventsInvalidated != nil {
		o.OnEventsInvalidated()
	}
}

func (o *Observer) presentEditor(s *EditSession) {
	if o != nil && o.OnRequestPresentEditor != nil {
		o.OnRequestPresentEditor(s)
	}
}

func (o *Observer) dismissEditor(s *EditSession, a EditAction) {
	if o != nil && o.OnDismissEditor != nil {
		o.OnDismissEditor(s, a)
	}
}

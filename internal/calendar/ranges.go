package calendar

import "time"

type rangeKind int

const (
	rangeToday rangeKind = iota
	rangeCurrentMonth
	rangeDate
	rangeMonth
	rangeBetween
)

// EventRange selects the window ListEvents queries. Today and CurrentMonth
// are resolved against the clock on every call.
type EventRange struct {
	kind     rangeKind
	at       time.Time
	from, to time.Time
}

func Today() EventRange        { return EventRange{kind: rangeToday} }
func CurrentMonth() EventRange { return EventRange{kind: rangeCurrentMonth} }

// OnDate covers the whole local day containing t.
func OnDate(t time.Time) EventRange { return EventRange{kind: rangeDate, at: t} }

// InMonth covers the whole local month containing t.
func InMonth(t time.Time) EventRange { return EventRange{kind: rangeMonth, at: t} }

// Between covers [from, to] inclusive.
func Between(from, to time.Time) EventRange {
	return EventRange{kind: rangeBetween, from: from, to: to}
}

// Bounds resolves the range to concrete instants.
func (r EventRange) Bounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.Local
	}
	switch r.kind {
	case rangeToday:
		return dayBounds(now.In(loc))
	case rangeCurrentMonth:
		return monthBounds(now.In(loc))
	case rangeDate:
		return dayBounds(r.at.In(loc))
	case rangeMonth:
		return monthBounds(r.at.In(loc))
	default:
		return r.from, r.to
	}
}

func (r EventRange) String() string {
	switch r.kind {
	case rangeToday:
		return "today"
	case rangeCurrentMonth:
		return "current-month"
	case rangeDate:
		return "date"
	case rangeMonth:
		return "month"
	default:
		return "between"
	}
}

func dayBounds(anchor time.Time) (time.Time, time.Time) {
	y, m, d := anchor.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, anchor.Location())
	end := start.AddDate(0, 0, 1).Add(-time.Second)
	return start, end
}

func monthBounds(anchor time.Time) (time.Time, time.Time) {
	y, m, _ := anchor.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, anchor.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Second)
	return start, end
}

// Package timeparse turns the date expressions accepted on the command line
// into instants.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseDateTime accepts today/tomorrow/yesterday/now, a weekday name (the
// next one, today excluded), relative offsets (+3d, -1w, +2h, +30m), a clock
// time (14:30) on today or after a day word ("tomorrow 09:00"), and RFC3339
// or local date/datetime layouts.
func ParseDateTime(input string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	y, m, d := now.In(loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)

	if day, clock, ok := strings.Cut(s, " "); ok && clockRe.MatchString(strings.TrimSpace(clock)) {
		base, err := ParseDateTime(day, now, loc)
		if err != nil {
			return time.Time{}, err
		}
		return atClock(base, strings.TrimSpace(clock), loc)
	}
	if clockRe.MatchString(s) {
		return atClock(today, s, loc)
	}

	switch s {
	case "now":
		return now.In(loc), nil
	case "today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	}
	if wd, ok := weekdays[s]; ok {
		delta := (int(wd) - int(today.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7
		}
		return today.AddDate(0, 0, delta), nil
	}

	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return parseRelative(s, input, now.In(loc), today)
	}

	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, strings.TrimSpace(input), loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported datetime format: %s", input)
}

var clockRe = regexp.MustCompile(`^\d{1,2}:\d{2}$`)

func atClock(day time.Time, clock string, loc *time.Location) (time.Time, error) {
	hh, mm, _ := strings.Cut(clock, ":")
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	if h > 23 || m > 59 {
		return time.Time{}, fmt.Errorf("invalid clock time: %s", clock)
	}
	y, mo, d := day.Date()
	return time.Date(y, mo, d, h, m, 0, 0, loc), nil
}

func parseRelative(s, input string, now, today time.Time) (time.Time, error) {
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	raw := s[1:]
	if len(raw) < 2 {
		return time.Time{}, fmt.Errorf("invalid relative time: %s", input)
	}
	unit := raw[len(raw)-1]
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid relative time: %s", input)
	}
	n *= sign
	switch unit {
	case 'd':
		return today.AddDate(0, 0, n), nil
	case 'w':
		return today.AddDate(0, 0, 7*n), nil
	case 'h':
		return now.Add(time.Duration(n) * time.Hour), nil
	case 'm':
		return now.Add(time.Duration(n) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("invalid relative unit %q in %s", unit, input)
	}
}

// ParseMonth accepts YYYY-MM or anything ParseDateTime accepts and returns
// the first instant of that month.
func ParseMonth(input string, now time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s := strings.TrimSpace(input)
	if s == "" {
		s = "today"
	}
	ts, err := time.ParseInLocation("2006-01", s, loc)
	if err != nil {
		if ts, err = ParseDateTime(s, now, loc); err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(ts.Year(), ts.Month(), 1, 0, 0, 0, 0, loc), nil
}

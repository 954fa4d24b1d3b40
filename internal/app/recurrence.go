package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type repeatSpec struct {
	Frequency string
	Weekdays  []time.Weekday
	Interval  int
	Count     int
}

// repeatRule turns a --repeat value into an RRULE. Raw rules (FREQ=...) pass
// through; shorthand such as "weekly:mon,wed*4" or "every 2 weeks" is
// anchored on start.
func repeatRule(v string, start time.Time) (string, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return "", nil
	}
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, "RRULE:") || strings.HasPrefix(upper, "FREQ=") {
		return strings.TrimPrefix(upper, "RRULE:"), nil
	}
	spec, err := parseRepeatSpec(s, start)
	if err != nil {
		return "", err
	}
	return spec.rule(), nil
}

func parseRepeatSpec(v string, anchor time.Time) (repeatSpec, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	if s == "" {
		return repeatSpec{}, nil
	}
	sp := repeatSpec{Interval: 1}
	if strings.Contains(s, "*") {
		parts := strings.SplitN(s, "*", 2)
		s = strings.TrimSpace(parts[0])
		n, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || n <= 0 {
			return repeatSpec{}, fmt.Errorf("invalid repeat count")
		}
		sp.Count = n
	}
	left := s
	if strings.Contains(s, ":") {
		parts := strings.SplitN(s, ":", 2)
		left = strings.TrimSpace(parts[0])
		if left != "weekly" {
			return repeatSpec{}, fmt.Errorf("weekdays are only valid with weekly")
		}
		ws, err := parseWeekdays(parts[1])
		if err != nil {
			return repeatSpec{}, err
		}
		sp.Weekdays = ws
	}
	if f, n, ok := parseEvery(left); ok {
		left, sp.Interval = f, n
	}
	sp.Frequency = left
	switch sp.Frequency {
	case "daily", "monthly", "yearly":
		return sp, nil
	case "weekly":
		if len(sp.Weekdays) == 0 {
			sp.Weekdays = []time.Weekday{anchor.Weekday()}
		}
		return sp, nil
	default:
		return repeatSpec{}, fmt.Errorf("unsupported --repeat frequency %q", sp.Frequency)
	}
}

// parseEvery reads "every N days|weeks|months|years".
func parseEvery(s string) (string, int, bool) {
	fields := strings.Fields(s)
	if len(fields) != 3 || fields[0] != "every" {
		return "", 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return "", 0, false
	}
	switch strings.TrimSuffix(fields[2], "s") {
	case "day":
		return "daily", n, true
	case "week":
		return "weekly", n, true
	case "month":
		return "monthly", n, true
	case "year":
		return "yearly", n, true
	}
	return "", 0, false
}

func (sp repeatSpec) rule() string {
	parts := []string{"FREQ=" + strings.ToUpper(sp.Frequency)}
	if sp.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(sp.Interval))
	}
	if len(sp.Weekdays) > 0 {
		days := make([]string, 0, len(sp.Weekdays))
		for _, wd := range sp.Weekdays {
			days = append(days, strings.ToUpper(wd.String()[:2]))
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if sp.Count > 0 {
		parts = append(parts, "COUNT="+strconv.Itoa(sp.Count))
	}
	return strings.Join(parts, ";")
}

func parseWeekdays(v string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, 7)
	seen := map[time.Weekday]bool{}
	for _, p := range strings.Split(v, ",") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		wd, err := parseWeekdayToken(p)
		if err != nil {
			return nil, err
		}
		if !seen[wd] {
			out = append(out, wd)
			seen[wd] = true
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("weekly repeat requires weekdays")
	}
	return out, nil
}

func parseWeekdayToken(v string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "mon", "monday":
		return time.Monday, nil
	case "tue", "tues", "tuesday":
		return time.Tuesday, nil
	case "wed", "wednesday":
		return time.Wednesday, nil
	case "thu", "thurs", "thursday":
		return time.Thursday, nil
	case "fri", "friday":
		return time.Friday, nil
	case "sat", "saturday":
		return time.Saturday, nil
	case "sun", "sunday":
		return time.Sunday, nil
	default:
		return time.Sunday, fmt.Errorf("invalid weekday: %s", v)
	}
}

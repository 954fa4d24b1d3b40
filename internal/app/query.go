package app

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/timeparse"
)

type predicate struct {
	field string
	op    string
	value string
}

// parsePredicates reads --where clauses of the form field<op>value.
func parsePredicates(wheres []string) ([]predicate, error) {
	out := make([]predicate, 0, len(wheres))
	ops := []string{"==", "!=", "~", ">=", "<=", ">", "<"}
	for _, w := range wheres {
		s := strings.TrimSpace(w)
		if s == "" {
			continue
		}
		var op string
		idx := -1
		for _, candidate := range ops {
			if i := strings.Index(s, candidate); i > 0 && (idx < 0 || i < idx) {
				op, idx = candidate, i
			}
		}
		if op == "" {
			return nil, fmt.Errorf("invalid where clause: %s", w)
		}
		field := strings.TrimSpace(s[:idx])
		val := strings.Trim(strings.TrimSpace(s[idx+len(op):]), "\"")
		if field == "" || val == "" {
			return nil, fmt.Errorf("invalid where clause: %s", w)
		}
		out = append(out, predicate{field: strings.ToLower(field), op: op, value: val})
	}
	return out, nil
}

type eventFilter struct {
	preds []predicate
	now   time.Time
	loc   *time.Location
}

func (f eventFilter) apply(items []contract.Event) ([]contract.Event, error) {
	if len(f.preds) == 0 {
		return items, nil
	}
	filtered := make([]contract.Event, 0, len(items))
	for _, e := range items {
		ok, err := f.matches(e)
		if err != nil {
			return nil, err
		}
		if ok {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

func (f eventFilter) matches(e contract.Event) (bool, error) {
	for _, p := range f.preds {
		ok, err := f.matchesOne(e, p)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (f eventFilter) matchesOne(e contract.Event, p predicate) (bool, error) {
	switch p.field {
	case "title":
		return compareString(e.Title, p.op, p.value)
	case "calendar", "calendar_title":
		return compareString(e.CalendarTitle, p.op, p.value)
	case "calendar_id":
		return compareString(e.CalendarID, p.op, p.value)
	case "location":
		return compareString(e.Location, p.op, p.value)
	case "notes":
		return compareString(e.Notes, p.op, p.value)
	case "url":
		return compareString(e.URL, p.op, p.value)
	case "id":
		return compareString(e.ID, p.op, p.value)
	case "all_day":
		return compareBool(e.AllDay, p.op, p.value)
	case "recurring":
		return compareBool(e.Recurrence != "", p.op, p.value)
	case "start":
		return f.compareTime(e.Start, p.op, p.value)
	case "end":
		return f.compareTime(e.End, p.op, p.value)
	default:
		return false, fmt.Errorf("unsupported field in --where: %s", p.field)
	}
}

func compareString(actual, op, expected string) (bool, error) {
	a := strings.ToLower(actual)
	e := strings.ToLower(expected)
	switch op {
	case "==":
		return a == e, nil
	case "!=":
		return a != e, nil
	case "~":
		return strings.Contains(a, e), nil
	default:
		return false, fmt.Errorf("operator %s not supported for string fields", op)
	}
}

func compareBool(actual bool, op, expected string) (bool, error) {
	want, err := strconv.ParseBool(expected)
	if err != nil {
		return false, fmt.Errorf("boolean predicate expects true or false, got %q", expected)
	}
	switch op {
	case "==":
		return actual == want, nil
	case "!=":
		return actual != want, nil
	default:
		return false, fmt.Errorf("operator %s not supported for boolean fields", op)
	}
}

// compareTime accepts anything the date parser does, so start>=tomorrow works.
func (f eventFilter) compareTime(actual time.Time, op, expected string) (bool, error) {
	parsed, err := timeparse.ParseDateTime(expected, f.now, f.loc)
	if err != nil {
		return false, fmt.Errorf("time predicate: %w", err)
	}
	switch op {
	case "==":
		return actual.Equal(parsed), nil
	case "!=":
		return !actual.Equal(parsed), nil
	case ">":
		return actual.After(parsed), nil
	case ">=":
		return !actual.Before(parsed), nil
	case "<":
		return actual.Before(parsed), nil
	case "<=":
		return !actual.After(parsed), nil
	default:
		return false, fmt.Errorf("operator %s not supported for time fields", op)
	}
}

func validSortField(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "start", "end", "title", "calendar", "updated_at":
		return true
	}
	return false
}

func sortEvents(items []contract.Event, sortField, order string) {
	desc := strings.EqualFold(order, "desc")
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if desc {
			a, b = b, a
		}
		switch strings.ToLower(sortField) {
		case "title":
			return a.Title < b.Title
		case "end":
			return a.End.Before(b.End)
		case "updated_at":
			return a.UpdatedAt.Before(b.UpdatedAt)
		case "calendar":
			return a.CalendarTitle < b.CalendarTitle
		default:
			return a.Start.Before(b.Start)
		}
	})
}

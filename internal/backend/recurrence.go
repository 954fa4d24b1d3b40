package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/agis/calmgr/internal/contract"
)

const defaultMaxOccurrences = 2000

// ValidateRecurrence checks that rule parses as an RRULE value.
func ValidateRecurrence(rule string) error {
	if strings.TrimSpace(rule) == "" {
		return nil
	}
	if _, err := rrule.StrToROption(normalizeRule(rule)); err != nil {
		return fmt.Errorf("invalid recurrence %q: %w", rule, err)
	}
	return nil
}

func normalizeRule(rule string) string {
	s := strings.TrimSpace(rule)
	if len(s) >= 6 && strings.EqualFold(s[:6], "RRULE:") {
		s = s[6:]
	}
	return s
}

// expandOccurrences returns the occurrences of e intersecting [from, to].
// Non-recurring events yield themselves when they intersect.
func expandOccurrences(e contract.Event, from, to time.Time, max int) ([]contract.Event, error) {
	if strings.TrimSpace(e.Recurrence) == "" {
		if e.Intersects(from, to) {
			return []contract.Event{e}, nil
		}
		return nil, nil
	}
	if max <= 0 {
		max = defaultMaxOccurrences
	}
	opt, err := rrule.StrToROption(normalizeRule(e.Recurrence))
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence for %s: %w", e.ID, err)
	}
	opt.Dtstart = e.Start
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("invalid recurrence for %s: %w", e.ID, err)
	}
	dur := e.End.Sub(e.Start)
	if dur < 0 {
		dur = 0
	}
	// Occurrences starting before from can still overlap it.
	starts := r.Between(from.Add(-dur), to, true)
	out := make([]contract.Event, 0, len(starts))
	for _, st := range starts {
		if len(out) >= max {
			break
		}
		occ := e
		occ.ID = fmt.Sprintf("%s@%d", e.ID, st.Unix())
		occ.Start = st
		occ.End = st.Add(dur)
		if !occ.Intersects(from, to) {
			continue
		}
		out = append(out, occ)
	}
	return out, nil
}

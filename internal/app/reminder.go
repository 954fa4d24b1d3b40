package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// alarmMinutes reads an --alarm value as minutes before the start. Bare
// numbers are minutes; otherwise a duration such as 15m, 1h30m or 2d.
func alarmMinutes(v string) (int, error) {
	s := strings.TrimSpace(v)
	if s == "" {
		return 0, fmt.Errorf("empty alarm offset")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("invalid alarm %q: minutes must be >= 0", v)
		}
		return n, nil
	}
	s = strings.TrimPrefix(s, "-")
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid alarm %q", v)
		}
		return n * 24 * 60, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid alarm %q: %w", v, err)
	}
	if d%time.Minute != 0 {
		return 0, fmt.Errorf("invalid alarm %q: use whole minutes", v)
	}
	return int(d / time.Minute), nil
}

func parseAlarms(vals []string) ([]int, error) {
	out := make([]int, 0, len(vals))
	for _, v := range vals {
		n, err := alarmMinutes(v)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

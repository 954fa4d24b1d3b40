package app

import "testing"

func TestAlarmMinutes(t *testing.T) {
	cases := map[string]int{
		"15":    15,
		"0":     0,
		"15m":   15,
		"-30m":  30,
		"1h30m": 90,
		"2d":    2880,
	}
	for in, want := range cases {
		got, err := alarmMinutes(in)
		if err != nil {
			t.Fatalf("alarmMinutes(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("alarmMinutes(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestAlarmMinutesRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "-5", "30s", "soon", "xd"} {
		if _, err := alarmMinutes(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agis/calmgr/internal/contract"
)

func TestBuildICSRoundTrip(t *testing.T) {
	stamp := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	items := []contract.Event{
		{
			ID: "e1", Title: "Standup", Location: "Room 4", Notes: "daily sync", URL: "https://example.com/standup",
			CalendarTitle: "Work",
			Start:         time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
			End:           time.Date(2026, 2, 20, 9, 30, 0, 0, time.UTC),
			Alarms:        []contract.Alarm{{MinutesBefore: 15}, {MinutesBefore: 0}},
		},
		{
			ID: "e2", Title: "Offsite", AllDay: true,
			Start: time.Date(2026, 2, 21, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 2, 22, 0, 0, 0, 0, time.UTC),
		},
	}
	ics := buildICS(items, stamp)
	for _, want := range []string{"BEGIN:VCALENDAR", "PRODID:-//calmgr//EN", "METHOD:PUBLISH", "UID:e1", "CATEGORIES:Work", "TRIGGER:-PT15M", "DTSTART;VALUE=DATE:20260221"} {
		if !strings.Contains(ics, want) {
			t.Fatalf("ICS output missing %q:\n%s", want, ics)
		}
	}

	got, warnings, err := parseICS([]byte(ics), time.UTC)
	if err != nil {
		t.Fatalf("parseICS: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	first := got[0]
	if first.Title != "Standup" || first.Location != "Room 4" || first.Notes != "daily sync" || first.URL != "https://example.com/standup" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if !first.Start.Equal(items[0].Start) || !first.End.Equal(items[0].End) {
		t.Fatalf("times changed: %s-%s", first.Start, first.End)
	}
	if len(first.Alarms) != 2 || first.Alarms[0].MinutesBefore != 15 || first.Alarms[1].MinutesBefore != 0 {
		t.Fatalf("unexpected alarms: %+v", first.Alarms)
	}
	second := got[1]
	if !second.AllDay || !second.Start.Equal(items[1].Start) || !second.End.Equal(items[1].End) {
		t.Fatalf("unexpected all-day event: %+v", second)
	}
}

func TestParseICSDefaultsAndWarnings(t *testing.T) {
	raw := strings.Join([]string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:a",
		"DTSTART:20260220T090000Z",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:b",
		"SUMMARY:No start",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:c",
		"SUMMARY:Holiday",
		"DTSTART;VALUE=DATE:20260301",
		"END:VEVENT",
		"END:VCALENDAR",
		"",
	}, "\r\n")
	got, warnings, err := parseICS([]byte(raw), time.UTC)
	if err != nil {
		t.Fatalf("parseICS: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 usable events, got %d: %+v", len(got), got)
	}
	if got[0].Title != "(untitled)" || got[0].End.Sub(got[0].Start) != time.Hour {
		t.Fatalf("unexpected defaults for first event: %+v", got[0])
	}
	if !got[1].AllDay || got[1].End.Sub(got[1].Start) != 24*time.Hour {
		t.Fatalf("unexpected all-day default: %+v", got[1])
	}
	if len(warnings) != 2 || !strings.Contains(warnings[0], "DTEND") || !strings.Contains(warnings[1], "DTSTART") {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestParseICSRejectsEmpty(t *testing.T) {
	if _, _, err := parseICS([]byte("  \n"), time.UTC); err == nil {
		t.Fatalf("expected error for empty input")
	}
}

func TestParseTrigger(t *testing.T) {
	cases := map[string]int{
		"-PT15M":   15,
		"-PT1H30M": 90,
		"-P1D":     1440,
		"-P1DT2H":  1560,
		"-P1W":     10080,
		"PT0M":     0,
		"-PT120S":  2,
		" -pt5m ":  5,
	}
	for in, want := range cases {
		got, err := parseTrigger(in)
		if err != nil {
			t.Fatalf("parseTrigger(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseTrigger(%q) = %d, want %d", in, got, want)
		}
	}
	for _, in := range []string{"PT15M", "15M", "-P1H", "-PTXM", "20260220T090000Z"} {
		if _, err := parseTrigger(in); err == nil {
			t.Fatalf("parseTrigger(%q): expected error", in)
		}
	}
}

func TestFormatTrigger(t *testing.T) {
	if formatTrigger(0) != "PT0M" || formatTrigger(45) != "-PT45M" {
		t.Fatalf("unexpected triggers: %s %s", formatTrigger(0), formatTrigger(45))
	}
}

func TestEventsExportImportRoundTrip(t *testing.T) {
	db := isolateEnv(t)
	freezeNow(t, time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC))
	common := []string{"--db", db, "--yes", "--json", "--tz", "UTC"}
	if _, errOut, err := runCLI(t, append([]string{"events", "add", "--title", "Standup", "--start", "09:00", "--duration", "30m", "--alarm", "10m"}, common...)...); err != nil {
		t.Fatalf("events add failed: %v\n%s", err, errOut)
	}

	path := filepath.Join(t.TempDir(), "out.ics")
	out, errOut, err := runCLI(t, append([]string{"events", "export", "--out", path}, common...)...)
	if err != nil {
		t.Fatalf("export failed: %v\n%s", err, errOut)
	}
	if env := decodeEnvelope[map[string]any](t, out); env.Meta["count"] != float64(1) {
		t.Fatalf("unexpected export meta: %+v", env.Meta)
	}
	raw, err := os.ReadFile(path)
	if err != nil || !strings.Contains(string(raw), "SUMMARY:Standup") {
		t.Fatalf("unexpected export file (err=%v):\n%s", err, raw)
	}

	if _, errOut, err := runCLI(t, append([]string{"calendars", "add", "--name", "Imported"}, common...)...); err != nil {
		t.Fatalf("calendars add failed: %v\n%s", err, errOut)
	}
	out, errOut, err = runCLI(t, append([]string{"events", "import", path, "--calendar", "Imported"}, common...)...)
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, errOut)
	}
	created := decodeEnvelope[[]contract.Event](t, out)
	if len(created.Data) != 1 || created.Data[0].CalendarTitle != "Imported" || created.Data[0].ID == "" {
		t.Fatalf("unexpected imported events: %+v", created.Data)
	}
	if len(created.Data[0].Alarms) != 1 || created.Data[0].Alarms[0].MinutesBefore != 10 {
		t.Fatalf("alarm lost in round trip: %+v", created.Data[0].Alarms)
	}
}

func TestEventsImportStrictRejectsWarnings(t *testing.T) {
	db := isolateEnv(t)
	path := filepath.Join(t.TempDir(), "in.ics")
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//EN\r\nBEGIN:VEVENT\r\nUID:x\r\nSUMMARY:Open\r\nDTSTART:20260220T090000Z\r\nEND:VEVENT\r\nEND:VCALENDAR\r\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err := runCLI(t, "events", "import", "--file", path, "--strict", "--db", db, "--yes", "--json")
	if got := ExitCode(err); got != exitUsage {
		t.Fatalf("expected exit %d, got %d (%v)", exitUsage, got, err)
	}
}

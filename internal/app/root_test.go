package app

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agis/calmgr/internal/contract"
)

func TestCalendarsListSeededStore(t *testing.T) {
	db := isolateEnv(t)
	out, errOut, err := runCLI(t, "calendars", "list", "--db", db, "--yes", "--json")
	if err != nil {
		t.Fatalf("calendars list failed: %v\n%s", err, errOut)
	}
	env := decodeEnvelope[[]contract.Calendar](t, out)
	if env.Command != "calendars.list" || len(env.Data) != 2 {
		t.Fatalf("unexpected calendars: %+v", env)
	}
	defaults := 0
	for _, c := range env.Data {
		if c.Default {
			defaults++
			if c.Title != "Calendar" || !c.Writable {
				t.Fatalf("unexpected default calendar: %+v", c)
			}
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default calendar, got %d", defaults)
	}

	out, errOut, err = runCLI(t, "calendars", "list", "--kind", "birthdays", "--db", db, "--json")
	if err != nil {
		t.Fatalf("calendars list --kind failed: %v\n%s", err, errOut)
	}
	env = decodeEnvelope[[]contract.Calendar](t, out)
	if len(env.Data) != 1 || env.Data[0].Title != "Birthdays" || env.Data[0].Removable {
		t.Fatalf("unexpected birthdays calendars: %+v", env.Data)
	}
}

func TestEventsAddListRemove(t *testing.T) {
	db := isolateEnv(t)
	freezeNow(t, time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC))
	common := []string{"--db", db, "--yes", "--json", "--tz", "UTC"}

	out, errOut, err := runCLI(t, append([]string{"events", "add", "--title", "Standup", "--start", "2026-02-20T09:00", "--duration", "30m", "--alarm", "15"}, common...)...)
	if err != nil {
		t.Fatalf("events add failed: %v\n%s", err, errOut)
	}
	added := decodeEnvelope[contract.Event](t, out)
	if added.Data.ID == "" || added.Data.CalendarTitle != "Calendar" {
		t.Fatalf("unexpected added event: %+v", added.Data)
	}
	if len(added.Data.Alarms) != 1 || added.Data.Alarms[0].MinutesBefore != 15 {
		t.Fatalf("expected one 15 minute alarm, got %+v", added.Data.Alarms)
	}

	out, errOut, err = runCLI(t, append([]string{"today"}, common...)...)
	if err != nil {
		t.Fatalf("today failed: %v\n%s", err, errOut)
	}
	listed := decodeEnvelope[[]contract.Event](t, out)
	if len(listed.Data) != 1 || listed.Data[0].Title != "Standup" {
		t.Fatalf("unexpected today events: %+v", listed.Data)
	}

	_, errOut, err = runCLI(t, append([]string{"events", "remove", added.Data.ID, "--force"}, common...)...)
	if err != nil {
		t.Fatalf("events remove failed: %v\n%s", err, errOut)
	}
	out, _, err = runCLI(t, append([]string{"today"}, common...)...)
	if err != nil {
		t.Fatalf("today after remove failed: %v", err)
	}
	if listed = decodeEnvelope[[]contract.Event](t, out); len(listed.Data) != 0 {
		t.Fatalf("expected no events after remove, got %+v", listed.Data)
	}
}

func TestEventsAddDryRunDoesNotWrite(t *testing.T) {
	db := isolateEnv(t)
	freezeNow(t, time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC))
	common := []string{"--db", db, "--yes", "--json", "--tz", "UTC"}
	out, errOut, err := runCLI(t, append([]string{"events", "add", "--title", "Maybe", "--start", "10:00", "--duration", "1h", "--dry-run"}, common...)...)
	if err != nil {
		t.Fatalf("dry run failed: %v\n%s", err, errOut)
	}
	if env := decodeEnvelope[contract.Event](t, out); env.Meta["dry_run"] != true {
		t.Fatalf("expected dry_run meta, got %+v", env.Meta)
	}
	out, _, err = runCLI(t, append([]string{"today"}, common...)...)
	if err != nil {
		t.Fatalf("today failed: %v", err)
	}
	if listed := decodeEnvelope[[]contract.Event](t, out); len(listed.Data) != 0 {
		t.Fatalf("dry run wrote an event: %+v", listed.Data)
	}
}

func TestEventsAddRejectsEndBeforeStart(t *testing.T) {
	db := isolateEnv(t)
	_, errOut, err := runCLI(t, "events", "add", "--title", "Backwards", "--start", "2026-02-20T10:00", "--end", "2026-02-20T09:00", "--db", db, "--yes", "--json", "--tz", "UTC")
	if got := ExitCode(err); got != exitUsage {
		t.Fatalf("expected exit %d, got %d (%v)", exitUsage, got, err)
	}
	if env := decodeErrorEnvelope(t, errOut); env.Error.Code != string(contract.ErrInvalidArgument) {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestCalendarsDefaultPersistsToConfig(t *testing.T) {
	db := isolateEnv(t)
	cfg := filepath.Join(t.TempDir(), "calmgr.toml")
	freezeNow(t, time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC))
	common := []string{"--db", db, "--yes", "--json", "--tz", "UTC", "--config", cfg}

	if _, errOut, err := runCLI(t, append([]string{"calendars", "add", "--name", "Work", "--color", "#336699"}, common...)...); err != nil {
		t.Fatalf("calendars add failed: %v\n%s", err, errOut)
	}
	out, errOut, err := runCLI(t, append([]string{"calendars", "default", "Work"}, common...)...)
	if err != nil {
		t.Fatalf("calendars default failed: %v\n%s", err, errOut)
	}
	work := decodeEnvelope[contract.Calendar](t, out)
	if work.Data.Title != "Work" || work.Meta["persisted"] != true {
		t.Fatalf("unexpected default response: %+v", work)
	}
	raw, err := os.ReadFile(cfg)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(raw), "default_calendar") || !strings.Contains(string(raw), work.Data.ID) {
		t.Fatalf("default calendar ID not persisted: %s", raw)
	}

	out, errOut, err = runCLI(t, append([]string{"events", "add", "--title", "Review", "--start", "11:00", "--duration", "1h"}, common...)...)
	if err != nil {
		t.Fatalf("events add failed: %v\n%s", err, errOut)
	}
	if env := decodeEnvelope[contract.Event](t, out); env.Data.CalendarTitle != "Work" {
		t.Fatalf("expected event in configured default, got %+v", env.Data)
	}
}

func TestCalendarsAddDefaultSurvivesConfiguredDefault(t *testing.T) {
	db := isolateEnv(t)
	cfg := filepath.Join(t.TempDir(), "calmgr.toml")
	freezeNow(t, time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC))
	common := []string{"--db", db, "--yes", "--json", "--tz", "UTC", "--config", cfg}

	if _, errOut, err := runCLI(t, append([]string{"calendars", "default", "Calendar"}, common...)...); err != nil {
		t.Fatalf("calendars default failed: %v\n%s", err, errOut)
	}
	out, errOut, err := runCLI(t, append([]string{"calendars", "add", "--name", "Work", "--default"}, common...)...)
	if err != nil {
		t.Fatalf("calendars add failed: %v\n%s", err, errOut)
	}
	work := decodeEnvelope[contract.Calendar](t, out)
	if !work.Data.Default || work.Meta["persisted"] != true {
		t.Fatalf("unexpected add response: %+v", work)
	}

	out, errOut, err = runCLI(t, append([]string{"calendars", "default"}, common...)...)
	if err != nil {
		t.Fatalf("calendars default failed: %v\n%s", err, errOut)
	}
	if got := decodeEnvelope[contract.Calendar](t, out); got.Data.ID != work.Data.ID {
		t.Fatalf("default after add --default = %q (%s), want Work (%s)", got.Data.Title, got.Data.ID, work.Data.ID)
	}
	out, errOut, err = runCLI(t, append([]string{"events", "add", "--title", "Review", "--start", "11:00", "--duration", "1h"}, common...)...)
	if err != nil {
		t.Fatalf("events add failed: %v\n%s", err, errOut)
	}
	if ev := decodeEnvelope[contract.Event](t, out); ev.Data.CalendarID != work.Data.ID {
		t.Fatalf("event landed in %q, want Work", ev.Data.CalendarTitle)
	}
}

func TestCalendarsDefaultNoPersistLastsOneRun(t *testing.T) {
	db := isolateEnv(t)
	cfg := filepath.Join(t.TempDir(), "calmgr.toml")
	common := []string{"--db", db, "--yes", "--json", "--config", cfg}

	if _, errOut, err := runCLI(t, append([]string{"calendars", "add", "--name", "Work"}, common...)...); err != nil {
		t.Fatalf("calendars add failed: %v\n%s", err, errOut)
	}
	out, errOut, err := runCLI(t, append([]string{"calendars", "default", "Work", "--no-persist"}, common...)...)
	if err != nil {
		t.Fatalf("calendars default failed: %v\n%s", err, errOut)
	}
	if env := decodeEnvelope[contract.Calendar](t, out); env.Data.Title != "Work" || env.Meta["persisted"] != false {
		t.Fatalf("unexpected response: %+v", env)
	}
	if _, err := os.Stat(cfg); !os.IsNotExist(err) {
		t.Fatalf("config written despite --no-persist: %v", err)
	}
	out, _, err = runCLI(t, append([]string{"calendars", "default"}, common...)...)
	if err != nil {
		t.Fatalf("calendars default failed: %v", err)
	}
	if got := decodeEnvelope[contract.Calendar](t, out); got.Data.Title != "Calendar" {
		t.Fatalf("store default changed to %q", got.Data.Title)
	}
}

func TestCalendarsDefaultUnknownNameIsNotFound(t *testing.T) {
	db := isolateEnv(t)
	_, errOut, err := runCLI(t, "calendars", "default", "Nope", "--no-persist", "--db", db, "--yes", "--json")
	if got := ExitCode(err); got != exitNotFound {
		t.Fatalf("expected exit %d, got %d (%v)", exitNotFound, got, err)
	}
	if env := decodeErrorEnvelope(t, errOut); env.Error.Code != string(contract.ErrNotFound) {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestRemoveBuiltInCalendarIsNotRemovable(t *testing.T) {
	db := isolateEnv(t)
	out, _, err := runCLI(t, "calendars", "list", "--kind", "birthdays", "--db", db, "--yes", "--json")
	if err != nil {
		t.Fatalf("calendars list failed: %v", err)
	}
	cals := decodeEnvelope[[]contract.Calendar](t, out).Data
	if len(cals) != 1 {
		t.Fatalf("expected birthdays calendar, got %+v", cals)
	}
	_, errOut, err := runCLI(t, "calendars", "remove", cals[0].ID, "--force", "--db", db, "--json")
	if got := ExitCode(err); got != exitPersistence {
		t.Fatalf("expected exit %d, got %d (%v)", exitPersistence, got, err)
	}
	if env := decodeErrorEnvelope(t, errOut); env.Error.Code != string(contract.ErrNotRemovable) {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestDeniedAccessIsNotReprompted(t *testing.T) {
	db := isolateEnv(t)
	if _, errOut, err := runCLI(t, "auth", "revoke", "--db", db, "--json"); err != nil {
		t.Fatalf("auth revoke failed: %v\n%s", err, errOut)
	}
	_, errOut, err := runCLI(t, "calendars", "list", "--db", db, "--yes", "--json")
	if got := ExitCode(err); got != exitNotAuthorized {
		t.Fatalf("expected exit %d, got %d (%v)", exitNotAuthorized, got, err)
	}
	env := decodeErrorEnvelope(t, errOut)
	if env.Error.Code != string(contract.ErrNotAuthorized) || !strings.Contains(env.Error.Hint, "auth reset") {
		t.Fatalf("unexpected error envelope: %+v", env)
	}

	if _, errOut, err := runCLI(t, "auth", "reset", "--db", db, "--json"); err != nil {
		t.Fatalf("auth reset failed: %v\n%s", err, errOut)
	}
	if _, errOut, err := runCLI(t, "calendars", "list", "--db", db, "--yes", "--json"); err != nil {
		t.Fatalf("calendars list after reset failed: %v\n%s", err, errOut)
	}
}

func TestNoInputWithoutDecisionFailsNotAuthorized(t *testing.T) {
	db := isolateEnv(t)
	_, errOut, err := runCLI(t, "calendars", "list", "--db", db, "--no-input", "--json")
	if got := ExitCode(err); got != exitNotAuthorized {
		t.Fatalf("expected exit %d, got %d (%v)", exitNotAuthorized, got, err)
	}
	if env := decodeErrorEnvelope(t, errOut); env.Error.Code != string(contract.ErrNotAuthorized) {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
	out, _, err := runCLI(t, "auth", "status", "--db", db, "--json")
	if err != nil {
		t.Fatalf("auth status failed: %v", err)
	}
	status := decodeEnvelope[map[string]string](t, out)
	if status.Data["authorization"] != string(contract.AuthUnrequested) {
		t.Fatalf("prompt failure must not record a decision: %+v", status.Data)
	}
}

func TestRemoveRequiresConfirmationWhenNonInteractive(t *testing.T) {
	db := isolateEnv(t)
	_, errOut, err := runCLI(t, "events", "remove", "some-id", "--db", db, "--yes", "--json")
	if got := ExitCode(err); got != exitUsage {
		t.Fatalf("expected exit %d, got %d (%v)", exitUsage, got, err)
	}
	if env := decodeErrorEnvelope(t, errOut); !strings.Contains(env.Error.Message, "--force") {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestRemoveUnknownEventIsNotFound(t *testing.T) {
	db := isolateEnv(t)
	_, errOut, err := runCLI(t, "events", "remove", "missing", "--force", "--db", db, "--yes", "--json")
	if got := ExitCode(err); got != exitNotFound {
		t.Fatalf("expected exit %d, got %d (%v)\n%s", exitNotFound, got, err, errOut)
	}
}

func TestInvalidTimezoneIsUsageError(t *testing.T) {
	db := isolateEnv(t)
	_, _, err := runCLI(t, "today", "--db", db, "--yes", "--json", "--tz", "Mars/Olympus")
	if got := ExitCode(err); got != exitUsage {
		t.Fatalf("expected exit %d, got %d (%v)", exitUsage, got, err)
	}
}

func TestOutputModesAreExclusive(t *testing.T) {
	db := isolateEnv(t)
	_, _, err := runCLI(t, "today", "--db", db, "--json", "--plain")
	if got := ExitCode(err); got != exitUsage {
		t.Fatalf("expected exit %d, got %d (%v)", exitUsage, got, err)
	}
}

func TestWantsStructuredErrorOutput(t *testing.T) {
	if !wantsStructuredErrorOutput([]string{"today", "--json"}) {
		t.Fatalf("expected --json to request structured errors")
	}
	if wantsStructuredErrorOutput([]string{"today", "--plain"}) {
		t.Fatalf("did not expect structured errors for --plain")
	}
}

func TestSplitCSV(t *testing.T) {
	got := splitCSV(" id, title ,,start")
	if strings.Join(got, "|") != "id|title|start" {
		t.Fatalf("unexpected split: %v", got)
	}
	if splitCSV("  ") != nil {
		t.Fatalf("expected nil for blank input")
	}
}

func TestStdinInteractiveOnlyForTerminals(t *testing.T) {
	if stdinInteractive(strings.NewReader("y\n")) {
		t.Fatalf("a string reader is not a terminal")
	}
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if stdinInteractive(f) {
		t.Fatalf("a regular file is not a terminal")
	}
}

package backend

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agis/calmgr/internal/contract"
)

func isErr(err, target error) bool { return errors.Is(err, target) }

func TestParseEventID(t *testing.T) {
	uid, occ := parseEventID("ABC-123@792417600")
	if uid != "ABC-123" {
		t.Fatalf("uid mismatch: %q", uid)
	}
	if occ != 792417600 {
		t.Fatalf("occ mismatch: %d", occ)
	}

	uid2, occ2 := parseEventID("ABC-123")
	if uid2 != "ABC-123" || occ2 != 0 {
		t.Fatalf("unexpected parse for uid-only: uid=%q occ=%d", uid2, occ2)
	}

	uid3, occ3 := parseEventID("someone@example.com")
	if uid3 != "someone@example.com" || occ3 != 0 {
		t.Fatalf("non-numeric suffix must stay part of the uid: uid=%q occ=%d", uid3, occ3)
	}
}

func TestTrimOuterQuotes(t *testing.T) {
	if got := trimOuterQuotes("\"hello\""); got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
	if got := trimOuterQuotes("hello"); got != "hello" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestSplitLines(t *testing.T) {
	lines := splitLines("\"a\nb\"")
	if len(lines) != 2 || lines[0] != "a" || lines[1] != "b" {
		t.Fatalf("unexpected lines: %+v", lines)
	}
}

func TestBoolToScript(t *testing.T) {
	if boolToScript(true) != "true" {
		t.Fatalf("expected true")
	}
	if boolToScript(false) != "false" {
		t.Fatalf("expected false")
	}
}

func TestContainsFold(t *testing.T) {
	if !containsFold([]string{"Work", "Personal"}, "work") {
		t.Fatalf("expected case-insensitive match")
	}
	if containsFold([]string{"Work"}, "Gym") {
		t.Fatalf("did not expect match")
	}
}

func TestIsAccessDenied(t *testing.T) {
	cases := []string{
		`Error: unable to open database "...": authorization denied`,
		"Not authorized to send Apple events to Calendar. (-1743)",
		"operation not permitted",
		"permission denied",
	}
	for _, tc := range cases {
		if !isAccessDenied(tc) {
			t.Fatalf("expected true for %q", tc)
		}
	}
	if isAccessDenied("no such table: foo") {
		t.Fatalf("expected false for unrelated sqlite error")
	}
}

func TestIsTransientAppleScriptError(t *testing.T) {
	if !isTransientAppleScriptError("AppleEvent timed out. (-1712)") {
		t.Fatalf("expected timeout to be transient")
	}
	if !isTransientAppleScriptError("connection is invalid") {
		t.Fatalf("expected connection issue to be transient")
	}
	if isTransientAppleScriptError("authorization denied") {
		t.Fatalf("expected permission denial to be non-transient")
	}
}

func TestTrimIfEdgeSpace(t *testing.T) {
	in := "calendar-id"
	if got := trimIfEdgeSpace(in); got != in {
		t.Fatalf("expected unchanged string, got: %q", got)
	}
	if got := trimIfEdgeSpace("  hello\t"); got != "hello" {
		t.Fatalf("expected trimmed value, got: %q", got)
	}
}

func TestOsaScriptRetryPolicyFromEnv(t *testing.T) {
	t.Setenv("CALMGR_OSASCRIPT_RETRIES", "2")
	t.Setenv("CALMGR_OSASCRIPT_RETRY_BACKOFF", "150ms")
	retries, backoff := osascriptRetryPolicy()
	if retries != 2 {
		t.Fatalf("retries mismatch: got=%d want=2", retries)
	}
	if backoff != 150*time.Millisecond {
		t.Fatalf("backoff mismatch: got=%s want=150ms", backoff)
	}
}

func TestBuildListEventsQueryLimitClause(t *testing.T) {
	q := buildListEventsQuery(1, 2, EventFilter{Limit: 25})
	if !strings.Contains(q, "LIMIT 25") {
		t.Fatalf("expected LIMIT clause in query, got: %s", q)
	}
	q = buildListEventsQuery(1, 2, EventFilter{})
	if strings.Contains(q, "LIMIT ") {
		t.Fatalf("did not expect LIMIT clause in query, got: %s", q)
	}
}

func TestBuildListEventsQueryPushesCalendarPredicate(t *testing.T) {
	q := buildListEventsQuery(1, 2, EventFilter{CalendarIDs: []string{"Work", "o'brien"}})
	if !strings.Contains(q, "IN ('work','o''brien')") {
		t.Fatalf("expected quoted calendar pushdown, got: %s", q)
	}
}

func TestInitialEventCapacity(t *testing.T) {
	if got := initialEventCapacity(0); got != 64 {
		t.Fatalf("unexpected default cap: got=%d want=64", got)
	}
	if got := initialEventCapacity(10); got != 10 {
		t.Fatalf("unexpected explicit cap: got=%d want=10", got)
	}
	if got := initialEventCapacity(5000); got != 2048 {
		t.Fatalf("unexpected capped value: got=%d want=2048", got)
	}
}

func TestCalendarSQLiteDSNUsesReadOnlyImmutableMode(t *testing.T) {
	dsn := calendarSQLiteDSN("/tmp/Calendar.sqlitedb")
	if !strings.Contains(dsn, "mode=ro") {
		t.Fatalf("expected read-only mode in dsn, got: %s", dsn)
	}
	if !strings.Contains(dsn, "immutable=1") {
		t.Fatalf("expected immutable mode in dsn, got: %s", dsn)
	}
}

func TestShouldFallbackFromSQLite(t *testing.T) {
	if !shouldFallbackFromSQLite(errors.New("permission denied")) {
		t.Fatalf("expected fallback for non-context sqlite errors")
	}
	if shouldFallbackFromSQLite(context.Canceled) {
		t.Fatalf("did not expect fallback for canceled context")
	}
	if shouldFallbackFromSQLite(context.DeadlineExceeded) {
		t.Fatalf("did not expect fallback for deadline exceeded context")
	}
	if shouldFallbackFromSQLite(nil) {
		t.Fatalf("did not expect fallback for nil error")
	}
}

func TestAppleSourceKind(t *testing.T) {
	tests := []struct {
		typ  int
		name string
		want contract.SourceKind
	}{
		{0, "On My Mac", contract.SourceLocal},
		{1, "Work Exchange", contract.SourceExchange},
		{2, "iCloud", contract.SourceCloud},
		{2, "Fastmail", contract.SourceSubscribed},
		{4, "Holidays", contract.SourceSubscribed},
		{5, "Other", contract.SourceBirthdays},
		{42, "?", contract.SourceOther},
	}
	for _, tc := range tests {
		if got := appleSourceKind(tc.typ, tc.name); got != tc.want {
			t.Fatalf("appleSourceKind(%d,%q)=%q want=%q", tc.typ, tc.name, got, tc.want)
		}
	}
}

func TestScriptColor(t *testing.T) {
	if got := scriptColor("#ff0000"); got != "{65535, 0, 0}" {
		t.Fatalf("unexpected script color: %q", got)
	}
	if got := scriptColor("nope"); got != "" {
		t.Fatalf("expected empty for invalid color, got %q", got)
	}
}

func TestAppleStoreRequestAccess(t *testing.T) {
	orig := runAppleScript
	t.Cleanup(func() { runAppleScript = orig })

	runAppleScript = func(context.Context, []string, ...string) (string, error) {
		return "", errors.New("osascript failed: Not authorized to send Apple events to Calendar. (-1743)")
	}
	st := NewAppleStore(nil)
	ok, err := st.RequestAccess(context.Background())
	if err != nil || ok {
		t.Fatalf("expected clean denial, got ok=%v err=%v", ok, err)
	}
	if state, _ := st.AuthorizationStatus(context.Background()); state != contract.AuthDenied {
		t.Fatalf("state=%q want denied", state)
	}

	runAppleScript = func(context.Context, []string, ...string) (string, error) { return "3", nil }
	ok, err = st.RequestAccess(context.Background())
	if err != nil || !ok {
		t.Fatalf("expected grant, got ok=%v err=%v", ok, err)
	}
}

func TestAlarmsArg(t *testing.T) {
	got := alarmsArg([]contract.Alarm{{MinutesBefore: 15}, {MinutesBefore: 60}})
	if got != "15,60" {
		t.Fatalf("alarmsArg=%q", got)
	}
}

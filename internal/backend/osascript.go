package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agis/calmgr/internal/contract"
)

// AppleStore reads the macOS Calendar database directly and writes through
// Calendar.app automation.
type AppleStore struct {
	log *slog.Logger

	mu     sync.Mutex
	access contract.AuthState
}

func NewAppleStore(log *slog.Logger) *AppleStore {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &AppleStore{log: log, access: contract.AuthUnrequested}
}

func (b *AppleStore) Close() error { return nil }

// AuthorizationStatus reports the outcome of the last RequestAccess. The
// automation consent cannot be queried without prompting.
func (b *AppleStore) AuthorizationStatus(context.Context) (contract.AuthState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.access, nil
}

func (b *AppleStore) RequestAccess(ctx context.Context) (bool, error) {
	_, err := runAppleScript(ctx, []string{
		`tell application "Calendar"`,
		`return count of calendars`,
		`end tell`,
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.access = contract.AuthGranted
		return true, nil
	}
	if isAccessDenied(err.Error()) {
		b.access = contract.AuthDenied
		return false, nil
	}
	return false, err
}

func (b *AppleStore) Doctor(ctx context.Context) ([]contract.DoctorCheck, error) {
	checks := []contract.DoctorCheck{}
	if _, err := exec.LookPath("osascript"); err != nil {
		checks = append(checks, contract.DoctorCheck{Name: "osascript", Status: "fail", Message: "osascript not found in PATH"})
		return checks, fmt.Errorf("osascript not found")
	}
	checks = append(checks, contract.DoctorCheck{Name: "osascript", Status: "ok", Message: "osascript found"})

	dbPath, err := findCalendarDB()
	if err != nil {
		checks = append(checks, contract.DoctorCheck{Name: "calendar_db", Status: "fail", Message: err.Error()})
		return checks, err
	}
	db, err := openCalendarReadDB(dbPath)
	if err == nil {
		err = db.PingContext(ctx)
	}
	if err != nil {
		checks = append(checks, contract.DoctorCheck{Name: "calendar_db_read", Status: "fail", Message: err.Error()})
		return checks, fmt.Errorf("calendar database exists but is not readable: %w", err)
	}
	checks = append(checks, contract.DoctorCheck{Name: "calendar_db", Status: "ok", Message: "Calendar database found"})
	checks = append(checks, contract.DoctorCheck{Name: "calendar_db_read", Status: "ok", Message: "Calendar database readable"})
	return checks, nil
}

// appleSourceKind maps the Store.type column of Calendar.sqlitedb.
func appleSourceKind(typ int, name string) contract.SourceKind {
	switch typ {
	case 0:
		return contract.SourceLocal
	case 1:
		return contract.SourceExchange
	case 2:
		if strings.Contains(strings.ToLower(name), "icloud") {
			return contract.SourceCloud
		}
		return contract.SourceSubscribed
	case 3:
		return contract.SourceCloud
	case 4:
		return contract.SourceSubscribed
	case 5:
		return contract.SourceBirthdays
	default:
		return contract.SourceOther
	}
}

func (b *AppleStore) readDB() (*sql.DB, error) {
	dbPath, err := findCalendarDB()
	if err != nil {
		return nil, err
	}
	return openCalendarReadDB(dbPath)
}

func (b *AppleStore) ListSources(ctx context.Context) ([]contract.Source, error) {
	db, err := b.readDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT CAST(ROWID AS TEXT), COALESCE(name, ''), COALESCE(type, 0) FROM Store ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contract.Source
	for rows.Next() {
		var src contract.Source
		var typ int
		if err := rows.Scan(&src.ID, &src.Title, &typ); err != nil {
			return nil, err
		}
		src.Kind = appleSourceKind(typ, src.Title)
		out = append(out, src)
	}
	return out, rows.Err()
}

func (b *AppleStore) ListCalendars(ctx context.Context) ([]contract.Calendar, error) {
	db, err := b.readDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT COALESCE(c.UUID, CAST(c.ROWID AS TEXT)), CAST(c.store_id AS TEXT), COALESCE(c.title, ''),
       COALESCE(c.color, ''), COALESCE(s.type, 0), COALESCE(s.name, '')
FROM Calendar c
JOIN Store s ON s.ROWID = c.store_id
ORDER BY s.name, c.title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contract.Calendar
	for rows.Next() {
		var c contract.Calendar
		var typ int
		var storeName string
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Title, &c.Color, &typ, &storeName); err != nil {
			return nil, err
		}
		c.ID = trimIfEdgeSpace(c.ID)
		c.SourceKind = appleSourceKind(typ, storeName)
		if len(c.Color) > 7 {
			c.Color = c.Color[:7]
		}
		c.Color = strings.ToLower(c.Color)
		ro := c.SourceKind == contract.SourceBirthdays || c.SourceKind == contract.SourceSubscribed
		c.Writable = !ro
		c.Removable = c.SourceKind != contract.SourceBirthdays
		out = append(out, c)
	}
	return out, rows.Err()
}

// DefaultCalendarID is not exposed by Calendar.app; callers choose one.
func (b *AppleStore) DefaultCalendarID(context.Context) (string, error) {
	return "", nil
}

func (b *AppleStore) calendarByID(ctx context.Context, id string) (*contract.Calendar, error) {
	items, err := b.ListCalendars(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range items {
		if c.ID == id || strings.EqualFold(c.Title, id) {
			cp := c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("calendar %s: %w", id, ErrNotFound)
}

func (b *AppleStore) ListEvents(ctx context.Context, f EventFilter) ([]contract.Event, error) {
	if f.From.IsZero() || f.To.IsZero() {
		return nil, fmt.Errorf("from/to required")
	}
	fromCocoa := f.From.Unix() - cocoaEpochOffset
	toCocoa := f.To.Unix() - cocoaEpochOffset
	if toCocoa < fromCocoa {
		return nil, fmt.Errorf("invalid time range")
	}
	dbPath, err := findCalendarDB()
	if err != nil {
		return nil, err
	}
	items, err := listEventsViaSQLite(ctx, dbPath, buildListEventsQuery(fromCocoa, toCocoa, f))
	if err == nil {
		return items, nil
	}
	if !shouldFallbackFromSQLite(err) {
		return nil, err
	}
	b.log.Debug("sqlite read failed, falling back to AppleScript", "err", err)
	items, fbErr := b.listEventsViaAppleScript(ctx, f)
	if fbErr != nil {
		return nil, fmt.Errorf("sqlite query failed: %v (AppleScript fallback failed: %w)", err, fbErr)
	}
	return items, nil
}

func sqlQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// buildListEventsQuery selects occurrences intersecting the cocoa range.
func buildListEventsQuery(fromCocoa, toCocoa int64, f EventFilter) string {
	calClause := ""
	if len(f.CalendarIDs) > 0 {
		quoted := make([]string, 0, len(f.CalendarIDs))
		for _, id := range f.CalendarIDs {
			quoted = append(quoted, sqlQuote(strings.ToLower(strings.TrimSpace(id))))
		}
		calClause = fmt.Sprintf("\n  AND lower(COALESCE(c.UUID, CAST(c.ROWID AS TEXT))) IN (%s)", strings.Join(quoted, ","))
	}
	limitClause := ""
	if f.Limit > 0 {
		limitClause = fmt.Sprintf("\nLIMIT %d", f.Limit)
	}
	return fmt.Sprintf(`
SELECT
  (COALESCE(ci.unique_identifier, ci.UUID, CAST(ci.ROWID AS TEXT)) || '@' || CAST(oc.occurrence_start_date AS INTEGER)) AS id,
  COALESCE(c.UUID, CAST(c.ROWID AS TEXT)) AS cal_id,
  COALESCE(c.title, '') AS cal_name,
  COALESCE(ci.summary, '') AS title,
  CAST(oc.occurrence_start_date AS INTEGER) + %d AS start_unix,
  CAST(oc.occurrence_end_date AS INTEGER) + %d AS end_unix,
  COALESCE(ci.all_day, 0) AS all_day,
  COALESCE(l.title, '') AS location,
  COALESCE(ci.description, '') AS notes,
  COALESCE(ci.url, '') AS url,
  CAST(COALESCE(ci.last_modified, 0) AS INTEGER) + %d AS updated_unix
FROM OccurrenceCache oc
JOIN CalendarItem ci ON ci.ROWID = oc.event_id
JOIN Calendar c ON c.ROWID = oc.calendar_id
LEFT JOIN Location l ON l.item_owner_id = ci.ROWID
WHERE oc.next_reminder_date IS NULL
  AND oc.occurrence_start_date <= %d
  AND oc.occurrence_end_date >= %d%s
ORDER BY oc.occurrence_start_date ASC%s;
`, cocoaEpochOffset, cocoaEpochOffset, cocoaEpochOffset, toCocoa, fromCocoa, calClause, limitClause)
}

func listEventsViaSQLite(ctx context.Context, dbPath, query string) ([]contract.Event, error) {
	db, err := openCalendarReadDB(dbPath)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]contract.Event, 0, initialEventCapacity(0))
	for rows.Next() {
		var e contract.Event
		var startUnix, endUnix, updatedUnix int64
		if err := rows.Scan(&e.ID, &e.CalendarID, &e.CalendarTitle, &e.Title, &startUnix, &endUnix,
			&e.AllDay, &e.Location, &e.Notes, &e.URL, &updatedUnix); err != nil {
			return nil, err
		}
		e.ID = trimIfEdgeSpace(e.ID)
		e.Title = trimIfEdgeSpace(e.Title)
		e.Start = time.Unix(startUnix, 0)
		e.End = time.Unix(endUnix, 0)
		e.UpdatedAt = time.Unix(updatedUnix, 0)
		items = append(items, e)
	}
	return items, rows.Err()
}

func (b *AppleStore) listEventsViaAppleScript(ctx context.Context, f EventFilter) ([]contract.Event, error) {
	fromUnix := strconv.FormatInt(f.From.Unix(), 10)
	toUnix := strconv.FormatInt(f.To.Unix(), 10)
	out, err := runAppleScript(ctx, []string{
		`on cleanText(v)`,
		`set s to v as text`,
		`set AppleScript's text item delimiters to tab`,
		`set parts to text items of s`,
		`set AppleScript's text item delimiters to " "`,
		`set s to parts as text`,
		`set AppleScript's text item delimiters to linefeed`,
		`set parts to text items of s`,
		`set AppleScript's text item delimiters to " "`,
		`set s to parts as text`,
		`set AppleScript's text item delimiters to ""`,
		`return s`,
		`end cleanText`,
		`on run argv`,
		`set epoch to date "1/1/1970 00:00:00"`,
		`set fromDate to epoch + (item 1 of argv as integer)`,
		`set toDate to epoch + (item 2 of argv as integer)`,
		`set rows to {}`,
		`tell application "Calendar"`,
		`repeat with c in calendars`,
		`set calID to ""`,
		`try`,
		`set calID to (calendarIdentifier of c as text)`,
		`on error`,
		`set calID to (name of c as text)`,
		`end try`,
		`set calName to my cleanText(name of c as text)`,
		`repeat with e in (every event of c whose start date <= toDate and end date >= fromDate)`,
		`set evStartUnix to (((start date of e) - epoch) as integer)`,
		`set evEndUnix to (((end date of e) - epoch) as integer)`,
		`set evLoc to ""`,
		`try`,
		`set evLoc to my cleanText(location of e as text)`,
		`end try`,
		`set rowText to (uid of e as text) & tab & calID & tab & calName & tab & my cleanText(summary of e as text) & tab & (evStartUnix as text) & tab & (evEndUnix as text) & tab & (allday event of e as text) & tab & evLoc`,
		`copy rowText to end of rows`,
		`end repeat`,
		`end repeat`,
		`end tell`,
		`set AppleScript's text item delimiters to linefeed`,
		`set joined to rows as text`,
		`set AppleScript's text item delimiters to ""`,
		`return joined`,
		`end run`,
	}, fromUnix, toUnix)
	if err != nil {
		return nil, err
	}
	lines := splitLines(out)
	items := make([]contract.Event, 0, initialEventCapacity(f.Limit))
	for _, line := range lines {
		parts := strings.Split(line, "\t")
		if len(parts) < 8 {
			continue
		}
		startUnix, err := strconv.ParseInt(strings.TrimSpace(parts[4]), 10, 64)
		if err != nil {
			continue
		}
		endUnix, err := strconv.ParseInt(strings.TrimSpace(parts[5]), 10, 64)
		if err != nil {
			continue
		}
		e := contract.Event{
			ID:            fmt.Sprintf("%s@%d", strings.TrimSpace(parts[0]), startUnix-cocoaEpochOffset),
			CalendarID:    strings.TrimSpace(parts[1]),
			CalendarTitle: strings.TrimSpace(parts[2]),
			Title:         strings.TrimSpace(parts[3]),
			Start:         time.Unix(startUnix, 0).In(f.From.Location()),
			End:           time.Unix(endUnix, 0).In(f.From.Location()),
			AllDay:        strings.EqualFold(strings.TrimSpace(parts[6]), "true"),
			Location:      strings.TrimSpace(parts[7]),
		}
		if len(f.CalendarIDs) > 0 && !containsFold(f.CalendarIDs, e.CalendarID) {
			continue
		}
		items = append(items, e)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Start.Equal(items[j].Start) {
			return items[i].ID < items[j].ID
		}
		return items[i].Start.Before(items[j].Start)
	})
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items, nil
}

func (b *AppleStore) fingerprint(ctx context.Context) (fingerprint, error) {
	var fp fingerprint
	dbPath, err := findCalendarDB()
	if err != nil {
		return fp, err
	}
	db, err := sql.Open("sqlite", calendarLiveDSN(dbPath))
	if err != nil {
		return fp, err
	}
	defer db.Close()
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) || ':' || COALESCE(MAX(ROWID), 0) FROM Calendar`).Scan(&fp.Calendars); err != nil {
		return fp, err
	}
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) || ':' || CAST(COALESCE(MAX(last_modified), 0) AS INTEGER) FROM CalendarItem`).Scan(&fp.Events); err != nil {
		return fp, err
	}
	return fp, nil
}

func (b *AppleStore) Watch(ctx context.Context) (<-chan Change, error) {
	dbPath, err := findCalendarDB()
	if err != nil {
		return nil, err
	}
	return newChangeWatcher(dbPath, b.fingerprint, b.log).start(ctx)
}

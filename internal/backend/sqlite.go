package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agis/calmgr/internal/contract"
)

// SQLiteStore is a self-contained event database backed by a single sqlite
// file. Other processes may open the same file; their writes surface through
// Watch.
type SQLiteStore struct {
	path     string
	db       *sql.DB
	prompter Prompter
	loc      *time.Location
	log      *slog.Logger
	watcher  *changeWatcher
}

type SQLiteOption func(*SQLiteStore)

func WithPrompter(p Prompter) SQLiteOption {
	return func(s *SQLiteStore) { s.prompter = p }
}

func WithStoreLocation(loc *time.Location) SQLiteOption {
	return func(s *SQLiteStore) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithStoreLogger(l *slog.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		if l != nil {
			s.log = l
		}
	}
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func OpenSQLiteStore(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	// One connection keeps pragmas and write ordering predictable.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{
		path: path,
		db:   db,
		loc:  time.Local,
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.watcher = newChangeWatcher(path, s.fingerprint, s.log)
	s.touch(ctx)
	return s, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) fingerprint(ctx context.Context) (fingerprint, error) {
	var fp fingerprint
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) || ':' || COALESCE(SUM(revision), 0) FROM calendars`).Scan(&fp.Calendars); err != nil {
		return fp, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) || ':' || COALESCE(SUM(revision), 0) FROM events`).Scan(&fp.Events); err != nil {
		return fp, err
	}
	return fp, nil
}

// touch marks the current state as seen so own writes are not reported.
func (s *SQLiteStore) touch(ctx context.Context) {
	fp, err := s.fingerprint(ctx)
	if err != nil {
		s.log.Debug("fingerprint refresh failed", "err", err)
		return
	}
	s.watcher.remember(fp)
}

func (s *SQLiteStore) Watch(ctx context.Context) (<-chan Change, error) {
	return s.watcher.start(ctx)
}

func (s *SQLiteStore) Doctor(ctx context.Context) ([]contract.DoctorCheck, error) {
	checks := []contract.DoctorCheck{}
	if err := s.db.PingContext(ctx); err != nil {
		checks = append(checks, contract.DoctorCheck{Name: "calendar_db", Status: "fail", Message: err.Error()})
		return checks, err
	}
	checks = append(checks, contract.DoctorCheck{Name: "calendar_db", Status: "ok", Message: "Event database at " + s.path})
	state, err := s.AuthorizationStatus(ctx)
	if err != nil {
		checks = append(checks, contract.DoctorCheck{Name: "calendar_access", Status: "fail", Message: err.Error()})
		return checks, err
	}
	switch state {
	case contract.AuthGranted:
		checks = append(checks, contract.DoctorCheck{Name: "calendar_access", Status: "ok", Message: "Calendar access granted"})
	case contract.AuthDenied:
		checks = append(checks, contract.DoctorCheck{Name: "calendar_access", Status: "fail", Message: "Calendar access denied"})
	default:
		checks = append(checks, contract.DoctorCheck{Name: "calendar_access", Status: "warn", Message: "Calendar access not requested yet"})
	}
	return checks, nil
}

func (s *SQLiteStore) AuthorizationStatus(ctx context.Context) (contract.AuthState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM grants WHERE id = 1`).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return contract.AuthUnrequested, nil
	}
	if err != nil {
		return "", err
	}
	return contract.AuthState(state), nil
}

func (s *SQLiteStore) RequestAccess(ctx context.Context) (bool, error) {
	state, err := s.AuthorizationStatus(ctx)
	if err != nil {
		return false, err
	}
	switch state {
	case contract.AuthGranted:
		return true, nil
	case contract.AuthDenied:
		return false, nil
	}
	if s.prompter == nil {
		return false, fmt.Errorf("no prompter configured to ask for calendar access")
	}
	ok, err := s.prompter.Confirm(ctx, fmt.Sprintf("Allow access to calendars in %s?", s.path))
	if err != nil {
		return false, err
	}
	decided := contract.AuthDenied
	if ok {
		decided = contract.AuthGranted
	}
	if err := s.SetAuthorization(ctx, decided); err != nil {
		return false, err
	}
	return ok, nil
}

// SetAuthorization records an access decision, or clears it with
// AuthUnrequested. It is how another process revokes access out-of-band.
func (s *SQLiteStore) SetAuthorization(ctx context.Context, state contract.AuthState) error {
	if state == contract.AuthUnrequested {
		_, err := s.db.ExecContext(ctx, `DELETE FROM grants WHERE id = 1`)
		return err
	}
	if state != contract.AuthGranted && state != contract.AuthDenied {
		return fmt.Errorf("cannot persist authorization state %q", state)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO grants (id, state, decided_unix) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, decided_unix = excluded.decided_unix`,
		string(state), time.Now().Unix())
	return err
}

func (s *SQLiteStore) ListSources(ctx context.Context) ([]contract.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, kind FROM sources ORDER BY title, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contract.Source
	for rows.Next() {
		var src contract.Source
		var kind string
		if err := rows.Scan(&src.ID, &src.Title, &kind); err != nil {
			return nil, err
		}
		src.Kind = contract.SourceKind(kind)
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListCalendars(ctx context.Context) ([]contract.Calendar, error) {
	def, err := s.DefaultCalendarID(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT c.id, c.source_id, s.kind, c.title, c.color, c.writable, c.removable
FROM calendars c
JOIN sources s ON s.id = c.source_id
ORDER BY s.title, c.title, c.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []contract.Calendar
	for rows.Next() {
		var c contract.Calendar
		var kind string
		if err := rows.Scan(&c.ID, &c.SourceID, &kind, &c.Title, &c.Color, &c.Writable, &c.Removable); err != nil {
			return nil, err
		}
		c.SourceKind = contract.SourceKind(kind)
		c.Default = c.ID == def
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DefaultCalendarID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
SELECT st.value FROM settings st
JOIN calendars c ON c.id = st.value
WHERE st.key = ?`, settingDefaultCalendar).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// SetDefaultCalendarID persists the store-level default calendar.
func (s *SQLiteStore) SetDefaultCalendarID(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM calendars WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("calendar %s: %w", id, ErrNotFound)
	}
	return setDefaultCalendar(ctx, s.db, id)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setDefaultCalendar(ctx context.Context, db execer, id string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingDefaultCalendar, id)
	return err
}

func (s *SQLiteStore) CreateCalendar(ctx context.Context, in CalendarCreateInput) (*contract.Calendar, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("calendar title required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var kind string
	err = tx.QueryRowContext(ctx, `SELECT kind FROM sources WHERE id = ?`, in.SourceID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", in.SourceID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	switch contract.SourceKind(kind) {
	case contract.SourceBirthdays, contract.SourceSubscribed:
		return nil, fmt.Errorf("source %s does not allow new calendars: %w", in.SourceID, ErrReadOnly)
	}
	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calendars WHERE source_id = ? AND title = ?`, in.SourceID, title).Scan(&n); err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, fmt.Errorf("calendar %q already exists in source: %w", title, ErrConflict)
	}
	cal := contract.Calendar{
		ID:         uuid.NewString(),
		SourceID:   in.SourceID,
		SourceKind: contract.SourceKind(kind),
		Title:      title,
		Color:      in.Color,
		Writable:   true,
		Removable:  true,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calendars (id, source_id, title, color, writable, removable, revision) VALUES (?, ?, ?, ?, 1, 1, ?)`,
		cal.ID, cal.SourceID, cal.Title, cal.Color, time.Now().UnixNano()); err != nil {
		return nil, err
	}
	if in.MakeDefault {
		if err := setDefaultCalendar(ctx, tx, cal.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.touch(ctx)
	s.log.Debug("calendar created", "id", cal.ID, "title", cal.Title, "default", in.MakeDefault)
	return &cal, nil
}

func (s *SQLiteStore) RemoveCalendar(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var removable bool
	err = tx.QueryRowContext(ctx, `SELECT removable FROM calendars WHERE id = ?`, id).Scan(&removable)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("calendar %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !removable {
		return fmt.Errorf("calendar %s: %w", id, ErrNotRemovable)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM settings WHERE key = ? AND value = ?`, settingDefaultCalendar, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.touch(ctx)
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, f EventFilter) ([]contract.Event, error) {
	if f.From.IsZero() || f.To.IsZero() {
		return nil, fmt.Errorf("from/to required")
	}
	if f.To.Before(f.From) {
		return nil, fmt.Errorf("invalid time range")
	}
	query, args := buildSQLiteEventsQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var base []contract.Event
	for rows.Next() {
		e, err := s.scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		base = append(base, e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := s.attachAlarms(ctx, base); err != nil {
		return nil, err
	}

	items := make([]contract.Event, 0, len(base))
	for _, e := range base {
		occ, err := expandOccurrences(e, f.From, f.To, 0)
		if err != nil {
			s.log.Warn("skipping event with bad recurrence", "id", e.ID, "err", err)
			continue
		}
		items = append(items, occ...)
	}
	sort.SliceStable(items, func(i, j int) bool {
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

func buildSQLiteEventsQuery(f EventFilter) (string, []any) {
	var b strings.Builder
	b.WriteString(`
SELECT e.id, e.calendar_id, c.title, e.title, e.location, e.notes, e.url,
       e.start_unix, e.end_unix, e.all_day, e.recurrence, e.updated_unix
FROM events e
JOIN calendars c ON c.id = e.calendar_id
WHERE e.start_unix <= ?
  AND (e.recurrence <> '' OR e.end_unix >= ?)`)
	args := []any{f.To.Unix(), f.From.Unix()}
	if len(f.CalendarIDs) > 0 {
		b.WriteString("\n  AND e.calendar_id IN (")
		for i, id := range f.CalendarIDs {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, id)
		}
		b.WriteString(")")
	}
	b.WriteString("\nORDER BY e.start_unix ASC, e.id ASC")
	return b.String(), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanEvent(r rowScanner) (contract.Event, error) {
	var e contract.Event
	var startUnix, endUnix, updatedUnix int64
	if err := r.Scan(&e.ID, &e.CalendarID, &e.CalendarTitle, &e.Title, &e.Location, &e.Notes, &e.URL,
		&startUnix, &endUnix, &e.AllDay, &e.Recurrence, &updatedUnix); err != nil {
		return e, err
	}
	e.Start = time.Unix(startUnix, 0).In(s.loc)
	e.End = time.Unix(endUnix, 0).In(s.loc)
	if updatedUnix > 0 {
		e.UpdatedAt = time.Unix(updatedUnix, 0).In(s.loc)
	}
	return e, nil
}

func (s *SQLiteStore) attachAlarms(ctx context.Context, events []contract.Event) error {
	if len(events) == 0 {
		return nil
	}
	idx := make(map[string][]int, len(events))
	args := make([]any, 0, len(events))
	for i, e := range events {
		if _, ok := idx[e.ID]; !ok {
			args = append(args, e.ID)
		}
		idx[e.ID] = append(idx[e.ID], i)
	}
	q := `SELECT event_id, minutes_before FROM alarms WHERE event_id IN (?` + strings.Repeat(", ?", len(args)-1) + `) ORDER BY event_id, minutes_before DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var mins int
		if err := rows.Scan(&id, &mins); err != nil {
			return err
		}
		for _, i := range idx[id] {
			events[i].Alarms = append(events[i].Alarms, contract.Alarm{MinutesBefore: mins})
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) getEvent(ctx context.Context, id string) (*contract.Event, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT e.id, e.calendar_id, c.title, e.title, e.location, e.notes, e.url,
       e.start_unix, e.end_unix, e.all_day, e.recurrence, e.updated_unix
FROM events e
JOIN calendars c ON c.id = e.calendar_id
WHERE e.id = ?`, id)
	e, err := s.scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	items := []contract.Event{e}
	if err := s.attachAlarms(ctx, items); err != nil {
		return nil, err
	}
	return &items[0], nil
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, ev contract.Event) (*contract.Event, error) {
	if err := ValidateRecurrence(ev.Recurrence); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var writable bool
	err = tx.QueryRowContext(ctx, `SELECT writable FROM calendars WHERE id = ?`, ev.CalendarID).Scan(&writable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("calendar %s: %w", ev.CalendarID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !writable {
		return nil, fmt.Errorf("calendar %s: %w", ev.CalendarID, ErrReadOnly)
	}

	now := time.Now()
	id, _ := parseEventID(ev.ID)
	if id == "" {
		id = uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO events (id, calendar_id, title, location, notes, url, start_unix, end_unix, all_day, recurrence, updated_unix, revision)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, ev.CalendarID, ev.Title, ev.Location, ev.Notes, ev.URL, ev.Start.Unix(), ev.End.Unix(), ev.AllDay,
			strings.TrimSpace(ev.Recurrence), now.Unix(), now.UnixNano()); err != nil {
			return nil, err
		}
	} else {
		res, err := tx.ExecContext(ctx, `
UPDATE events SET calendar_id = ?, title = ?, location = ?, notes = ?, url = ?, start_unix = ?, end_unix = ?,
       all_day = ?, recurrence = ?, updated_unix = ?, revision = ?
WHERE id = ?`,
			ev.CalendarID, ev.Title, ev.Location, ev.Notes, ev.URL, ev.Start.Unix(), ev.End.Unix(), ev.AllDay,
			strings.TrimSpace(ev.Recurrence), now.Unix(), now.UnixNano(), id)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM alarms WHERE event_id = ?`, id); err != nil {
			return nil, err
		}
	}
	for _, a := range ev.Alarms {
		if _, err := tx.ExecContext(ctx, `INSERT INTO alarms (event_id, minutes_before) VALUES (?, ?)`, id, a.MinutesBefore); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.touch(ctx)
	return s.getEvent(ctx, id)
}

func (s *SQLiteStore) RemoveEvent(ctx context.Context, id string) error {
	uid, _ := parseEventID(id)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, uid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	s.touch(ctx)
	return nil
}

package backend

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agis/calmgr/internal/contract"
)

const (
	settingDefaultCalendar = "default_calendar"

	localCalendarColor    = "#1badf8"
	birthdayCalendarColor = "#8e8e93"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id    TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		kind  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS calendars (
		id        TEXT PRIMARY KEY,
		source_id TEXT NOT NULL REFERENCES sources(id),
		title     TEXT NOT NULL,
		color     TEXT NOT NULL DEFAULT '',
		writable  INTEGER NOT NULL DEFAULT 1,
		removable INTEGER NOT NULL DEFAULT 1,
		revision  INTEGER NOT NULL DEFAULT 0,
		UNIQUE (source_id, title)
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id          TEXT PRIMARY KEY,
		calendar_id TEXT NOT NULL REFERENCES calendars(id) ON DELETE CASCADE,
		title       TEXT NOT NULL DEFAULT '',
		location    TEXT NOT NULL DEFAULT '',
		notes       TEXT NOT NULL DEFAULT '',
		url         TEXT NOT NULL DEFAULT '',
		start_unix  INTEGER NOT NULL,
		end_unix    INTEGER NOT NULL,
		all_day     INTEGER NOT NULL DEFAULT 0,
		recurrence  TEXT NOT NULL DEFAULT '',
		updated_unix INTEGER NOT NULL DEFAULT 0,
		revision    INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS events_calendar_start ON events (calendar_id, start_unix)`,
	`CREATE TABLE IF NOT EXISTS alarms (
		event_id       TEXT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		minutes_before INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS grants (
		id          INTEGER PRIMARY KEY CHECK (id = 1),
		state       TEXT NOT NULL,
		decided_unix INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return seed(ctx, db)
}

// seed creates the local and birthdays sources on an empty database.
func seed(ctx context.Context, db *sql.DB) error {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rev := time.Now().UnixNano()
	localID, birthdaysID := uuid.NewString(), uuid.NewString()
	defaultCal := uuid.NewString()
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT INTO sources (id, title, kind) VALUES (?, ?, ?)`, []any{localID, "Local", string(contract.SourceLocal)}},
		{`INSERT INTO sources (id, title, kind) VALUES (?, ?, ?)`, []any{birthdaysID, "Other", string(contract.SourceBirthdays)}},
		{`INSERT INTO calendars (id, source_id, title, color, writable, removable, revision) VALUES (?, ?, ?, ?, 1, 1, ?)`,
			[]any{defaultCal, localID, "Calendar", localCalendarColor, rev}},
		{`INSERT INTO calendars (id, source_id, title, color, writable, removable, revision) VALUES (?, ?, ?, ?, 0, 0, ?)`,
			[]any{uuid.NewString(), birthdaysID, "Birthdays", birthdayCalendarColor, rev}},
		{`INSERT INTO settings (key, value) VALUES (?, ?)`, []any{settingDefaultCalendar, defaultCal}},
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.q, s.args...); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return tx.Commit()
}

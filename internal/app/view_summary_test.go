package app

import (
	"testing"
	"time"

	"github.com/agis/calmgr/internal/contract"
)

func TestSummarizeEventsByDay(t *testing.T) {
	loc := time.UTC
	from := time.Date(2026, 2, 9, 0, 0, 0, 0, loc)
	to := time.Date(2026, 2, 12, 0, 0, 0, 0, loc)
	events := []contract.Event{
		{Start: time.Date(2026, 2, 9, 10, 0, 0, 0, loc), CalendarTitle: "Work"},
		{Start: time.Date(2026, 2, 9, 12, 0, 0, 0, loc), AllDay: true, CalendarTitle: "Home"},
		{Start: time.Date(2026, 2, 11, 9, 0, 0, 0, loc), CalendarTitle: "Work"},
	}
	rows := summarizeEventsByDay(events, from, to, loc)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0].Date != "2026-02-09" || rows[0].Total != 2 || rows[0].AllDay != 1 || rows[0].Timed != 1 {
		t.Fatalf("unexpected day 1 summary: %+v", rows[0])
	}
	if rows[0].Calendars["Work"] != 1 || rows[0].Calendars["Home"] != 1 {
		t.Fatalf("unexpected per-calendar counts: %+v", rows[0].Calendars)
	}
	if rows[1].Date != "2026-02-10" || rows[1].Total != 0 {
		t.Fatalf("unexpected day 2 summary: %+v", rows[1])
	}
	if rows[2].Date != "2026-02-11" || rows[2].Total != 1 {
		t.Fatalf("unexpected day 3 summary: %+v", rows[2])
	}
}

func TestSummarizeEventsByDayUsesLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	from := time.Date(2026, 2, 9, 0, 0, 0, 0, tokyo)
	to := from.AddDate(0, 0, 1)
	// 2026-02-08T20:00Z is the morning of the 9th in Tokyo.
	events := []contract.Event{{Start: time.Date(2026, 2, 8, 20, 0, 0, 0, time.UTC)}}
	rows := summarizeEventsByDay(events, from.UTC(), to.UTC(), tokyo)
	if len(rows) != 1 || rows[0].Date != "2026-02-09" || rows[0].Total != 1 {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestSummarizeEventsByDayEmptyRange(t *testing.T) {
	at := time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC)
	if rows := summarizeEventsByDay(nil, at, at, time.UTC); rows != nil {
		t.Fatalf("expected nil for empty range, got %+v", rows)
	}
}

package app

import (
	"time"

	"github.com/agis/calmgr/internal/contract"
)

type daySummary struct {
	Date      string         `json:"date"`
	Total     int            `json:"total"`
	AllDay    int            `json:"all_day"`
	Timed     int            `json:"timed"`
	Calendars map[string]int `json:"calendars,omitempty"`
}

// summarizeEventsByDay buckets events per local day over [from, to). Days
// without events are kept so the result has no gaps.
func summarizeEventsByDay(events []contract.Event, from, to time.Time, loc *time.Location) []daySummary {
	if !to.After(from) {
		return nil
	}
	buckets := map[string]*daySummary{}
	for _, e := range events {
		day := e.Start.In(loc).Format("2006-01-02")
		row, ok := buckets[day]
		if !ok {
			row = &daySummary{Date: day, Calendars: map[string]int{}}
			buckets[day] = row
		}
		row.Total++
		if e.AllDay {
			row.AllDay++
		} else {
			row.Timed++
		}
		if e.CalendarTitle != "" {
			row.Calendars[e.CalendarTitle]++
		}
	}

	var rows []daySummary
	for d := midnightIn(from.In(loc), loc); d.Before(to); d = d.AddDate(0, 0, 1) {
		key := d.Format("2006-01-02")
		if row, ok := buckets[key]; ok {
			rows = append(rows, *row)
			continue
		}
		rows = append(rows, daySummary{Date: key})
	}
	return rows
}

package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/agis/calmgr/internal/contract"
)

// scriptColor converts #rrggbb into AppleScript's 16-bit RGB list.
func scriptColor(hex string) string {
	c, err := colorful.Hex(hex)
	if err != nil {
		return ""
	}
	r, g, b := c.RGB255()
	return fmt.Sprintf("{%d, %d, %d}", int(r)*257, int(g)*257, int(b)*257)
}

// CreateCalendar adds a calendar to the account Calendar.app considers
// default; AppleScript cannot target a specific source.
func (b *AppleStore) CreateCalendar(ctx context.Context, in CalendarCreateInput) (*contract.Calendar, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("calendar title required")
	}
	if in.SourceID != "" {
		sources, err := b.ListSources(ctx)
		if err != nil {
			return nil, err
		}
		var kind contract.SourceKind
		for _, s := range sources {
			if s.ID == in.SourceID {
				kind = s.Kind
			}
		}
		switch kind {
		case "":
			return nil, fmt.Errorf("source %s: %w", in.SourceID, ErrNotFound)
		case contract.SourceBirthdays, contract.SourceSubscribed:
			return nil, fmt.Errorf("source %s does not allow new calendars: %w", in.SourceID, ErrReadOnly)
		}
	}
	out, err := runAppleScript(ctx, []string{
		`on run argv`,
		`set calName to item 1 of argv`,
		`set colorText to item 2 of argv`,
		`tell application "Calendar"`,
		`if (count of (calendars whose name is calName)) > 0 then error "calendar already exists"`,
		`set newCal to make new calendar with properties {name:calName}`,
		`if colorText is not "" then set color of newCal to (run script colorText)`,
		`try`,
		`return calendarIdentifier of newCal as text`,
		`on error`,
		`return name of newCal as text`,
		`end try`,
		`end tell`,
		`end run`,
	}, title, scriptColor(in.Color))
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("calendar %q: %w", title, ErrConflict)
		}
		return nil, err
	}
	id := strings.TrimSpace(trimOuterQuotes(strings.TrimSpace(out)))
	return &contract.Calendar{
		ID:         id,
		SourceID:   in.SourceID,
		SourceKind: contract.SourceLocal,
		Title:      title,
		Color:      in.Color,
		Writable:   true,
		Removable:  true,
	}, nil
}

func (b *AppleStore) RemoveCalendar(ctx context.Context, id string) error {
	cal, err := b.calendarByID(ctx, id)
	if err != nil {
		return err
	}
	if !cal.Removable {
		return fmt.Errorf("calendar %s: %w", id, ErrNotRemovable)
	}
	_, err = runAppleScript(ctx, []string{
		`on run argv`,
		`set calName to item 1 of argv`,
		`tell application "Calendar"`,
		`delete (first calendar whose name is calName)`,
		`end tell`,
		`return "ok"`,
		`end run`,
	}, cal.Title)
	return err
}

func alarmsArg(alarms []contract.Alarm) string {
	parts := make([]string, 0, len(alarms))
	for _, a := range alarms {
		parts = append(parts, strconv.Itoa(a.MinutesBefore))
	}
	return strings.Join(parts, ",")
}

func (b *AppleStore) SaveEvent(ctx context.Context, ev contract.Event) (*contract.Event, error) {
	cal, err := b.calendarByID(ctx, ev.CalendarID)
	if err != nil {
		return nil, err
	}
	if !cal.Writable {
		return nil, fmt.Errorf("calendar %s: %w", ev.CalendarID, ErrReadOnly)
	}
	uid, occ := parseEventID(ev.ID)
	occUnix := "0"
	if occ > 0 {
		occUnix = strconv.FormatInt(occ+cocoaEpochOffset, 10)
	}
	out, err := runAppleScript(ctx, []string{
		`on run argv`,
		`set uidText to item 1 of argv`,
		`set occUnix to item 2 of argv as integer`,
		`set calName to item 3 of argv`,
		`set titleText to item 4 of argv`,
		`set startText to item 5 of argv`,
		`set endText to item 6 of argv`,
		`set locationText to item 7 of argv`,
		`set notesText to item 8 of argv`,
		`set urlText to item 9 of argv`,
		`set allDayText to item 10 of argv`,
		`set alarmText to item 11 of argv`,
		`set epoch to date "1/1/1970 00:00:00"`,
		`set startDate to (epoch + (startText as integer))`,
		`set endDate to (epoch + (endText as integer))`,
		`tell application "Calendar"`,
		`set targetCal to first calendar whose name is calName`,
		`set targetEvent to missing value`,
		`if uidText is not "" then`,
		`repeat with c in calendars`,
		`try`,
		`if occUnix > 0 then`,
		`set targetEvent to first event of c whose uid is uidText and ((start date of it - epoch) as integer) is occUnix`,
		`else`,
		`set targetEvent to first event of c whose uid is uidText`,
		`end if`,
		`exit repeat`,
		`end try`,
		`end repeat`,
		`if targetEvent is missing value then error "event not found"`,
		`set summary of targetEvent to titleText`,
		`set start date of targetEvent to startDate`,
		`set end date of targetEvent to endDate`,
		`else`,
		`set targetEvent to make new event at end of events of targetCal with properties {summary:titleText, start date:startDate, end date:endDate}`,
		`end if`,
		`set allday event of targetEvent to (allDayText is "true")`,
		`set location of targetEvent to locationText`,
		`set description of targetEvent to notesText`,
		`if urlText is not "" then set url of targetEvent to urlText`,
		`delete every display alarm of targetEvent`,
		`if alarmText is not "" then`,
		`set AppleScript's text item delimiters to ","`,
		`repeat with m in (text items of alarmText)`,
		`make new display alarm at end of display alarms of targetEvent with properties {trigger interval:(0 - (m as integer))}`,
		`end repeat`,
		`set AppleScript's text item delimiters to ""`,
		`end if`,
		`return uid of targetEvent as text`,
		`end tell`,
		`end run`,
	}, uid, occUnix, cal.Title, ev.Title, strconv.FormatInt(ev.Start.Unix(), 10), strconv.FormatInt(ev.End.Unix(), 10),
		ev.Location, ev.Notes, ev.URL, boolToScript(ev.AllDay), alarmsArg(ev.Alarms))
	if err != nil {
		if strings.Contains(err.Error(), "event not found") {
			return nil, fmt.Errorf("event %s: %w", ev.ID, ErrNotFound)
		}
		return nil, err
	}
	savedUID := strings.TrimSpace(trimOuterQuotes(strings.TrimSpace(out)))
	if savedUID == "" {
		return nil, fmt.Errorf("failed to save event")
	}
	if item, ferr := b.findByUID(ctx, savedUID, ev.Start, ev.End); ferr == nil {
		item.Alarms = ev.Alarms
		return item, nil
	}
	// OccurrenceCache can lag immediately after writes; return a deterministic ID anyway.
	saved := ev
	saved.ID = fmt.Sprintf("%s@%d", savedUID, ev.Start.Unix()-cocoaEpochOffset)
	saved.CalendarID = cal.ID
	saved.CalendarTitle = cal.Title
	saved.UpdatedAt = time.Now()
	return &saved, nil
}

func (b *AppleStore) RemoveEvent(ctx context.Context, id string) error {
	uid, occ := parseEventID(id)
	if uid == "" {
		return fmt.Errorf("invalid event id")
	}
	occUnix := "0"
	if occ > 0 {
		occUnix = strconv.FormatInt(occ+cocoaEpochOffset, 10)
	}
	_, err := runAppleScript(ctx, []string{
		`on run argv`,
		`set uidText to item 1 of argv`,
		`set occUnix to item 2 of argv as integer`,
		`set epoch to date "1/1/1970 00:00:00"`,
		`tell application "Calendar"`,
		`repeat with c in calendars`,
		`try`,
		`if occUnix > 0 then`,
		`set targetEvent to first event of c whose uid is uidText and ((start date of it - epoch) as integer) is occUnix`,
		`else`,
		`set targetEvent to first event of c whose uid is uidText`,
		`end if`,
		`delete targetEvent`,
		`return "ok"`,
		`end try`,
		`end repeat`,
		`error "event not found"`,
		`end tell`,
		`end run`,
	}, uid, occUnix)
	if err != nil && strings.Contains(err.Error(), "event not found") {
		return fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return err
}

func (b *AppleStore) findByUID(ctx context.Context, uid string, start, end time.Time) (*contract.Event, error) {
	items, err := b.ListEvents(ctx, EventFilter{From: start.Add(-24 * time.Hour), To: end.Add(24 * time.Hour)})
	if err != nil {
		return nil, err
	}
	for _, e := range items {
		idUID, _ := parseEventID(e.ID)
		if idUID == uid {
			cp := e
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("saved event not visible in occurrence cache yet")
}

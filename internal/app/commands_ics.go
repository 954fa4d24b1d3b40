package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/calendar"
	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/output"
)

const icsProductID = "-//calmgr//EN"

func newEventsExportCmd(opts *globalOptions) *cobra.Command {
	var calendars []string
	var fromS, toS, outPath string
	var limit int
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export events to ICS",
		RunE: func(c *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(c, opts, "events.export")
			if err != nil {
				return err
			}
			defer mgr.Close()
			r, err := buildEventRange("between", "", fromS, toS, nowFunc(), resolveLocation(ro.TZ))
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use valid --from/--to values", exitUsage)
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			ids, err := resolveCalendarIDs(ctx, mgr, calendars)
			if err != nil {
				return failFacade(p, err, "")
			}
			items, err := timed(ctx, "calendar.list_events", func(ctx context.Context) ([]contract.Event, error) {
				return mgr.ListEvents(ctx, r, ids...)
			})
			if err != nil {
				return failFacade(p, err, "")
			}
			if limit > 0 && len(items) > limit {
				items = items[:limit]
			}
			ics := buildICS(items, nowFunc())
			meta := map[string]any{"count": len(items)}
			if strings.TrimSpace(outPath) != "" {
				if err := os.WriteFile(outPath, []byte(ics), 0o644); err != nil {
					return failWithHint(p, contract.ErrGeneric, err, "Check destination path permissions", 1)
				}
				return successWithMeta(ctx, p, ro, map[string]any{"path": outPath, "events": len(items)}, meta, nil)
			}
			if m := p.EffectiveSuccessMode(); m == output.ModeJSON || m == output.ModeJSONL {
				return successWithMeta(ctx, p, ro, map[string]any{"ics": ics, "events": len(items)}, meta, nil)
			}
			_, _ = fmt.Fprint(c.OutOrStdout(), ics)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&calendars, "calendar", nil, "Calendar ID or name (repeatable)")
	cmd.Flags().StringVar(&fromS, "from", "today", "Range start")
	cmd.Flags().StringVar(&toS, "to", "+30d", "Range end")
	cmd.Flags().IntVar(&limit, "limit", 0, "Limit events exported")
	cmd.Flags().StringVar(&outPath, "out", "", "Output file path (default stdout)")
	return cmd
}

func newEventsImportCmd(opts *globalOptions) *cobra.Command {
	var filePath, calendarRef string
	var dryRun, strict bool
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import events from ICS",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			p, mgr, ro, err := buildContext(c, opts, "events.import")
			if err != nil {
				return err
			}
			defer mgr.Close()
			if len(args) == 1 {
				filePath = args[0]
			}
			if strings.TrimSpace(filePath) == "" {
				return failWithHint(p, contract.ErrInvalidUsage, errors.New("an ICS file is required"), "Pass a path, --file <path>, or --file - for stdin", exitUsage)
			}
			raw, err := readICSInput(c.InOrStdin(), filePath)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Check the file path or stdin data", exitUsage)
			}
			items, warnings, err := parseICS(raw, resolveLocation(ro.TZ))
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Validate the ICS content", exitUsage)
			}
			if len(items) == 0 {
				return failWithHint(p, contract.ErrInvalidUsage, errors.New("no importable VEVENT entries"), "Validate ICS content and DTSTART/DTEND fields", exitUsage)
			}
			if strict && len(warnings) > 0 {
				return failWithHint(p, contract.ErrInvalidUsage, errors.New("strict import rejected warnings"), "Fix ICS warnings or omit --strict", exitUsage)
			}

			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			calendarID := ""
			if strings.TrimSpace(calendarRef) != "" {
				ids, err := resolveCalendarIDs(ctx, mgr, []string{calendarRef})
				if err != nil {
					return failFacade(p, err, "")
				}
				calendarID = ids[0]
			}
			calendarID = importTarget(ctx, mgr, calendarID)
			for i := range items {
				items[i].CalendarID = calendarID
			}
			if dryRun {
				return successWithMeta(ctx, p, ro, items, map[string]any{"count": len(items), "dry_run": true, "warnings": len(warnings)}, warnings)
			}
			created := make([]contract.Event, 0, len(items))
			for i := range items {
				ev := items[i]
				if err := timedErr(ctx, "calendar.save_event", func(ctx context.Context) error {
					return mgr.SaveEvent(ctx, &ev)
				}); err != nil {
					return failFacade(p, fmt.Errorf("import %q: %w", items[i].Title, err), "Import stopped; retry with --dry-run for diagnostics")
				}
				created = append(created, ev)
			}
			return successWithMeta(ctx, p, ro, created, map[string]any{"count": len(created), "warnings": len(warnings)}, warnings)
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "ICS file path or - for stdin")
	cmd.Flags().StringVar(&calendarRef, "calendar", "", "Target calendar ID or name (default calendar when empty)")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Preview import without writing")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat parser warnings as errors")
	return cmd
}

func readICSInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// buildICS renders events as a VCALENDAR. Recurring events arrive expanded
// and are written one VEVENT per occurrence.
func buildICS(items []contract.Event, stamp time.Time) string {
	cal := ical.NewCalendar()
	cal.SetProductId(icsProductID)
	cal.SetMethod(ical.MethodPublish)
	for _, e := range items {
		ve := cal.AddEvent(e.ID)
		ve.SetDtStampTime(stamp.UTC())
		if e.AllDay {
			ve.SetAllDayStartAt(e.Start)
			ve.SetAllDayEndAt(e.End)
		} else {
			ve.SetStartAt(e.Start.UTC())
			ve.SetEndAt(e.End.UTC())
		}
		ve.SetSummary(e.Title)
		if e.Location != "" {
			ve.SetLocation(e.Location)
		}
		if e.Notes != "" {
			ve.SetDescription(e.Notes)
		}
		if e.URL != "" {
			ve.SetURL(e.URL)
		}
		if e.CalendarTitle != "" {
			ve.SetProperty(ical.ComponentPropertyCategories, e.CalendarTitle)
		}
		for _, a := range e.Alarms {
			alarm := ve.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(formatTrigger(a.MinutesBefore))
			alarm.SetProperty(ical.ComponentPropertyDescription, e.Title)
		}
	}
	return cal.Serialize()
}

// parseICS reads every VEVENT into an unsaved event. Entries that cannot be
// used are skipped with a warning.
func parseICS(raw []byte, loc *time.Location) ([]contract.Event, []string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil, errors.New("empty ICS input")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("parse ICS: %w", err)
	}
	var items []contract.Event
	var warnings []string
	for i, ve := range cal.Events() {
		ev, warn, ok := icsEvent(ve, loc)
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("VEVENT %d: %s", i+1, warn))
		}
		if ok {
			items = append(items, ev)
		}
	}
	return items, warnings, nil
}

func icsEvent(ve *ical.VEvent, loc *time.Location) (contract.Event, string, bool) {
	var ev contract.Event
	text := func(p ical.ComponentProperty) string {
		if prop := ve.GetProperty(p); prop != nil {
			return strings.TrimSpace(prop.Value)
		}
		return ""
	}
	ev.Title = text(ical.ComponentPropertySummary)
	ev.Location = text(ical.ComponentPropertyLocation)
	ev.Notes = text(ical.ComponentPropertyDescription)
	ev.URL = text(ical.ComponentPropertyUrl)
	ev.Recurrence = text(ical.ComponentPropertyRrule)

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return ev, "missing DTSTART", false
	}
	if vs := dtStart.ICalParameters["VALUE"]; (len(vs) > 0 && strings.EqualFold(vs[0], "DATE")) || !strings.Contains(dtStart.Value, "T") {
		ev.AllDay = true
	}

	var warn string
	if ev.AllDay {
		start, err := ve.GetAllDayStartAt()
		if err != nil {
			return ev, err.Error(), false
		}
		ev.Start = midnightIn(start, loc)
		if end, err := ve.GetAllDayEndAt(); err == nil {
			ev.End = midnightIn(end, loc)
		} else {
			ev.End = ev.Start.AddDate(0, 0, 1)
		}
	} else {
		start, err := ve.GetStartAt()
		if err != nil {
			return ev, err.Error(), false
		}
		ev.Start = start.In(loc)
		if end, err := ve.GetEndAt(); err == nil {
			ev.End = end.In(loc)
		} else {
			ev.End = ev.Start.Add(time.Hour)
			warn = "missing DTEND; assumed one hour"
		}
	}
	if ev.Title == "" {
		ev.Title = "(untitled)"
	}

	for _, a := range ve.Alarms() {
		prop := a.GetProperty(ical.ComponentPropertyTrigger)
		if prop == nil {
			continue
		}
		minutes, err := parseTrigger(prop.Value)
		if err != nil {
			warn = joinWarning(warn, err.Error())
			continue
		}
		ev.Alarms = append(ev.Alarms, contract.Alarm{MinutesBefore: minutes})
	}
	return ev, warn, true
}

func midnightIn(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func joinWarning(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}

func formatTrigger(minutesBefore int) string {
	if minutesBefore == 0 {
		return "PT0M"
	}
	return fmt.Sprintf("-PT%dM", minutesBefore)
}

// parseTrigger converts a relative TRIGGER duration (e.g. -PT15M, -P1DT2H)
// into minutes before the start. Triggers after the start are rejected.
func parseTrigger(v string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("unsupported TRIGGER %q", v)
	}
	s = s[1:]
	total := 0
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("unsupported TRIGGER %q", v)
			}
			num = ""
			switch {
			case r == 'W' && !inTime:
				total += n * 7 * 24 * 60
			case r == 'D' && !inTime:
				total += n * 24 * 60
			case r == 'H' && inTime:
				total += n * 60
			case r == 'M' && inTime:
				total += n
			case r == 'S' && inTime:
				total += n / 60
			default:
				return 0, fmt.Errorf("unsupported TRIGGER %q", v)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("unsupported TRIGGER %q", v)
	}
	if total != 0 && !neg {
		return 0, fmt.Errorf("TRIGGER %q fires after the start", v)
	}
	return total, nil
}

// importTarget resolves the calendar imported events land in.
func importTarget(ctx context.Context, mgr *calendar.Manager, calendarID string) string {
	if calendarID != "" {
		return calendarID
	}
	cal, err := mgr.DefaultCalendar(ctx)
	if err != nil || cal == nil {
		return ""
	}
	return cal.ID
}

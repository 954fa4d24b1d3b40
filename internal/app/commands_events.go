package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/calendar"
	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/timeparse"
)

func newEventsCmd(opts *globalOptions) *cobra.Command {
	events := &cobra.Command{Use: "events", Short: "Event resources"}

	var listCalendars []string
	var listRange, listDate, listFrom, listTo, listSort, listOrder string
	var listWhere []string
	var listLimit int
	var listSummary bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List events in a range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rangeName := listRange
			if !flagValueChanged(cmd, "range") && (flagValueChanged(cmd, "from") || flagValueChanged(cmd, "to")) {
				rangeName = "between"
			}
			lo := listOptions{calendars: listCalendars, limit: listLimit, summary: listSummary, where: listWhere, sort: listSort, order: listOrder}
			return runListEvents(cmd, opts, "events.list", lo, func(loc *time.Location) (calendar.EventRange, error) {
				return buildEventRange(rangeName, listDate, listFrom, listTo, nowFunc(), loc)
			})
		},
	}
	list.Flags().StringSliceVar(&listCalendars, "calendar", nil, "Calendar ID or name (repeatable)")
	list.Flags().StringVar(&listRange, "range", "today", "Range: today|month|date|month-of|between")
	list.Flags().StringVar(&listDate, "date", "", "Anchor date for --range date|month-of")
	list.Flags().StringVar(&listFrom, "from", "today", "Range start for --range between")
	list.Flags().StringVar(&listTo, "to", "+7d", "Range end for --range between")
	list.Flags().IntVar(&listLimit, "limit", 0, "Limit results")
	list.Flags().BoolVar(&listSummary, "summary", false, "Print per-day counts instead of events")
	list.Flags().StringArrayVar(&listWhere, "where", nil, "Filter such as title~standup or start>=tomorrow (repeatable)")
	list.Flags().StringVar(&listSort, "sort", "start", "Sort by start|end|title|calendar|updated_at")
	list.Flags().StringVar(&listOrder, "order", "asc", "Sort order: asc|desc")

	events.AddCommand(list, newEventsAddCmd(opts), newEventsRemoveCmd(opts), newEventsExportCmd(opts), newEventsImportCmd(opts))
	return events
}

func newTodayCmd(opts *globalOptions) *cobra.Command {
	var calendars []string
	cmd := &cobra.Command{
		Use:   "today",
		Short: "List today's events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runListEvents(cmd, opts, "today", listOptions{calendars: calendars}, func(*time.Location) (calendar.EventRange, error) {
				return calendar.Today(), nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&calendars, "calendar", nil, "Calendar ID or name (repeatable)")
	return cmd
}

func newMonthCmd(opts *globalOptions) *cobra.Command {
	var calendars []string
	var summary bool
	cmd := &cobra.Command{
		Use:   "month [YYYY-MM]",
		Short: "List events in the current or given month",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListEvents(cmd, opts, "month", listOptions{calendars: calendars, summary: summary}, func(loc *time.Location) (calendar.EventRange, error) {
				if len(args) == 0 {
					return calendar.CurrentMonth(), nil
				}
				anchor, err := timeparse.ParseMonth(args[0], nowFunc(), loc)
				if err != nil {
					return calendar.EventRange{}, err
				}
				return calendar.InMonth(anchor), nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&calendars, "calendar", nil, "Calendar ID or name (repeatable)")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print per-day counts instead of events")
	return cmd
}

type listOptions struct {
	calendars []string
	limit     int
	summary   bool
	where     []string
	sort      string
	order     string
}

func runListEvents(cmd *cobra.Command, opts *globalOptions, command string, lo listOptions, rangeFn func(*time.Location) (calendar.EventRange, error)) error {
	p, mgr, ro, err := buildContext(cmd, opts, command)
	if err != nil {
		return err
	}
	defer mgr.Close()
	loc := resolveLocation(ro.TZ)
	r, err := rangeFn(loc)
	if err != nil {
		return failWithHint(p, contract.ErrInvalidUsage, err, "Use RFC3339, YYYY-MM-DD, YYYY-MM, weekday names, or relative values like +3d", exitUsage)
	}
	preds, err := parsePredicates(lo.where)
	if err != nil {
		return failWithHint(p, contract.ErrInvalidUsage, err, "Use --where field<op>value with ==, !=, ~, <, <=, >, >=", exitUsage)
	}
	if !validSortField(lo.sort) {
		return failWithHint(p, contract.ErrInvalidUsage, fmt.Errorf("invalid --sort: %s", lo.sort), "Use --sort start|end|title|calendar|updated_at", exitUsage)
	}
	ctx, cancel := commandContext(ro)
	defer cancel()
	if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
		return err
	}
	ids, err := resolveCalendarIDs(ctx, mgr, lo.calendars)
	if err != nil {
		return failFacade(p, err, "")
	}
	items, err := timed(ctx, "calendar.list_events", func(ctx context.Context) ([]contract.Event, error) {
		return mgr.ListEvents(ctx, r, ids...)
	})
	if err != nil {
		return failFacade(p, err, "Use --from earlier than --to")
	}
	items, err = eventFilter{preds: preds, now: nowFunc(), loc: loc}.apply(items)
	if err != nil {
		return failWithHint(p, contract.ErrInvalidUsage, err, "Check the --where field names", exitUsage)
	}
	if lo.sort != "" {
		sortEvents(items, lo.sort, lo.order)
	}
	if lo.summary {
		from, to := r.Bounds(nowFunc(), loc)
		rows := summarizeEventsByDay(items, from, to, loc)
		return successWithMeta(ctx, p, ro, rows, map[string]any{"count": len(items), "days": len(rows), "range": r.String()}, nil)
	}
	if lo.limit > 0 && len(items) > lo.limit {
		items = items[:lo.limit]
	}
	return successWithMeta(ctx, p, ro, items, map[string]any{"count": len(items), "range": r.String()}, nil)
}

// buildEventRange turns list flags into a range. Between ranges whose end is
// a bare date extend to the end of that day.
func buildEventRange(name, dateS, fromS, toS string, now time.Time, loc *time.Location) (calendar.EventRange, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "today":
		return calendar.Today(), nil
	case "month":
		return calendar.CurrentMonth(), nil
	case "date":
		if strings.TrimSpace(dateS) == "" {
			return calendar.EventRange{}, errors.New("--range date requires --date")
		}
		at, err := timeparse.ParseDateTime(dateS, now, loc)
		if err != nil {
			return calendar.EventRange{}, fmt.Errorf("invalid --date: %w", err)
		}
		return calendar.OnDate(at), nil
	case "month-of":
		at, err := timeparse.ParseMonth(dateS, now, loc)
		if err != nil {
			return calendar.EventRange{}, fmt.Errorf("invalid --date: %w", err)
		}
		return calendar.InMonth(at), nil
	case "between":
		from, err := timeparse.ParseDateTime(fromS, now, loc)
		if err != nil {
			return calendar.EventRange{}, fmt.Errorf("invalid --from: %w", err)
		}
		to, err := timeparse.ParseDateTime(toS, now, loc)
		if err != nil {
			return calendar.EventRange{}, fmt.Errorf("invalid --to: %w", err)
		}
		if to.Hour() == 0 && to.Minute() == 0 && to.Second() == 0 {
			to = to.AddDate(0, 0, 1).Add(-time.Second)
		}
		return calendar.Between(from, to), nil
	default:
		return calendar.EventRange{}, fmt.Errorf("invalid --range: %s", name)
	}
}

func newEventsAddCmd(opts *globalOptions) *cobra.Command {
	var addCalendar, addTitle, addStart, addEnd, addDuration, addLocation, addNotes, addNotesFile, addURL, addRepeat string
	var addAlarms []string
	var addAllDay, addDryRun bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Create an event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "events.add")
			if err != nil {
				return err
			}
			defer mgr.Close()
			if strings.TrimSpace(addTitle) == "" || strings.TrimSpace(addStart) == "" {
				err = errors.New("--title and --start are required")
				return failWithHint(p, contract.ErrInvalidUsage, err, "Provide required fields", exitUsage)
			}
			loc := resolveLocation(ro.TZ)
			startT, err := timeparse.ParseDateTime(addStart, nowFunc(), loc)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Invalid --start format", exitUsage)
			}
			if addAllDay {
				y, m, d := startT.Date()
				startT = time.Date(y, m, d, 0, 0, 0, 0, loc)
			}
			endT, err := resolveEnd(addEnd, addDuration, startT, addAllDay, loc)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use --end or --duration", exitUsage)
			}
			alarms, err := parseAlarms(addAlarms)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use --alarm 15 or --alarm 1h", exitUsage)
			}
			rule, err := repeatRule(addRepeat, startT)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use daily|weekly[:mon,wed]|monthly|yearly[*count], every N weeks, or an RRULE", exitUsage)
			}
			notes := addNotes
			if addNotesFile != "" {
				notes, err = readTextInput(addNotesFile)
				if err != nil {
					return failWithHint(p, contract.ErrInvalidUsage, err, "Unable to read notes file", exitUsage)
				}
			}

			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			calendarID := ""
			if strings.TrimSpace(addCalendar) != "" {
				ids, err := resolveCalendarIDs(ctx, mgr, []string{addCalendar})
				if err != nil {
					return failFacade(p, err, "")
				}
				calendarID = ids[0]
			}
			session, err := timed(ctx, "calendar.begin_add_event", func(ctx context.Context) (*calendar.EditSession, error) {
				return mgr.BeginAddEvent(ctx, calendarID, addTitle, addLocation, startT, endT, notes)
			})
			if err != nil {
				return failFacade(p, err, "Pass --calendar or set a default with `calmgr calendars default <name>`")
			}
			session.SetURL(addURL)
			session.SetTimes(startT, endT, addAllDay)
			if err := session.SetRecurrence(rule); err != nil {
				_ = session.Complete(ctx, calendar.EditCanceled)
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use an RRULE such as FREQ=WEEKLY;COUNT=4", exitUsage)
			}
			for _, minutes := range alarms {
				session.AddAlarm(mgr.CreateAlarm(minutes))
			}

			action := calendar.EditSaved
			if addDryRun {
				action = calendar.EditCanceled
			}
			if err := timedErr(ctx, "calendar.save_event", func(ctx context.Context) error {
				return session.Complete(ctx, action)
			}); err != nil {
				return failFacade(p, err, "")
			}
			if addDryRun {
				return successWithMeta(ctx, p, ro, session.Event(), map[string]any{"dry_run": true}, nil)
			}
			return successWithMeta(ctx, p, ro, session.Event(), map[string]any{"count": 1}, nil)
		},
	}
	add.Flags().StringVar(&addCalendar, "calendar", "", "Calendar ID or name (default calendar when empty)")
	add.Flags().StringVar(&addTitle, "title", "", "Event title")
	add.Flags().StringVar(&addStart, "start", "", "Start datetime")
	add.Flags().StringVar(&addEnd, "end", "", "End datetime")
	add.Flags().StringVar(&addDuration, "duration", "", "Duration (e.g. 30m)")
	add.Flags().StringVar(&addLocation, "location", "", "Location")
	add.Flags().StringVar(&addNotes, "notes", "", "Notes")
	add.Flags().StringVar(&addNotesFile, "notes-file", "", "Notes path or - for stdin")
	add.Flags().StringVar(&addURL, "url", "", "URL")
	add.Flags().StringVar(&addRepeat, "repeat", "", "Recurrence: daily*5, weekly:mon,wed, every 2 weeks, or an RRULE")
	add.Flags().StringSliceVar(&addAlarms, "alarm", nil, "Alarm offset before start, e.g. 15 or 1h (repeatable)")
	add.Flags().BoolVar(&addAllDay, "all-day", false, "All-day event")
	add.Flags().BoolVarP(&addDryRun, "dry-run", "n", false, "Preview without writing")
	return add
}

func newEventsRemoveCmd(opts *globalOptions) *cobra.Command {
	var force bool
	var confirm string
	remove := &cobra.Command{
		Use:     "remove <event-id>",
		Aliases: []string{"delete"},
		Short:   "Remove an event (occurrence IDs remove the whole series)",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "events.remove")
			if err != nil {
				return err
			}
			defer mgr.Close()
			if err := confirmRemoval(cmd, p, ro, "event", args[0], force, confirm); err != nil {
				return err
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			ev := &contract.Event{ID: args[0]}
			if err := timedErr(ctx, "calendar.remove_event", func(ctx context.Context) error {
				return mgr.RemoveEvent(ctx, ev)
			}); err != nil {
				return failFacade(p, err, "")
			}
			return successWithMeta(ctx, p, ro, map[string]any{"removed": true, "id": args[0]}, map[string]any{"count": 1}, nil)
		},
	}
	remove.Flags().BoolVarP(&force, "force", "f", false, "Remove without confirmation")
	remove.Flags().StringVar(&confirm, "confirm", "", "Confirm exact event ID")
	return remove
}

func readTextInput(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// loggingObserver mirrors facade notifications into the debug log.
func loggingObserver(command string, log *slog.Logger) calendar.Observer {
	return calendar.Observer{
		OnCalendarCreated: func(c contract.Calendar) {
			log.Debug("calendar created", "id", c.ID, "title", c.Title, "default", c.Default)
		},
		OnEventCreated: func(e contract.Event) {
			log.Debug("event saved", "id", e.ID, "calendar", e.CalendarID)
		},
		OnRequestPresentEditor: func(s *calendar.EditSession) {
			ev := s.Event()
			log.Debug("editing event", "title", ev.Title, "calendar", ev.CalendarTitle, "command", command)
		},
		OnDismissEditor: func(s *calendar.EditSession, a calendar.EditAction) {
			log.Debug("editor dismissed", "action", a.String())
		},
	}
}

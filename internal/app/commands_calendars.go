package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/calendar"
	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/output"
)

func newCalendarsCmd(opts *globalOptions) *cobra.Command {
	calendars := &cobra.Command{Use: "calendars", Short: "Calendar resources"}

	var listKind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List calendars, optionally of one source kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "calendars.list")
			if err != nil {
				return err
			}
			defer mgr.Close()
			kind, err := calendar.ParseCalendarKind(listKind)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use --kind all|"+sourceKindList(), exitUsage)
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			items, err := timed(ctx, "calendar.list_calendars", func(ctx context.Context) ([]contract.Calendar, error) {
				return mgr.ListCalendars(ctx, kind)
			})
			if err != nil {
				return failFacade(p, err, "")
			}
			return successWithMeta(ctx, p, ro, items, map[string]any{"count": len(items), "kind": kind}, nil)
		},
	}
	list.Flags().StringVar(&listKind, "kind", "all", "Calendar kind: all|"+sourceKindList())

	var matches []string
	find := &cobra.Command{
		Use:   "find",
		Short: "Look up calendars by title and source kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "calendars.find")
			if err != nil {
				return err
			}
			defer mgr.Close()
			pairs, err := parseTitleKinds(matches)
			if err != nil {
				return failWithHint(p, contract.ErrInvalidUsage, err, "Use --match Title:kind (repeatable)", exitUsage)
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			items, err := timed(ctx, "calendar.find_calendars", func(ctx context.Context) ([]contract.Calendar, error) {
				return mgr.FindCalendars(ctx, pairs)
			})
			if err != nil {
				return failFacade(p, err, "")
			}
			return successWithMeta(ctx, p, ro, items, map[string]any{"count": len(items), "requested": len(pairs)}, nil)
		},
	}
	find.Flags().StringArrayVar(&matches, "match", nil, "Title:kind pair (repeatable)")

	var addSource, addName, addColor string
	var addDefault, addDryRun, addNoPersist bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a calendar in a source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "calendars.add")
			if err != nil {
				return err
			}
			defer mgr.Close()
			if strings.TrimSpace(addName) == "" {
				return failWithHint(p, contract.ErrInvalidUsage, errors.New("--name is required"), "Provide --name", exitUsage)
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			sourceID, err := resolveSourceID(ctx, mgr, addSource)
			if err != nil {
				return failFacade(p, err, "List sources with `calmgr sources list`")
			}
			if addDryRun {
				return successWithMeta(ctx, p, ro, map[string]any{
					"source_id": sourceID, "name": addName, "color": addColor, "default": addDefault,
				}, map[string]any{"dry_run": true}, nil)
			}
			cal, err := timed(ctx, "calendar.add_calendar", func(ctx context.Context) (*contract.Calendar, error) {
				return mgr.AddCalendar(ctx, sourceID, addName, addColor, addDefault)
			})
			if err != nil {
				return failFacade(p, err, "")
			}
			meta := map[string]any{"count": 1}
			if addDefault {
				if err := recordDefault(p, ro, cal, !addNoPersist, meta); err != nil {
					return err
				}
			}
			return successWithMeta(ctx, p, ro, cal, meta, nil)
		},
	}
	add.Flags().StringVar(&addSource, "source", "", "Source ID, title, or kind (default: the local source)")
	add.Flags().StringVar(&addName, "name", "", "Calendar name")
	add.Flags().StringVar(&addColor, "color", "", "Colour as #rrggbb")
	add.Flags().BoolVar(&addDefault, "default", false, "Make the new calendar the default")
	add.Flags().BoolVarP(&addDryRun, "dry-run", "n", false, "Preview without writing")
	add.Flags().BoolVar(&addNoPersist, "no-persist", false, "With --default, do not write default_calendar to the config file")

	var rmForce bool
	var rmConfirm string
	remove := &cobra.Command{
		Use:   "remove <calendar-id>",
		Short: "Remove a calendar and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "calendars.remove")
			if err != nil {
				return err
			}
			defer mgr.Close()
			if err := confirmRemoval(cmd, p, ro, "calendar", args[0], rmForce, rmConfirm); err != nil {
				return err
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			if err := timedErr(ctx, "calendar.remove_calendar", func(ctx context.Context) error {
				return mgr.RemoveCalendar(ctx, args[0])
			}); err != nil {
				return failFacade(p, err, "")
			}
			return successWithMeta(ctx, p, ro, map[string]any{"removed": true, "id": args[0]}, map[string]any{"count": 1}, nil)
		},
	}
	remove.Flags().BoolVarP(&rmForce, "force", "f", false, "Remove without confirmation")
	remove.Flags().StringVar(&rmConfirm, "confirm", "", "Confirm exact calendar ID")

	var noPersist bool
	def := &cobra.Command{
		Use:   "default [name]",
		Short: "Show or set the default calendar",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "calendars.default")
			if err != nil {
				return err
			}
			defer mgr.Close()
			ctx, cancel := commandContext(ro)
			defer cancel()
			if len(args) == 0 {
				if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
					return err
				}
				cal, err := timed(ctx, "calendar.default_calendar", mgr.DefaultCalendar)
				if err != nil {
					return failFacade(p, err, "")
				}
				if cal == nil {
					return failWithHint(p, contract.ErrNotFound, errors.New("no default calendar set"), "Set one with `calmgr calendars default <name>`", exitNotFound)
				}
				return successWithMeta(ctx, p, ro, cal, map[string]any{"count": 1}, nil)
			}
			// The configured default would override the one being set.
			ro.DefaultCalendar = ""
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			// --no-persist moves the default for this run only.
			phase, set := "calendar.set_default_calendar", mgr.SetDefaultCalendar
			if noPersist {
				phase, set = "calendar.prefer_default_calendar", mgr.PreferDefaultCalendar
			}
			cal, err := timed(ctx, phase, func(ctx context.Context) (*contract.Calendar, error) {
				return set(ctx, args[0])
			})
			if err != nil {
				return failFacade(p, err, "")
			}
			if cal == nil {
				err = fmt.Errorf("no calendar named %q", args[0])
				return failWithHint(p, contract.ErrNotFound, err, "List calendars with `calmgr calendars list`", exitNotFound)
			}
			meta := map[string]any{"count": 1}
			if err := recordDefault(p, ro, cal, !noPersist, meta); err != nil {
				return err
			}
			return successWithMeta(ctx, p, ro, cal, meta, nil)
		},
	}
	def.Flags().BoolVar(&noPersist, "no-persist", false, "Change the default for this run only, writing neither the store nor the config file")

	calendars.AddCommand(list, find, add, remove, def)
	return calendars
}

// recordDefault writes the calendar ID as default_calendar so later runs
// resolve the same calendar, and reports what was written in meta.
func recordDefault(p output.Printer, ro *globalOptions, cal *contract.Calendar, persist bool, meta map[string]any) error {
	meta["persisted"] = false
	if !persist {
		return nil
	}
	if err := persistConfigKey(ro.Config, "default_calendar", cal.ID); err != nil {
		return failWithHint(p, contract.ErrPersistence, err, "Pass --config with a writable path, or use --no-persist", exitPersistence)
	}
	meta["persisted"] = true
	meta["config"] = ro.Config
	return nil
}

// parseTitleKinds reads Title:kind pairs; the kind is after the last colon.
func parseTitleKinds(vals []string) ([]calendar.TitleKind, error) {
	if len(vals) == 0 {
		return nil, errors.New("at least one --match is required")
	}
	out := make([]calendar.TitleKind, 0, len(vals))
	for _, v := range vals {
		i := strings.LastIndex(v, ":")
		if i <= 0 || i == len(v)-1 {
			return nil, fmt.Errorf("invalid --match %q: expected Title:kind", v)
		}
		kind, err := contract.ParseSourceKind(v[i+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid --match %q: %w", v, err)
		}
		out = append(out, calendar.TitleKind{Title: strings.TrimSpace(v[:i]), Kind: kind})
	}
	return out, nil
}

// resolveSourceID accepts a source ID, title, or kind. Empty selects the
// first local source.
func resolveSourceID(ctx context.Context, mgr *calendar.Manager, ref string) (string, error) {
	sources, err := timed(ctx, "calendar.list_sources", mgr.ListSources)
	if err != nil {
		return "", err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		ref = string(contract.SourceLocal)
	}
	for _, s := range sources {
		if s.ID == ref || strings.EqualFold(s.Title, ref) {
			return s.ID, nil
		}
	}
	if kind, kerr := contract.ParseSourceKind(ref); kerr == nil {
		for _, s := range sources {
			if s.Kind == kind {
				return s.ID, nil
			}
		}
	}
	return "", &calendar.Error{Kind: calendar.KindNotFound, Op: "resolve source", Err: fmt.Errorf("no source matches %q", ref)}
}

// resolveCalendarIDs maps calendar names to IDs, keeping unknown values as
// given so the store can decide.
func resolveCalendarIDs(ctx context.Context, mgr *calendar.Manager, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	cals, err := timed(ctx, "calendar.list_calendars", func(ctx context.Context) ([]contract.Calendar, error) {
		return mgr.ListCalendars(ctx, calendar.AllCalendars)
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		id := ref
		for _, c := range cals {
			if c.ID == ref {
				id = c.ID
				break
			}
			if strings.EqualFold(c.Title, ref) {
				id = c.ID
			}
		}
		out = append(out, id)
	}
	return out, nil
}

package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/backend"
	"github.com/agis/calmgr/internal/calendar"
	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/output"
	"github.com/agis/calmgr/internal/timeparse"
)

var (
	storeFactory = selectStore
	nowFunc      = time.Now
)

type globalOptions struct {
	JSON            bool
	JSONL           bool
	Plain           bool
	Fields          string
	Quiet           bool
	Verbose         bool
	NoColor         bool
	NoInput         bool
	Yes             bool
	Profile         string
	Config          string
	Backend         string
	DB              string
	DefaultCalendar string
	TZ              string
	Timeout         time.Duration
	SchemaVersion   string
}

func Execute() int {
	cmd := NewRootCommand()
	err := cmd.Execute()
	if err != nil {
		renderTopLevelError(cmd, err)
	}
	return ExitCode(err)
}

func NewRootCommand() *cobra.Command {
	opts := &globalOptions{
		Profile:       "default",
		Backend:       "sqlite",
		Timeout:       15 * time.Second,
		SchemaVersion: contract.SchemaVersion,
	}

	root := &cobra.Command{
		Use:           "calmgr",
		Short:         "Manage calendars and events behind an authorization-gated facade",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       BuildVersionString(),
	}
	root.SetVersionTemplate("calmgr {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.BoolVar(&opts.JSON, "json", false, "Output structured JSON")
	pf.BoolVar(&opts.JSONL, "jsonl", false, "Output newline-delimited JSON")
	pf.BoolVar(&opts.Plain, "plain", false, "Output stable plain text")
	pf.StringVar(&opts.Fields, "fields", "", "Projected fields, comma-separated")
	pf.BoolVarP(&opts.Quiet, "quiet", "q", false, "Reduce success output")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "Log facade activity to stderr")
	pf.BoolVar(&opts.NoColor, "no-color", false, "Disable color output")
	pf.BoolVar(&opts.NoInput, "no-input", false, "Disable prompts")
	pf.BoolVarP(&opts.Yes, "yes", "y", false, "Consent to calendar access without prompting")
	pf.StringVar(&opts.Profile, "profile", "default", "Config profile")
	pf.StringVar(&opts.Config, "config", "", "Config file path")
	pf.StringVar(&opts.Backend, "backend", "sqlite", "Store: sqlite|apple")
	pf.StringVar(&opts.DB, "db", "", "SQLite event database path")
	pf.StringVar(&opts.TZ, "tz", "", "IANA timezone for ranges and output")
	pf.DurationVar(&opts.Timeout, "timeout", 15*time.Second, "Per-call timeout (e.g. 10s, 1m, 0 to disable)")
	pf.StringVar(&opts.SchemaVersion, "schema-version", contract.SchemaVersion, "Output schema version")

	root.AddCommand(newSetupCmd(opts))
	root.AddCommand(newAuthCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newDoctorCmd(opts))
	root.AddCommand(newVersionCmd(opts))
	root.AddCommand(newSourcesCmd(opts))
	root.AddCommand(newCalendarsCmd(opts))
	root.AddCommand(newEventsCmd(opts))
	root.AddCommand(newTodayCmd(opts))
	root.AddCommand(newMonthCmd(opts))
	root.AddCommand(newWatchCmd(opts))
	root.AddCommand(newCompletionCmd(root))

	return root
}

// buildPrinter resolves layered options and the output mode for command.
func buildPrinter(cmd *cobra.Command, opts *globalOptions, command string) (output.Printer, *globalOptions, error) {
	resolved, err := resolveGlobalOptions(cmd, opts)
	if err != nil {
		return output.Printer{}, nil, Wrap(exitUsage, err)
	}
	if conflictCount(resolved.JSON, resolved.JSONL, resolved.Plain) > 1 {
		return output.Printer{}, nil, Wrap(exitUsage, errors.New("--json, --jsonl, and --plain are mutually exclusive"))
	}
	mode := output.ModeAuto
	if resolved.JSON {
		mode = output.ModeJSON
	} else if resolved.JSONL {
		mode = output.ModeJSONL
	} else if resolved.Plain {
		mode = output.ModePlain
	}
	printer := output.Printer{
		Mode:          mode,
		Command:       command,
		Fields:        splitCSV(resolved.Fields),
		Quiet:         resolved.Quiet,
		NoColor:       resolved.NoColor,
		SchemaVersion: resolved.SchemaVersion,
		Out:           cmd.OutOrStdout(),
		Err:           cmd.ErrOrStderr(),
		Now:           nowFunc,
	}
	if strings.TrimSpace(resolved.TZ) != "" {
		if _, err := time.LoadLocation(resolved.TZ); err != nil {
			err = fmt.Errorf("invalid --tz %q: %w", resolved.TZ, err)
			return printer, nil, failWithHint(printer, contract.ErrInvalidUsage, err, "Use an IANA name such as Europe/Berlin", exitUsage)
		}
	}
	return printer, resolved, nil
}

// openStore builds the configured store with a terminal prompter.
func openStore(cmd *cobra.Command, p output.Printer, ro *globalOptions, log *slog.Logger) (backend.Store, error) {
	store, err := storeFactory(ro, terminalPrompter(cmd, ro), log)
	if err != nil {
		return nil, failWithHint(p, contract.ErrBackendUnavailable, err, "Use --backend sqlite|apple and check --db", exitUnavailable)
	}
	return store, nil
}

func buildContext(cmd *cobra.Command, opts *globalOptions, command string) (output.Printer, *calendar.Manager, *globalOptions, error) {
	p, ro, err := buildPrinter(cmd, opts, command)
	if err != nil {
		return p, nil, nil, err
	}
	log := newLogger(ro, p.Err)
	store, err := openStore(cmd, p, ro, log)
	if err != nil {
		return p, nil, nil, err
	}
	mgr := calendar.New(store,
		calendar.WithLogger(log),
		calendar.WithLocation(resolveLocation(ro.TZ)),
		calendar.WithClock(nowFunc),
	)
	mgr.SetObserver(loggingObserver(command, log))
	log.Debug("calmgr", "command", command, "backend", ro.Backend, "db", ro.DB, "mode", p.EffectiveSuccessMode(), "tz", ro.TZ, "profile", ro.Profile, "timeout", ro.Timeout)
	return p, mgr, ro, nil
}

// ensureAuthorized resolves calendar access and applies the configured
// default calendar to this run only. Every facade command goes through it
// first.
func ensureAuthorized(ctx context.Context, p output.Printer, mgr *calendar.Manager, ro *globalOptions) error {
	granted, err := timed(ctx, "calendar.request_authorization", mgr.RequestAuthorization)
	if err != nil {
		return failFacade(p, err, "")
	}
	if !granted {
		return failWithHint(p, contract.ErrNotAuthorized, errors.New("calendar access denied"),
			"Run `calmgr auth reset` and then `calmgr setup --yes`", exitNotAuthorized)
	}
	if name := strings.TrimSpace(ro.DefaultCalendar); name != "" {
		_, err := timed(ctx, "calendar.prefer_default_calendar", func(ctx context.Context) (*contract.Calendar, error) {
			return mgr.PreferDefaultCalendar(ctx, name)
		})
		if err != nil {
			return failFacade(p, err, "")
		}
	}
	return nil
}

func newLogger(ro *globalOptions, w io.Writer) *slog.Logger {
	if ro == nil || !ro.Verbose {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// terminalPrompter asks on stderr unless --yes or non-interactive input
// settles the answer.
func terminalPrompter(cmd *cobra.Command, ro *globalOptions) backend.Prompter {
	return backend.PrompterFunc(func(ctx context.Context, message string) (bool, error) {
		if ro.Yes {
			return true, nil
		}
		if ro.NoInput || !stdinInteractive(cmd.InOrStdin()) {
			return false, errors.New("calendar access has not been granted and prompts are disabled")
		}
		if _, err := fmt.Fprintf(cmd.ErrOrStderr(), "%s [y/N]: ", message); err != nil {
			return false, err
		}
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	})
}

func selectStore(ro *globalOptions, prompter backend.Prompter, log *slog.Logger) (backend.Store, error) {
	switch strings.ToLower(strings.TrimSpace(ro.Backend)) {
	case "", "sqlite":
		return backend.OpenSQLiteStore(context.Background(), ro.DB,
			backend.WithPrompter(prompter),
			backend.WithStoreLocation(resolveLocation(ro.TZ)),
			backend.WithStoreLogger(log),
		)
	case "apple", "osascript":
		return backend.NewAppleStore(log), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", ro.Backend)
	}
}

func commandContext(ro *globalOptions) (context.Context, context.CancelFunc) {
	timing := &timingRecorder{calls: map[string]time.Duration{}}
	base := context.WithValue(context.Background(), timingContextKey{}, timing)
	if ro == nil || ro.Timeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, ro.Timeout)
}

func successWithMeta(ctx context.Context, p output.Printer, ro *globalOptions, data any, meta map[string]any, warnings []string) error {
	if ro != nil && ro.Verbose {
		if timings := callTimings(ctx); len(timings) > 0 {
			if meta == nil {
				meta = map[string]any{}
			}
			meta["timings"] = timings
			_, _ = fmt.Fprintf(p.Err, "calmgr: timings=%v\n", timings)
		}
	}
	return p.Success(data, meta, warnings)
}

func renderTopLevelError(cmd *cobra.Command, err error) {
	var appErr AppError
	if errors.As(err, &appErr) && appErr.Printed {
		return
	}
	if wantsStructuredErrorOutput(os.Args[1:]) {
		printer := output.Printer{
			Mode:          output.ModeJSON,
			SchemaVersion: contract.SchemaVersion,
			Err:           cmd.ErrOrStderr(),
		}
		_ = printer.Error(errorCodeForExit(ExitCode(err)), err.Error(), "")
		return
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", err.Error())
}

func wantsStructuredErrorOutput(args []string) bool {
	for _, arg := range args {
		switch {
		case arg == "--":
			return false
		case arg == "--json", arg == "--jsonl":
			return true
		case strings.HasPrefix(arg, "--json="), strings.HasPrefix(arg, "--jsonl="):
			return true
		}
	}
	return false
}

func resolveLocation(tz string) *time.Location {
	if strings.TrimSpace(tz) != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// resolveEnd derives an event end from --end or --duration. All-day events
// default to one day when neither is given.
func resolveEnd(endS, durationS string, start time.Time, allDay bool, loc *time.Location) (time.Time, error) {
	if strings.TrimSpace(endS) != "" && strings.TrimSpace(durationS) != "" {
		return time.Time{}, fmt.Errorf("use either --end or --duration, not both")
	}
	if strings.TrimSpace(endS) != "" {
		end, err := timeparse.ParseDateTime(endS, nowFunc(), loc)
		if err != nil {
			return time.Time{}, err
		}
		return end, nil
	}
	if strings.TrimSpace(durationS) != "" {
		d, err := time.ParseDuration(durationS)
		if err != nil {
			return time.Time{}, err
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("--duration must be positive")
		}
		return start.Add(d), nil
	}
	if allDay {
		return start.AddDate(0, 0, 1), nil
	}
	return time.Time{}, fmt.Errorf("missing --end or --duration")
}

// stdinInteractive reports whether in is a terminal. Readers that are not
// files never are.
func stdinInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func promptConfirmID(in io.Reader, out io.Writer, what, expected string) (bool, error) {
	if _, err := fmt.Fprintf(out, "Type %s ID to confirm removal: ", what); err != nil {
		return false, err
	}
	var entered string
	if _, err := fmt.Fscanln(in, &entered); err != nil {
		return false, err
	}
	return strings.TrimSpace(entered) == strings.TrimSpace(expected), nil
}

// confirmRemoval enforces --force / --confirm <id> for destructive commands.
func confirmRemoval(cmd *cobra.Command, p output.Printer, ro *globalOptions, what, id string, force bool, confirm string) error {
	if force || confirm == id {
		return nil
	}
	if ro.NoInput || !stdinInteractive(cmd.InOrStdin()) {
		err := fmt.Errorf("non-interactive removal requires --force or --confirm <%s-id>", what)
		return failWithHint(p, contract.ErrInvalidUsage, err, "Add --confirm exactly matching the "+what+" ID", exitUsage)
	}
	ok, err := promptConfirmID(cmd.InOrStdin(), cmd.ErrOrStderr(), what, id)
	if err != nil {
		return failWithHint(p, contract.ErrInvalidUsage, err, "Use --force or --confirm in non-interactive mode", exitUsage)
	}
	if !ok {
		return failWithHint(p, contract.ErrInvalidUsage, errors.New("removal confirmation mismatch"), "Retry and enter the exact "+what+" ID", exitUsage)
	}
	return nil
}

func conflictCount(vals ...bool) int {
	total := 0
	for _, v := range vals {
		if v {
			total++
		}
	}
	return total
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

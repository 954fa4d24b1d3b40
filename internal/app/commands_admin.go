package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/contract"
	"github.com/agis/calmgr/internal/output"
)

type statusResult struct {
	Ready           bool                   `json:"ready"`
	Degraded        bool                   `json:"degraded"`
	Authorization   contract.AuthState     `json:"authorization"`
	Backend         string                 `json:"backend"`
	DB              string                 `json:"db,omitempty"`
	Profile         string                 `json:"profile"`
	Config          string                 `json:"config,omitempty"`
	DefaultCalendar string                 `json:"default_calendar,omitempty"`
	TZ              string                 `json:"tz,omitempty"`
	OutputMode      string                 `json:"output_mode"`
	SchemaVersion   string                 `json:"schema_version"`
	Checks          []contract.DoctorCheck `json:"checks"`
	NextSteps       []string               `json:"next_steps,omitempty"`
	ReasonCodes     []string               `json:"degraded_reason_codes,omitempty"`
}

func newVersionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, _, err := buildPrinter(cmd, opts, "version")
			if err != nil {
				return err
			}
			if p.EffectiveSuccessMode() == output.ModePlain {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "calmgr %s\n", BuildVersionString())
				return err
			}
			return p.Success(currentVersionInfo(), nil, nil)
		},
	}
}

func newDoctorCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run preflight checks against the configured store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "doctor")
			if err != nil {
				return err
			}
			defer mgr.Close()
			ctx, cancel := commandContext(ro)
			defer cancel()
			checks, derr := timed(ctx, "calendar.doctor", mgr.Doctor)
			reasonCodes := deriveDegradedReasonCodes(checks, derr)
			ready := derr == nil && len(failedChecks(checks)) == 0
			if p.EffectiveSuccessMode() == output.ModePlain {
				_ = printDoctorPlain(cmd.OutOrStdout(), checks, ready, reasonCodes)
			} else {
				_ = successWithMeta(ctx, p, ro, checks, map[string]any{
					"count":                 len(checks),
					"ready":                 ready,
					"degraded_reason_codes": reasonCodes,
				}, nil)
			}
			if derr != nil {
				return failFacade(p, derr, "")
			}
			if !ready {
				return Wrap(exitUnavailable, fmt.Errorf("doctor checks failed: %s", strings.Join(failedChecks(checks), ",")))
			}
			return nil
		},
	}
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store health, access decision, and active configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, ro, err := buildPrinter(cmd, opts, "status")
			if err != nil {
				return err
			}
			store, err := openStore(cmd, p, ro, newLogger(ro, p.Err))
			if err != nil {
				return err
			}
			defer store.Close()
			ctx, cancel := commandContext(ro)
			defer cancel()
			checks, derr := timed(ctx, "store.doctor", store.Doctor)
			state, serr := timed(ctx, "store.authorization_status", store.AuthorizationStatus)
			if derr == nil {
				derr = serr
			}
			setup := buildSetupResult(checks, derr, ro.Backend, state)
			res := statusResult{
				Ready:           setup.Ready,
				Degraded:        setup.Degraded,
				Authorization:   state,
				Backend:         ro.Backend,
				Profile:         ro.Profile,
				Config:          ro.Config,
				DefaultCalendar: ro.DefaultCalendar,
				TZ:              ro.TZ,
				OutputMode:      string(p.EffectiveSuccessMode()),
				SchemaVersion:   ro.SchemaVersion,
				Checks:          checks,
				NextSteps:       setup.NextSteps,
				ReasonCodes:     deriveDegradedReasonCodes(checks, derr),
			}
			if strings.EqualFold(ro.Backend, "sqlite") || ro.Backend == "" {
				res.DB = ro.DB
			}
			if p.EffectiveSuccessMode() == output.ModePlain {
				_ = printStatusPlain(cmd.OutOrStdout(), res)
			} else {
				_ = successWithMeta(ctx, p, ro, res, map[string]any{
					"ready":                 res.Ready,
					"degraded":              res.Degraded,
					"checks":                len(res.Checks),
					"degraded_reason_codes": res.ReasonCodes,
				}, nil)
			}
			if derr != nil {
				return failWithHint(p, contract.ErrBackendUnavailable, derr, "Run `calmgr setup` for remediation", exitUnavailable)
			}
			return nil
		},
	}
}

func newSourcesCmd(opts *globalOptions) *cobra.Command {
	sources := &cobra.Command{Use: "sources", Short: "Calendar accounts"}
	var kind string
	list := &cobra.Command{
		Use:   "list",
		Short: "List sources, optionally of one kind",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "sources.list")
			if err != nil {
				return err
			}
			defer mgr.Close()
			var filter contract.SourceKind
			if strings.TrimSpace(kind) != "" {
				filter, err = contract.ParseSourceKind(kind)
				if err != nil {
					return failWithHint(p, contract.ErrInvalidUsage, err, "Use --kind "+sourceKindList(), exitUsage)
				}
			}
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			items, err := timed(ctx, "calendar.list_sources", func(ctx context.Context) ([]contract.Source, error) {
				if filter == "" {
					return mgr.ListSources(ctx)
				}
				return mgr.ListSourcesOfKind(ctx, filter)
			})
			if err != nil {
				return failFacade(p, err, "")
			}
			hasCloud, err := timed(ctx, "calendar.has_cloud_calendar", mgr.HasCloudCalendar)
			if err != nil {
				return failFacade(p, err, "")
			}
			return successWithMeta(ctx, p, ro, items, map[string]any{"count": len(items), "has_cloud": hasCloud}, nil)
		},
	}
	list.Flags().StringVar(&kind, "kind", "", "Source kind: "+sourceKindList())
	sources.AddCommand(list)
	return sources
}

func sourceKindList() string {
	kinds := contract.SourceKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, "|")
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion <bash|zsh|fish|powershell>",
		Short: "Generate shell completion scripts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			shell := strings.ToLower(args[0])
			switch shell {
			case "bash":
				return root.GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return root.GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return root.GenFishCompletion(cmd.OutOrStdout(), true)
			case "powershell":
				return root.GenPowerShellCompletion(cmd.OutOrStdout())
			default:
				return Wrap(exitUsage, fmt.Errorf("unsupported shell: %s", shell))
			}
		},
	}
}

func failedChecks(checks []contract.DoctorCheck) []string {
	var out []string
	for _, c := range checks {
		if strings.EqualFold(strings.TrimSpace(c.Status), "fail") {
			out = append(out, c.Name)
		}
	}
	return out
}

func deriveDegradedReasonCodes(checks []contract.DoctorCheck, derr error) []string {
	codeSet := map[string]struct{}{}
	for _, c := range checks {
		status := strings.ToLower(strings.TrimSpace(c.Status))
		if status == "" || status == "ok" || status == "pass" {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(c.Name))
		name = strings.ReplaceAll(name, " ", "_")
		name = strings.ReplaceAll(name, "-", "_")
		if name == "" {
			name = "unknown_check"
		}
		codeSet[name+"_"+status] = struct{}{}
	}
	if derr != nil {
		codeSet["doctor_error"] = struct{}{}
	}
	if len(codeSet) == 0 {
		return nil
	}
	out := make([]string, 0, len(codeSet))
	for code := range codeSet {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func printDoctorPlain(out io.Writer, checks []contract.DoctorCheck, ready bool, reasonCodes []string) error {
	_, _ = fmt.Fprintf(out, "ready=%t checks=%d\n", ready, len(checks))
	if len(reasonCodes) > 0 {
		_, _ = fmt.Fprintf(out, "reasons=%s\n", strings.Join(reasonCodes, ","))
	}
	for _, c := range checks {
		_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", c.Status, c.Name, c.Message)
	}
	return nil
}

func printStatusPlain(out io.Writer, res statusResult) error {
	_, _ = fmt.Fprintf(out, "ready=%t degraded=%t authorization=%s backend=%s profile=%s output_mode=%s checks=%d\n",
		res.Ready, res.Degraded, res.Authorization, res.Backend, res.Profile, res.OutputMode, len(res.Checks))
	if res.DB != "" {
		_, _ = fmt.Fprintf(out, "db=%s\n", res.DB)
	}
	if len(res.ReasonCodes) > 0 {
		_, _ = fmt.Fprintf(out, "reasons=%s\n", strings.Join(res.ReasonCodes, ","))
	}
	for _, c := range res.Checks {
		_, _ = fmt.Fprintf(out, "[%s] %s: %s\n", c.Status, c.Name, c.Message)
	}
	for _, step := range res.NextSteps {
		_, _ = fmt.Fprintf(out, "next: %s\n", step)
	}
	return nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/contract"
)

type setupResult struct {
	Ready         bool                   `json:"ready"`
	Degraded      bool                   `json:"degraded"`
	Authorization contract.AuthState     `json:"authorization"`
	Checks        []contract.DoctorCheck `json:"checks"`
	NextSteps     []string               `json:"next_steps,omitempty"`
	Notes         []string               `json:"notes,omitempty"`
	Backend       string                 `json:"backend"`
}

// authorizationSetter is implemented by stores whose access decision can be
// changed outside the prompt.
type authorizationSetter interface {
	SetAuthorization(ctx context.Context, state contract.AuthState) error
}

func newSetupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Run first-time checks and request calendar access",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "setup")
			if err != nil {
				return err
			}
			defer mgr.Close()
			ctx, cancel := commandContext(ro)
			defer cancel()
			checks, derr := timed(ctx, "calendar.doctor", mgr.Doctor)
			var authErr error
			if derr == nil {
				_, authErr = timed(ctx, "calendar.request_authorization", mgr.RequestAuthorization)
			}
			res := buildSetupResult(checks, derr, ro.Backend, mgr.AuthState())
			if authErr != nil {
				res.Notes = append(res.Notes, authErr.Error())
			}
			_ = successWithMeta(ctx, p, ro, res, map[string]any{
				"ready":    res.Ready,
				"degraded": res.Degraded,
				"count":    len(checks),
			}, nil)
			switch {
			case res.Ready:
				return nil
			case derr != nil:
				return failFacade(p, derr, "Run `calmgr setup` again after applying next_steps")
			case authErr != nil:
				return failFacade(p, authErr, "Re-run with --yes to consent non-interactively")
			default:
				return WrapPrinted(exitNotAuthorized, fmt.Errorf("calendar access is %s", res.Authorization))
			}
		},
	}
}

func buildSetupResult(checks []contract.DoctorCheck, derr error, backendName string, state contract.AuthState) setupResult {
	res := setupResult{
		Ready:         true,
		Authorization: state,
		Checks:        checks,
		Backend:       strings.TrimSpace(backendName),
	}

	has := func(name string) (string, bool) {
		for _, c := range checks {
			if strings.EqualFold(strings.TrimSpace(c.Name), name) {
				return strings.ToLower(strings.TrimSpace(c.Status)), true
			}
		}
		return "", false
	}

	if status, ok := has("osascript"); ok && status != "ok" {
		res.Ready = false
		res.NextSteps = append(res.NextSteps, "Install or expose `osascript` in PATH (default on macOS), or use --backend sqlite.")
	}
	if status, ok := has("calendar_db"); !ok || status != "ok" {
		res.Ready = false
		res.NextSteps = append(res.NextSteps, "Check that the event database path is writable (--db or CALMGR_DB).")
	}
	if status, ok := has("calendar_db_read"); ok && status != "ok" {
		res.Degraded = true
		res.Notes = append(res.Notes, "Calendar database reads are unavailable; calmgr falls back to slower AppleScript reads.")
		res.NextSteps = append(res.NextSteps, "Optional: grant Full Disk Access to your terminal for faster reads.")
	}
	switch state {
	case contract.AuthGranted:
	case contract.AuthDenied:
		res.Ready = false
		res.NextSteps = append(res.NextSteps, "Access was denied. Run `calmgr auth reset`, then `calmgr setup --yes`.")
	default:
		res.Ready = false
		res.NextSteps = append(res.NextSteps, "Run `calmgr setup` interactively or with --yes to grant calendar access.")
	}

	if res.Ready {
		res.NextSteps = append(res.NextSteps, "Verify read access with: `calmgr today --json`")
		res.NextSteps = append(res.NextSteps, "Verify write access with: `calmgr events add --title Test --start tomorrow --duration 30m --dry-run --json`")
	}
	if derr != nil && !res.Ready {
		res.Notes = append(res.Notes, derr.Error())
	}
	return res
}

func newAuthCmd(opts *globalOptions) *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Inspect or change the calendar access decision"}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded access decision without prompting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, ro, err := buildPrinter(cmd, opts, "auth.status")
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
			state, err := timed(ctx, "store.authorization_status", store.AuthorizationStatus)
			if err != nil {
				return failWithHint(p, contract.ErrBackendUnavailable, err, hintFor(contract.ErrBackendUnavailable), exitUnavailable)
			}
			return successWithMeta(ctx, p, ro, map[string]any{"authorization": state}, nil, nil)
		},
	}

	request := &cobra.Command{
		Use:   "request",
		Short: "Request calendar access (prompts once unless --yes)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "auth.request")
			if err != nil {
				return err
			}
			defer mgr.Close()
			ctx, cancel := commandContext(ro)
			defer cancel()
			if err := ensureAuthorized(ctx, p, mgr, ro); err != nil {
				return err
			}
			return successWithMeta(ctx, p, ro, map[string]any{"authorization": mgr.AuthState()}, nil, nil)
		},
	}

	setState := func(use, short string, state contract.AuthState) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				p, ro, err := buildPrinter(cmd, opts, "auth."+use)
				if err != nil {
					return err
				}
				store, err := openStore(cmd, p, ro, newLogger(ro, p.Err))
				if err != nil {
					return err
				}
				defer store.Close()
				setter, ok := store.(authorizationSetter)
				if !ok {
					err = fmt.Errorf("the %s store cannot change its access decision", ro.Backend)
					return failWithHint(p, contract.ErrInvalidUsage, err, "Change access in System Settings > Privacy & Security > Calendars", exitUsage)
				}
				ctx, cancel := commandContext(ro)
				defer cancel()
				if err := timedErr(ctx, "store.set_authorization", func(ctx context.Context) error {
					return setter.SetAuthorization(ctx, state)
				}); err != nil {
					var be *callContextError
					if errors.As(err, &be) {
						return failWithHint(p, contract.ErrBackendUnavailable, err, hintFor(contract.ErrBackendUnavailable), exitUnavailable)
					}
					return failWithHint(p, contract.ErrPersistence, err, hintFor(contract.ErrPersistence), exitPersistence)
				}
				return successWithMeta(ctx, p, ro, map[string]any{"authorization": state}, nil, nil)
			},
		}
	}

	auth.AddCommand(status, request,
		setState("revoke", "Record a denial; facade calls fail until access is granted again", contract.AuthDenied),
		setState("reset", "Forget the access decision so the next request prompts again", contract.AuthUnrequested),
	)
	return auth
}

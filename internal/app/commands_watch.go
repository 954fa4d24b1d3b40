package app

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agis/calmgr/internal/calendar"
	"github.com/agis/calmgr/internal/contract"
)

// watchNotice is one JSONL line emitted by `calmgr watch`.
type watchNotice struct {
	Type      string              `json:"type"`
	At        time.Time           `json:"at"`
	Calendar  *contract.Calendar  `json:"calendar,omitempty"`
	Event     *contract.Event     `json:"event,omitempty"`
	Calendars []contract.Calendar `json:"calendars,omitempty"`
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var refresh bool
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream calendar and event invalidations as JSONL until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, mgr, ro, err := buildContext(cmd, opts, "watch")
			if err != nil {
				return err
			}
			defer mgr.Close()

			authCtx, cancelAuth := commandContext(ro)
			err = ensureAuthorized(authCtx, p, mgr, ro)
			cancelAuth()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			emit := noticeWriter(cmd.OutOrStdout())
			mgr.SetObserver(calendar.Observer{
				OnCalendarsInvalidated: func() {
					n := watchNotice{Type: "calendars_invalidated", At: nowFunc().UTC()}
					if refresh {
						if cals, err := mgr.ListCalendars(ctx, calendar.AllCalendars); err == nil {
							n.Calendars = cals
						}
					}
					emit(n)
				},
				OnEventsInvalidated: func() {
					emit(watchNotice{Type: "events_invalidated", At: nowFunc().UTC()})
				},
				OnCalendarCreated: func(c contract.Calendar) {
					emit(watchNotice{Type: "calendar_created", At: nowFunc().UTC(), Calendar: &c})
				},
				OnEventCreated: func(e contract.Event) {
					emit(watchNotice{Type: "event_created", At: nowFunc().UTC(), Event: &e})
				},
			})
			emit(watchNotice{Type: "watching", At: nowFunc().UTC()})
			if err := mgr.Watch(ctx); err != nil {
				return failFacade(p, err, "")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Attach the current calendar list to calendar invalidations")
	cmd.Flags().DurationVar(&duration, "for", 0, "Stop after this long (0 watches until interrupted)")
	return cmd
}

func noticeWriter(w io.Writer) func(watchNotice) {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(n watchNotice) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(n)
	}
}

package app

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/agis/calmgr/internal/backend"
	"github.com/agis/calmgr/internal/contract"
)

// stallingStore blocks the chosen operations until the context is done.
type stallingStore struct {
	backend.Store
	stallList bool
	stallSave bool
}

func (s *stallingStore) ListEvents(ctx context.Context, f backend.EventFilter) ([]contract.Event, error) {
	if !s.stallList {
		return s.Store.ListEvents(ctx, f)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stallingStore) SaveEvent(ctx context.Context, ev contract.Event) (*contract.Event, error) {
	if !s.stallSave {
		return s.Store.SaveEvent(ctx, ev)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func useStallingStore(t *testing.T, list, save bool) {
	t.Helper()
	orig := storeFactory
	storeFactory = func(ro *globalOptions, prompter backend.Prompter, log *slog.Logger) (backend.Store, error) {
		inner, err := backend.OpenSQLiteStore(context.Background(), ro.DB, backend.WithPrompter(prompter))
		if err != nil {
			return nil, err
		}
		return &stallingStore{Store: inner, stallList: list, stallSave: save}, nil
	}
	t.Cleanup(func() { storeFactory = orig })
}

func TestEventsListTimeoutIncludesPhase(t *testing.T) {
	db := isolateEnv(t)
	useStallingStore(t, true, false)
	_, errOut, err := runCLI(t, "today", "--timeout", "50ms", "--yes", "--json", "--db", db)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if code := ExitCode(err); code != exitUnavailable {
		t.Fatalf("exit code mismatch: got=%d want=%d", code, exitUnavailable)
	}
	env := decodeErrorEnvelope(t, errOut)
	if env.Error.Code != string(contract.ErrBackendUnavailable) {
		t.Fatalf("unexpected error code %q", env.Error.Code)
	}
	if !strings.Contains(env.Error.Message, "calendar.list_events timed out") {
		t.Fatalf("expected phase in message, got %q", env.Error.Message)
	}
	if env.Meta["phase"] != "calendar.list_events" {
		t.Fatalf("expected phase meta, got %+v", env.Meta)
	}
}

func TestEventsAddTimeoutIncludesPhase(t *testing.T) {
	db := isolateEnv(t)
	useStallingStore(t, false, true)
	_, errOut, err := runCLI(t, "events", "add", "--title", "Load test", "--start", "2026-02-20T09:00:00Z",
		"--duration", "30m", "--timeout", "50ms", "--yes", "--json", "--db", db)
	if code := ExitCode(err); code != exitUnavailable {
		t.Fatalf("exit code mismatch: got=%d want=%d err=%v", code, exitUnavailable, err)
	}
	if !strings.Contains(errOut, "calendar.save_event timed out") {
		t.Fatalf("expected save phase in output, got %q", errOut)
	}
}

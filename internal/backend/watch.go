package backend

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type fingerprint struct {
	Calendars string
	Events    string
}

// changeWatcher turns filesystem activity on a database file into Change
// notifications. Each fs event triggers a fingerprint comparison, so writes
// the owning store already accounted for stay silent.
type changeWatcher struct {
	path     string
	read     func(context.Context) (fingerprint, error)
	debounce time.Duration
	log      *slog.Logger

	mu   sync.Mutex
	last fingerprint
}

func newChangeWatcher(path string, read func(context.Context) (fingerprint, error), log *slog.Logger) *changeWatcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &changeWatcher{path: path, read: read, debounce: 150 * time.Millisecond, log: log}
}

// remember records fp as already seen.
func (w *changeWatcher) remember(fp fingerprint) {
	w.mu.Lock()
	w.last = fp
	w.mu.Unlock()
}

// sync reads the current fingerprint and returns the changes since the last
// one seen.
func (w *changeWatcher) sync(ctx context.Context) ([]Change, error) {
	fp, err := w.read(ctx)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Change
	if fp.Calendars != w.last.Calendars {
		out = append(out, ChangeCalendars)
	}
	if fp.Events != w.last.Events {
		out = append(out, ChangeEvents)
	}
	w.last = fp
	return out, nil
}

func (w *changeWatcher) start(ctx context.Context) (<-chan Change, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	if fp, err := w.read(ctx); err == nil {
		w.remember(fp)
	}
	out := make(chan Change, 8)
	base := filepath.Base(w.path)
	go func() {
		defer close(out)
		defer fsw.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				// sqlite touches the db, -wal and -journal siblings
				if !strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(w.debounce)
				} else {
					timer.Reset(w.debounce)
				}
				fire = timer.C
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.log.Warn("change watcher error", "path", w.path, "err", err)
			case <-fire:
				fire = nil
				changes, err := w.sync(ctx)
				if err != nil {
					w.log.Warn("fingerprint read failed", "path", w.path, "err", err)
					continue
				}
				for _, c := range changes {
					select {
					case out <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

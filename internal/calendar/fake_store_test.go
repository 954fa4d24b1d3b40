package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/agis/calmgr/internal/backend"
	"github.com/agis/calmgr/internal/contract"
)

// memStore is an in-memory backend.Store.
type memStore struct {
	mu sync.Mutex

	status      contract.AuthState
	answer      bool
	prompts     int
	sources     []contract.Source
	calendars   []contract.Calendar
	events      []contract.Event
	defaultID   string
	nextID      int
	failCreate  error
	failSave    error
	failDefault error
	changes     chan backend.Change
	mutations   int
}

func newMemStore() *memStore {
	return &memStore{
		status: contract.AuthUnrequested,
		answer: true,
		sources: []contract.Source{
			{ID: "src-local", Title: "On My Device", Kind: contract.SourceLocal},
			{ID: "src-cloud", Title: "iCloud", Kind: contract.SourceCloud},
			{ID: "src-bday", Title: "Other", Kind: contract.SourceBirthdays},
		},
		calendars: []contract.Calendar{
			{ID: "cal-home", SourceID: "src-local", SourceKind: contract.SourceLocal, Title: "Home", Color: "#00ff00", Writable: true, Removable: true},
			{ID: "cal-work", SourceID: "src-local", SourceKind: contract.SourceLocal, Title: "Work", Color: "#ff0000", Writable: true, Removable: true},
			{ID: "cal-cloud-work", SourceID: "src-cloud", SourceKind: contract.SourceCloud, Title: "Work", Color: "#0000ff", Writable: true, Removable: true},
			{ID: "cal-bday", SourceID: "src-bday", SourceKind: contract.SourceBirthdays, Title: "Birthdays", Color: "#8e8e93"},
		},
		defaultID: "cal-home",
		changes:   make(chan backend.Change, 4),
	}
}

func (s *memStore) AuthorizationStatus(context.Context) (contract.AuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *memStore) RequestAccess(context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts++
	if s.answer {
		s.status = contract.AuthGranted
	} else {
		s.status = contract.AuthDenied
	}
	return s.answer, nil
}

func (s *memStore) Doctor(context.Context) ([]contract.DoctorCheck, error) { return nil, nil }

func (s *memStore) ListSources(context.Context) ([]contract.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Source(nil), s.sources...), nil
}

func (s *memStore) ListCalendars(context.Context) ([]contract.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contract.Calendar(nil), s.calendars...), nil
}

func (s *memStore) DefaultCalendarID(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultID, nil
}

func (s *memStore) SetDefaultCalendarID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDefault != nil {
		return s.failDefault
	}
	s.defaultID = id
	return nil
}

func (s *memStore) CreateCalendar(_ context.Context, in backend.CalendarCreateInput) (*contract.Calendar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return nil, s.failCreate
	}
	var src *contract.Source
	for i := range s.sources {
		if s.sources[i].ID == in.SourceID {
			src = &s.sources[i]
		}
	}
	if src == nil {
		return nil, fmt.Errorf("source %s: %w", in.SourceID, backend.ErrNotFound)
	}
	if src.Kind == contract.SourceBirthdays {
		return nil, fmt.Errorf("source %s: %w", in.SourceID, backend.ErrReadOnly)
	}
	s.nextID++
	s.mutations++
	cal := contract.Calendar{
		ID: fmt.Sprintf("cal-new-%d", s.nextID), SourceID: src.ID, SourceKind: src.Kind,
		Title: in.Title, Color: in.Color, Writable: true, Removable: true,
	}
	s.calendars = append(s.calendars, cal)
	if in.MakeDefault {
		s.defaultID = cal.ID
	}
	return &cal, nil
}

func (s *memStore) RemoveCalendar(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.calendars {
		if c.ID != id {
			continue
		}
		if !c.Removable {
			return fmt.Errorf("calendar %s: %w", id, backend.ErrNotRemovable)
		}
		s.mutations++
		s.calendars = append(s.calendars[:i], s.calendars[i+1:]...)
		kept := s.events[:0]
		for _, e := range s.events {
			if e.CalendarID != id {
				kept = append(kept, e)
			}
		}
		s.events = kept
		return nil
	}
	return fmt.Errorf("calendar %s: %w", id, backend.ErrNotFound)
}

func (s *memStore) ListEvents(_ context.Context, f backend.EventFilter) ([]contract.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []contract.Event
	for _, e := range s.events {
		if len(f.CalendarIDs) > 0 && !contains(f.CalendarIDs, e.CalendarID) {
			continue
		}
		if e.Intersects(f.From, f.To) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *memStore) SaveEvent(_ context.Context, ev contract.Event) (*contract.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave != nil {
		return nil, s.failSave
	}
	found := false
	for _, c := range s.calendars {
		if c.ID == ev.CalendarID {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("calendar %s: %w", ev.CalendarID, backend.ErrNotFound)
	}
	s.mutations++
	if ev.ID == "" {
		s.nextID++
		ev.ID = fmt.Sprintf("ev-%d", s.nextID)
		s.events = append(s.events, ev)
		return &ev, nil
	}
	for i := range s.events {
		if s.events[i].ID == ev.ID {
			s.events[i] = ev
			return &ev, nil
		}
	}
	return nil, fmt.Errorf("event %s: %w", ev.ID, backend.ErrNotFound)
}

func (s *memStore) RemoveEvent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e.ID == id {
			s.mutations++
			s.events = append(s.events[:i], s.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %s: %w", id, backend.ErrNotFound)
}

func (s *memStore) Watch(ctx context.Context) (<-chan backend.Change, error) {
	out := make(chan backend.Change)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case c := <-s.changes:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *memStore) Close() error { return nil }

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

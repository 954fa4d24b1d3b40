// Package calendar is a facade over a host event store. It gates every
// operation behind an authorization state machine, applies default-calendar
// and filtering policy, and reports outcomes to an optional Observer.
package calendar

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/agis/calmgr/internal/backend"
	"github.com/agis/calmgr/internal/contract"
)

// CalendarKind filters ListCalendars. AllCalendars matches every source.
type CalendarKind string

const AllCalendars CalendarKind = "all"

func KindFor(k contract.SourceKind) CalendarKind { return CalendarKind(k) }

// ParseCalendarKind accepts "all" or any source kind name.
func ParseCalendarKind(v string) (CalendarKind, error) {
	if s := strings.ToLower(strings.TrimSpace(v)); s == "" || s == string(AllCalendars) {
		return AllCalendars, nil
	}
	k, err := contract.ParseSourceKind(v)
	if err != nil {
		return "", err
	}
	return CalendarKind(k), nil
}

// TitleKind is one FindCalendars lookup.
type TitleKind struct {
	Title string
	Kind  contract.SourceKind
}

// defaultPersister is implemented by stores that remember a default calendar
// across processes.
type defaultPersister interface {
	SetDefaultCalendarID(ctx context.Context, id string) error
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// Manager is the calendar facade. Construct one per store with New.
type Manager struct {
	store backend.Store
	now   func() time.Time
	loc   *time.Location
	log   *slog.Logger

	mu        sync.Mutex
	state     contract.AuthState
	defaultID string
	observer  *Observer
}

func New(store backend.Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		now:   time.Now,
		loc:   time.Local,
		log:   slog.New(slog.DiscardHandler),
		state: contract.AuthUnrequested,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthState returns the last known authorization state.
func (m *Manager) AuthState() contract.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetObserver replaces the observer. A zero Observer silences notifications.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = &o
	m.mu.Unlock()
}

func (m *Manager) obs() *Observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observer
}

func (m *Manager) setState(s contract.AuthState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.log.Debug("authorization state changed", "from", prev, "to", s)
	}
}

// RequestAuthorization resolves calendar access. A decision already recorded
// by the store is adopted without prompting. Calls made while a request is
// pending fail with ErrNotAuthorized.
func (m *Manager) RequestAuthorization(ctx context.Context) (bool, error) {
	const op = "request authorization"
	m.mu.Lock()
	prev := m.state
	if prev == contract.AuthPending {
		m.mu.Unlock()
		return false, newError(KindNotAuthorized, op, "authorization request already pending")
	}
	m.state = contract.AuthPending
	m.mu.Unlock()

	status, err := m.store.AuthorizationStatus(ctx)
	if err != nil {
		m.setState(prev)
		return false, readError(op, err)
	}
	granted := status == contract.AuthGranted
	if status != contract.AuthGranted && status != contract.AuthDenied {
		m.log.Info("prompting for calendar access")
		granted, err = m.store.RequestAccess(ctx)
		if err != nil {
			m.setState(prev)
			return false, &Error{Kind: KindNotAuthorized, Op: op, Err: err}
		}
	}
	if !granted {
		m.setState(contract.AuthDenied)
		return false, nil
	}
	def, err := m.store.DefaultCalendarID(ctx)
	if err != nil {
		m.log.Warn("default calendar lookup failed", "err", err)
	}
	m.mu.Lock()
	if m.defaultID == "" {
		m.defaultID = def
	}
	m.mu.Unlock()
	m.setState(contract.AuthGranted)
	return true, nil
}

// requireAccess fails unless access was granted and the store still agrees.
func (m *Manager) requireAccess(ctx context.Context, op string) error {
	if st := m.AuthState(); st != contract.AuthGranted {
		return newError(KindNotAuthorized, op, "calendar access is %s", st)
	}
	status, err := m.store.AuthorizationStatus(ctx)
	if err != nil {
		return readError(op, err)
	}
	if status != contract.AuthGranted {
		m.setState(status)
		m.log.Info("calendar access revoked", "state", status)
		return newError(KindNotAuthorized, op, "calendar access was revoked")
	}
	return nil
}

func (m *Manager) ListSources(ctx context.Context) ([]contract.Source, error) {
	const op = "list sources"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	sources, err := m.store.ListSources(ctx)
	if err != nil {
		return nil, readError(op, err)
	}
	if sources == nil {
		sources = []contract.Source{}
	}
	return sources, nil
}

func (m *Manager) ListSourcesOfKind(ctx context.Context, kind contract.SourceKind) ([]contract.Source, error) {
	sources, err := m.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]contract.Source, 0, len(sources))
	for _, s := range sources {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out, nil
}

// HasCloudCalendar reports whether any cloud source exists.
func (m *Manager) HasCloudCalendar(ctx context.Context) (bool, error) {
	sources, err := m.ListSourcesOfKind(ctx, contract.SourceCloud)
	if err != nil {
		return false, err
	}
	return len(sources) > 0, nil
}

// calendars returns the store's calendars with Default reflecting the
// facade's pointer.
func (m *Manager) calendars(ctx context.Context, op string) ([]contract.Calendar, error) {
	cals, err := m.store.ListCalendars(ctx)
	if err != nil {
		return nil, readError(op, err)
	}
	m.mu.Lock()
	def := m.defaultID
	m.mu.Unlock()
	for i := range cals {
		cals[i].Default = def != "" && cals[i].ID == def
	}
	return cals, nil
}

func (m *Manager) ListCalendars(ctx context.Context, kind CalendarKind) ([]contract.Calendar, error) {
	const op = "list calendars"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	cals, err := m.calendars(ctx, op)
	if err != nil {
		return nil, err
	}
	out := make([]contract.Calendar, 0, len(cals))
	for _, c := range cals {
		if kind == AllCalendars || kind == "" || CalendarKind(c.SourceKind) == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindCalendars looks up each pair and skips the ones that match nothing.
func (m *Manager) FindCalendars(ctx context.Context, pairs []TitleKind) ([]contract.Calendar, error) {
	const op = "find calendars"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	cals, err := m.calendars(ctx, op)
	if err != nil {
		return nil, err
	}
	out := make([]contract.Calendar, 0, len(pairs))
	for _, p := range pairs {
		for _, c := range cals {
			if c.Title == p.Title && c.SourceKind == p.Kind {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

// SetDefaultCalendar points the default at the calendar whose ID is ref, or
// else the first one titled ref, and records it in stores that keep a default.
// It returns nil and leaves the default alone when nothing matches.
func (m *Manager) SetDefaultCalendar(ctx context.Context, ref string) (*contract.Calendar, error) {
	const op = "set default calendar"
	match, err := m.matchCalendar(ctx, op, ref)
	if err != nil || match == nil {
		return nil, err
	}
	if p, ok := m.store.(defaultPersister); ok {
		if err := p.SetDefaultCalendarID(ctx, match.ID); err != nil {
			m.log.Debug("default calendar not saved", "id", match.ID, "err", err)
			return nil, storeError(op, err)
		}
	}
	m.mu.Lock()
	m.defaultID = match.ID
	m.mu.Unlock()
	match.Default = true
	return match, nil
}

// PreferDefaultCalendar moves the default pointer of this Manager only. The
// store's default is left as it is.
func (m *Manager) PreferDefaultCalendar(ctx context.Context, ref string) (*contract.Calendar, error) {
	match, err := m.matchCalendar(ctx, "prefer default calendar", ref)
	if err != nil || match == nil {
		return nil, err
	}
	m.mu.Lock()
	m.defaultID = match.ID
	m.mu.Unlock()
	match.Default = true
	return match, nil
}

func (m *Manager) matchCalendar(ctx context.Context, op, ref string) (*contract.Calendar, error) {
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	cals, err := m.calendars(ctx, op)
	if err != nil {
		return nil, err
	}
	for i := range cals {
		if cals[i].ID == ref {
			return &cals[i], nil
		}
	}
	for i := range cals {
		if cals[i].Title == ref {
			return &cals[i], nil
		}
	}
	m.log.Debug("default calendar unchanged", "ref", ref)
	return nil, nil
}

// DefaultCalendar resolves the default pointer. A pointer to a calendar that
// no longer exists is cleared.
func (m *Manager) DefaultCalendar(ctx context.Context) (*contract.Calendar, error) {
	const op = "default calendar"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	cals, err := m.calendars(ctx, op)
	if err != nil {
		return nil, err
	}
	for i := range cals {
		if cals[i].Default {
			return &cals[i], nil
		}
	}
	m.clearDefault("")
	return nil, nil
}

// clearDefault drops the pointer when it equals id, or unconditionally when
// id is empty.
func (m *Manager) clearDefault(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" || m.defaultID == id {
		m.defaultID = ""
	}
}

// AddCalendar creates a calendar in sourceID. When makeDefault is set the
// store records the new default in the same write, and the pointer moves
// before OnCalendarCreated fires.
func (m *Manager) AddCalendar(ctx context.Context, sourceID, name, color string, makeDefault bool) (*contract.Calendar, error) {
	const op = "add calendar"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newError(KindInvalidArgument, op, "calendar name required")
	}
	if strings.TrimSpace(color) != "" {
		c, err := colorful.Hex(strings.TrimSpace(color))
		if err != nil {
			return nil, newError(KindInvalidArgument, op, "invalid color %q: expected #rrggbb", color)
		}
		color = c.Hex()
	}
	cal, err := m.store.CreateCalendar(ctx, backend.CalendarCreateInput{SourceID: sourceID, Title: name, Color: color, MakeDefault: makeDefault})
	if err != nil {
		m.log.Debug("calendar create failed", "source", sourceID, "name", name, "err", err)
		return nil, storeError(op, err)
	}
	m.mu.Lock()
	if makeDefault {
		m.defaultID = cal.ID
	}
	cal.Default = cal.ID == m.defaultID
	obs := m.observer
	m.mu.Unlock()
	m.log.Info("calendar created", "id", cal.ID, "title", cal.Title, "default", cal.Default)
	obs.calendarCreated(*cal)
	return cal, nil
}

// RemoveCalendar deletes a calendar and its events.
func (m *Manager) RemoveCalendar(ctx context.Context, id string) error {
	const op = "remove calendar"
	if err := m.requireAccess(ctx, op); err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return newError(KindInvalidArgument, op, "calendar id required")
	}
	if err := m.store.RemoveCalendar(ctx, id); err != nil {
		return storeError(op, err)
	}
	m.clearDefault(id)
	m.log.Info("calendar removed", "id", id)
	return nil
}

// ListEvents returns events intersecting r. With no calendars the default
// calendar is searched, or every calendar when there is no default.
func (m *Manager) ListEvents(ctx context.Context, r EventRange, calendarIDs ...string) ([]contract.Event, error) {
	const op = "list events"
	if err := m.requireAccess(ctx, op); err != nil {
		return nil, err
	}
	from, to := r.Bounds(m.now(), m.loc)
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return nil, newError(KindInvalidArgument, op, "invalid %s range [%s, %s]", r, from, to)
	}
	ids := make([]string, 0, len(calendarIDs))
	for _, id := range calendarIDs {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		m.mu.Lock()
		if m.defaultID != "" {
			ids = append(ids, m.defaultID)
		}
		m.mu.Unlock()
	}
	items, err := m.store.ListEvents(ctx, backend.EventFilter{CalendarIDs: ids, From: from, To: to})
	if err != nil {
		return nil, readError(op, err)
	}
	if items == nil {
		items = []contract.Event{}
	}
	return items, nil
}

// CreateAlarm builds an alarm firing minutesBefore minutes before the start.
func (m *Manager) CreateAlarm(minutesBefore int) contract.Alarm {
	return contract.Alarm{MinutesBefore: minutesBefore}
}

// SaveEvent inserts or updates ev and refreshes it with the stored copy.
// An event ending before it starts is rejected.
func (m *Manager) SaveEvent(ctx context.Context, ev *contract.Event) error {
	const op = "save event"
	if err := m.requireAccess(ctx, op); err != nil {
		return err
	}
	if ev == nil {
		return newError(KindInvalidArgument, op, "event required")
	}
	if ev.End.Before(ev.Start) {
		return newError(KindInvalidArgument, op, "event ends (%s) before it starts (%s)", ev.End, ev.Start)
	}
	if ev.CalendarID == "" {
		m.mu.Lock()
		ev.CalendarID = m.defaultID
		m.mu.Unlock()
	}
	if ev.CalendarID == "" {
		return newError(KindInvalidArgument, op, "no calendar given and no default calendar set")
	}
	saved, err := m.store.SaveEvent(ctx, *ev)
	if err != nil {
		m.log.Debug("event save failed", "calendar", ev.CalendarID, "err", err)
		return storeError(op, err)
	}
	*ev = *saved
	m.log.Info("event saved", "id", saved.ID, "calendar", saved.CalendarID)
	m.obs().eventCreated(*saved)
	return nil
}

// RemoveEvent deletes ev. Occurrence IDs remove the whole series.
func (m *Manager) RemoveEvent(ctx context.Context, ev *contract.Event) error {
	const op = "remove event"
	if err := m.requireAccess(ctx, op); err != nil {
		return err
	}
	if ev == nil || strings.TrimSpace(ev.ID) == "" {
		return newError(KindInvalidArgument, op, "event id required")
	}
	if err := m.store.RemoveEvent(ctx, ev.ID); err != nil {
		return storeError(op, err)
	}
	m.log.Info("event removed", "id", ev.ID)
	return nil
}

// Watch forwards out-of-band store changes to the observer until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	const op = "watch"
	if err := m.requireAccess(ctx, op); err != nil {
		return err
	}
	changes, err := m.store.Watch(ctx)
	if err != nil {
		return readError(op, err)
	}
	for c := range changes {
		m.log.Debug("store changed", "change", c)
		switch c {
		case backend.ChangeCalendars:
			m.dropStaleDefault(ctx)
			m.obs().calendarsInvalidated()
		case backend.ChangeEvents:
			m.obs().eventsInvalidated()
		}
	}
	return nil
}

func (m *Manager) dropStaleDefault(ctx context.Context) {
	m.mu.Lock()
	def := m.defaultID
	m.mu.Unlock()
	if def == "" {
		return
	}
	cals, err := m.store.ListCalendars(ctx)
	if err != nil {
		return
	}
	for _, c := range cals {
		if c.ID == def {
			return
		}
	}
	m.log.Info("default calendar disappeared", "id", def)
	m.clearDefault(def)
}

// Doctor reports store health. It does not require authorization.
func (m *Manager) Doctor(ctx context.Context) ([]contract.DoctorCheck, error) {
	checks, err := m.store.Doctor(ctx)
	if err != nil {
		return checks, readError("doctor", err)
	}
	return checks, nil
}

func (m *Manager) Close() error {
	return m.store.Close()
}

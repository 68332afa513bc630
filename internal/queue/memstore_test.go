package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory Store. InTx serializes transactions and restores
// the previous state when fn fails.
type memStore struct {
	mu        sync.Mutex
	appts     map[uuid.UUID]Appointment
	absences  map[uuid.UUID]AbsenceRecord
	waitlist  map[uuid.UUID]WaitlistEntry
	closures  map[uuid.UUID]DayClosure
	overrides []QueueOverride
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{
		appts:    make(map[uuid.UUID]Appointment),
		absences: make(map[uuid.UUID]AbsenceRecord),
		waitlist: make(map[uuid.UUID]WaitlistEntry),
		closures: make(map[uuid.UUID]DayClosure),
	}
}

type memState struct {
	appts     map[uuid.UUID]Appointment
	absences  map[uuid.UUID]AbsenceRecord
	waitlist  map[uuid.UUID]WaitlistEntry
	closures  map[uuid.UUID]DayClosure
	overrides []QueueOverride
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *memStore) snapshot() memState {
	return memState{
		appts:     cloneMap(s.appts),
		absences:  cloneMap(s.absences),
		waitlist:  cloneMap(s.waitlist),
		closures:  cloneMap(s.closures),
		overrides: append([]QueueOverride(nil), s.overrides...),
	}
}

func (s *memStore) restore(st memState) {
	s.appts = st.appts
	s.absences = st.absences
	s.waitlist = st.waitlist
	s.closures = st.closures
	s.overrides = st.overrides
}

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved := s.snapshot()
	if err := fn(ctx, &memTx{s: s}); err != nil {
		s.restore(saved)
		return err
	}
	return nil
}

// seed stores appointments directly, bypassing the engine.
func (s *memStore) seed(entries ...*Appointment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range entries {
		s.appts[a.ID] = *a
	}
}

func (s *memStore) appointment(id uuid.UUID) Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appts[id]
}

func (s *memStore) overridesFor(action ActionType) []QueueOverride {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []QueueOverride
	for _, o := range s.overrides {
		if o.Action == action {
			out = append(out, o)
		}
	}
	return out
}

func (s *memStore) overrideCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.overrides)
}

func (s *memStore) waitlistEntries() []WaitlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WaitlistEntry, 0, len(s.waitlist))
	for _, w := range s.waitlist {
		out = append(out, w)
	}
	return out
}

func (s *memStore) absenceFor(appointmentID uuid.UUID) []AbsenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AbsenceRecord
	for _, r := range s.absences {
		if r.AppointmentID == appointmentID {
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (s *memStore) ListStaffDay(_ context.Context, staffID uuid.UUID, date time.Time) ([]Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Appointment
	for _, a := range s.appts {
		if a.StaffID == staffID && a.Date.Equal(DayOf(date)) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) GetClosure(_ context.Context, id uuid.UUID) (*DayClosure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.closures[id]
	if !ok {
		return nil, ErrClosureNotFound
	}
	return &c, nil
}

func (s *memStore) FindOpenClosure(_ context.Context, staffID uuid.UUID, date time.Time) (*DayClosure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openClosure(staffID, date)
}

func (s *memStore) openClosure(staffID uuid.UUID, date time.Time) (*DayClosure, error) {
	for _, c := range s.closures {
		if c.StaffID == staffID && c.Date.Equal(DayOf(date)) && c.ReopenedAt == nil {
			return &c, nil
		}
	}
	return nil, ErrClosureNotFound
}

func (s *memStore) ListExpiredAbsences(_ context.Context, now time.Time, limit int) ([]ExpiredAbsence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ExpiredAbsence
	for _, r := range s.absences {
		if r.ResolvedAt != nil || r.Resolution != "" || now.Before(r.GraceExpiresAt) {
			continue
		}
		a := s.appts[r.AppointmentID]
		out = append(out, ExpiredAbsence{Absence: r, StaffID: a.StaffID, Date: a.Date})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) ExpireWaitlistBefore(_ context.Context, date time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, w := range s.waitlist {
		if w.RequestedDate.Before(date) && (w.Status == WaitlistWaiting || w.Status == WaitlistNotified) {
			w.Status = WaitlistExpired
			s.waitlist[id] = w
			n++
		}
	}
	return n, nil
}

type memTx struct {
	s *memStore
}

func (t *memTx) LoadClinicDay(_ context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error) {
	var out []*Appointment
	for _, a := range t.s.appts {
		if a.ClinicID == clinicID && a.Date.Equal(DayOf(date)) {
			cp := a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	t.s.appts[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a *Appointment) error {
	if _, ok := t.s.appts[a.ID]; !ok {
		return ErrAppointmentNotFound
	}
	t.s.appts[a.ID] = *a
	return nil
}

func (t *memTx) InsertAbsence(_ context.Context, r *AbsenceRecord) error {
	t.s.absences[r.ID] = *r
	return nil
}

func (t *memTx) GetOpenAbsence(_ context.Context, appointmentID uuid.UUID) (*AbsenceRecord, error) {
	for _, r := range t.s.absences {
		if r.AppointmentID == appointmentID && r.ResolvedAt == nil {
			return &r, nil
		}
	}
	return nil, ErrAbsenceNotFound
}

func (t *memTx) UpdateAbsence(_ context.Context, r *AbsenceRecord) error {
	t.s.absences[r.ID] = *r
	return nil
}

func (t *memTx) InsertWaitlistEntry(_ context.Context, w *WaitlistEntry) error {
	t.s.waitlist[w.ID] = *w
	return nil
}

func (t *memTx) NextWaitlistEntry(_ context.Context, clinicID, staffID uuid.UUID, date time.Time) (*WaitlistEntry, error) {
	var best *WaitlistEntry
	for _, w := range t.s.waitlist {
		if w.ClinicID != clinicID || !w.RequestedDate.Equal(DayOf(date)) || w.Status != WaitlistWaiting {
			continue
		}
		if w.StaffID != nil && *w.StaffID != staffID {
			continue
		}
		if best == nil || w.Priority > best.Priority ||
			(w.Priority == best.Priority && w.CreatedAt.Before(best.CreatedAt)) {
			cp := w
			best = &cp
		}
	}
	if best == nil {
		return nil, ErrWaitlistEmpty
	}
	return best, nil
}

func (t *memTx) UpdateWaitlistEntry(_ context.Context, w *WaitlistEntry) error {
	t.s.waitlist[w.ID] = *w
	return nil
}

func (t *memTx) ExpireStaffWaitlist(_ context.Context, clinicID, staffID uuid.UUID, date time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for id, w := range t.s.waitlist {
		if w.ClinicID != clinicID || w.StaffID == nil || *w.StaffID != staffID || !w.RequestedDate.Equal(DayOf(date)) {
			continue
		}
		if w.Status == WaitlistWaiting || w.Status == WaitlistNotified {
			w.Status = WaitlistExpired
			t.s.waitlist[id] = w
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (t *memTx) InsertOverride(_ context.Context, o *QueueOverride) error {
	t.s.nextID++
	o.ID = t.s.nextID
	t.s.overrides = append(t.s.overrides, *o)
	return nil
}

func (t *memTx) GetOpenClosure(_ context.Context, staffID uuid.UUID, date time.Time) (*DayClosure, error) {
	return t.s.openClosure(staffID, date)
}

func (t *memTx) GetClosureForUpdate(_ context.Context, id uuid.UUID) (*DayClosure, error) {
	c, ok := t.s.closures[id]
	if !ok {
		return nil, ErrClosureNotFound
	}
	return &c, nil
}

func (t *memTx) InsertClosure(_ context.Context, c *DayClosure) error {
	t.s.closures[c.ID] = *c
	return nil
}

func (t *memTx) MarkClosureReopened(_ context.Context, c *DayClosure) error {
	t.s.closures[c.ID] = *c
	return nil
}

type fakeConfigs struct {
	mu   sync.Mutex
	cfgs map[uuid.UUID]ClinicConfig
}

func (f *fakeConfigs) ClinicConfig(_ context.Context, clinicID uuid.UUID) (ClinicConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cfg, ok := f.cfgs[clinicID]; ok {
		return cfg, nil
	}
	return DefaultClinicConfig(clinicID), nil
}

type fakeDirectory struct {
	staff map[uuid.UUID]StaffMember
}

func (f *fakeDirectory) StaffMember(_ context.Context, staffID uuid.UUID) (StaffMember, error) {
	m, ok := f.staff[staffID]
	if !ok {
		return StaffMember{}, ErrStaffInactive
	}
	return m, nil
}

func (f *fakeDirectory) PatientDisplays(_ context.Context, refs []PatientRef) (map[PatientRef]PatientDisplay, error) {
	out := make(map[PatientRef]PatientDisplay, len(refs))
	for _, r := range refs {
		out[r] = PatientDisplay{Name: "Patient " + r.ID().String()[:8], IsGuest: r.IsGuest()}
	}
	return out, nil
}

func (f *fakeDirectory) ClinicDisplay(_ context.Context, clinicID uuid.UUID) (ClinicDisplay, error) {
	return ClinicDisplay{ID: clinicID, Name: "Riverside Clinic"}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

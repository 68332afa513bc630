package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/metrics"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

var tracer = otel.Tracer("github.com/hackgods/clinic-queue/internal/queue")

// Deps are the collaborators a Service needs. Notifier, Metrics and Logger are
// optional.
type Deps struct {
	Store     Store
	Configs   ConfigSource
	Directory Directory
	Locker    redisclient.Locker
	Notifier  Notifier
	Metrics   *metrics.QueueMetrics
	Logger    *zap.Logger
}

type Service struct {
	store    Store
	configs  ConfigSource
	dir      Directory
	locker   redisclient.Locker
	notifier Notifier
	metrics  *metrics.QueueMetrics
	log      *zap.Logger
	cfg      config.Config
	now      func() time.Time
}

func NewService(deps Deps, cfg config.Config) *Service {
	s := &Service{
		store:    deps.Store,
		configs:  deps.Configs,
		dir:      deps.Directory,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s
}

// ResolveMode returns the effective queue settings for a clinic on a date.
func (s *Service) ResolveMode(ctx context.Context, clinicID uuid.UUID, date time.Time) (Settings, error) {
	cfg, err := s.configs.ClinicConfig(ctx, clinicID)
	if err != nil {
		return Settings{}, fmt.Errorf("load clinic config: %w", err)
	}
	return ResolveSettings(cfg, date), nil
}

// activeStaff loads the staff member and checks it may run a queue for clinicID.
func (s *Service) activeStaff(ctx context.Context, clinicID, staffID uuid.UUID) (StaffMember, error) {
	member, err := s.dir.StaffMember(ctx, staffID)
	if err != nil {
		return StaffMember{}, fmt.Errorf("load staff member: %w", err)
	}
	if !member.Active {
		return StaffMember{}, ErrStaffInactive
	}
	if clinicID != uuid.Nil && member.ClinicID != clinicID {
		return StaffMember{}, ErrClinicMismatch
	}
	return member, nil
}

// queueRef identifies the queue a mutation works on.
type queueRef struct {
	clinicID uuid.UUID
	staffID  uuid.UUID
	date     time.Time
}

func refOf(a *Appointment) queueRef {
	return queueRef{clinicID: a.ClinicID, staffID: a.StaffID, date: DayOf(a.Date)}
}

// mutation is the state handed to one attempt of a queue transition. It lives
// for a single transaction.
type mutation struct {
	ctx      context.Context
	tx       Tx
	svc      *Service
	ref      queueRef
	settings Settings
	day      *dayQueue
	now      time.Time
	actor    uuid.UUID
	events   []Event
}

func (m *mutation) emit(t EventType, a *Appointment) {
	m.events = append(m.events, newEvent(t, a, m.now))
}

// recalculate reorders the clinic day and queues a position notification for
// every entry that moved to a new position.
func (m *mutation) recalculate() []PositionChange {
	changes := Recalculate(m.day.entries, m.settings.Mode)
	for _, c := range changes {
		a := m.day.byID[c.AppointmentID]
		m.day.touch(a, m.now)
		if c.Current != nil {
			m.emit(EventPositionChanged, a)
		}
	}
	return changes
}

// audit writes one override record for a single entry. before is the snapshot
// taken prior to the change.
func (m *mutation) audit(action ActionType, a *Appointment, before *EntrySnapshot, reason string, skipped []uuid.UUID) error {
	o := &QueueOverride{
		ClinicID:            m.ref.clinicID,
		Action:              action,
		PerformedBy:         m.actor,
		Reason:              reason,
		PreviousState:       before,
		SkippedAppointments: skipped,
		CreatedAt:           m.now,
	}
	if before != nil {
		o.PreviousPosition = copyInt(before.Position)
	}
	if a != nil {
		id := a.ID
		o.AppointmentID = &id
		o.NewPosition = copyInt(a.QueuePosition)
		o.NewState = snapshotOf(a)
	}
	if err := m.tx.InsertOverride(m.ctx, o); err != nil {
		return fmt.Errorf("insert override: %w", err)
	}
	return nil
}

// mutate runs fn inside the queue lock for ref and a database transaction that
// holds the clinic day's rows. Positions are recalculated and verified before
// commit; events are dispatched only after commit.
func (s *Service) mutate(ctx context.Context, op string, ref queueRef, actor uuid.UUID, fn func(m *mutation) error) (err error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "queue."+op, trace.WithAttributes(
		attribute.String("clinic_id", ref.clinicID.String()),
		attribute.String("staff_id", ref.staffID.String()),
		attribute.String("date", ref.date.Format(time.DateOnly)),
	))
	defer func() {
		s.metrics.ObserveOperation(op, outcomeOf(err), time.Since(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	settings, err := s.ResolveMode(ctx, ref.clinicID, ref.date)
	if err != nil {
		return err
	}

	var events []Event
	err = s.withLock(ctx, op, ref, func(lockCtx context.Context) error {
		events = nil
		return s.store.InTx(lockCtx, func(txCtx context.Context, tx Tx) error {
			entries, err := tx.LoadClinicDay(txCtx, ref.clinicID, ref.date)
			if err != nil {
				return fmt.Errorf("load clinic day: %w", err)
			}
			m := &mutation{
				ctx:      txCtx,
				tx:       tx,
				svc:      s,
				ref:      ref,
				settings: settings,
				day:      newDayQueue(entries),
				now:      s.now(),
				actor:    actor,
			}
			if err := fn(m); err != nil {
				return err
			}
			if err := m.day.flush(txCtx, tx); err != nil {
				return err
			}
			events = m.events
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, events)
	return nil
}

// withLock acquires the (staff, date) queue lock, retrying a bounded number of
// times with a linear backoff before reporting contention.
func (s *Service) withLock(ctx context.Context, op string, ref queueRef, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := s.locker.WithQueueLock(ctx, ref.staffID, ref.date, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redisclient.ErrLockNotAcquired) && !errors.Is(err, ErrLockContention) {
			return err
		}
		s.metrics.ObserveLockContention(op)
		if attempt > s.cfg.LockRetries {
			s.log.Warn("queue lock contention",
				zap.String("operation", op),
				zap.Stringer("staff_id", ref.staffID),
				zap.Int("attempts", attempt),
			)
			if errors.Is(err, ErrLockContention) {
				return err
			}
			return fmt.Errorf("%w: %s", ErrLockContention, op)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.LockRetryDelay * time.Duration(attempt)):
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrLockContention):
		return "contention"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	default:
		return "rejected"
	}
}

// loadRef finds the queue an appointment belongs to with a lock-free read. The
// appointment is re-read under lock by the mutation.
func (s *Service) loadRef(ctx context.Context, appointmentID uuid.UUID) (queueRef, error) {
	a, err := s.store.GetAppointment(ctx, appointmentID)
	if err != nil {
		return queueRef{}, err
	}
	return refOf(a), nil
}

// dayQueue is the locked working set of one clinic day. Changes are tracked and
// written back by flush.
type dayQueue struct {
	entries  []*Appointment
	byID     map[uuid.UUID]*Appointment
	inserted []*Appointment
	dirty    map[uuid.UUID]bool
}

func newDayQueue(entries []*Appointment) *dayQueue {
	q := &dayQueue{
		entries: entries,
		byID:    make(map[uuid.UUID]*Appointment, len(entries)),
		dirty:   make(map[uuid.UUID]bool),
	}
	for _, a := range entries {
		q.byID[a.ID] = a
	}
	return q
}

func (q *dayQueue) get(id uuid.UUID) (*Appointment, error) {
	a, ok := q.byID[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

func (q *dayQueue) add(a *Appointment) {
	q.entries = append(q.entries, a)
	q.byID[a.ID] = a
	q.inserted = append(q.inserted, a)
}

func (q *dayQueue) touch(a *Appointment, now time.Time) {
	a.UpdatedAt = now
	q.dirty[a.ID] = true
}

func (q *dayQueue) isNew(a *Appointment) bool {
	for _, n := range q.inserted {
		if n == a {
			return true
		}
	}
	return false
}

// staff returns the entries of one staff member.
func (q *dayQueue) staff(staffID uuid.UUID) []*Appointment {
	var out []*Appointment
	for _, a := range q.entries {
		if a.StaffID == staffID {
			out = append(out, a)
		}
	}
	return out
}

func (q *dayQueue) inService(staffID uuid.UUID) *Appointment {
	for _, a := range q.entries {
		if a.StaffID == staffID && a.Status == StatusInProgress {
			return a
		}
	}
	return nil
}

// occupancy counts entries holding capacity for the day.
func (q *dayQueue) occupancy() int {
	n := 0
	for _, a := range q.entries {
		if a.Occupies() {
			n++
		}
	}
	return n
}

func (q *dayQueue) activeCount() int {
	n := 0
	for _, a := range q.entries {
		if a.IsActive() {
			n++
		}
	}
	return n
}

func (q *dayQueue) flush(ctx context.Context, tx Tx) error {
	if err := VerifyPositions(q.entries); err != nil {
		return err
	}
	for _, a := range q.inserted {
		if err := tx.InsertAppointment(ctx, a); err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
	}
	for _, a := range q.entries {
		if !q.dirty[a.ID] || q.isNew(a) {
			continue
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return fmt.Errorf("update appointment %s: %w", a.ID, err)
		}
	}
	return nil
}

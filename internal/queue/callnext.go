package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// RecalculatePositions recomputes the positions of the clinic day and returns
// the entries whose position changed. Nothing is audited when nothing moved.
func (s *Service) RecalculatePositions(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) ([]PositionChange, error) {
	var changes []PositionChange
	ref := queueRef{clinicID: clinicID, staffID: staffID, date: DayOf(date)}
	err := s.mutate(ctx, "recalculate", ref, actor, func(m *mutation) error {
		changes = m.recalculate()
		if len(changes) == 0 {
			return nil
		}
		moved := make([]uuid.UUID, 0, len(changes))
		for _, c := range changes {
			moved = append(moved, c.AppointmentID)
		}
		return m.audit(ActionRecalculate, nil, nil, "", moved)
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// CallNext moves the staff member's first active entry into service. The call
// is refused while someone is in service and when the next patient has not
// checked in.
func (s *Service) CallNext(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*Appointment, error) {
	if _, err := s.activeStaff(ctx, clinicID, staffID); err != nil {
		return nil, err
	}

	var called Appointment
	ref := queueRef{clinicID: clinicID, staffID: staffID, date: DayOf(date)}
	err := s.mutate(ctx, "call_next", ref, actor, func(m *mutation) error {
		if err := m.requireOpenDay(); err != nil {
			return err
		}
		if m.day.inService(staffID) != nil {
			return ErrAlreadyServing
		}
		m.recalculate()

		var next *Appointment
		for _, a := range OrderActive(m.day.entries, m.settings.Mode) {
			if a.StaffID == staffID {
				next = a
				break
			}
		}
		if next == nil {
			return ErrQueueEmpty
		}
		if !next.IsPresent {
			return ErrNotPresent
		}

		before := snapshotOf(next)
		next.Status = StatusInProgress
		next.ServiceStartedAt = timePtr(m.now)
		if next.CheckedInAt == nil {
			next.CheckedInAt = timePtr(m.now)
		}
		actor := m.actor
		next.OverriddenBy = &actor
		m.day.touch(next, m.now)
		m.recalculate()

		if err := m.audit(ActionCallPresent, next, before, "", nil); err != nil {
			return err
		}
		m.emit(EventPatientCalled, next)
		called = *next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &called, nil
}

// CompleteService finishes the staff member's in-service appointment.
func (s *Service) CompleteService(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*Appointment, error) {
	var done Appointment
	ref := queueRef{clinicID: clinicID, staffID: staffID, date: DayOf(date)}
	err := s.mutate(ctx, "complete", ref, actor, func(m *mutation) error {
		a := m.day.inService(staffID)
		if a == nil {
			return ErrNothingInService
		}
		before := snapshotOf(a)
		a.Status = StatusCompleted
		m.day.touch(a, m.now)
		m.recalculate()
		if err := m.audit(ActionComplete, a, before, "", nil); err != nil {
			return err
		}
		done = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &done, nil
}

// MarkPresent records check-in. A scheduled entry becomes waiting.
func (s *Service) MarkPresent(ctx context.Context, appointmentID, actor uuid.UUID) (*Appointment, error) {
	return s.setPresence(ctx, appointmentID, actor, true)
}

// MarkNotPresent clears the check-in flag without starting an absence episode.
func (s *Service) MarkNotPresent(ctx context.Context, appointmentID, actor uuid.UUID) (*Appointment, error) {
	return s.setPresence(ctx, appointmentID, actor, false)
}

func (s *Service) setPresence(ctx context.Context, appointmentID, actor uuid.UUID, present bool) (*Appointment, error) {
	ref, err := s.loadRef(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	op, action := "mark_not_present", ActionMarkNotPresent
	if present {
		op, action = "mark_present", ActionMarkPresent
	}

	var out Appointment
	err = s.mutate(ctx, op, ref, actor, func(m *mutation) error {
		if err := m.requireOpenDay(); err != nil {
			return err
		}
		a, err := m.day.get(appointmentID)
		if err != nil {
			return err
		}
		if a.IsAbsent() {
			return ErrAlreadyAbsent
		}
		if a.Status.IsTerminal() || a.Status == StatusInProgress {
			return ErrNotActive
		}

		before := snapshotOf(a)
		a.IsPresent = present
		if present {
			if a.CheckedInAt == nil {
				a.CheckedInAt = timePtr(m.now)
			}
			if a.Status == StatusScheduled {
				a.Status = StatusWaiting
			}
		}
		m.day.touch(a, m.now)
		m.recalculate()
		if err := m.audit(action, a, before, "", nil); err != nil {
			return err
		}
		m.emit(EventPresenceChanged, a)
		out = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type PriorityAction string

const (
	PriorityEmergency PriorityAction = "emergency"
	PriorityBoost     PriorityAction = "priority_boost"
)

// ApplyPriority raises an active entry's priority. The audit record lists the
// entries it overtook.
func (s *Service) ApplyPriority(ctx context.Context, appointmentID uuid.UUID, action PriorityAction, actor uuid.UUID, reason string) (*Appointment, error) {
	if action != PriorityEmergency && action != PriorityBoost {
		return nil, ErrInvalidPriority
	}
	ref, err := s.loadRef(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	var out Appointment
	err = s.mutate(ctx, string(action), ref, actor, func(m *mutation) error {
		if err := m.requireOpenDay(); err != nil {
			return err
		}
		a, err := m.day.get(appointmentID)
		if err != nil {
			return err
		}
		if !a.IsActive() {
			return ErrNotActive
		}

		previous := make(map[uuid.UUID]*int, len(m.day.entries))
		for _, e := range m.day.entries {
			previous[e.ID] = copyInt(e.QueuePosition)
		}

		before := snapshotOf(a)
		audited := ActionPriorityBoost
		switch action {
		case PriorityEmergency:
			if a.PriorityScore < EmergencyPriority {
				a.PriorityScore = EmergencyPriority
			}
			a.SkipReason = SkipEmergencyCase
			audited = ActionEmergency
		case PriorityBoost:
			a.PriorityScore += PriorityBoostStep
		}
		m.day.touch(a, m.now)
		m.recalculate()

		if err := m.audit(audited, a, before, reason, overtaken(m.day.entries, a, previous)); err != nil {
			return err
		}
		out = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// overtaken lists entries that were ahead of a before the move and are behind
// it afterwards.
func overtaken(entries []*Appointment, a *Appointment, previous map[uuid.UUID]*int) []uuid.UUID {
	was := previous[a.ID]
	if was == nil || a.QueuePosition == nil {
		return nil
	}
	var out []uuid.UUID
	for _, e := range entries {
		if e.ID == a.ID || e.QueuePosition == nil {
			continue
		}
		prev := previous[e.ID]
		if prev != nil && *prev < *was && *e.QueuePosition > *a.QueuePosition {
			out = append(out, e.ID)
		}
	}
	return out
}

// CancelAppointment cancels a waiting, scheduled or absent entry and offers the
// freed capacity to the waitlist.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID, actor uuid.UUID, reason string) (*Appointment, error) {
	ref, err := s.loadRef(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	var out Appointment
	err = s.mutate(ctx, "cancel", ref, actor, func(m *mutation) error {
		a, err := m.day.get(appointmentID)
		if err != nil {
			return err
		}
		if a.Status.IsTerminal() || a.Status == StatusInProgress {
			return ErrNotActive
		}
		if a.IsAbsent() {
			if _, err := m.closeAbsence(a, ResolutionCancelled); err != nil {
				return err
			}
		}

		before := snapshotOf(a)
		a.Status = StatusCancelled
		m.day.touch(a, m.now)
		m.recalculate()
		if err := m.audit(ActionCancel, a, before, reason, nil); err != nil {
			return err
		}
		out = *a
		_, err = m.promote(a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

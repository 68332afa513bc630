package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SlotRequest asks for a place in a staff member's queue.
type SlotRequest struct {
	ClinicID       uuid.UUID
	StaffID        uuid.UUID
	Date           time.Time
	Patient        PatientRef
	ScheduledStart *time.Time
	ScheduledEnd   *time.Time
	Priority       int
	WalkIn         bool
	Actor          uuid.UUID
}

// SlotResult holds either the new appointment or, when the day is full and the
// clinic allows overflow, the waitlist entry.
type SlotResult struct {
	Appointment *Appointment
	Waitlist    *WaitlistEntry
}

// RequestSlot books an appointment while the clinic day has capacity. A full
// day either rejects the request or places the patient on the waitlist.
func (s *Service) RequestSlot(ctx context.Context, req SlotRequest) (*SlotResult, error) {
	if err := req.Patient.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.activeStaff(ctx, req.ClinicID, req.StaffID); err != nil {
		return nil, err
	}

	var res SlotResult
	ref := queueRef{clinicID: req.ClinicID, staffID: req.StaffID, date: DayOf(req.Date)}
	err := s.mutate(ctx, "request_slot", ref, req.Actor, func(m *mutation) error {
		res = SlotResult{}
		if err := m.requireOpenDay(); err != nil {
			return err
		}
		capacity := m.settings.DailyCapacity
		if capacity != nil && m.day.occupancy() >= *capacity {
			if !m.settings.AllowOverflow {
				return ErrCapacityExceeded
			}
			staffID := req.StaffID
			priority := req.Priority
			if priority == 0 {
				priority = DefaultPriority
			}
			w := &WaitlistEntry{
				ID:            uuid.New(),
				ClinicID:      req.ClinicID,
				StaffID:       &staffID,
				Patient:       req.Patient,
				RequestedDate: m.ref.date,
				WindowStart:   req.ScheduledStart,
				WindowEnd:     req.ScheduledEnd,
				Priority:      priority,
				Status:        WaitlistWaiting,
				CreatedAt:     m.now,
				UpdatedAt:     m.now,
			}
			if err := m.tx.InsertWaitlistEntry(m.ctx, w); err != nil {
				return fmt.Errorf("insert waitlist entry: %w", err)
			}
			res.Waitlist = w
			return nil
		}

		a := m.newAppointment(req.StaffID, req.Patient, req.ScheduledStart, req.ScheduledEnd)
		if req.Priority != 0 {
			a.PriorityScore = req.Priority
		}
		if req.WalkIn {
			a.IsWalkIn = true
			a.IsPresent = true
			a.CheckedInAt = timePtr(m.now)
			a.Status = StatusWaiting
			if req.Priority == 0 {
				a.PriorityScore = WalkInPriority
			}
		}
		m.day.add(a)
		m.recalculate()

		if err := m.audit(ActionSlotRequest, a, nil, "", nil); err != nil {
			return err
		}
		cp := *a
		res.Appointment = &cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// PromoteFromWaitlist moves the best waiting waitlist entry for the staff member
// into the queue when the day has room.
func (s *Service) PromoteFromWaitlist(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time, actor uuid.UUID) (*Appointment, error) {
	var out Appointment
	ref := queueRef{clinicID: clinicID, staffID: staffID, date: DayOf(date)}
	err := s.mutate(ctx, "promote_waitlist", ref, actor, func(m *mutation) error {
		if err := m.requireOpenDay(); err != nil {
			return err
		}
		if m.full() {
			return ErrCapacityExceeded
		}
		a, err := m.promote(nil)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrWaitlistEmpty
		}
		out = *a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *mutation) full() bool {
	c := m.settings.DailyCapacity
	return c != nil && m.day.occupancy() >= *c
}

// promote fills capacity from the waitlist. freed is the entry whose departure
// made room; in slotted mode the promoted patient takes over its slot. A nil
// appointment with a nil error means nothing was promoted.
func (m *mutation) promote(freed *Appointment) (*Appointment, error) {
	if m.full() {
		return nil, nil
	}
	staffID := m.ref.staffID
	if freed != nil {
		staffID = freed.StaffID
	}
	w, err := m.tx.NextWaitlistEntry(m.ctx, m.ref.clinicID, staffID, m.ref.date)
	if errors.Is(err, ErrWaitlistEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next waitlist entry: %w", err)
	}

	start, end := w.WindowStart, w.WindowEnd
	if freed != nil && m.settings.Mode == ModeSlotted && freed.ScheduledStart != nil {
		start, end = freed.ScheduledStart, freed.ScheduledEnd
	}
	a := m.newAppointment(staffID, w.Patient, start, end)
	a.PriorityScore = w.Priority
	a.PromotedFromWaitlist = true
	m.day.add(a)
	m.recalculate()
	if a.QueuePosition != nil && *a.QueuePosition < m.day.activeCount() {
		a.IsGapFiller = true
	}

	id := a.ID
	w.Status = WaitlistPromoted
	w.PromotedAppointment = &id
	w.UpdatedAt = m.now
	if err := m.tx.UpdateWaitlistEntry(m.ctx, w); err != nil {
		return nil, fmt.Errorf("update waitlist entry: %w", err)
	}

	var skipped []uuid.UUID
	if freed != nil {
		skipped = []uuid.UUID{freed.ID}
	}
	if err := m.audit(ActionWaitlistPromote, a, nil, "", skipped); err != nil {
		return nil, err
	}
	m.svc.metrics.ObservePromotion()
	m.emit(EventWaitlistPromoted, a)
	return a, nil
}

// ExpireWaitlist marks waiting entries requested for dates before the given day
// as expired.
func (s *Service) ExpireWaitlist(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.ExpireWaitlistBefore(ctx, DayOf(before))
	if err != nil {
		return 0, fmt.Errorf("expire waitlist: %w", err)
	}
	return n, nil
}

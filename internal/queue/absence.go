package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MarkAbsent removes an active entry from the order and opens an absence
// episode that lasts for the clinic's grace period.
func (s *Service) MarkAbsent(ctx context.Context, appointmentID, actor uuid.UUID, reason string) (*AbsenceRecord, error) {
	ref, err := s.loadRef(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	var out AbsenceRecord
	err = s.mutate(ctx, "mark_absent", ref, actor, func(m *mutation) error {
		a, err := m.day.get(appointmentID)
		if err != nil {
			return err
		}
		if a.IsAbsent() {
			return ErrAlreadyAbsent
		}
		if !a.IsActive() {
			return ErrNotActive
		}

		before := snapshotOf(a)
		a.OriginalQueuePosition = copyInt(a.QueuePosition)
		a.AbsentAt = timePtr(m.now)
		a.ReturnedAt = nil
		a.IsPresent = false
		a.SkipReason = SkipPatientAbsent
		a.SkipCount++
		m.day.touch(a, m.now)
		m.recalculate()

		rec := &AbsenceRecord{
			ID:             uuid.New(),
			AppointmentID:  a.ID,
			ClinicID:       a.ClinicID,
			AbsentAt:       m.now,
			GraceExpiresAt: m.now.Add(m.settings.GracePeriod),
		}
		if err := m.tx.InsertAbsence(m.ctx, rec); err != nil {
			return fmt.Errorf("insert absence: %w", err)
		}
		if err := m.audit(ActionMarkAbsent, a, before, reason, nil); err != nil {
			return err
		}
		m.emit(EventMarkedAbsent, a)
		out = *rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type ReturnOutcome string

const (
	ReturnReinserted ReturnOutcome = "reinserted"
	ReturnNoShow     ReturnOutcome = "no_show"
)

type ReturnResult struct {
	Outcome     ReturnOutcome
	Appointment Appointment
	Absence     AbsenceRecord
}

// ReturnFromAbsence closes the open absence episode. Within the grace period,
// or after it when the clinic does not auto-cancel, the patient is re-inserted
// with walk-in priority. An expired episode at an auto-cancelling clinic is
// committed as a no-show instead.
func (s *Service) ReturnFromAbsence(ctx context.Context, appointmentID, actor uuid.UUID) (*ReturnResult, error) {
	ref, err := s.loadRef(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	var res ReturnResult
	err = s.mutate(ctx, "return_from_absence", ref, actor, func(m *mutation) error {
		if err := m.requireOpenDay(); err != nil {
			return err
		}
		a, err := m.day.get(appointmentID)
		if err != nil {
			return err
		}
		if !a.IsAbsent() || a.Status.IsTerminal() {
			return ErrNotAbsent
		}
		rec, err := m.tx.GetOpenAbsence(m.ctx, a.ID)
		if err != nil {
			return err
		}

		if rec.Expired(m.now) && m.settings.AutoCancelAbsent {
			if err := m.expireAbsence(a, rec); err != nil {
				return err
			}
			res = ReturnResult{Outcome: ReturnNoShow, Appointment: *a, Absence: *rec}
			return nil
		}
		if m.settings.LateArrivalPolicy == LateRescheduleOnly {
			return ErrRescheduleRequired
		}

		before := snapshotOf(a)
		a.ReturnedAt = timePtr(m.now)
		a.IsPresent = true
		a.PriorityScore = WalkInPriority
		a.SkipReason = SkipLateArrival
		if a.CheckedInAt == nil {
			a.CheckedInAt = timePtr(m.now)
		}
		if a.Status == StatusScheduled {
			a.Status = StatusWaiting
		}
		m.day.touch(a, m.now)
		m.recalculate()

		rec.ReturnedAt = timePtr(m.now)
		rec.ResolvedAt = timePtr(m.now)
		rec.Resolution = ResolutionReturned
		rec.NewPosition = copyInt(a.QueuePosition)
		if err := m.tx.UpdateAbsence(m.ctx, rec); err != nil {
			return fmt.Errorf("update absence: %w", err)
		}
		if err := m.audit(ActionPatientReturn, a, before, "", nil); err != nil {
			return err
		}
		m.emit(EventPatientReturned, a)
		res = ReturnResult{Outcome: ReturnReinserted, Appointment: *a, Absence: *rec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ResolveAbsenceInput describes a manual resolution of an absence episode.
// Rebooking stays on the same date; RebookStart sets the new slot start.
type ResolveAbsenceInput struct {
	AppointmentID    uuid.UUID
	Resolution       AbsenceResolution
	Actor            uuid.UUID
	Reason           string
	RebookStart      *time.Time
	RebookEnd        *time.Time
	WaitlistPriority int
}

type ResolveResult struct {
	Absence    AbsenceRecord
	Original   Appointment
	Rebooked   *Appointment
	Waitlisted *WaitlistEntry
}

// ResolveAbsence settles an absence episode by rebooking the patient or moving
// them to the waitlist.
func (s *Service) ResolveAbsence(ctx context.Context, in ResolveAbsenceInput) (*ResolveResult, error) {
	if in.Resolution != ResolutionRebooked && in.Resolution != ResolutionWaitlisted {
		return nil, ErrInvalidResolution
	}
	ref, err := s.loadRef(ctx, in.AppointmentID)
	if err != nil {
		return nil, err
	}

	var res ResolveResult
	err = s.mutate(ctx, "resolve_absence", ref, in.Actor, func(m *mutation) error {
		res = ResolveResult{}
		a, err := m.day.get(in.AppointmentID)
		if err != nil {
			return err
		}
		if !a.IsAbsent() || a.Status.IsTerminal() {
			return ErrNotAbsent
		}

		before := snapshotOf(a)
		rec, err := m.closeAbsence(a, in.Resolution)
		if err != nil {
			return err
		}
		res.Absence = *rec

		switch in.Resolution {
		case ResolutionRebooked:
			a.Status = StatusRescheduled
			rebooked := m.newAppointment(a.StaffID, a.Patient, in.RebookStart, in.RebookEnd)
			rebooked.PriorityScore = a.PriorityScore
			m.day.add(rebooked)
			res.Rebooked = rebooked
		case ResolutionWaitlisted:
			a.Status = StatusCancelled
			priority := in.WaitlistPriority
			if priority == 0 {
				priority = DefaultPriority
			}
			staffID := a.StaffID
			w := &WaitlistEntry{
				ID:            uuid.New(),
				ClinicID:      a.ClinicID,
				StaffID:       &staffID,
				Patient:       a.Patient,
				RequestedDate: m.ref.date,
				Priority:      priority,
				Status:        WaitlistWaiting,
				CreatedAt:     m.now,
				UpdatedAt:     m.now,
			}
			if err := m.tx.InsertWaitlistEntry(m.ctx, w); err != nil {
				return fmt.Errorf("insert waitlist entry: %w", err)
			}
			res.Waitlisted = w
		}
		m.day.touch(a, m.now)
		m.recalculate()

		if err := m.audit(ActionAbsenceResolved, a, before, in.Reason, nil); err != nil {
			return err
		}
		res.Original = *a
		if res.Rebooked != nil {
			cp := *res.Rebooked
			res.Rebooked = &cp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ExpireAbsences processes every absence episode whose grace period ended
// before now. Each episode is handled in its own transaction; failures are
// logged and skipped.
func (s *Service) ExpireAbsences(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ListExpiredAbsences(ctx, now, 500)
	if err != nil {
		return 0, fmt.Errorf("find expired absences: %w", err)
	}

	processed := 0
	for _, e := range expired {
		ref := queueRef{clinicID: e.Absence.ClinicID, staffID: e.StaffID, date: DayOf(e.Date)}
		appointmentID := e.Absence.AppointmentID
		var handled bool
		err := s.mutate(ctx, "expire_absence", ref, uuid.Nil, func(m *mutation) error {
			handled = false
			a, err := m.day.get(appointmentID)
			if err != nil {
				return err
			}
			if !a.IsAbsent() || a.Status.IsTerminal() {
				return nil
			}
			rec, err := m.tx.GetOpenAbsence(m.ctx, a.ID)
			if err != nil {
				return err
			}
			if !rec.Expired(m.now) || rec.Resolution == ResolutionExpired {
				return nil
			}
			handled = true
			return m.expireAbsence(a, rec)
		})
		if err != nil {
			if errors.Is(err, ErrAbsenceNotFound) || errors.Is(err, ErrAppointmentNotFound) {
				continue
			}
			s.log.Error("failed to expire absence",
				zap.Stringer("appointment_id", appointmentID),
				zap.Error(err),
			)
			continue
		}
		if handled {
			processed++
		}
	}
	return processed, nil
}

// expireAbsence applies the end of a grace period. Auto-cancelling clinics
// commit a no-show and offer the slot to the waitlist; other clinics keep the
// episode open for staff to resolve.
func (m *mutation) expireAbsence(a *Appointment, rec *AbsenceRecord) error {
	before := snapshotOf(a)
	if !m.settings.AutoCancelAbsent {
		rec.Resolution = ResolutionExpired
		if err := m.tx.UpdateAbsence(m.ctx, rec); err != nil {
			return fmt.Errorf("update absence: %w", err)
		}
		return m.audit(ActionAbsenceExpired, a, before, "grace period ended", nil)
	}

	a.Status = StatusNoShow
	m.day.touch(a, m.now)
	rec.Resolution = ResolutionAutoCancelled
	rec.AutoCancelled = true
	rec.ResolvedAt = timePtr(m.now)
	if err := m.tx.UpdateAbsence(m.ctx, rec); err != nil {
		return fmt.Errorf("update absence: %w", err)
	}
	m.recalculate()
	if err := m.audit(ActionAbsenceExpired, a, before, "grace period ended", nil); err != nil {
		return err
	}
	m.emit(EventNoShow, a)
	_, err := m.promote(a)
	return err
}

// closeAbsence resolves the open episode of a without touching its status.
func (m *mutation) closeAbsence(a *Appointment, resolution AbsenceResolution) (*AbsenceRecord, error) {
	rec, err := m.tx.GetOpenAbsence(m.ctx, a.ID)
	if err != nil {
		return nil, err
	}
	rec.ResolvedAt = timePtr(m.now)
	rec.Resolution = resolution
	if err := m.tx.UpdateAbsence(m.ctx, rec); err != nil {
		return nil, fmt.Errorf("update absence: %w", err)
	}
	return rec, nil
}

func (m *mutation) newAppointment(staffID uuid.UUID, patient PatientRef, start, end *time.Time) *Appointment {
	return &Appointment{
		ID:             uuid.New(),
		ClinicID:       m.ref.clinicID,
		StaffID:        staffID,
		Patient:        patient,
		Date:           m.ref.date,
		ScheduledStart: start,
		ScheduledEnd:   end,
		Status:         StatusScheduled,
		PriorityScore:  DefaultPriority,
		CreatedAt:      m.now,
		UpdatedAt:      m.now,
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EndDayInput closes one staff member's queue for a date.
type EndDayInput struct {
	ClinicID uuid.UUID
	StaffID  uuid.UUID
	Date     time.Time
	Actor    uuid.UUID
	Reason   string
	Notes    string
}

// ClosurePreview is what EndDay would do if run now.
type ClosurePreview struct {
	StaffID       uuid.UUID     `json:"staff_id"`
	Date          time.Time     `json:"date"`
	Counts        ClosureCounts `json:"counts"`
	NoShowIDs     []uuid.UUID   `json:"no_show_ids"`
	CompletedIDs  []uuid.UUID   `json:"completed_ids"`
	AlreadyClosed bool          `json:"already_closed"`
}

type closurePlan struct {
	counts    ClosureCounts
	noShow    []*Appointment
	completed []*Appointment
}

// planClosure sorts the staff member's entries into the ones that become
// no-shows and the one that is completed.
func planClosure(entries []*Appointment, staffID uuid.UUID) closurePlan {
	var p closurePlan
	for _, a := range entries {
		if a.StaffID != staffID {
			continue
		}
		switch {
		case a.Status == StatusCompleted:
			p.counts.Completed++
		case a.Status.IsTerminal():
		case a.Status == StatusInProgress:
			p.counts.InProgress++
			p.completed = append(p.completed, a)
		case a.IsAbsent():
			p.counts.Absent++
			p.noShow = append(p.noShow, a)
		default:
			p.counts.Waiting++
			p.noShow = append(p.noShow, a)
		}
	}
	return p
}

func idsOf(entries []*Appointment) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(entries))
	for _, a := range entries {
		ids = append(ids, a.ID)
	}
	return ids
}

// PreviewClosure reports what closing the day would affect without changing
// anything.
func (s *Service) PreviewClosure(ctx context.Context, staffID uuid.UUID, date time.Time) (*ClosurePreview, error) {
	date = DayOf(date)
	rows, err := s.store.ListStaffDay(ctx, staffID, date)
	if err != nil {
		return nil, fmt.Errorf("list staff day: %w", err)
	}
	entries := make([]*Appointment, len(rows))
	for i := range rows {
		entries[i] = &rows[i]
	}
	plan := planClosure(entries, staffID)

	preview := &ClosurePreview{
		StaffID:      staffID,
		Date:         date,
		Counts:       plan.counts,
		NoShowIDs:    idsOf(plan.noShow),
		CompletedIDs: idsOf(plan.completed),
	}
	_, err = s.store.FindOpenClosure(ctx, staffID, date)
	switch {
	case err == nil:
		preview.AlreadyClosed = true
	case !errors.Is(err, ErrClosureNotFound):
		return nil, fmt.Errorf("find closure: %w", err)
	}
	return preview, nil
}

// EndDay closes the staff member's day in one transaction. Remaining waiting,
// scheduled and absent entries become no-shows, the entry in service is
// completed, and open waitlist entries for the day expire.
func (s *Service) EndDay(ctx context.Context, in EndDayInput) (*DayClosure, error) {
	if _, err := s.activeStaff(ctx, in.ClinicID, in.StaffID); err != nil && !errors.Is(err, ErrStaffInactive) {
		return nil, err
	}

	var out DayClosure
	ref := queueRef{clinicID: in.ClinicID, staffID: in.StaffID, date: DayOf(in.Date)}
	err := s.mutate(ctx, "end_day", ref, in.Actor, func(m *mutation) error {
		if err := m.requireOpenDay(); err != nil {
			return err
		}

		plan := planClosure(m.day.entries, in.StaffID)
		for _, a := range plan.noShow {
			if a.IsAbsent() {
				if _, err := m.closeAbsence(a, ResolutionDayClosed); err != nil && !errors.Is(err, ErrAbsenceNotFound) {
					return err
				}
			}
			a.Status = StatusNoShow
			m.day.touch(a, m.now)
			m.emit(EventNoShow, a)
		}
		for _, a := range plan.completed {
			a.Status = StatusCompleted
			m.day.touch(a, m.now)
		}

		expired, err := m.tx.ExpireStaffWaitlist(m.ctx, in.ClinicID, in.StaffID, m.ref.date)
		if err != nil {
			return fmt.Errorf("expire waitlist: %w", err)
		}
		m.recalculate()

		c := &DayClosure{
			ID:                 uuid.New(),
			ClinicID:           in.ClinicID,
			StaffID:            in.StaffID,
			Date:               m.ref.date,
			ClosedBy:           in.Actor,
			ClosedAt:           m.now,
			Counts:             plan.counts,
			NoShowIDs:          idsOf(plan.noShow),
			CompletedIDs:       idsOf(plan.completed),
			ExpiredWaitlistIDs: expired,
			Reason:             in.Reason,
			Notes:              in.Notes,
			Reopenable:         true,
		}
		if err := m.tx.InsertClosure(m.ctx, c); err != nil {
			return fmt.Errorf("insert closure: %w", err)
		}

		affected := append(idsOf(plan.noShow), c.CompletedIDs...)
		if err := m.audit(ActionDayClose, nil, nil, in.Reason, affected); err != nil {
			return err
		}
		m.events = append(m.events, Event{
			Type:       EventDayClosed,
			ClinicID:   in.ClinicID,
			StaffID:    in.StaffID,
			Date:       m.ref.date.Format(time.DateOnly),
			OccurredAt: m.now,
		})
		out = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveClosure("close")
	return &out, nil
}

// ReopenDay reverses a closure within the reopen window. Entries are restored
// only when nothing else changed them after the closure committed.
func (s *Service) ReopenDay(ctx context.Context, closureID, actor uuid.UUID, reason string) (*DayClosure, error) {
	existing, err := s.store.GetClosure(ctx, closureID)
	if err != nil {
		return nil, err
	}

	var out DayClosure
	ref := queueRef{clinicID: existing.ClinicID, staffID: existing.StaffID, date: DayOf(existing.Date)}
	err = s.mutate(ctx, "reopen_day", ref, actor, func(m *mutation) error {
		c, err := m.tx.GetClosureForUpdate(m.ctx, closureID)
		if err != nil {
			return err
		}
		if c.IsReopened() {
			return ErrAlreadyReopened
		}
		if !c.Reopenable || m.now.After(c.ClosedAt.Add(s.cfg.ReopenWindow)) {
			return ErrNotReopenable
		}

		cutoff := c.ClosedAt.Add(s.cfg.ReopenSafetyWindow)
		untouched := func(a *Appointment) bool { return !a.UpdatedAt.After(cutoff) }

		var restored []uuid.UUID
		for _, id := range c.NoShowIDs {
			a, ok := m.day.byID[id]
			if !ok || a.Status != StatusNoShow || !untouched(a) {
				continue
			}
			a.Status = StatusWaiting
			if a.IsAbsent() {
				a.ReturnedAt = timePtr(m.now)
			}
			m.day.touch(a, m.now)
			restored = append(restored, a.ID)
		}
		for _, id := range c.CompletedIDs {
			a, ok := m.day.byID[id]
			if !ok || a.Status != StatusCompleted || !untouched(a) {
				continue
			}
			if m.day.inService(a.StaffID) != nil {
				continue
			}
			a.Status = StatusInProgress
			m.day.touch(a, m.now)
			restored = append(restored, a.ID)
		}
		m.recalculate()

		by := actor
		c.ReopenedAt = timePtr(m.now)
		c.ReopenedBy = &by
		c.ReopenReason = reason
		c.RestoredIDs = restored
		if err := m.tx.MarkClosureReopened(m.ctx, c); err != nil {
			return fmt.Errorf("reopen closure: %w", err)
		}
		if err := m.audit(ActionDayReopen, nil, nil, reason, restored); err != nil {
			return err
		}
		m.events = append(m.events, Event{
			Type:       EventDayReopened,
			ClinicID:   c.ClinicID,
			StaffID:    c.StaffID,
			Date:       m.ref.date.Format(time.DateOnly),
			OccurredAt: m.now,
		})
		out = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveClosure("reopen")
	return &out, nil
}

// requireOpenDay fails with ErrAlreadyClosed while the staff member's day has
// an unreopened closure.
func (m *mutation) requireOpenDay() error {
	_, err := m.tx.GetOpenClosure(m.ctx, m.ref.staffID, m.ref.date)
	switch {
	case err == nil:
		return ErrAlreadyClosed
	case errors.Is(err, ErrClosureNotFound):
		return nil
	default:
		return fmt.Errorf("find closure: %w", err)
	}
}

package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ScheduleEntry struct {
	Appointment
	Patient PatientDisplay `json:"patient"`
}

// Schedule is the display view of one staff member's day.
type Schedule struct {
	StaffID   uuid.UUID       `json:"staff_id"`
	StaffName string          `json:"staff_name"`
	Date      time.Time       `json:"date"`
	Mode      Mode            `json:"mode"`
	Clinic    ClinicDisplay   `json:"clinic"`
	Entries   []ScheduleEntry `json:"entries"`
}

// GetSchedule returns the staff member's appointments for the date in display
// order: the entry in service, the queue by position, absent entries, then the
// rest. It reads without locks.
func (s *Service) GetSchedule(ctx context.Context, staffID uuid.UUID, date time.Time) (*Schedule, error) {
	date = DayOf(date)
	member, err := s.dir.StaffMember(ctx, staffID)
	if err != nil {
		return nil, fmt.Errorf("load staff member: %w", err)
	}
	rows, err := s.store.ListStaffDay(ctx, staffID, date)
	if err != nil {
		return nil, fmt.Errorf("list staff day: %w", err)
	}
	sortForDisplay(rows)

	sched := &Schedule{
		StaffID:   staffID,
		StaffName: member.Name,
		Date:      date,
		Entries:   make([]ScheduleEntry, 0, len(rows)),
	}
	if settings, err := s.ResolveMode(ctx, member.ClinicID, date); err == nil {
		sched.Mode = settings.Mode
	} else {
		s.log.Warn("schedule mode unavailable", zap.Stringer("clinic_id", member.ClinicID), zap.Error(err))
	}
	if clinic, err := s.dir.ClinicDisplay(ctx, member.ClinicID); err == nil {
		sched.Clinic = clinic
	} else {
		s.log.Warn("clinic display unavailable", zap.Stringer("clinic_id", member.ClinicID), zap.Error(err))
	}

	refs := make([]PatientRef, 0, len(rows))
	for _, a := range rows {
		refs = append(refs, a.Patient)
	}
	displays, err := s.dir.PatientDisplays(ctx, refs)
	if err != nil {
		s.log.Warn("patient display unavailable", zap.Stringer("staff_id", staffID), zap.Error(err))
	}
	for _, a := range rows {
		sched.Entries = append(sched.Entries, ScheduleEntry{Appointment: a, Patient: displays[a.Patient]})
	}
	return sched, nil
}

func displayRank(a *Appointment) int {
	switch {
	case a.Status == StatusInProgress:
		return 0
	case a.IsActive():
		return 1
	case a.Occupies():
		return 2
	}
	return 3
}

func sortForDisplay(rows []Appointment) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := &rows[i], &rows[j]
		ra, rb := displayRank(a), displayRank(b)
		if ra != rb {
			return ra < rb
		}
		switch ra {
		case 1:
			return positionOrMax(a.QueuePosition) < positionOrMax(b.QueuePosition)
		case 2:
			return positionOrMax(a.OriginalQueuePosition) < positionOrMax(b.OriginalQueuePosition)
		}
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func positionOrMax(p *int) int {
	if p == nil {
		return int(^uint(0) >> 1)
	}
	return *p
}

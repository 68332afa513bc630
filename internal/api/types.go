package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue/internal/queue"
)

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type PriorityRequest struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

type ResolveAbsenceRequest struct {
	Resolution       string     `json:"resolution"`
	Reason           string     `json:"reason"`
	RebookStart      *time.Time `json:"rebook_start,omitempty"`
	RebookEnd        *time.Time `json:"rebook_end,omitempty"`
	WaitlistPriority int        `json:"waitlist_priority,omitempty"`
}

type SlotRequest struct {
	ClinicID       string     `json:"clinic_id"`
	StaffID        string     `json:"staff_id"`
	Date           string     `json:"date"`
	PatientID      string     `json:"patient_id,omitempty"`
	GuestPatientID string     `json:"guest_patient_id,omitempty"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	Priority       int        `json:"priority,omitempty"`
	WalkIn         bool       `json:"walk_in"`
}

type EndDayRequest struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type AppointmentResponse struct {
	ID                    uuid.UUID         `json:"id"`
	ClinicID              uuid.UUID         `json:"clinic_id"`
	StaffID               uuid.UUID         `json:"staff_id"`
	PatientKind           queue.PatientKind `json:"patient_kind"`
	PatientID             uuid.UUID         `json:"patient_id"`
	Date                  string            `json:"date"`
	ScheduledStart        *time.Time        `json:"scheduled_start,omitempty"`
	ScheduledEnd          *time.Time        `json:"scheduled_end,omitempty"`
	Status                queue.Status      `json:"status"`
	IsPresent             bool              `json:"is_present"`
	IsAbsent              bool              `json:"is_absent"`
	CheckedInAt           *time.Time        `json:"checked_in_at,omitempty"`
	ServiceStartedAt      *time.Time        `json:"service_started_at,omitempty"`
	AbsentAt              *time.Time        `json:"absent_at,omitempty"`
	ReturnedAt            *time.Time        `json:"returned_at,omitempty"`
	QueuePosition         *int              `json:"queue_position"`
	OriginalQueuePosition *int              `json:"original_queue_position,omitempty"`
	PriorityScore         int               `json:"priority_score"`
	SkipReason            queue.SkipReason  `json:"skip_reason,omitempty"`
	SkipCount             int               `json:"skip_count"`
	IsWalkIn              bool              `json:"is_walk_in"`
	IsGapFiller           bool              `json:"is_gap_filler"`
	PromotedFromWaitlist  bool              `json:"promoted_from_waitlist"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

func toAppointmentResponse(a *queue.Appointment) *AppointmentResponse {
	if a == nil {
		return nil
	}
	return &AppointmentResponse{
		ID:                    a.ID,
		ClinicID:              a.ClinicID,
		StaffID:               a.StaffID,
		PatientKind:           a.Patient.Kind(),
		PatientID:             a.Patient.ID(),
		Date:                  a.Date.Format(time.DateOnly),
		ScheduledStart:        a.ScheduledStart,
		ScheduledEnd:          a.ScheduledEnd,
		Status:                a.Status,
		IsPresent:             a.IsPresent,
		IsAbsent:              a.IsAbsent(),
		CheckedInAt:           a.CheckedInAt,
		ServiceStartedAt:      a.ServiceStartedAt,
		AbsentAt:              a.AbsentAt,
		ReturnedAt:            a.ReturnedAt,
		QueuePosition:         a.QueuePosition,
		OriginalQueuePosition: a.OriginalQueuePosition,
		PriorityScore:         a.PriorityScore,
		SkipReason:            a.SkipReason,
		SkipCount:             a.SkipCount,
		IsWalkIn:              a.IsWalkIn,
		IsGapFiller:           a.IsGapFiller,
		PromotedFromWaitlist:  a.PromotedFromWaitlist,
		UpdatedAt:             a.UpdatedAt,
	}
}

type AbsenceResponse struct {
	ID             uuid.UUID               `json:"id"`
	AppointmentID  uuid.UUID               `json:"appointment_id"`
	AbsentAt       time.Time               `json:"absent_at"`
	GraceExpiresAt time.Time               `json:"grace_expires_at"`
	ReturnedAt     *time.Time              `json:"returned_at,omitempty"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"`
	Resolution     queue.AbsenceResolution `json:"resolution,omitempty"`
	NewPosition    *int                    `json:"new_position,omitempty"`
	AutoCancelled  bool                    `json:"auto_cancelled"`
}

func toAbsenceResponse(r *queue.AbsenceRecord) *AbsenceResponse {
	if r == nil {
		return nil
	}
	return &AbsenceResponse{
		ID:             r.ID,
		AppointmentID:  r.AppointmentID,
		AbsentAt:       r.AbsentAt,
		GraceExpiresAt: r.GraceExpiresAt,
		ReturnedAt:     r.ReturnedAt,
		ResolvedAt:     r.ResolvedAt,
		Resolution:     r.Resolution,
		NewPosition:    r.NewPosition,
		AutoCancelled:  r.AutoCancelled,
	}
}

type WaitlistResponse struct {
	ID            uuid.UUID            `json:"id"`
	ClinicID      uuid.UUID            `json:"clinic_id"`
	StaffID       *uuid.UUID           `json:"staff_id,omitempty"`
	PatientKind   queue.PatientKind    `json:"patient_kind"`
	PatientID     uuid.UUID            `json:"patient_id"`
	RequestedDate string               `json:"requested_date"`
	Priority      int                  `json:"priority"`
	Status        queue.WaitlistStatus `json:"status"`
}

func toWaitlistResponse(w *queue.WaitlistEntry) *WaitlistResponse {
	if w == nil {
		return nil
	}
	return &WaitlistResponse{
		ID:            w.ID,
		ClinicID:      w.ClinicID,
		StaffID:       w.StaffID,
		PatientKind:   w.Patient.Kind(),
		PatientID:     w.Patient.ID(),
		RequestedDate: w.RequestedDate.Format(time.DateOnly),
		Priority:      w.Priority,
		Status:        w.Status,
	}
}

type ReturnResponse struct {
	Outcome     queue.ReturnOutcome  `json:"outcome"`
	Appointment *AppointmentResponse `json:"appointment"`
	Absence     *AbsenceResponse     `json:"absence"`
}

type ResolveAbsenceResponse struct {
	Absence    *AbsenceResponse     `json:"absence"`
	Original   *AppointmentResponse `json:"original"`
	Rebooked   *AppointmentResponse `json:"rebooked,omitempty"`
	Waitlisted *WaitlistResponse    `json:"waitlisted,omitempty"`
}

type SlotResponse struct {
	Appointment *AppointmentResponse `json:"appointment,omitempty"`
	Waitlist    *WaitlistResponse    `json:"waitlist,omitempty"`
}

type PositionChangeResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Previous      *int      `json:"previous"`
	Current       *int      `json:"current"`
}

type ModeResponse struct {
	ClinicID           uuid.UUID               `json:"clinic_id"`
	Date               string                  `json:"date"`
	Mode               queue.Mode              `json:"mode"`
	GracePeriodMinutes int                     `json:"grace_period_minutes"`
	AllowOverflow      bool                    `json:"allow_overflow"`
	DailyCapacity      *int                    `json:"daily_capacity,omitempty"`
	LateArrivalPolicy  queue.LateArrivalPolicy `json:"late_arrival_policy"`
	AutoCancelAbsent   bool                    `json:"auto_cancel_absent"`
}

func toModeResponse(s queue.Settings) ModeResponse {
	return ModeResponse{
		ClinicID:           s.ClinicID,
		Date:               s.Date.Format(time.DateOnly),
		Mode:               s.Mode,
		GracePeriodMinutes: int(s.GracePeriod / time.Minute),
		AllowOverflow:      s.AllowOverflow,
		DailyCapacity:      s.DailyCapacity,
		LateArrivalPolicy:  s.LateArrivalPolicy,
		AutoCancelAbsent:   s.AutoCancelAbsent,
	}
}

type ClosureResponse struct {
	ID                 uuid.UUID           `json:"id"`
	ClinicID           uuid.UUID           `json:"clinic_id"`
	StaffID            uuid.UUID           `json:"staff_id"`
	Date               string              `json:"date"`
	ClosedBy           uuid.UUID           `json:"closed_by"`
	ClosedAt           time.Time           `json:"closed_at"`
	Counts             queue.ClosureCounts `json:"counts"`
	NoShowIDs          []uuid.UUID         `json:"no_show_ids"`
	CompletedIDs       []uuid.UUID         `json:"completed_ids"`
	ExpiredWaitlistIDs []uuid.UUID         `json:"expired_waitlist_ids"`
	Reason             string              `json:"reason,omitempty"`
	Notes              string              `json:"notes,omitempty"`
	ReopenedAt         *time.Time          `json:"reopened_at,omitempty"`
	ReopenedBy         *uuid.UUID          `json:"reopened_by,omitempty"`
	ReopenReason       string              `json:"reopen_reason,omitempty"`
	RestoredIDs        []uuid.UUID         `json:"restored_ids,omitempty"`
}

func toClosureResponse(c *queue.DayClosure) *ClosureResponse {
	return &ClosureResponse{
		ID:                 c.ID,
		ClinicID:           c.ClinicID,
		StaffID:            c.StaffID,
		Date:               c.Date.Format(time.DateOnly),
		ClosedBy:           c.ClosedBy,
		ClosedAt:           c.ClosedAt,
		Counts:             c.Counts,
		NoShowIDs:          c.NoShowIDs,
		CompletedIDs:       c.CompletedIDs,
		ExpiredWaitlistIDs: c.ExpiredWaitlistIDs,
		Reason:             c.Reason,
		Notes:              c.Notes,
		ReopenedAt:         c.ReopenedAt,
		ReopenedBy:         c.ReopenedBy,
		ReopenReason:       c.ReopenReason,
		RestoredIDs:        c.RestoredIDs,
	}
}

type ScheduleEntryResponse struct {
	AppointmentResponse
	PatientName  string `json:"patient_name"`
	PatientPhone string `json:"patient_phone,omitempty"`
}

type ScheduleResponse struct {
	StaffID   uuid.UUID               `json:"staff_id"`
	StaffName string                  `json:"staff_name"`
	Date      string                  `json:"date"`
	Mode      queue.Mode              `json:"mode"`
	Clinic    queue.ClinicDisplay     `json:"clinic"`
	Entries   []ScheduleEntryResponse `json:"entries"`
}

func toScheduleResponse(s *queue.Schedule) ScheduleResponse {
	entries := make([]ScheduleEntryResponse, 0, len(s.Entries))
	for i := range s.Entries {
		e := &s.Entries[i]
		entries = append(entries, ScheduleEntryResponse{
			AppointmentResponse: *toAppointmentResponse(&e.Appointment),
			PatientName:         e.Patient.Name,
			PatientPhone:        e.Patient.Phone,
		})
	}
	return ScheduleResponse{
		StaffID:   s.StaffID,
		StaffName: s.StaffName,
		Date:      s.Date.Format(time.DateOnly),
		Mode:      s.Mode,
		Clinic:    s.Clinic,
		Entries:   entries,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

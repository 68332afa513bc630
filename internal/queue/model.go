package queue

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusWaiting     Status = "waiting"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusNoShow      Status = "no_show"
	StatusRescheduled Status = "rescheduled"
)

// IsTerminal reports whether no further queue operation may change the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusRescheduled:
		return true
	}
	return false
}

type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipPatientAbsent    SkipReason = "patient_absent"
	SkipPatientPresent   SkipReason = "patient_present"
	SkipEmergencyCase    SkipReason = "emergency_case"
	SkipDoctorPreference SkipReason = "doctor_preference"
	SkipLateArrival      SkipReason = "late_arrival"
	SkipTechnicalIssue   SkipReason = "technical_issue"
	SkipOther            SkipReason = "other"
)

const (
	DefaultPriority   = 100
	WalkInPriority    = 50
	EmergencyPriority = 1000
	PriorityBoostStep = 100
)

// Appointment is a queue entry for one patient with one staff member on one day.
type Appointment struct {
	ID                    uuid.UUID
	ClinicID              uuid.UUID
	StaffID               uuid.UUID
	Patient               PatientRef
	Date                  time.Time
	ScheduledStart        *time.Time
	ScheduledEnd          *time.Time
	Status                Status
	IsPresent             bool
	CheckedInAt           *time.Time
	ServiceStartedAt      *time.Time
	AbsentAt              *time.Time
	ReturnedAt            *time.Time
	QueuePosition         *int
	OriginalQueuePosition *int
	PriorityScore         int
	SkipReason            SkipReason
	SkipCount             int
	IsWalkIn              bool
	IsGapFiller           bool
	PromotedFromWaitlist  bool
	OverriddenBy          *uuid.UUID
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IsAbsent reports whether the entry is inside an absence episode that has not
// been closed by a return.
func (a *Appointment) IsAbsent() bool {
	if a.AbsentAt == nil {
		return false
	}
	return a.ReturnedAt == nil || a.ReturnedAt.Before(*a.AbsentAt)
}

// IsActive reports whether the entry is eligible for a queue position.
func (a *Appointment) IsActive() bool {
	return !a.Status.IsTerminal() && !a.IsAbsent() && a.Status != StatusInProgress
}

// Occupies reports whether the entry counts against the daily capacity.
func (a *Appointment) Occupies() bool {
	return !a.Status.IsTerminal() && !a.IsAbsent()
}

type AbsenceResolution string

const (
	ResolutionReturned      AbsenceResolution = "returned"
	ResolutionExpired       AbsenceResolution = "expired"
	ResolutionAutoCancelled AbsenceResolution = "auto_cancelled"
	ResolutionRebooked      AbsenceResolution = "rebooked"
	ResolutionWaitlisted    AbsenceResolution = "waitlisted"
	ResolutionCancelled     AbsenceResolution = "cancelled"
	ResolutionDayClosed     AbsenceResolution = "day_closed"
)

// AbsenceRecord is one absence episode. It is open while ResolvedAt is nil.
type AbsenceRecord struct {
	ID             uuid.UUID
	AppointmentID  uuid.UUID
	ClinicID       uuid.UUID
	AbsentAt       time.Time
	GraceExpiresAt time.Time
	ReturnedAt     *time.Time
	ResolvedAt     *time.Time
	Resolution     AbsenceResolution
	NewPosition    *int
	AutoCancelled  bool
}

func (r *AbsenceRecord) IsOpen() bool {
	return r.ResolvedAt == nil
}

func (r *AbsenceRecord) Expired(now time.Time) bool {
	return !now.Before(r.GraceExpiresAt)
}

type WaitlistStatus string

const (
	WaitlistWaiting   WaitlistStatus = "waiting"
	WaitlistNotified  WaitlistStatus = "notified"
	WaitlistPromoted  WaitlistStatus = "promoted"
	WaitlistExpired   WaitlistStatus = "expired"
	WaitlistCancelled WaitlistStatus = "cancelled"
)

type WaitlistEntry struct {
	ID                  uuid.UUID
	ClinicID            uuid.UUID
	StaffID             *uuid.UUID
	Patient             PatientRef
	RequestedDate       time.Time
	WindowStart         *time.Time
	WindowEnd           *time.Time
	Priority            int
	Status              WaitlistStatus
	PromotedAppointment *uuid.UUID
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

type ActionType string

const (
	ActionCallPresent     ActionType = "call_present"
	ActionMarkAbsent      ActionType = "mark_absent"
	ActionLateArrival     ActionType = "late_arrival"
	ActionEmergency       ActionType = "emergency"
	ActionReorder         ActionType = "reorder"
	ActionSwap            ActionType = "swap"
	ActionForceAdd        ActionType = "force_add"
	ActionPriorityBoost   ActionType = "priority_boost"
	ActionManualMove      ActionType = "manual_move"
	ActionMarkPresent     ActionType = "mark_present"
	ActionMarkNotPresent  ActionType = "mark_not_present"
	ActionPatientReturn   ActionType = "patient_return"
	ActionAbsenceResolved ActionType = "absence_resolved"
	ActionAbsenceExpired  ActionType = "absence_expired"
	ActionComplete        ActionType = "complete"
	ActionCancel          ActionType = "cancel"
	ActionSlotRequest     ActionType = "slot_request"
	ActionWaitlistPromote ActionType = "waitlist_promote"
	ActionDayClose        ActionType = "day_close"
	ActionDayReopen       ActionType = "day_reopen"
	ActionRecalculate     ActionType = "recalculate"
)

const snapshotVersion = 1

// EntrySnapshot is the audited view of an appointment before or after an action.
type EntrySnapshot struct {
	Version       int        `json:"version"`
	Status        Status     `json:"status"`
	Position      *int       `json:"position,omitempty"`
	PriorityScore int        `json:"priority_score"`
	IsPresent     bool       `json:"is_present"`
	Absent        bool       `json:"absent"`
	SkipReason    SkipReason `json:"skip_reason,omitempty"`
	SkipCount     int        `json:"skip_count"`
}

func snapshotOf(a *Appointment) *EntrySnapshot {
	if a == nil {
		return nil
	}
	return &EntrySnapshot{
		Version:       snapshotVersion,
		Status:        a.Status,
		Position:      copyInt(a.QueuePosition),
		PriorityScore: a.PriorityScore,
		IsPresent:     a.IsPresent,
		Absent:        a.IsAbsent(),
		SkipReason:    a.SkipReason,
		SkipCount:     a.SkipCount,
	}
}

// QueueOverride is an append-only audit record of a manual queue action.
type QueueOverride struct {
	ID                  int64
	ClinicID            uuid.UUID
	AppointmentID       *uuid.UUID
	Action              ActionType
	PerformedBy         uuid.UUID
	Reason              string
	PreviousPosition    *int
	NewPosition         *int
	PreviousState       *EntrySnapshot
	NewState            *EntrySnapshot
	SkippedAppointments []uuid.UUID
	CreatedAt           time.Time
}

type ClosureCounts struct {
	Waiting    int `json:"waiting"`
	InProgress int `json:"in_progress"`
	Absent     int `json:"absent"`
	Completed  int `json:"completed"`
}

type DayClosure struct {
	ID                 uuid.UUID
	ClinicID           uuid.UUID
	StaffID            uuid.UUID
	Date               time.Time
	ClosedBy           uuid.UUID
	ClosedAt           time.Time
	Counts             ClosureCounts
	NoShowIDs          []uuid.UUID
	CompletedIDs       []uuid.UUID
	ExpiredWaitlistIDs []uuid.UUID
	Reason             string
	Notes              string
	Reopenable         bool
	ReopenedAt         *time.Time
	ReopenedBy         *uuid.UUID
	ReopenReason       string
	RestoredIDs        []uuid.UUID
}

func (c *DayClosure) IsReopened() bool {
	return c.ReopenedAt != nil
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// DayOf truncates t to its calendar date in UTC.
func DayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

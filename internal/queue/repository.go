package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store holds the engine's persistent state. Reads on Store are lock-free and
// may be slightly stale; every mutation goes through InTx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListStaffDay(ctx context.Context, staffID uuid.UUID, date time.Time) ([]Appointment, error)
	GetClosure(ctx context.Context, id uuid.UUID) (*DayClosure, error)
	FindOpenClosure(ctx context.Context, staffID uuid.UUID, date time.Time) (*DayClosure, error)

	// Sweeps
	ListExpiredAbsences(ctx context.Context, now time.Time, limit int) ([]ExpiredAbsence, error)
	ExpireWaitlistBefore(ctx context.Context, date time.Time) (int64, error)
}

// Tx is a single all-or-nothing unit of work.
type Tx interface {
	// LoadClinicDay takes the clinic day's exclusive lock, then returns every
	// appointment of the clinic for the date with row locks held until the
	// transaction ends. Writers of the same clinic day are serialized even
	// when they work for different staff members.
	LoadClinicDay(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error

	InsertAbsence(ctx context.Context, r *AbsenceRecord) error
	GetOpenAbsence(ctx context.Context, appointmentID uuid.UUID) (*AbsenceRecord, error)
	UpdateAbsence(ctx context.Context, r *AbsenceRecord) error

	InsertWaitlistEntry(ctx context.Context, w *WaitlistEntry) error
	NextWaitlistEntry(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time) (*WaitlistEntry, error)
	UpdateWaitlistEntry(ctx context.Context, w *WaitlistEntry) error
	ExpireStaffWaitlist(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time) ([]uuid.UUID, error)

	InsertOverride(ctx context.Context, o *QueueOverride) error

	GetOpenClosure(ctx context.Context, staffID uuid.UUID, date time.Time) (*DayClosure, error)
	GetClosureForUpdate(ctx context.Context, id uuid.UUID) (*DayClosure, error)
	InsertClosure(ctx context.Context, c *DayClosure) error
	MarkClosureReopened(ctx context.Context, c *DayClosure) error
}

// ExpiredAbsence is an open absence episode past its grace period together with
// the queue it belongs to.
type ExpiredAbsence struct {
	Absence AbsenceRecord
	StaffID uuid.UUID
	Date    time.Time
}

// ConfigSource provides clinic queue configuration.
type ConfigSource interface {
	ClinicConfig(ctx context.Context, clinicID uuid.UUID) (ClinicConfig, error)
}

type StaffMember struct {
	ID       uuid.UUID `json:"id"`
	ClinicID uuid.UUID `json:"clinic_id"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
}

type PatientDisplay struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	IsGuest bool   `json:"is_guest"`
}

type ClinicDisplay struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address,omitempty"`
	Phone   string    `json:"phone,omitempty"`
}

// Directory is the identity and roster collaborator.
type Directory interface {
	StaffMember(ctx context.Context, staffID uuid.UUID) (StaffMember, error)
	PatientDisplays(ctx context.Context, refs []PatientRef) (map[PatientRef]PatientDisplay, error)
	ClinicDisplay(ctx context.Context, clinicID uuid.UUID) (ClinicDisplay, error)
}

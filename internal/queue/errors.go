package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidPatientReference = errors.New("appointment must reference exactly one registered or guest patient")
	ErrAlreadyServing          = errors.New("a patient is already being served for this staff member and date")
	ErrNotPresent              = errors.New("patient not present, mark present or absent")
	ErrAlreadyClosed           = errors.New("day is already closed for this staff member")
	ErrCapacityExceeded        = errors.New("daily capacity reached and overflow is not allowed")
	ErrLockContention          = errors.New("queue is busy, retry shortly")
	ErrInvariantViolation      = errors.New("queue invariant violated")

	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrClosureNotFound     = errors.New("day closure not found")
	ErrAbsenceNotFound     = errors.New("open absence record not found")
	ErrNotReopenable       = errors.New("day closure can no longer be reopened")
	ErrAlreadyReopened     = errors.New("day closure was already reopened")
	ErrNotActive           = errors.New("appointment is not active in the queue")
	ErrNotAbsent           = errors.New("appointment is not marked absent")
	ErrAlreadyAbsent       = errors.New("appointment is already marked absent")
	ErrRescheduleRequired  = errors.New("clinic requires late arrivals to be rebooked")
	ErrQueueEmpty          = errors.New("no waiting patients in the queue")
	ErrNothingInService    = errors.New("no patient is currently being served")
	ErrWaitlistEmpty       = errors.New("no waiting waitlist entries for this date")
	ErrStaffInactive       = errors.New("staff member is not active")
	ErrInvalidResolution   = errors.New("invalid absence resolution")
	ErrInvalidPriority     = errors.New("invalid priority action")
	ErrClinicMismatch      = errors.New("staff member does not belong to clinic")
)

// IsRetryable reports whether err is a transient failure that the caller may
// retry as is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContention)
}

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

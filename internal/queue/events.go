package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	EventPositionChanged  EventType = "queue.position_changed"
	EventPatientCalled    EventType = "queue.patient_called"
	EventPresenceChanged  EventType = "queue.presence_changed"
	EventMarkedAbsent     EventType = "queue.marked_absent"
	EventPatientReturned  EventType = "queue.patient_returned"
	EventNoShow           EventType = "queue.no_show"
	EventWaitlistPromoted EventType = "waitlist.promoted"
	EventDayClosed        EventType = "day.closed"
	EventDayReopened      EventType = "day.reopened"
)

// Event is handed to the notification collaborator after a transition commits.
type Event struct {
	Type          EventType   `json:"type"`
	ClinicID      uuid.UUID   `json:"clinic_id"`
	StaffID       uuid.UUID   `json:"staff_id"`
	Date          string      `json:"date"`
	AppointmentID *uuid.UUID  `json:"appointment_id,omitempty"`
	PatientKind   PatientKind `json:"patient_kind,omitempty"`
	PatientID     *uuid.UUID  `json:"patient_id,omitempty"`
	Position      *int        `json:"position,omitempty"`
	OccurredAt    time.Time   `json:"occurred_at"`
}

// Notifier triggers patient notifications. Calls are fire-and-forget from the
// engine's point of view.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

func newEvent(t EventType, a *Appointment, at time.Time) Event {
	id := a.ID
	pid := a.Patient.ID()
	return Event{
		Type:          t,
		ClinicID:      a.ClinicID,
		StaffID:       a.StaffID,
		Date:          a.Date.Format(time.DateOnly),
		AppointmentID: &id,
		PatientKind:   a.Patient.Kind(),
		PatientID:     &pid,
		Position:      copyInt(a.QueuePosition),
		OccurredAt:    at,
	}
}

func (s *Service) dispatch(ctx context.Context, events []Event) {
	for _, ev := range events {
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.metrics.ObserveNotifyFailure()
			s.log.Warn("notification trigger failed",
				zap.String("event", string(ev.Type)),
				zap.Stringer("clinic_id", ev.ClinicID),
				zap.Error(err),
			)
		}
	}
}

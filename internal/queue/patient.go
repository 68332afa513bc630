package queue

import (
	"fmt"

	"github.com/google/uuid"
)

type PatientKind string

const (
	PatientRegistered PatientKind = "registered"
	PatientGuest      PatientKind = "guest"
)

// PatientRef identifies exactly one of a registered patient or a guest patient.
// The zero value is invalid; build one with RegisteredPatient, GuestPatient or
// PatientFromColumns.
type PatientRef struct {
	kind PatientKind
	id   uuid.UUID
}

func RegisteredPatient(id uuid.UUID) PatientRef {
	return PatientRef{kind: PatientRegistered, id: id}
}

func GuestPatient(id uuid.UUID) PatientRef {
	return PatientRef{kind: PatientGuest, id: id}
}

// PatientFromColumns builds a reference from the two nullable storage columns.
// Exactly one of them must be set.
func PatientFromColumns(registered, guest *uuid.UUID) (PatientRef, error) {
	switch {
	case registered != nil && guest != nil:
		return PatientRef{}, fmt.Errorf("%w: both registered and guest set", ErrInvalidPatientReference)
	case registered != nil:
		return RegisteredPatient(*registered), nil
	case guest != nil:
		return GuestPatient(*guest), nil
	default:
		return PatientRef{}, fmt.Errorf("%w: neither registered nor guest set", ErrInvalidPatientReference)
	}
}

func (p PatientRef) Kind() PatientKind { return p.kind }
func (p PatientRef) ID() uuid.UUID     { return p.id }
func (p PatientRef) IsGuest() bool     { return p.kind == PatientGuest }

func (p PatientRef) Validate() error {
	if p.kind != PatientRegistered && p.kind != PatientGuest {
		return ErrInvalidPatientReference
	}
	if p.id == uuid.Nil {
		return fmt.Errorf("%w: empty id", ErrInvalidPatientReference)
	}
	return nil
}

// Columns splits the reference back into the (patient_id, guest_patient_id) pair.
func (p PatientRef) Columns() (registered, guest *uuid.UUID) {
	id := p.id
	switch p.kind {
	case PatientRegistered:
		return &id, nil
	case PatientGuest:
		return nil, &id
	}
	return nil, nil
}

func (p PatientRef) String() string {
	return string(p.kind) + ":" + p.id.String()
}

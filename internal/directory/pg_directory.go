package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinic-queue/internal/queue"
)

var (
	ErrStaffNotFound  = errors.New("staff member not found")
	ErrClinicNotFound = errors.New("clinic not found")
)

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgDirectory reads the clinic, staff and patient tables that other services
// own.
type PgDirectory struct {
	db querier
}

func NewPgDirectory(db querier) *PgDirectory {
	return &PgDirectory{db: db}
}

func (d *PgDirectory) StaffMember(ctx context.Context, staffID uuid.UUID) (queue.StaffMember, error) {
	var m queue.StaffMember
	err := d.db.QueryRow(ctx, `
		SELECT id, clinic_id, name, is_active
		FROM staff
		WHERE id = $1
	`, staffID).Scan(&m.ID, &m.ClinicID, &m.Name, &m.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.StaffMember{}, ErrStaffNotFound
		}
		return queue.StaffMember{}, fmt.Errorf("load staff: %w", err)
	}
	return m, nil
}

func (d *PgDirectory) ClinicDisplay(ctx context.Context, clinicID uuid.UUID) (queue.ClinicDisplay, error) {
	var c queue.ClinicDisplay
	var address, phone *string
	err := d.db.QueryRow(ctx, `
		SELECT id, name, address, phone
		FROM clinics
		WHERE id = $1
	`, clinicID).Scan(&c.ID, &c.Name, &address, &phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return queue.ClinicDisplay{}, ErrClinicNotFound
		}
		return queue.ClinicDisplay{}, fmt.Errorf("load clinic: %w", err)
	}
	c.Address = deref(address)
	c.Phone = deref(phone)
	return c, nil
}

// PatientDisplays resolves names for registered and guest patients with one
// query per kind. Unknown ids are left out of the result.
func (d *PgDirectory) PatientDisplays(ctx context.Context, refs []queue.PatientRef) (map[queue.PatientRef]queue.PatientDisplay, error) {
	var registered, guests []uuid.UUID
	for _, r := range refs {
		if r.IsGuest() {
			guests = append(guests, r.ID())
		} else {
			registered = append(registered, r.ID())
		}
	}

	out := make(map[queue.PatientRef]queue.PatientDisplay, len(refs))
	if len(registered) > 0 {
		if err := d.loadNames(ctx, `SELECT id, name, phone FROM patients WHERE id = ANY($1)`, registered, queue.RegisteredPatient, false, out); err != nil {
			return nil, fmt.Errorf("load patients: %w", err)
		}
	}
	if len(guests) > 0 {
		if err := d.loadNames(ctx, `SELECT id, name, phone FROM guest_patients WHERE id = ANY($1)`, guests, queue.GuestPatient, true, out); err != nil {
			return nil, fmt.Errorf("load guest patients: %w", err)
		}
	}
	return out, nil
}

func (d *PgDirectory) loadNames(ctx context.Context, query string, ids []uuid.UUID, ref func(uuid.UUID) queue.PatientRef, guest bool, out map[queue.PatientRef]queue.PatientDisplay) error {
	rows, err := d.db.Query(ctx, query, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		var name string
		var phone *string
		if err := rows.Scan(&id, &name, &phone); err != nil {
			return err
		}
		out[ref(id)] = queue.PatientDisplay{Name: name, Phone: deref(phone), IsGuest: guest}
	}
	return rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

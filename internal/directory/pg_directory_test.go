package directory

import (
	"context"
	"testing"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/queue"
)

func TestStaffMember(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := NewPgDirectory(mock)
	staffID, clinicID := uuid.New(), uuid.New()

	mock.ExpectQuery("FROM staff").WithArgs(staffID).
		WillReturnRows(pgxmock.NewRows([]string{"id", "clinic_id", "name", "is_active"}).
			AddRow(staffID, clinicID, "Dr. Lena Marsh", true))
	mock.ExpectQuery("FROM staff").WithArgs(clinicID).WillReturnError(pgx.ErrNoRows)

	m, err := dir.StaffMember(context.Background(), staffID)
	require.NoError(t, err)
	assert.Equal(t, clinicID, m.ClinicID)
	assert.True(t, m.Active)

	_, err = dir.StaffMember(context.Background(), clinicID)
	assert.ErrorIs(t, err, ErrStaffNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatientDisplaysSplitsByKind(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := NewPgDirectory(mock)
	regID, guestID := uuid.New(), uuid.New()
	phone := "+15550100"

	mock.ExpectQuery("FROM patients").WithArgs([]uuid.UUID{regID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "phone"}).AddRow(regID, "Maya Chen", &phone))
	mock.ExpectQuery("FROM guest_patients").WithArgs([]uuid.UUID{guestID}).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "phone"}).AddRow(guestID, "Walk-in 14", &phone))

	got, err := dir.PatientDisplays(context.Background(), []queue.PatientRef{
		queue.RegisteredPatient(regID),
		queue.GuestPatient(guestID),
	})
	require.NoError(t, err)
	assert.Equal(t, "Maya Chen", got[queue.RegisteredPatient(regID)].Name)
	assert.Equal(t, phone, got[queue.RegisteredPatient(regID)].Phone)
	assert.True(t, got[queue.GuestPatient(guestID)].IsGuest)
	require.NoError(t, mock.ExpectationsWereMet())
}

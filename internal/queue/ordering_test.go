package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func entry(status Status, priority int, created time.Time) *Appointment {
	return &Appointment{
		ID:            uuid.New(),
		ClinicID:      uuid.Nil,
		StaffID:       uuid.Nil,
		Patient:       RegisteredPatient(uuid.New()),
		Date:          testDay,
		Status:        status,
		PriorityScore: priority,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func at(hour, minute int) time.Time {
	return testDay.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func positionOf(t *testing.T, a *Appointment) int {
	t.Helper()
	require.NotNil(t, a.QueuePosition, "appointment %s has no position", a.ID)
	return *a.QueuePosition
}

func TestRecalculateFluidOrdersByPriorityThenCreation(t *testing.T) {
	first := entry(StatusWaiting, 100, at(8, 0))
	second := entry(StatusWaiting, 100, at(8, 5))
	urgent := entry(StatusWaiting, 500, at(8, 10))
	entries := []*Appointment{second, urgent, first}

	changes := Recalculate(entries, ModeFluid)

	assert.Len(t, changes, 3)
	assert.Equal(t, 1, positionOf(t, urgent))
	assert.Equal(t, 2, positionOf(t, first))
	assert.Equal(t, 3, positionOf(t, second))
	require.NoError(t, VerifyPositions(entries))
}

func TestRecalculateIsIdempotent(t *testing.T) {
	entries := []*Appointment{
		entry(StatusWaiting, 100, at(8, 0)),
		entry(StatusScheduled, 200, at(8, 1)),
		entry(StatusWaiting, 50, at(8, 2)),
	}
	require.NotEmpty(t, Recalculate(entries, ModeFluid))
	assert.Empty(t, Recalculate(entries, ModeFluid))
}

func TestRecalculateSlottedUsesScheduledStart(t *testing.T) {
	late := entry(StatusScheduled, 900, at(7, 0))
	late.ScheduledStart = timePtr(at(10, 0))
	early := entry(StatusScheduled, 100, at(7, 30))
	early.ScheduledStart = timePtr(at(9, 0))
	unslotted := entry(StatusWaiting, 100, at(6, 0))

	entries := []*Appointment{late, early, unslotted}
	Recalculate(entries, ModeSlotted)

	assert.Equal(t, 1, positionOf(t, early))
	assert.Equal(t, 2, positionOf(t, late))
	assert.Equal(t, 3, positionOf(t, unslotted))
}

func TestRecalculateClearsInactivePositions(t *testing.T) {
	serving := entry(StatusInProgress, 100, at(8, 0))
	serving.QueuePosition = intPtr(1)
	done := entry(StatusCompleted, 100, at(8, 1))
	done.QueuePosition = intPtr(2)
	absent := entry(StatusWaiting, 100, at(8, 2))
	absent.AbsentAt = timePtr(at(9, 0))
	absent.QueuePosition = intPtr(3)
	waiting := entry(StatusWaiting, 100, at(8, 3))
	waiting.QueuePosition = intPtr(7)

	entries := []*Appointment{serving, done, absent, waiting}
	Recalculate(entries, ModeFluid)

	assert.Nil(t, serving.QueuePosition)
	assert.Nil(t, done.QueuePosition)
	assert.Nil(t, absent.QueuePosition)
	assert.Equal(t, 1, positionOf(t, waiting))
	require.NoError(t, VerifyPositions(entries))
}

func TestRecalculateDenseAfterRemovals(t *testing.T) {
	var entries []*Appointment
	for i := 0; i < 6; i++ {
		entries = append(entries, entry(StatusWaiting, 100, at(8, i)))
	}
	Recalculate(entries, ModeFluid)

	entries[1].Status = StatusCancelled
	entries[3].AbsentAt = timePtr(at(9, 0))
	Recalculate(entries, ModeFluid)

	require.NoError(t, VerifyPositions(entries))
	assert.Equal(t, 1, positionOf(t, entries[0]))
	assert.Equal(t, 2, positionOf(t, entries[2]))
	assert.Equal(t, 3, positionOf(t, entries[4]))
	assert.Equal(t, 4, positionOf(t, entries[5]))
}

func TestReturnedEntryIsActiveAgain(t *testing.T) {
	a := entry(StatusWaiting, 100, at(8, 0))
	a.AbsentAt = timePtr(at(9, 0))
	assert.False(t, a.IsActive())

	a.ReturnedAt = timePtr(at(9, 10))
	assert.True(t, a.IsActive())

	a.AbsentAt = timePtr(at(9, 30))
	assert.True(t, a.IsAbsent())
}

func TestVerifyPositionsDetectsViolations(t *testing.T) {
	t.Run("gap", func(t *testing.T) {
		a := entry(StatusWaiting, 100, at(8, 0))
		a.QueuePosition = intPtr(2)
		assert.ErrorIs(t, VerifyPositions([]*Appointment{a}), ErrInvariantViolation)
	})
	t.Run("duplicate", func(t *testing.T) {
		a := entry(StatusWaiting, 100, at(8, 0))
		b := entry(StatusWaiting, 100, at(8, 1))
		a.QueuePosition, b.QueuePosition = intPtr(1), intPtr(1)
		assert.ErrorIs(t, VerifyPositions([]*Appointment{a, b}), ErrInvariantViolation)
	})
	t.Run("two in progress", func(t *testing.T) {
		a := entry(StatusInProgress, 100, at(8, 0))
		b := entry(StatusInProgress, 100, at(8, 1))
		assert.ErrorIs(t, VerifyPositions([]*Appointment{a, b}), ErrInvariantViolation)
	})
	t.Run("terminal with position", func(t *testing.T) {
		a := entry(StatusNoShow, 100, at(8, 0))
		a.QueuePosition = intPtr(1)
		assert.ErrorIs(t, VerifyPositions([]*Appointment{a}), ErrInvariantViolation)
	})
}

func intPtr(v int) *int { return &v }

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgStore struct {
	db          DB
	lockTimeout time.Duration
}

// NewPgStore creates a Store backed by Postgres. lockTimeout bounds how long a
// transaction waits for the clinic day lock or row locks before reporting
// contention.
func NewPgStore(db DB, lockTimeout time.Duration) *PgStore {
	return &PgStore{db: db, lockTimeout: lockTimeout}
}

const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// mapPgError turns lock and constraint failures into engine errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrLockContention, pgErr.Message)
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case "uq_appointments_one_in_progress":
			return ErrAlreadyServing
		case "uq_day_closure_open":
			return ErrAlreadyClosed
		case "appointments_unique_position":
			return fmt.Errorf("%w: duplicate position", ErrInvariantViolation)
		}
	}
	return err
}

func (s *PgStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err = tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	if err = fn(ctx, &pgTx{q: tx}); err != nil {
		return mapPgError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

// Helpers

const appointmentColumns = `id, clinic_id, staff_id, patient_id, guest_patient_id, appointment_date,
	scheduled_start, scheduled_end, status, is_present, checked_in_at, service_started_at,
	absent_at, returned_at, queue_position, original_queue_position, priority_score,
	skip_reason, skip_count, is_walk_in, is_gap_filler, promoted_from_waitlist,
	overridden_by, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var patientID, guestID *uuid.UUID
	var skipReason *string

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.StaffID,
		&patientID,
		&guestID,
		&a.Date,
		&a.ScheduledStart,
		&a.ScheduledEnd,
		&a.Status,
		&a.IsPresent,
		&a.CheckedInAt,
		&a.ServiceStartedAt,
		&a.AbsentAt,
		&a.ReturnedAt,
		&a.QueuePosition,
		&a.OriginalQueuePosition,
		&a.PriorityScore,
		&skipReason,
		&a.SkipCount,
		&a.IsWalkIn,
		&a.IsGapFiller,
		&a.PromotedFromWaitlist,
		&a.OverriddenBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Patient, err = PatientFromColumns(patientID, guestID)
	if err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	if skipReason != nil {
		a.SkipReason = SkipReason(*skipReason)
	}
	a.Date = DayOf(a.Date)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	defer rows.Close()
	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const absenceColumns = `id, appointment_id, clinic_id, absent_at, grace_expires_at, returned_at,
	resolved_at, resolution, new_position, auto_cancelled`

func scanAbsence(row pgx.Row, extra ...any) (*AbsenceRecord, error) {
	var r AbsenceRecord
	var resolution *string

	dest := []any{
		&r.ID,
		&r.AppointmentID,
		&r.ClinicID,
		&r.AbsentAt,
		&r.GraceExpiresAt,
		&r.ReturnedAt,
		&r.ResolvedAt,
		&resolution,
		&r.NewPosition,
		&r.AutoCancelled,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAbsenceNotFound
		}
		return nil, err
	}
	if resolution != nil {
		r.Resolution = AbsenceResolution(*resolution)
	}
	return &r, nil
}

const waitlistColumns = `id, clinic_id, staff_id, patient_id, guest_patient_id, requested_date,
	window_start, window_end, priority, status, promoted_appointment, created_at, updated_at`

func scanWaitlistEntry(row pgx.Row) (*WaitlistEntry, error) {
	var w WaitlistEntry
	var patientID, guestID *uuid.UUID

	err := row.Scan(
		&w.ID,
		&w.ClinicID,
		&w.StaffID,
		&patientID,
		&guestID,
		&w.RequestedDate,
		&w.WindowStart,
		&w.WindowEnd,
		&w.Priority,
		&w.Status,
		&w.PromotedAppointment,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWaitlistEmpty
		}
		return nil, err
	}
	w.Patient, err = PatientFromColumns(patientID, guestID)
	if err != nil {
		return nil, fmt.Errorf("waitlist entry %s: %w", w.ID, err)
	}
	return &w, nil
}

const closureColumns = `id, clinic_id, staff_id, closure_date, closed_by, closed_at,
	waiting_count, in_progress_count, absent_count, completed_count,
	no_show_ids::text[], completed_ids::text[], expired_waitlist_ids::text[],
	reason, notes, reopenable, reopened_at, reopened_by, reopen_reason, restored_ids::text[]`

func scanClosure(row pgx.Row) (*DayClosure, error) {
	var c DayClosure
	var noShow, completed, expired, restored []string
	var reason, notes, reopenReason *string

	err := row.Scan(
		&c.ID,
		&c.ClinicID,
		&c.StaffID,
		&c.Date,
		&c.ClosedBy,
		&c.ClosedAt,
		&c.Counts.Waiting,
		&c.Counts.InProgress,
		&c.Counts.Absent,
		&c.Counts.Completed,
		&noShow,
		&completed,
		&expired,
		&reason,
		&notes,
		&c.Reopenable,
		&c.ReopenedAt,
		&c.ReopenedBy,
		&reopenReason,
		&restored,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClosureNotFound
		}
		return nil, err
	}

	for _, pair := range []struct {
		src []string
		dst *[]uuid.UUID
	}{
		{noShow, &c.NoShowIDs},
		{completed, &c.CompletedIDs},
		{expired, &c.ExpiredWaitlistIDs},
		{restored, &c.RestoredIDs},
	} {
		if *pair.dst, err = parseUUIDs(pair.src); err != nil {
			return nil, fmt.Errorf("closure %s: %w", c.ID, err)
		}
	}
	c.Reason = deref(reason)
	c.Notes = deref(notes)
	c.ReopenReason = deref(reopenReason)
	c.Date = DayOf(c.Date)
	return &c, nil
}

func parseUUIDs(in []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(in))
	for _, s := range in {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func uuidStrings(in []uuid.UUID) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		out = append(out, id.String())
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func snapshotJSON(s *EntrySnapshot) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Lock-free reads

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (s *PgStore) ListStaffDay(ctx context.Context, staffID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE staff_id = $1 AND appointment_date = $2
		ORDER BY queue_position NULLS LAST, created_at, id
	`, staffID, DayOf(date))
	if err != nil {
		return nil, err
	}
	list, err := collectAppointments(rows)
	if err != nil {
		return nil, err
	}
	out := make([]Appointment, 0, len(list))
	for _, a := range list {
		out = append(out, *a)
	}
	return out, nil
}

func (s *PgStore) GetClosure(ctx context.Context, id uuid.UUID) (*DayClosure, error) {
	row := s.db.QueryRow(ctx, `SELECT `+closureColumns+` FROM day_closures WHERE id = $1`, id)
	return scanClosure(row)
}

func (s *PgStore) FindOpenClosure(ctx context.Context, staffID uuid.UUID, date time.Time) (*DayClosure, error) {
	return findOpenClosure(ctx, s.db, staffID, date, false)
}

func findOpenClosure(ctx context.Context, q querier, staffID uuid.UUID, date time.Time, forUpdate bool) (*DayClosure, error) {
	query := `SELECT ` + closureColumns + `
		FROM day_closures
		WHERE staff_id = $1 AND closure_date = $2 AND reopened_at IS NULL`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanClosure(q.QueryRow(ctx, query, staffID, DayOf(date)))
}

func (s *PgStore) ListExpiredAbsences(ctx context.Context, now time.Time, limit int) ([]ExpiredAbsence, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ab.id, ab.appointment_id, ab.clinic_id, ab.absent_at, ab.grace_expires_at, ab.returned_at,
		       ab.resolved_at, ab.resolution, ab.new_position, ab.auto_cancelled,
		       a.staff_id, a.appointment_date
		FROM absence_records ab
		JOIN appointments a ON a.id = ab.appointment_id
		WHERE ab.resolved_at IS NULL
		  AND ab.resolution IS NULL
		  AND ab.grace_expires_at <= $1
		ORDER BY ab.grace_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiredAbsence
	for rows.Next() {
		var e ExpiredAbsence
		r, err := scanAbsence(rows, &e.StaffID, &e.Date)
		if err != nil {
			return nil, err
		}
		e.Absence = *r
		e.Date = DayOf(e.Date)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PgStore) ExpireWaitlistBefore(ctx context.Context, date time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'expired', updated_at = now()
		WHERE requested_date < $1 AND status IN ('waiting', 'notified')
	`, DayOf(date))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Transactional access

type pgTx struct {
	q querier
}

// clinicDayLockKey names the advisory lock held by every writer of one clinic
// day, whichever staff member it acts for.
func clinicDayLockKey(clinicID uuid.UUID, date time.Time) string {
	return "clinic-day:" + clinicID.String() + ":" + DayOf(date).Format(time.DateOnly)
}

func (t *pgTx) LoadClinicDay(ctx context.Context, clinicID uuid.UUID, date time.Time) ([]*Appointment, error) {
	if _, err := t.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		clinicDayLockKey(clinicID, date)); err != nil {
		return nil, fmt.Errorf("lock clinic day: %w", err)
	}

	rows, err := t.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1 AND appointment_date = $2
		ORDER BY created_at, id
		FOR UPDATE
	`, clinicID, DayOf(date))
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	patientID, guestID := a.Patient.Columns()
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`,
		a.ID, a.ClinicID, a.StaffID, patientID, guestID, a.Date,
		a.ScheduledStart, a.ScheduledEnd, a.Status, a.IsPresent, a.CheckedInAt, a.ServiceStartedAt,
		a.AbsentAt, a.ReturnedAt, a.QueuePosition, a.OriginalQueuePosition, a.PriorityScore,
		nullString(string(a.SkipReason)), a.SkipCount, a.IsWalkIn, a.IsGapFiller, a.PromotedFromWaitlist,
		a.OverriddenBy, a.CreatedAt, a.UpdatedAt,
	)
	return err
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments SET
			scheduled_start = $2,
			scheduled_end = $3,
			status = $4,
			is_present = $5,
			checked_in_at = $6,
			service_started_at = $7,
			absent_at = $8,
			returned_at = $9,
			queue_position = $10,
			original_queue_position = $11,
			priority_score = $12,
			skip_reason = $13,
			skip_count = $14,
			is_walk_in = $15,
			is_gap_filler = $16,
			promoted_from_waitlist = $17,
			overridden_by = $18,
			updated_at = $19
		WHERE id = $1
	`,
		a.ID, a.ScheduledStart, a.ScheduledEnd, a.Status, a.IsPresent, a.CheckedInAt,
		a.ServiceStartedAt, a.AbsentAt, a.ReturnedAt, a.QueuePosition, a.OriginalQueuePosition,
		a.PriorityScore, nullString(string(a.SkipReason)), a.SkipCount, a.IsWalkIn, a.IsGapFiller,
		a.PromotedFromWaitlist, a.OverriddenBy, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) InsertAbsence(ctx context.Context, r *AbsenceRecord) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO absence_records (`+absenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		r.ID, r.AppointmentID, r.ClinicID, r.AbsentAt, r.GraceExpiresAt, r.ReturnedAt,
		r.ResolvedAt, nullString(string(r.Resolution)), r.NewPosition, r.AutoCancelled,
	)
	return err
}

func (t *pgTx) GetOpenAbsence(ctx context.Context, appointmentID uuid.UUID) (*AbsenceRecord, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+absenceColumns+`
		FROM absence_records
		WHERE appointment_id = $1 AND resolved_at IS NULL
		FOR UPDATE
	`, appointmentID)
	return scanAbsence(row)
}

func (t *pgTx) UpdateAbsence(ctx context.Context, r *AbsenceRecord) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE absence_records SET
			returned_at = $2,
			resolved_at = $3,
			resolution = $4,
			new_position = $5,
			auto_cancelled = $6
		WHERE id = $1
	`, r.ID, r.ReturnedAt, r.ResolvedAt, nullString(string(r.Resolution)), r.NewPosition, r.AutoCancelled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAbsenceNotFound
	}
	return nil
}

func (t *pgTx) InsertWaitlistEntry(ctx context.Context, w *WaitlistEntry) error {
	patientID, guestID := w.Patient.Columns()
	_, err := t.q.Exec(ctx, `
		INSERT INTO waitlist_entries (`+waitlistColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		w.ID, w.ClinicID, w.StaffID, patientID, guestID, DayOf(w.RequestedDate),
		w.WindowStart, w.WindowEnd, w.Priority, w.Status, w.PromotedAppointment, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

// NextWaitlistEntry picks the highest priority, oldest waiting entry that
// either names the staff member or names none.
func (t *pgTx) NextWaitlistEntry(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time) (*WaitlistEntry, error) {
	row := t.q.QueryRow(ctx, `
		SELECT `+waitlistColumns+`
		FROM waitlist_entries
		WHERE clinic_id = $1
		  AND requested_date = $3
		  AND status = 'waiting'
		  AND (staff_id IS NULL OR staff_id = $2)
		ORDER BY priority DESC, created_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, clinicID, staffID, DayOf(date))
	return scanWaitlistEntry(row)
}

func (t *pgTx) UpdateWaitlistEntry(ctx context.Context, w *WaitlistEntry) error {
	_, err := t.q.Exec(ctx, `
		UPDATE waitlist_entries
		SET status = $2, promoted_appointment = $3, updated_at = $4
		WHERE id = $1
	`, w.ID, w.Status, w.PromotedAppointment, w.UpdatedAt)
	return err
}

func (t *pgTx) ExpireStaffWaitlist(ctx context.Context, clinicID, staffID uuid.UUID, date time.Time) ([]uuid.UUID, error) {
	rows, err := t.q.Query(ctx, `
		UPDATE waitlist_entries
		SET status = 'expired', updated_at = now()
		WHERE clinic_id = $1 AND staff_id = $2 AND requested_date = $3
		  AND status IN ('waiting', 'notified')
		RETURNING id
	`, clinicID, staffID, DayOf(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *pgTx) InsertOverride(ctx context.Context, o *QueueOverride) error {
	prev, err := snapshotJSON(o.PreviousState)
	if err != nil {
		return fmt.Errorf("marshal previous state: %w", err)
	}
	next, err := snapshotJSON(o.NewState)
	if err != nil {
		return fmt.Errorf("marshal new state: %w", err)
	}
	return t.q.QueryRow(ctx, `
		INSERT INTO queue_overrides (
			clinic_id, appointment_id, action_type, performed_by, reason,
			previous_position, new_position, previous_state, new_state,
			skipped_appointments, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid[], $11)
		RETURNING id
	`,
		o.ClinicID, o.AppointmentID, o.Action, o.PerformedBy, nullString(o.Reason),
		o.PreviousPosition, o.NewPosition, prev, next,
		uuidStrings(o.SkippedAppointments), o.CreatedAt,
	).Scan(&o.ID)
}

func (t *pgTx) GetOpenClosure(ctx context.Context, staffID uuid.UUID, date time.Time) (*DayClosure, error) {
	return findOpenClosure(ctx, t.q, staffID, date, true)
}

func (t *pgTx) GetClosureForUpdate(ctx context.Context, id uuid.UUID) (*DayClosure, error) {
	row := t.q.QueryRow(ctx, `SELECT `+closureColumns+` FROM day_closures WHERE id = $1 FOR UPDATE`, id)
	return scanClosure(row)
}

func (t *pgTx) InsertClosure(ctx context.Context, c *DayClosure) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO day_closures (
			id, clinic_id, staff_id, closure_date, closed_by, closed_at,
			waiting_count, in_progress_count, absent_count, completed_count,
			no_show_ids, completed_ids, expired_waitlist_ids,
			reason, notes, reopenable
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		          $11::uuid[], $12::uuid[], $13::uuid[], $14, $15, $16)
	`,
		c.ID, c.ClinicID, c.StaffID, DayOf(c.Date), c.ClosedBy, c.ClosedAt,
		c.Counts.Waiting, c.Counts.InProgress, c.Counts.Absent, c.Counts.Completed,
		uuidStrings(c.NoShowIDs), uuidStrings(c.CompletedIDs), uuidStrings(c.ExpiredWaitlistIDs),
		nullString(c.Reason), nullString(c.Notes), c.Reopenable,
	)
	return err
}

func (t *pgTx) MarkClosureReopened(ctx context.Context, c *DayClosure) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE day_closures SET
			reopened_at = $2,
			reopened_by = $3,
			reopen_reason = $4,
			restored_ids = $5::uuid[]
		WHERE id = $1 AND reopened_at IS NULL
	`, c.ID, c.ReopenedAt, c.ReopenedBy, nullString(c.ReopenReason), uuidStrings(c.RestoredIDs))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyReopened
	}
	return nil
}

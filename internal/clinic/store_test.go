package clinic

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-queue/internal/queue"
)

func newTestStore(t *testing.T) (pgxmock.PgxPoolIface, *miniredis.Miniredis, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mock, mr, NewStore(mock, client, 30*time.Second, nil)
}

var configColumns = []string{
	"default_mode", "weekday_modes", "grace_period_minutes", "allow_overflow",
	"daily_capacity", "late_arrival_policy", "auto_cancel_absent",
}

func TestClinicConfigReadsThroughCache(t *testing.T) {
	mock, mr, store := newTestStore(t)
	clinicID := uuid.New()
	capacity := 40

	mock.ExpectQuery("FROM clinic_queue_configs").
		WithArgs(clinicID).
		WillReturnRows(pgxmock.NewRows(configColumns).AddRow(
			"walk_in", []byte(`{"saturday":"fixed"}`), 20, true, &capacity, "reschedule_only", false,
		))

	cfg, err := store.ClinicConfig(context.Background(), clinicID)
	require.NoError(t, err)
	assert.Equal(t, "walk_in", cfg.DefaultMode)
	assert.Equal(t, map[string]string{"saturday": "fixed"}, cfg.WeekdayModes)
	assert.Equal(t, 20, cfg.GracePeriodMinutes)
	require.NotNil(t, cfg.DailyCapacity)
	assert.Equal(t, 40, *cfg.DailyCapacity)
	assert.Equal(t, queue.LateRescheduleOnly, cfg.LateArrivalPolicy)
	assert.True(t, mr.Exists(store.key(clinicID)))

	again, err := store.ClinicConfig(context.Background(), clinicID)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClinicConfigDefaultsWhenMissing(t *testing.T) {
	mock, _, store := newTestStore(t)
	clinicID := uuid.New()

	mock.ExpectQuery("FROM clinic_queue_configs").WithArgs(clinicID).WillReturnError(pgx.ErrNoRows)

	cfg, err := store.ClinicConfig(context.Background(), clinicID)
	require.NoError(t, err)
	assert.Equal(t, queue.DefaultClinicConfig(clinicID), cfg)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClinicConfigIgnoresCorruptCache(t *testing.T) {
	mock, mr, store := newTestStore(t)
	clinicID := uuid.New()
	require.NoError(t, mr.Set(store.key(clinicID), "{not json"))

	mock.ExpectQuery("FROM clinic_queue_configs").WithArgs(clinicID).WillReturnError(pgx.ErrNoRows)

	cfg, err := store.ClinicConfig(context.Background(), clinicID)
	require.NoError(t, err)
	assert.Equal(t, clinicID, cfg.ClinicID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetInvalidatesCache(t *testing.T) {
	mock, mr, store := newTestStore(t)
	cfg := queue.DefaultClinicConfig(uuid.New())
	require.NoError(t, mr.Set(store.key(cfg.ClinicID), `{"default_mode":"fluid"}`))

	mock.ExpectExec("INSERT INTO clinic_queue_configs").
		WithArgs(cfg.ClinicID, cfg.DefaultMode, pgxmock.AnyArg(), cfg.GracePeriodMinutes, cfg.AllowOverflow,
			pgxmock.AnyArg(), pgxmock.AnyArg(), cfg.AutoCancelAbsent).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Set(context.Background(), cfg))
	assert.False(t, mr.Exists(store.key(cfg.ClinicID)))
	require.NoError(t, mock.ExpectationsWereMet())
}

package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*miniredis.Miniredis, Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisQueueLocker(client, 2*time.Second)
}

func TestWithQueueLockReleasesAfterRun(t *testing.T) {
	mr, locker := newTestLocker(t)
	staffID := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	ran := false
	err := locker.WithQueueLock(context.Background(), staffID, date, func(ctx context.Context) error {
		ran = true
		assert.True(t, mr.Exists(QueueLockKey(staffID, date)))
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.False(t, mr.Exists(QueueLockKey(staffID, date)))
}

func TestWithQueueLockContention(t *testing.T) {
	_, locker := newTestLocker(t)
	staffID := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	err := locker.WithQueueLock(context.Background(), staffID, date, func(ctx context.Context) error {
		inner := locker.WithQueueLock(ctx, staffID, date, func(context.Context) error {
			t.Fatal("nested critical section must not run")
			return nil
		})
		assert.ErrorIs(t, inner, ErrLockNotAcquired)
		return nil
	})
	require.NoError(t, err)
}

func TestWithQueueLockIsolatesStaffAndDate(t *testing.T) {
	_, locker := newTestLocker(t)
	staffID := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	err := locker.WithQueueLock(context.Background(), staffID, date, func(ctx context.Context) error {
		require.NoError(t, locker.WithQueueLock(ctx, uuid.New(), date, func(context.Context) error { return nil }))
		require.NoError(t, locker.WithQueueLock(ctx, staffID, date.AddDate(0, 0, 1), func(context.Context) error { return nil }))
		return nil
	})
	require.NoError(t, err)
}

func TestWithQueueLockPropagatesError(t *testing.T) {
	mr, locker := newTestLocker(t)
	staffID := uuid.New()
	date := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := locker.WithQueueLock(context.Background(), staffID, date, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists(QueueLockKey(staffID, date)))
}

package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/queue"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads clinic queue configuration from Postgres through a Redis
// read-through cache. Unconfigured clinics get queue.DefaultClinicConfig.
type Store struct {
	db     querier
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewStore(db querier, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, redis: redisClient, ttl: ttl, logger: logger}
}

func (s *Store) key(clinicID uuid.UUID) string {
	return fmt.Sprintf("clinic:queue_config:%s", clinicID)
}

// ClinicConfig returns the clinic's configuration. A Redis failure falls back
// to Postgres.
func (s *Store) ClinicConfig(ctx context.Context, clinicID uuid.UUID) (queue.ClinicConfig, error) {
	if cfg, ok := s.cached(ctx, clinicID); ok {
		return cfg, nil
	}

	cfg, err := s.load(ctx, clinicID)
	if err != nil {
		return queue.ClinicConfig{}, err
	}

	if s.redis != nil && s.ttl > 0 {
		data, err := json.Marshal(cfg)
		if err == nil {
			err = s.redis.Set(ctx, s.key(clinicID), data, s.ttl).Err()
		}
		if err != nil {
			s.logger.Warn("clinic config cache write failed", zap.Stringer("clinic_id", clinicID), zap.Error(err))
		}
	}
	return cfg, nil
}

func (s *Store) cached(ctx context.Context, clinicID uuid.UUID) (queue.ClinicConfig, bool) {
	if s.redis == nil || s.ttl <= 0 {
		return queue.ClinicConfig{}, false
	}
	data, err := s.redis.Get(ctx, s.key(clinicID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return queue.ClinicConfig{}, false
	}
	if err != nil {
		s.logger.Warn("clinic config cache read failed", zap.Stringer("clinic_id", clinicID), zap.Error(err))
		return queue.ClinicConfig{}, false
	}
	var cfg queue.ClinicConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.logger.Warn("clinic config cache entry corrupt", zap.Stringer("clinic_id", clinicID), zap.Error(err))
		return queue.ClinicConfig{}, false
	}
	return cfg, true
}

func (s *Store) load(ctx context.Context, clinicID uuid.UUID) (queue.ClinicConfig, error) {
	var (
		cfg          = queue.ClinicConfig{ClinicID: clinicID}
		weekdayModes []byte
		policy       string
	)
	err := s.db.QueryRow(ctx, `
		SELECT default_mode, weekday_modes, grace_period_minutes, allow_overflow,
		       daily_capacity, late_arrival_policy, auto_cancel_absent
		FROM clinic_queue_configs
		WHERE clinic_id = $1
	`, clinicID).Scan(
		&cfg.DefaultMode,
		&weekdayModes,
		&cfg.GracePeriodMinutes,
		&cfg.AllowOverflow,
		&cfg.DailyCapacity,
		&policy,
		&cfg.AutoCancelAbsent,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.DefaultClinicConfig(clinicID), nil
	}
	if err != nil {
		return queue.ClinicConfig{}, fmt.Errorf("clinic: load queue config: %w", err)
	}

	if len(weekdayModes) > 0 {
		if err := json.Unmarshal(weekdayModes, &cfg.WeekdayModes); err != nil {
			return queue.ClinicConfig{}, fmt.Errorf("clinic: decode weekday modes: %w", err)
		}
	}
	cfg.LateArrivalPolicy = queue.LateArrivalPolicy(policy)
	return cfg, nil
}

// Set upserts the configuration and drops the cached copy.
func (s *Store) Set(ctx context.Context, cfg queue.ClinicConfig) error {
	modes := cfg.WeekdayModes
	if modes == nil {
		modes = map[string]string{}
	}
	weekdayModes, err := json.Marshal(modes)
	if err != nil {
		return fmt.Errorf("clinic: encode weekday modes: %w", err)
	}
	policy := cfg.LateArrivalPolicy
	if policy == "" {
		policy = queue.LatePriorityWalkIn
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO clinic_queue_configs (
			clinic_id, default_mode, weekday_modes, grace_period_minutes, allow_overflow,
			daily_capacity, late_arrival_policy, auto_cancel_absent, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (clinic_id) DO UPDATE SET
			default_mode = EXCLUDED.default_mode,
			weekday_modes = EXCLUDED.weekday_modes,
			grace_period_minutes = EXCLUDED.grace_period_minutes,
			allow_overflow = EXCLUDED.allow_overflow,
			daily_capacity = EXCLUDED.daily_capacity,
			late_arrival_policy = EXCLUDED.late_arrival_policy,
			auto_cancel_absent = EXCLUDED.auto_cancel_absent,
			updated_at = now()
	`, cfg.ClinicID, cfg.DefaultMode, weekdayModes, cfg.GracePeriodMinutes, cfg.AllowOverflow,
		cfg.DailyCapacity, string(policy), cfg.AutoCancelAbsent)
	if err != nil {
		return fmt.Errorf("clinic: save queue config: %w", err)
	}

	if s.redis != nil {
		if err := s.redis.Del(ctx, s.key(cfg.ClinicID)).Err(); err != nil {
			s.logger.Warn("clinic config cache invalidation failed", zap.Stringer("clinic_id", cfg.ClinicID), zap.Error(err))
		}
	}
	return nil
}

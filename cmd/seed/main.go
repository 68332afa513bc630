package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/clinic"
	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/directory"
	"github.com/hackgods/clinic-queue/internal/logging"
	"github.com/hackgods/clinic-queue/internal/queue"
	redisclient "github.com/hackgods/clinic-queue/internal/redis"
)

// Stored mode names deliberately mix legacy spellings.
var modeNames = []string{"slotted", "fluid", "fixed_slots", "walk_in", "hybrid", "appointment_only"}

type seedCounts struct {
	clinics      int
	staffPerDesk int
	patients     int
	guests       int
	perStaffDay  int
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	counts := seedCounts{
		clinics:      envInt("SEED_CLINICS", 3),
		staffPerDesk: envInt("SEED_STAFF_PER_CLINIC", 4),
		patients:     envInt("SEED_PATIENTS", 2000),
		guests:       envInt("SEED_GUESTS", 300),
		perStaffDay:  envInt("SEED_APPOINTMENTS_PER_STAFF", 16),
	}

	ctx := context.Background()
	if err := db.RunMigrations(cfg.PostgresDSN, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, logger)
	cancel()
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redisclient.NewRedisClient(cfg, logger)
	if err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}
	defer func() { _ = rdb.Close() }()

	faker := gofakeit.New(0)
	configs := clinic.NewStore(pool, rdb, cfg.ConfigCacheTTL, logger)

	staff, err := seedClinics(ctx, pool, configs, faker, counts, logger)
	if err != nil {
		logger.Fatal("seed clinics", zap.Error(err))
	}
	patients, err := seedPeople(ctx, pool, "patients", counts.patients, faker, true)
	if err != nil {
		logger.Fatal("seed patients", zap.Error(err))
	}
	guests, err := seedPeople(ctx, pool, "guest_patients", counts.guests, faker, false)
	if err != nil {
		logger.Fatal("seed guest patients", zap.Error(err))
	}
	logger.Info("directory seeded",
		zap.Int("staff", len(staff)),
		zap.Int("patients", len(patients)),
		zap.Int("guests", len(guests)),
	)

	svc := queue.NewService(queue.Deps{
		Store:     queue.NewPgStore(pool, cfg.LockTTL/2),
		Configs:   configs,
		Directory: directory.NewPgDirectory(pool),
		Locker:    redisclient.NewRedisQueueLocker(rdb, cfg.LockTTL),
		Logger:    logger,
	}, cfg)

	booked, waitlisted, err := seedDay(ctx, svc, staff, patients, guests, faker, counts.perStaffDay)
	if err != nil {
		logger.Fatal("seed appointments", zap.Error(err))
	}
	logger.Info("seed complete", zap.Int("appointments", booked), zap.Int("waitlisted", waitlisted))
}

func seedClinics(ctx context.Context, pool *pgxpool.Pool, configs *clinic.Store, faker *gofakeit.Faker, counts seedCounts, logger *zap.Logger) ([]queue.StaffMember, error) {
	var staff []queue.StaffMember

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var clinicIDs []uuid.UUID
	for i := 0; i < counts.clinics; i++ {
		id := uuid.New()
		name := fmt.Sprintf("%s %s Clinic", faker.City(), faker.RandomString([]string{"Family", "Community", "Health", "Medical"}))
		_, err := tx.Exec(ctx, `
			INSERT INTO clinics (id, name, address, phone)
			VALUES ($1, $2, $3, $4)
		`, id, name, faker.Street()+", "+faker.City(), faker.Phone())
		if err != nil {
			return nil, fmt.Errorf("insert clinic: %w", err)
		}
		clinicIDs = append(clinicIDs, id)

		for j := 0; j < counts.staffPerDesk; j++ {
			m := queue.StaffMember{ID: uuid.New(), ClinicID: id, Name: "Dr. " + faker.Name(), Active: true}
			_, err := tx.Exec(ctx, `
				INSERT INTO staff (id, clinic_id, name, is_active)
				VALUES ($1, $2, $3, TRUE)
			`, m.ID, m.ClinicID, m.Name)
			if err != nil {
				return nil, fmt.Errorf("insert staff: %w", err)
			}
			staff = append(staff, m)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	for _, id := range clinicIDs {
		capacity := counts.perStaffDay * counts.staffPerDesk
		cfg := queue.ClinicConfig{
			ClinicID:           id,
			DefaultMode:        faker.RandomString(modeNames),
			WeekdayModes:       map[string]string{"saturday": faker.RandomString(modeNames)},
			GracePeriodMinutes: faker.Number(5, 20),
			AllowOverflow:      faker.Bool(),
			DailyCapacity:      &capacity,
			LateArrivalPolicy:  queue.LatePriorityWalkIn,
			AutoCancelAbsent:   faker.Bool(),
		}
		if err := configs.Set(ctx, cfg); err != nil {
			return nil, fmt.Errorf("set queue config: %w", err)
		}
		logger.Info("clinic configured",
			zap.Stringer("clinic_id", id),
			zap.String("default_mode", cfg.DefaultMode),
			zap.Bool("allow_overflow", cfg.AllowOverflow),
		)
	}
	return staff, nil
}

// seedPeople bulk loads registered patients or guests with COPY.
func seedPeople(ctx context.Context, pool *pgxpool.Pool, table string, count int, faker *gofakeit.Faker, withEmail bool) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, count)
	rows := make([][]any, 0, count)
	columns := []string{"id", "name", "phone"}
	if withEmail {
		columns = append(columns, "email")
	}

	for i := 0; i < count; i++ {
		id := uuid.New()
		ids = append(ids, id)
		row := []any{id, faker.Name(), faker.Phone()}
		if withEmail {
			row = append(row, faker.Email())
		}
		rows = append(rows, row)
	}

	if _, err := pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows)); err != nil {
		return nil, fmt.Errorf("copy %s: %w", table, err)
	}
	return ids, nil
}

// seedDay books today's appointments through the engine so positions are
// assigned the same way the API assigns them.
func seedDay(ctx context.Context, svc *queue.Service, staff []queue.StaffMember, patients, guests []uuid.UUID, faker *gofakeit.Faker, perStaff int) (booked, waitlisted int, err error) {
	today := queue.DayOf(time.Now().UTC())
	actor := uuid.New()

	for _, m := range staff {
		for i := 0; i < perStaff; i++ {
			start := today.Add(9*time.Hour + time.Duration(i)*15*time.Minute)
			end := start.Add(15 * time.Minute)

			req := queue.SlotRequest{
				ClinicID:       m.ClinicID,
				StaffID:        m.ID,
				Date:           today,
				ScheduledStart: &start,
				ScheduledEnd:   &end,
				Actor:          actor,
			}
			if faker.Number(1, 10) <= 2 && len(guests) > 0 {
				req.Patient = queue.GuestPatient(guests[faker.Number(0, len(guests)-1)])
				req.WalkIn = true
				req.ScheduledStart, req.ScheduledEnd = nil, nil
			} else {
				req.Patient = queue.RegisteredPatient(patients[faker.Number(0, len(patients)-1)])
			}

			res, err := svc.RequestSlot(ctx, req)
			if err != nil {
				return booked, waitlisted, fmt.Errorf("request slot for staff %s: %w", m.ID, err)
			}
			if res.Appointment != nil {
				booked++
			} else {
				waitlisted++
			}
		}
	}
	return booked, waitlisted, nil
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

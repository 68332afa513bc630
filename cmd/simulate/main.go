package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue/internal/config"
	"github.com/hackgods/clinic-queue/internal/db"
	"github.com/hackgods/clinic-queue/internal/logging"
	"github.com/hackgods/clinic-queue/internal/queue"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	CallRatio     float64
	PresenceRatio float64
	AbsenceRatio  float64
	ReadRatio     float64
	CloseDay      bool
	PostgresDSN   string
}

type staffDay struct {
	ClinicID uuid.UUID
	StaffID  uuid.UUID
}

type DataPool struct {
	Date         time.Time
	Staff        []staffDay
	Appointments []uuid.UUID
	mu           sync.RWMutex
	absent       map[uuid.UUID]struct{}
}

func (dp *DataPool) MarkAbsent(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.absent[id] = struct{}{}
}

// TakeAbsent removes and returns one appointment the simulator marked absent.
func (dp *DataPool) TakeAbsent() (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for id := range dp.absent {
		delete(dp.absent, id)
		return id, true
	}
	return uuid.Nil, false
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	lo = latencies[0]
	hi = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, lo, hi, p50, p95
}

type Metrics struct {
	CallNext OperationMetrics
	Complete OperationMetrics
	Presence OperationMetrics
	Absent   OperationMetrics
	Return   OperationMetrics
	Schedule OperationMetrics
	Close    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	actor   uuid.UUID
	metrics Metrics
	logger  *zap.Logger
}

func main() {
	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New("info", "console")
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("call", cfg.CallRatio),
		zap.Float64("presence", cfg.PresenceRatio),
		zap.Float64("absence", cfg.AbsenceRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool)
	if err != nil {
		logger.Fatal("load data pool", zap.Error(err))
	}
	logger.Info("data pool loaded",
		zap.Int("staff", len(dataPool.Staff)),
		zap.Int("appointments", len(dataPool.Appointments)),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		actor:  uuid.New(),
		logger: logger,
	}

	sim.Run()
	if cfg.CloseDay {
		sim.CloseAll(context.Background())
	}
	sim.PrintReport()

	violations, err := verifyQueues(context.Background(), pgPool, dataPool.Date)
	if err != nil {
		logger.Fatal("verify queues", zap.Error(err))
	}
	if len(violations) > 0 {
		for _, v := range violations {
			fmt.Println("VIOLATION:", v)
		}
		os.Exit(1)
	}
	fmt.Println("queue checks passed: at most one patient in service per staff, positions dense and unique")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		CallRatio:     getFloat("SIM_CALL_RATIO", 0.3),
		PresenceRatio: getFloat("SIM_PRESENCE_RATIO", 0.25),
		AbsenceRatio:  getFloat("SIM_ABSENCE_RATIO", 0.15),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.3),
		CloseDay:      getEnv("SIM_CLOSE_DAY", "false") == "true",
		PostgresDSN:   baseCfg.PostgresDSN,
	}

	total := cfg.CallRatio + cfg.PresenceRatio + cfg.AbsenceRatio + cfg.ReadRatio
	if total > 0 {
		cfg.CallRatio /= total
		cfg.PresenceRatio /= total
		cfg.AbsenceRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool) (*DataPool, error) {
	dp := &DataPool{Date: queue.DayOf(time.Now().UTC()), absent: make(map[uuid.UUID]struct{})}

	rows, err := pool.Query(ctx, `
		SELECT DISTINCT clinic_id, staff_id
		FROM appointments
		WHERE appointment_date = $1
	`, dp.Date)
	if err != nil {
		return nil, fmt.Errorf("load staff days: %w", err)
	}
	for rows.Next() {
		var sd staffDay
		if err := rows.Scan(&sd.ClinicID, &sd.StaffID); err != nil {
			rows.Close()
			return nil, err
		}
		dp.Staff = append(dp.Staff, sd)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT id FROM appointments
		WHERE appointment_date = $1 AND status IN ('scheduled', 'waiting')
	`, dp.Date)
	if err != nil {
		return nil, fmt.Errorf("load appointments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dp.Appointments = append(dp.Appointments, id)
	}

	if len(dp.Staff) == 0 || len(dp.Appointments) == 0 {
		return nil, fmt.Errorf("no appointments for %s, run the seed first", dp.Date.Format(time.DateOnly))
	}
	return dp, rows.Err()
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.CallRatio:
			s.doCallNext(ctx, rng)
		case r < s.config.CallRatio+s.config.PresenceRatio:
			s.doPresent(ctx, rng)
		case r < s.config.CallRatio+s.config.PresenceRatio+s.config.AbsenceRatio:
			if rng.Intn(2) == 0 {
				s.doAbsent(ctx, rng)
			} else {
				s.doReturn(ctx)
			}
		default:
			s.doSchedule(ctx, rng)
		}
	}
}

func (s *Simulator) dayPath(sd staffDay) string {
	return fmt.Sprintf("%s/clinics/%s/staff/%s/days/%s",
		s.config.APIBaseURL, sd.ClinicID, sd.StaffID, s.pool.Date.Format(time.DateOnly))
}

// post sends a mutating request and classifies the response. 409 and 503 are
// expected outcomes under contention and count as conflicts.
func (s *Simulator) post(ctx context.Context, url string, body any, om *OperationMetrics, okStatus int) int {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", s.actor.String())

	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			om.Record(latency, false, false)
		}
		return 0
	}
	defer resp.Body.Close()

	conflict := resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusServiceUnavailable
	om.Record(latency, resp.StatusCode == okStatus, conflict)
	return resp.StatusCode
}

func (s *Simulator) doCallNext(ctx context.Context, rng *rand.Rand) {
	sd := s.pool.Staff[rng.Intn(len(s.pool.Staff))]
	status := s.post(ctx, s.dayPath(sd)+"/call-next", nil, &s.metrics.CallNext, http.StatusOK)
	if status == http.StatusConflict {
		s.post(ctx, s.dayPath(sd)+"/complete", nil, &s.metrics.Complete, http.StatusOK)
	}
}

func (s *Simulator) doPresent(ctx context.Context, rng *rand.Rand) {
	id := s.pool.Appointments[rng.Intn(len(s.pool.Appointments))]
	s.post(ctx, fmt.Sprintf("%s/appointments/%s/present", s.config.APIBaseURL, id), nil, &s.metrics.Presence, http.StatusOK)
}

func (s *Simulator) doAbsent(ctx context.Context, rng *rand.Rand) {
	id := s.pool.Appointments[rng.Intn(len(s.pool.Appointments))]
	url := fmt.Sprintf("%s/appointments/%s/absent", s.config.APIBaseURL, id)
	if s.post(ctx, url, map[string]string{"reason": "not in waiting room"}, &s.metrics.Absent, http.StatusCreated) == http.StatusCreated {
		s.pool.MarkAbsent(id)
	}
}

func (s *Simulator) doReturn(ctx context.Context) {
	id, ok := s.pool.TakeAbsent()
	if !ok {
		return
	}
	s.post(ctx, fmt.Sprintf("%s/appointments/%s/return", s.config.APIBaseURL, id), nil, &s.metrics.Return, http.StatusOK)
}

func (s *Simulator) doSchedule(ctx context.Context, rng *rand.Rand) {
	sd := s.pool.Staff[rng.Intn(len(s.pool.Staff))]
	url := fmt.Sprintf("%s/staff/%s/days/%s/schedule", s.config.APIBaseURL, sd.StaffID, s.pool.Date.Format(time.DateOnly))

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	} else if ctx.Err() != nil {
		return
	}
	s.metrics.Schedule.Record(latency, success, false)
}

// CloseAll ends the day for every staff member concurrently with a second,
// racing close request each, so exactly one close per staff should win.
func (s *Simulator) CloseAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, sd := range s.pool.Staff {
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(sd staffDay) {
				defer wg.Done()
				s.post(ctx, s.dayPath(sd)+"/close", map[string]string{"reason": "simulation end"}, &s.metrics.Close, http.StatusCreated)
			}(sd)
		}
	}
	wg.Wait()
}

// verifyQueues checks the stored queues after the run.
func verifyQueues(ctx context.Context, pool *pgxpool.Pool, date time.Time) ([]string, error) {
	var violations []string

	rows, err := pool.Query(ctx, `
		SELECT staff_id, count(*)
		FROM appointments
		WHERE appointment_date = $1 AND status = 'in_progress'
		GROUP BY staff_id
		HAVING count(*) > 1
	`, date)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var staffID uuid.UUID
		var n int
		if err := rows.Scan(&staffID, &n); err != nil {
			rows.Close()
			return nil, err
		}
		violations = append(violations, fmt.Sprintf("staff %s has %d patients in service", staffID, n))
	}
	rows.Close()

	rows, err = pool.Query(ctx, `
		SELECT clinic_id, count(queue_position), count(DISTINCT queue_position), coalesce(max(queue_position), 0)
		FROM appointments
		WHERE appointment_date = $1
		GROUP BY clinic_id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var clinicID uuid.UUID
		var total, distinct, highest int
		if err := rows.Scan(&clinicID, &total, &distinct, &highest); err != nil {
			return nil, err
		}
		if total != distinct || highest != total {
			violations = append(violations, fmt.Sprintf("clinic %s positions not dense: %d set, %d distinct, max %d", clinicID, total, distinct, highest))
		}
	}

	rows2, err := pool.Query(ctx, `
		SELECT staff_id, count(*)
		FROM day_closures
		WHERE closure_date = $1 AND reopened_at IS NULL
		GROUP BY staff_id
		HAVING count(*) > 1
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows2.Close()
	for rows2.Next() {
		var staffID uuid.UUID
		var n int
		if err := rows2.Scan(&staffID, &n); err != nil {
			return nil, err
		}
		violations = append(violations, fmt.Sprintf("staff %s has %d open closures", staffID, n))
	}
	return violations, rows2.Err()
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Call next", &s.metrics.CallNext)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Mark present", &s.metrics.Presence)
	printOperationReport("Mark absent", &s.metrics.Absent)
	printOperationReport("Return", &s.metrics.Return)
	printOperationReport("Schedule read", &s.metrics.Schedule)
	printOperationReport("Close day", &s.metrics.Close)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeSlotted Mode = "slotted"
	ModeFluid   Mode = "fluid"
)

type LateArrivalPolicy string

const (
	LatePriorityWalkIn  LateArrivalPolicy = "priority_walk_in"
	LateRescheduleOnly  LateArrivalPolicy = "reschedule_only"
	defaultGraceMinutes                   = 15
)

// legacyModes maps every mode name clinics have stored over time onto the
// two-mode vocabulary.
var legacyModes = map[string]Mode{
	"slotted":          ModeSlotted,
	"slot":             ModeSlotted,
	"slots":            ModeSlotted,
	"fixed":            ModeSlotted,
	"fixed_slots":      ModeSlotted,
	"time_slot":        ModeSlotted,
	"time_slots":       ModeSlotted,
	"scheduled":        ModeSlotted,
	"appointment_only": ModeSlotted,
	"fluid":            ModeFluid,
	"walk_in":          ModeFluid,
	"walkin":           ModeFluid,
	"walk-in":          ModeFluid,
	"priority":         ModeFluid,
	"dynamic":          ModeFluid,
	"queue":            ModeFluid,
	"hybrid":           ModeFluid,
}

// NormalizeMode maps a stored mode name to Mode. ok is false for unknown names.
func NormalizeMode(raw string) (Mode, bool) {
	m, ok := legacyModes[strings.ToLower(strings.TrimSpace(raw))]
	return m, ok
}

// ClinicConfig is a clinic's queue configuration as administered outside the
// engine. Mode names are stored raw and may use legacy spellings.
type ClinicConfig struct {
	ClinicID           uuid.UUID         `json:"clinic_id"`
	DefaultMode        string            `json:"default_mode"`
	WeekdayModes       map[string]string `json:"weekday_modes,omitempty"`
	GracePeriodMinutes int               `json:"grace_period_minutes"`
	AllowOverflow      bool              `json:"allow_overflow"`
	DailyCapacity      *int              `json:"daily_capacity,omitempty"`
	LateArrivalPolicy  LateArrivalPolicy `json:"late_arrival_policy"`
	AutoCancelAbsent   bool              `json:"auto_cancel_absent"`
}

// DefaultClinicConfig is used when a clinic has never been configured.
func DefaultClinicConfig(clinicID uuid.UUID) ClinicConfig {
	return ClinicConfig{
		ClinicID:           clinicID,
		DefaultMode:        string(ModeSlotted),
		GracePeriodMinutes: defaultGraceMinutes,
		LateArrivalPolicy:  LatePriorityWalkIn,
		AutoCancelAbsent:   true,
	}
}

// Settings is the effective configuration for one clinic on one date.
type Settings struct {
	ClinicID          uuid.UUID         `json:"clinic_id"`
	Date              time.Time         `json:"date"`
	Mode              Mode              `json:"mode"`
	GracePeriod       time.Duration     `json:"grace_period"`
	AllowOverflow     bool              `json:"allow_overflow"`
	DailyCapacity     *int              `json:"daily_capacity,omitempty"`
	LateArrivalPolicy LateArrivalPolicy `json:"late_arrival_policy"`
	AutoCancelAbsent  bool              `json:"auto_cancel_absent"`
}

// ResolveSettings picks the weekday override for date when one exists and
// normalizes, falling back to the clinic default and finally to slotted.
func ResolveSettings(cfg ClinicConfig, date time.Time) Settings {
	mode := ModeSlotted
	if m, ok := NormalizeMode(cfg.DefaultMode); ok {
		mode = m
	}
	day := strings.ToLower(date.Weekday().String())
	for key, raw := range cfg.WeekdayModes {
		if strings.ToLower(strings.TrimSpace(key)) != day {
			continue
		}
		if m, ok := NormalizeMode(raw); ok {
			mode = m
		}
		break
	}

	grace := cfg.GracePeriodMinutes
	if grace < 0 {
		grace = 0
	}

	policy := cfg.LateArrivalPolicy
	if policy != LateRescheduleOnly {
		policy = LatePriorityWalkIn
	}

	var capacity *int
	if cfg.DailyCapacity != nil && *cfg.DailyCapacity > 0 {
		capacity = copyInt(cfg.DailyCapacity)
	}

	return Settings{
		ClinicID:          cfg.ClinicID,
		Date:              DayOf(date),
		Mode:              mode,
		GracePeriod:       time.Duration(grace) * time.Minute,
		AllowOverflow:     cfg.AllowOverflow,
		DailyCapacity:     capacity,
		LateArrivalPolicy: policy,
		AutoCancelAbsent:  cfg.AutoCancelAbsent,
	}
}

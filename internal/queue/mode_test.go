package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMode(t *testing.T) {
	cases := map[string]Mode{
		"slotted":     ModeSlotted,
		"Fixed_Slots": ModeSlotted,
		" scheduled ": ModeSlotted,
		"walk-in":     ModeFluid,
		"PRIORITY":    ModeFluid,
		"fluid":       ModeFluid,
	}
	for raw, want := range cases {
		got, ok := NormalizeMode(raw)
		require.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}

	_, ok := NormalizeMode("round_robin")
	assert.False(t, ok)
}

func TestResolveSettingsWeekdayOverride(t *testing.T) {
	cfg := DefaultClinicConfig(uuid.New())
	cfg.DefaultMode = "fixed"
	cfg.WeekdayModes = map[string]string{"Saturday": "walk_in"}

	saturday := time.Date(2026, 3, 7, 14, 30, 0, 0, time.UTC)
	monday := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	assert.Equal(t, ModeFluid, ResolveSettings(cfg, saturday).Mode)
	assert.Equal(t, ModeSlotted, ResolveSettings(cfg, monday).Mode)
	assert.Equal(t, DayOf(saturday), ResolveSettings(cfg, saturday).Date)
}

func TestResolveSettingsFallbacks(t *testing.T) {
	capacity := 0
	cfg := ClinicConfig{
		ClinicID:           uuid.New(),
		DefaultMode:        "mystery",
		WeekdayModes:       map[string]string{"monday": "also_unknown"},
		GracePeriodMinutes: -5,
		DailyCapacity:      &capacity,
		LateArrivalPolicy:  "whatever",
	}
	s := ResolveSettings(cfg, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, ModeSlotted, s.Mode)
	assert.Equal(t, time.Duration(0), s.GracePeriod)
	assert.Nil(t, s.DailyCapacity)
	assert.Equal(t, LatePriorityWalkIn, s.LateArrivalPolicy)
}

func TestResolveSettingsGracePeriod(t *testing.T) {
	cfg := DefaultClinicConfig(uuid.New())
	cfg.GracePeriodMinutes = 20
	assert.Equal(t, 20*time.Minute, ResolveSettings(cfg, testDay).GracePeriod)
}

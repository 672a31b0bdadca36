package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualivox/callaudit/pkg/models"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func TestEffectiveCronExpr(t *testing.T) {
	tests := []struct {
		name     string
		schedule models.Schedule
		want     string
		wantErr  bool
	}{
		{
			name: "daily",
			schedule: models.Schedule{
				ScheduleType: models.ScheduleTypeDaily,
				TimeOfDay:    strPtr("07:30"),
			},
			want: "30 7 * * *",
		},
		{
			name: "weekly monday",
			schedule: models.Schedule{
				ScheduleType: models.ScheduleTypeWeekly,
				TimeOfDay:    strPtr("18:00"),
				DayOfWeek:    intPtr(1),
			},
			want: "0 18 * * 1",
		},
		{
			name: "monthly first",
			schedule: models.Schedule{
				ScheduleType: models.ScheduleTypeMonthly,
				TimeOfDay:    strPtr("06:15"),
				DayOfMonth:   intPtr(1),
			},
			want: "15 6 1 * *",
		},
		{
			name: "cron passthrough",
			schedule: models.Schedule{
				ScheduleType:   models.ScheduleTypeCron,
				CronExpression: strPtr("*/15 9-18 * * 1-5"),
			},
			want: "*/15 9-18 * * 1-5",
		},
		{
			name:     "manual is not cron driven",
			schedule: models.Schedule{ScheduleType: models.ScheduleTypeManual},
			wantErr:  true,
		},
		{
			name: "daily without time of day",
			schedule: models.Schedule{
				ScheduleType: models.ScheduleTypeDaily,
			},
			wantErr: true,
		},
		{
			name: "weekly with out of range day",
			schedule: models.Schedule{
				ScheduleType: models.ScheduleTypeWeekly,
				TimeOfDay:    strPtr("10:00"),
				DayOfWeek:    intPtr(7),
			},
			wantErr: true,
		},
		{
			name: "bad time of day",
			schedule: models.Schedule{
				ScheduleType: models.ScheduleTypeDaily,
				TimeOfDay:    strPtr("25:00"),
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := effectiveCronExpr(&tt.schedule)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMostRecentFire(t *testing.T) {
	sched, err := cron.ParseStandard("30 7 * * *")
	require.NoError(t, err)

	day := func(h, m int) time.Time {
		return time.Date(2026, 3, 15, h, m, 0, 0, time.UTC)
	}

	t.Run("fire inside window", func(t *testing.T) {
		fire, ok := mostRecentFire(sched, day(7, 45), 20*time.Minute)
		require.True(t, ok)
		assert.Equal(t, day(7, 30), fire)
	})

	t.Run("fire exactly now", func(t *testing.T) {
		fire, ok := mostRecentFire(sched, day(7, 30), 20*time.Minute)
		require.True(t, ok)
		assert.Equal(t, day(7, 30), fire)
	})

	t.Run("fire older than window is missed", func(t *testing.T) {
		_, ok := mostRecentFire(sched, day(7, 51), 20*time.Minute)
		assert.False(t, ok)
	})

	t.Run("future fire not due", func(t *testing.T) {
		_, ok := mostRecentFire(sched, day(7, 15), 20*time.Minute)
		assert.False(t, ok)
	})

	t.Run("picks latest of several fires", func(t *testing.T) {
		every15, err := cron.ParseStandard("*/15 * * * *")
		require.NoError(t, err)
		fire, ok := mostRecentFire(every15, day(8, 50), time.Hour)
		require.True(t, ok)
		assert.Equal(t, day(8, 45), fire)
	})
}

func TestDueFire(t *testing.T) {
	schedule := models.Schedule{
		ID:           1,
		ScheduleType: models.ScheduleTypeDaily,
		Timezone:     "UTC",
		TimeOfDay:    strPtr("07:30"),
	}
	now := time.Date(2026, 3, 15, 7, 35, 0, 0, time.UTC)

	t.Run("due when never run", func(t *testing.T) {
		fire, ok, err := dueFire(&schedule, now, 20*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 3, 15, 7, 30, 0, 0, time.UTC), fire.UTC())
	})

	t.Run("due when last run predates fire", func(t *testing.T) {
		s := schedule
		lastRun := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
		s.LastRunAt = &lastRun
		_, ok, err := dueFire(&s, now, 20*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("not due when fire already dispatched", func(t *testing.T) {
		s := schedule
		lastRun := time.Date(2026, 3, 15, 7, 30, 0, 0, time.UTC)
		s.LastRunAt = &lastRun
		_, ok, err := dueFire(&s, now, 20*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("resolves in schedule timezone", func(t *testing.T) {
		paris := schedule
		paris.Timezone = "Europe/Paris"
		// 07:30 Paris in winter is 06:30 UTC.
		utcNow := time.Date(2026, 1, 10, 6, 35, 0, 0, time.UTC)
		fire, ok, err := dueFire(&paris, utcNow, 20*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Date(2026, 1, 10, 6, 30, 0, 0, time.UTC), fire.UTC())

		// At the same wall-clock instant a UTC schedule is not due: its
		// 07:30 fire is still an hour away.
		_, ok, err = dueFire(&schedule, utcNow, 20*time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("invalid timezone is an error", func(t *testing.T) {
		s := schedule
		s.Timezone = "Mars/Olympus"
		_, _, err := dueFire(&s, now, 20*time.Minute)
		assert.Error(t, err)
	})
}

func TestStaleReason(t *testing.T) {
	assert.Equal(t, "Marked stale by scheduler after 330m", staleReason(5*time.Hour+30*time.Minute))
}

func TestTickEventID(t *testing.T) {
	at := time.Date(2026, 3, 15, 7, 30, 42, 0, time.UTC)
	assert.Equal(t, TickEventID(at), TickEventID(at.Add(10*time.Second)))
	assert.NotEqual(t, TickEventID(at), TickEventID(at.Add(time.Minute)))
}

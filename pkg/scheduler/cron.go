package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/qualivox/callaudit/pkg/models"
)

// effectiveCronExpr maps a schedule's type and fields onto a standard
// five-field cron expression. MANUAL schedules are never fired by the
// scheduler and resolve to an error.
func effectiveCronExpr(s *models.Schedule) (string, error) {
	switch s.ScheduleType {
	case models.ScheduleTypeCron:
		if s.CronExpression == nil || *s.CronExpression == "" {
			return "", fmt.Errorf("schedule %d: cron schedule without expression", s.ID)
		}
		return *s.CronExpression, nil
	case models.ScheduleTypeDaily:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case models.ScheduleTypeWeekly:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return "", fmt.Errorf("schedule %d: weekly schedule requires day_of_week 0-6", s.ID)
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, *s.DayOfWeek), nil
	case models.ScheduleTypeMonthly:
		hour, minute, err := parseTimeOfDay(s.TimeOfDay)
		if err != nil {
			return "", fmt.Errorf("schedule %d: %w", s.ID, err)
		}
		if s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return "", fmt.Errorf("schedule %d: monthly schedule requires day_of_month 1-31", s.ID)
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, *s.DayOfMonth), nil
	case models.ScheduleTypeManual:
		return "", fmt.Errorf("schedule %d: manual schedules are not cron-driven", s.ID)
	default:
		return "", fmt.Errorf("schedule %d: unknown schedule type %q", s.ID, s.ScheduleType)
	}
}

// parseTimeOfDay parses "HH:MM".
func parseTimeOfDay(timeOfDay *string) (hour, minute int, err error) {
	if timeOfDay == nil {
		return 0, 0, fmt.Errorf("missing time_of_day")
	}
	parts := strings.SplitN(*timeOfDay, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", *timeOfDay)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", *timeOfDay)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time_of_day %q", *timeOfDay)
	}
	return hour, minute, nil
}

// resolveSchedule parses the schedule's effective cron expression in its
// own timezone.
func resolveSchedule(s *models.Schedule) (cron.Schedule, *time.Location, error) {
	expr, err := effectiveCronExpr(s)
	if err != nil {
		return nil, nil, err
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("schedule %d: invalid timezone %q: %w", s.ID, s.Timezone, err)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, nil, fmt.Errorf("schedule %d: invalid cron expression %q: %w", s.ID, expr, err)
	}
	return sched, loc, nil
}

// mostRecentFire returns the latest fire time t with t <= now and
// now-t <= window. Walking forward from the window's edge keeps this
// correct across DST transitions, which a backward guess-and-check is not.
func mostRecentFire(sched cron.Schedule, now time.Time, window time.Duration) (time.Time, bool) {
	var fire time.Time
	found := false
	t := sched.Next(now.Add(-window - time.Second))
	for !t.After(now) {
		fire = t
		found = true
		t = sched.Next(t)
	}
	return fire, found
}

// dueFire reports whether the schedule has a fire pending dispatch: a
// fire inside the trailing window that is newer than the last run.
// Missed fires older than the window are skipped, never backfilled.
func dueFire(s *models.Schedule, now time.Time, window time.Duration) (time.Time, bool, error) {
	sched, loc, err := resolveSchedule(s)
	if err != nil {
		return time.Time{}, false, err
	}
	fire, found := mostRecentFire(sched, now.In(loc), window)
	if !found {
		return time.Time{}, false, nil
	}
	if s.LastRunAt != nil && !s.LastRunAt.Before(fire) {
		return time.Time{}, false, nil
	}
	return fire, true, nil
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/qualivox/callaudit/pkg/models"
)

// ScheduleStore persists automation schedules. The scheduler mutates only
// the telemetry columns (last_run_at, last_run_status); everything else is
// owned by the admin surface.
type ScheduleStore struct {
	db *sqlx.DB
}

const scheduleColumns = `id, name, is_active, schedule_type, cron_expression, timezone,
	time_of_day, day_of_week, day_of_month, selection, stage_flags, failure_policy,
	notifications, last_run_at, last_run_status, created_at, updated_at`

// ListActive returns every active schedule, oldest first.
func (s *ScheduleStore) ListActive(ctx context.Context) ([]models.Schedule, error) {
	var schedules []models.Schedule
	query := fmt.Sprintf(`SELECT %s FROM automation_schedules WHERE is_active ORDER BY id`, scheduleColumns)
	if err := s.db.SelectContext(ctx, &schedules, query); err != nil {
		return nil, fmt.Errorf("failed to list active schedules: %w", err)
	}
	return schedules, nil
}

// List returns all schedules, newest first.
func (s *ScheduleStore) List(ctx context.Context) ([]models.Schedule, error) {
	var schedules []models.Schedule
	query := fmt.Sprintf(`SELECT %s FROM automation_schedules ORDER BY id DESC`, scheduleColumns)
	if err := s.db.SelectContext(ctx, &schedules, query); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

// Get returns one schedule by id.
func (s *ScheduleStore) Get(ctx context.Context, id int64) (*models.Schedule, error) {
	var schedule models.Schedule
	query := fmt.Sprintf(`SELECT %s FROM automation_schedules WHERE id = $1`, scheduleColumns)
	if err := s.db.GetContext(ctx, &schedule, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get schedule %d: %w", id, err)
	}
	return &schedule, nil
}

// Create inserts a schedule and returns it with generated fields populated.
func (s *ScheduleStore) Create(ctx context.Context, schedule *models.Schedule) (*models.Schedule, error) {
	query := fmt.Sprintf(`
		INSERT INTO automation_schedules
			(name, is_active, schedule_type, cron_expression, timezone, time_of_day,
			 day_of_week, day_of_month, selection, stage_flags, failure_policy, notifications)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING %s`, scheduleColumns)

	var created models.Schedule
	err := s.db.GetContext(ctx, &created, query,
		schedule.Name, schedule.IsActive, schedule.ScheduleType, schedule.CronExpression,
		schedule.Timezone, schedule.TimeOfDay, schedule.DayOfWeek, schedule.DayOfMonth,
		schedule.Selection, schedule.StageFlags, schedule.FailurePolicy, schedule.Notifications)
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return &created, nil
}

// MarkTriggered stamps the dispatch telemetry in one statement:
// last_run_at moves to the due time and last_run_status becomes running.
// Called by the scheduler immediately after sending the run event, before
// the tick returns, so the next tick observes the dispatch.
func (s *ScheduleStore) MarkTriggered(ctx context.Context, id int64, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_schedules
		SET last_run_at = $2, last_run_status = $3, updated_at = now()
		WHERE id = $1`, id, dueAt, models.LastRunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark schedule %d triggered: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastRunStatus updates only the mirrored run status.
func (s *ScheduleStore) SetLastRunStatus(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_schedules
		SET last_run_status = $2, updated_at = now()
		WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set last run status for schedule %d: %w", id, err)
	}
	return nil
}

// SetLastRunAt moves only the last trigger timestamp (used when a manual
// trigger bypasses the scheduler).
func (s *ScheduleStore) SetLastRunAt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_schedules
		SET last_run_at = $2, updated_at = now()
		WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to set last run at for schedule %d: %w", id, err)
	}
	return nil
}

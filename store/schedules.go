package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/evolab/labscheduler/core"
)

// scheduleRow is the flat text-serialised form of a schedule. The
// conversion in and out of core.Schedule is the only place timestamp
// strings are touched.
type scheduleRow struct {
	ScheduleID               string  `db:"schedule_id"`
	ExperimentName           string  `db:"experiment_name"`
	ExperimentPath           string  `db:"experiment_path"`
	ScheduleType             string  `db:"schedule_type"`
	IntervalHours            float64 `db:"interval_hours"`
	CronExpression           string  `db:"cron_expression"`
	StartTime                string  `db:"start_time"`
	EstimatedDurationMinutes int     `db:"estimated_duration_minutes"`
	IsActive                 int     `db:"is_active"`
	MaxRetries               int     `db:"max_retries"`
	RetryDelayMinutes        int     `db:"retry_delay_minutes"`
	BackoffStrategy          string  `db:"backoff_strategy"`
	AbortAfterHours          float64 `db:"abort_after_hours"`
	Prerequisites            string  `db:"prerequisites"`
	NotificationContactIDs   string  `db:"notification_contact_ids"`
	FailedExecutionCount     int     `db:"failed_execution_count"`
	RecoveryRequired         int     `db:"recovery_required"`
	RecoveryNote             string  `db:"recovery_note"`
	RecoveryMarkedAt         string  `db:"recovery_marked_at"`
	RecoveryMarkedBy         string  `db:"recovery_marked_by"`
	RecoveryResolvedAt       string  `db:"recovery_resolved_at"`
	RecoveryResolvedBy       string  `db:"recovery_resolved_by"`
	CreatedBy                string  `db:"created_by"`
	CreatedAt                string  `db:"created_at"`
	UpdatedAt                string  `db:"updated_at"`
}

func toScheduleRow(s *core.Schedule) scheduleRow {
	return scheduleRow{
		ScheduleID:               s.ScheduleID,
		ExperimentName:           s.ExperimentName,
		ExperimentPath:           s.ExperimentPath,
		ScheduleType:             string(s.ScheduleType),
		IntervalHours:            s.IntervalHours,
		CronExpression:           s.CronExpression,
		StartTime:                core.FormatLocal(s.StartTime),
		EstimatedDurationMinutes: s.EstimatedDurationMinutes,
		IsActive:                 boolToInt(s.IsActive),
		MaxRetries:               s.Retry.MaxRetries,
		RetryDelayMinutes:        s.Retry.RetryDelayMinutes,
		BackoffStrategy:          string(s.Retry.BackoffStrategy),
		AbortAfterHours:          s.Retry.AbortAfterHours,
		Prerequisites:            marshalStrings(s.Prerequisites),
		NotificationContactIDs:   marshalStrings(s.NotificationContactIDs),
		FailedExecutionCount:     s.FailedExecutionCount,
		RecoveryRequired:         boolToInt(s.RecoveryRequired),
		RecoveryNote:             s.RecoveryNote,
		RecoveryMarkedAt:         core.FormatLocal(s.RecoveryMarkedAt),
		RecoveryMarkedBy:         s.RecoveryMarkedBy,
		RecoveryResolvedAt:       core.FormatLocal(s.RecoveryResolvedAt),
		RecoveryResolvedBy:       s.RecoveryResolvedBy,
		CreatedBy:                s.CreatedBy,
		CreatedAt:                core.FormatLocal(s.CreatedAt),
		UpdatedAt:                core.FormatLocal(s.UpdatedAt),
	}
}

func (r scheduleRow) toSchedule() *core.Schedule {
	parse := func(v string) time.Time {
		t, _ := core.ParseISOToLocal(v)
		return t
	}
	return &core.Schedule{
		ScheduleID:               r.ScheduleID,
		ExperimentName:           r.ExperimentName,
		ExperimentPath:           r.ExperimentPath,
		ScheduleType:             core.ScheduleType(r.ScheduleType),
		IntervalHours:            r.IntervalHours,
		CronExpression:           r.CronExpression,
		StartTime:                parse(r.StartTime),
		EstimatedDurationMinutes: r.EstimatedDurationMinutes,
		IsActive:                 r.IsActive != 0,
		Retry: core.RetryConfig{
			MaxRetries:        r.MaxRetries,
			RetryDelayMinutes: r.RetryDelayMinutes,
			BackoffStrategy:   core.BackoffStrategy(r.BackoffStrategy),
			AbortAfterHours:   r.AbortAfterHours,
		},
		Prerequisites:          unmarshalStrings(r.Prerequisites),
		NotificationContactIDs: unmarshalStrings(r.NotificationContactIDs),
		FailedExecutionCount:   r.FailedExecutionCount,
		RecoveryRequired:       r.RecoveryRequired != 0,
		RecoveryNote:           r.RecoveryNote,
		RecoveryMarkedAt:       parse(r.RecoveryMarkedAt),
		RecoveryMarkedBy:       r.RecoveryMarkedBy,
		RecoveryResolvedAt:     parse(r.RecoveryResolvedAt),
		RecoveryResolvedBy:     r.RecoveryResolvedBy,
		CreatedBy:              r.CreatedBy,
		CreatedAt:              parse(r.CreatedAt),
		UpdatedAt:              parse(r.UpdatedAt),
	}
}

const scheduleColumns = `schedule_id, experiment_name, experiment_path, schedule_type,
	interval_hours, cron_expression, start_time, estimated_duration_minutes, is_active,
	max_retries, retry_delay_minutes, backoff_strategy, abort_after_hours,
	prerequisites, notification_contact_ids, failed_execution_count,
	recovery_required, recovery_note, recovery_marked_at, recovery_marked_by,
	recovery_resolved_at, recovery_resolved_by, created_by, created_at, updated_at`

// CreateSchedule inserts a new schedule. The store owns created_at and
// updated_at generation.
func (s *Store) CreateSchedule(schedule *core.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	schedule.CreatedAt = now
	schedule.UpdatedAt = now

	row := toScheduleRow(schedule)
	_, err := s.db.NamedExec(`INSERT INTO schedules (`+scheduleColumns+`) VALUES (
		:schedule_id, :experiment_name, :experiment_path, :schedule_type,
		:interval_hours, :cron_expression, :start_time, :estimated_duration_minutes, :is_active,
		:max_retries, :retry_delay_minutes, :backoff_strategy, :abort_after_hours,
		:prerequisites, :notification_contact_ids, :failed_execution_count,
		:recovery_required, :recovery_note, :recovery_marked_at, :recovery_marked_by,
		:recovery_resolved_at, :recovery_resolved_by, :created_by, :created_at, :updated_at)`, row)
	if err != nil {
		return core.NewError("store.CreateSchedule", "conflict", fmt.Errorf("%w: %v", core.ErrUpdateConflict, err))
	}
	return nil
}

// GetSchedule returns the schedule or ErrScheduleNotFound.
func (s *Store) GetSchedule(id string) (*core.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getScheduleLocked(id)
}

func (s *Store) getScheduleLocked(id string) (*core.Schedule, error) {
	var row scheduleRow
	err := s.db.Get(&row, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewError("store.GetSchedule", "not_found", core.ErrScheduleNotFound)
	}
	if err != nil {
		return nil, core.NewError("store.GetSchedule", "transport", err)
	}
	return row.toSchedule(), nil
}

// ListActiveSchedules returns active schedules ordered by start_time
// ascending.
func (s *Store) ListActiveSchedules() ([]*core.Schedule, error) {
	return s.listSchedules(true)
}

// ListSchedules returns all schedules ordered by start_time ascending.
func (s *Store) ListSchedules() ([]*core.Schedule, error) {
	return s.listSchedules(false)
}

func (s *Store) listSchedules(activeOnly bool) ([]*core.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY start_time ASC`

	var rows []scheduleRow
	if err := s.db.Select(&rows, query); err != nil {
		return nil, core.NewError("store.ListSchedules", "transport", err)
	}
	out := make([]*core.Schedule, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSchedule())
	}
	return out, nil
}

// UpdateSchedule writes the schedule back. When expectedUpdatedAt is
// non-zero it is compared against the stored value with the serialization
// tolerance; a mismatch returns ErrUpdateConflict and no write happens.
func (s *Store) UpdateSchedule(schedule *core.Schedule, expectedUpdatedAt time.Time) (*core.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getScheduleLocked(schedule.ScheduleID)
	if err != nil {
		return nil, err
	}
	if !expectedUpdatedAt.IsZero() && !withinTolerance(current.UpdatedAt, expectedUpdatedAt) {
		return nil, core.NewError("store.UpdateSchedule", "conflict", core.ErrUpdateConflict)
	}

	schedule.CreatedAt = current.CreatedAt
	schedule.UpdatedAt = s.nextUpdatedAt(current.UpdatedAt)

	row := toScheduleRow(schedule)
	res, err := s.db.NamedExec(`UPDATE schedules SET
		experiment_name = :experiment_name,
		experiment_path = :experiment_path,
		schedule_type = :schedule_type,
		interval_hours = :interval_hours,
		cron_expression = :cron_expression,
		start_time = :start_time,
		estimated_duration_minutes = :estimated_duration_minutes,
		is_active = :is_active,
		max_retries = :max_retries,
		retry_delay_minutes = :retry_delay_minutes,
		backoff_strategy = :backoff_strategy,
		abort_after_hours = :abort_after_hours,
		prerequisites = :prerequisites,
		notification_contact_ids = :notification_contact_ids,
		failed_execution_count = :failed_execution_count,
		recovery_required = :recovery_required,
		recovery_note = :recovery_note,
		recovery_marked_at = :recovery_marked_at,
		recovery_marked_by = :recovery_marked_by,
		recovery_resolved_at = :recovery_resolved_at,
		recovery_resolved_by = :recovery_resolved_by,
		updated_at = :updated_at
		WHERE schedule_id = :schedule_id`, row)
	if err != nil {
		return nil, core.NewError("store.UpdateSchedule", "transport", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, core.NewError("store.UpdateSchedule", "not_found", core.ErrScheduleNotFound)
	}
	return schedule, nil
}

// DeleteSchedule removes the schedule; executions cascade.
func (s *Store) DeleteSchedule(id string, expectedUpdatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.getScheduleLocked(id)
	if err != nil {
		return err
	}
	if !expectedUpdatedAt.IsZero() && !withinTolerance(current.UpdatedAt, expectedUpdatedAt) {
		return core.NewError("store.DeleteSchedule", "conflict", core.ErrUpdateConflict)
	}

	if _, err := s.db.Exec(`DELETE FROM schedules WHERE schedule_id = ?`, id); err != nil {
		return core.NewError("store.DeleteSchedule", "transport", err)
	}
	return nil
}

// MarkRecoveryRequired flags the schedule for manual recovery and
// raises the global pause. The engine must not dispatch the schedule
// again until resolved.
func (s *Store) MarkRecoveryRequired(id, note, actor string) (*core.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, err := s.getScheduleLocked(id)
	if err != nil {
		return nil, err
	}

	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	schedule.RecoveryRequired = true
	schedule.RecoveryNote = note
	schedule.RecoveryMarkedAt = now
	schedule.RecoveryMarkedBy = actor
	schedule.RecoveryResolvedAt = time.Time{}
	schedule.RecoveryResolvedBy = ""
	schedule.UpdatedAt = s.nextUpdatedAt(schedule.UpdatedAt)

	row := toScheduleRow(schedule)
	if _, err := s.db.NamedExec(`UPDATE schedules SET
		recovery_required = :recovery_required,
		recovery_note = :recovery_note,
		recovery_marked_at = :recovery_marked_at,
		recovery_marked_by = :recovery_marked_by,
		recovery_resolved_at = :recovery_resolved_at,
		recovery_resolved_by = :recovery_resolved_by,
		updated_at = :updated_at
		WHERE schedule_id = :schedule_id`, row); err != nil {
		return nil, core.NewError("store.MarkRecoveryRequired", "transport", err)
	}

	if err := s.setGlobalRecoveryLocked(note, schedule.ScheduleID, schedule.ExperimentName, actor, now); err != nil {
		return nil, err
	}
	return schedule, nil
}

// ResolveRecoveryRequired clears the schedule flag and the global
// pause. recovery_marked_at is preserved for the audit trail.
func (s *Store) ResolveRecoveryRequired(id, note, actor string) (*core.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, err := s.getScheduleLocked(id)
	if err != nil {
		return nil, err
	}

	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	schedule.RecoveryRequired = false
	if note != "" {
		schedule.RecoveryNote = note
	}
	schedule.RecoveryResolvedAt = now
	schedule.RecoveryResolvedBy = actor
	schedule.UpdatedAt = s.nextUpdatedAt(schedule.UpdatedAt)

	row := toScheduleRow(schedule)
	if _, err := s.db.NamedExec(`UPDATE schedules SET
		recovery_required = :recovery_required,
		recovery_note = :recovery_note,
		recovery_resolved_at = :recovery_resolved_at,
		recovery_resolved_by = :recovery_resolved_by,
		updated_at = :updated_at
		WHERE schedule_id = :schedule_id`, row); err != nil {
		return nil, core.NewError("store.ResolveRecoveryRequired", "transport", err)
	}

	if err := s.clearGlobalRecoveryLocked(actor, now); err != nil {
		return nil, err
	}
	return schedule, nil
}

// IncrementFailedCount bumps the failure counter without disturbing the
// caller's optimistic-concurrency view; returns the new count.
func (s *Store) IncrementFailedCount(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, err := s.getScheduleLocked(id)
	if err != nil {
		return 0, err
	}
	schedule.FailedExecutionCount++
	schedule.UpdatedAt = s.nextUpdatedAt(schedule.UpdatedAt)

	_, err = s.db.Exec(`UPDATE schedules SET failed_execution_count = ?, updated_at = ? WHERE schedule_id = ?`,
		schedule.FailedExecutionCount, core.FormatLocal(schedule.UpdatedAt), id)
	if err != nil {
		return 0, core.NewError("store.IncrementFailedCount", "transport", err)
	}
	return schedule.FailedExecutionCount, nil
}

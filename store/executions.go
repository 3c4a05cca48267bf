package store

import (
	"time"

	"github.com/evolab/labscheduler/core"
)

type executionRow struct {
	ExecutionID     string  `db:"execution_id"`
	ScheduleID      string  `db:"schedule_id"`
	Status          string  `db:"status"`
	StartTime       string  `db:"start_time"`
	EndTime         string  `db:"end_time"`
	DurationMinutes float64 `db:"duration_minutes"`
	RetryCount      int     `db:"retry_count"`
	ErrorMessage    string  `db:"error_message"`
	CommandExecuted string  `db:"command_executed"`
}

func toExecutionRow(e *core.JobExecution) executionRow {
	return executionRow{
		ExecutionID:     e.ExecutionID,
		ScheduleID:      e.ScheduleID,
		Status:          string(e.Status),
		StartTime:       core.FormatLocal(e.StartTime),
		EndTime:         core.FormatLocal(e.EndTime),
		DurationMinutes: e.DurationMinutes,
		RetryCount:      e.RetryCount,
		ErrorMessage:    e.ErrorMessage,
		CommandExecuted: e.CommandExecuted,
	}
}

func (r executionRow) toExecution() *core.JobExecution {
	parse := func(v string) time.Time {
		t, _ := core.ParseISOToLocal(v)
		return t
	}
	return &core.JobExecution{
		ExecutionID:     r.ExecutionID,
		ScheduleID:      r.ScheduleID,
		Status:          core.ExecutionStatus(r.Status),
		StartTime:       parse(r.StartTime),
		EndTime:         parse(r.EndTime),
		DurationMinutes: r.DurationMinutes,
		RetryCount:      r.RetryCount,
		ErrorMessage:    r.ErrorMessage,
		CommandExecuted: r.CommandExecuted,
	}
}

// SaveJobExecution upserts an execution by execution_id. The engine
// calls this on every state transition, so the write must be cheap.
func (s *Store) SaveJobExecution(e *core.JobExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := toExecutionRow(e)
	_, err := s.db.NamedExec(`INSERT INTO job_executions
		(execution_id, schedule_id, status, start_time, end_time, duration_minutes, retry_count, error_message, command_executed)
		VALUES (:execution_id, :schedule_id, :status, :start_time, :end_time, :duration_minutes, :retry_count, :error_message, :command_executed)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			duration_minutes = excluded.duration_minutes,
			retry_count = excluded.retry_count,
			error_message = excluded.error_message,
			command_executed = excluded.command_executed`, row)
	if err != nil {
		return core.NewError("store.SaveJobExecution", "transport", err)
	}
	return nil
}

// GetExecutionHistory returns executions newest first, optionally
// filtered by schedule.
func (s *Store) GetExecutionHistory(scheduleID string, limit int) ([]*core.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	var rows []executionRow
	var err error
	if scheduleID != "" {
		err = s.db.Select(&rows, `SELECT * FROM job_executions WHERE schedule_id = ?
			ORDER BY start_time DESC LIMIT ?`, scheduleID, limit)
	} else {
		err = s.db.Select(&rows, `SELECT * FROM job_executions
			ORDER BY start_time DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, core.NewError("store.GetExecutionHistory", "transport", err)
	}

	out := make([]*core.JobExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toExecution())
	}
	return out, nil
}

// GetRecentExecutions returns executions whose start_time falls within
// the last given number of hours, newest first.
func (s *Store) GetRecentExecutions(hours int) ([]*core.JobExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := core.EnsureLocalNaive(s.clock.Now()).Add(-time.Duration(hours) * time.Hour)

	var rows []executionRow
	err := s.db.Select(&rows, `SELECT * FROM job_executions WHERE start_time >= ?
		ORDER BY start_time DESC`, core.FormatLocal(cutoff))
	if err != nil {
		return nil, core.NewError("store.GetRecentExecutions", "transport", err)
	}

	out := make([]*core.JobExecution, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toExecution())
	}
	return out, nil
}

// GetScheduleExecutionSummary aggregates a schedule's run history.
func (s *Store) GetScheduleExecutionSummary(id string) (*core.ExecutionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	schedule, err := s.getScheduleLocked(id)
	if err != nil {
		return nil, err
	}

	var agg struct {
		Total   int     `db:"total"`
		Success int     `db:"success"`
		Failed  int     `db:"failed"`
		AvgDur  float64 `db:"avg_dur"`
		Last    string  `db:"last"`
	}
	err = s.db.Get(&agg, `SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) AS success,
			COALESCE(SUM(CASE WHEN status IN ('failed', 'missed') THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(AVG(CASE WHEN status = 'completed' THEN duration_minutes END), 0) AS avg_dur,
			COALESCE(MAX(start_time), '') AS last
		FROM job_executions WHERE schedule_id = ?`, id)
	if err != nil {
		return nil, core.NewError("store.GetScheduleExecutionSummary", "transport", err)
	}

	last, _ := core.ParseISOToLocal(agg.Last)
	summary := &core.ExecutionSummary{
		ScheduleID:         id,
		TotalExecutions:    agg.Total,
		SuccessCount:       agg.Success,
		FailedCount:        agg.Failed,
		AvgDurationMinutes: agg.AvgDur,
		LastExecution:      last,
		NextExecution:      schedule.StartTime,
	}
	if agg.Total > 0 {
		summary.SuccessRate = float64(agg.Success) / float64(agg.Total)
	}
	return summary, nil
}

// CountRunningExecutions returns how many executions for the schedule
// are currently marked running. The engine relies on this staying <= 1.
func (s *Store) CountRunningExecutions(scheduleID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM job_executions WHERE schedule_id = ? AND status = 'running'`, scheduleID)
	if err != nil {
		return 0, core.NewError("store.CountRunningExecutions", "transport", err)
	}
	return n, nil
}

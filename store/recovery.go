package store

import (
	"time"

	"github.com/evolab/labscheduler/core"
)

type recoveryRow struct {
	ID             int    `db:"id"`
	Active         int    `db:"active"`
	Note           string `db:"note"`
	ScheduleID     string `db:"schedule_id"`
	ExperimentName string `db:"experiment_name"`
	TriggeredBy    string `db:"triggered_by"`
	TriggeredAt    string `db:"triggered_at"`
	ResolvedBy     string `db:"resolved_by"`
	ResolvedAt     string `db:"resolved_at"`
}

// GetManualRecoveryState returns the singleton global pause state.
func (s *Store) GetManualRecoveryState() (*core.ManualRecoveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row recoveryRow
	if err := s.db.Get(&row, `SELECT * FROM manual_recovery_state WHERE id = 1`); err != nil {
		return nil, core.NewError("store.GetManualRecoveryState", "transport", err)
	}

	parse := func(v string) time.Time {
		t, _ := core.ParseISOToLocal(v)
		return t
	}
	return &core.ManualRecoveryState{
		Active:         row.Active != 0,
		Note:           row.Note,
		ScheduleID:     row.ScheduleID,
		ExperimentName: row.ExperimentName,
		TriggeredBy:    row.TriggeredBy,
		TriggeredAt:    parse(row.TriggeredAt),
		ResolvedBy:     row.ResolvedBy,
		ResolvedAt:     parse(row.ResolvedAt),
	}, nil
}

// SetGlobalRecovery raises the global pause outside of a schedule
// transition (e.g. an operator pressing the big red button).
func (s *Store) SetGlobalRecovery(note, scheduleID, experimentName, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	return s.setGlobalRecoveryLocked(note, scheduleID, experimentName, actor, now)
}

// ClearGlobalRecovery lifts the global pause.
func (s *Store) ClearGlobalRecovery(actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	return s.clearGlobalRecoveryLocked(actor, now)
}

func (s *Store) setGlobalRecoveryLocked(note, scheduleID, experimentName, actor string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE manual_recovery_state SET
		active = 1, note = ?, schedule_id = ?, experiment_name = ?,
		triggered_by = ?, triggered_at = ?, resolved_by = '', resolved_at = ''
		WHERE id = 1`,
		note, scheduleID, experimentName, actor, core.FormatLocal(now))
	if err != nil {
		return core.NewError("store.SetGlobalRecovery", "transport", err)
	}
	return nil
}

func (s *Store) clearGlobalRecoveryLocked(actor string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE manual_recovery_state SET
		active = 0, resolved_by = ?, resolved_at = ?
		WHERE id = 1`,
		actor, core.FormatLocal(now))
	if err != nil {
		return core.NewError("store.ClearGlobalRecovery", "transport", err)
	}
	return nil
}

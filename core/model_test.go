package core

import (
	"testing"
	"time"
)

func validSchedule() *Schedule {
	return &Schedule{
		ScheduleID:               "s-1",
		ExperimentName:           "DemoRun",
		ExperimentPath:           "C:/Methods/Demo.med",
		ScheduleType:             ScheduleOnce,
		StartTime:                time.Date(2025, 1, 1, 9, 0, 0, 0, time.Local),
		EstimatedDurationMinutes: 30,
		IsActive:                 true,
	}
}

func TestScheduleValidateOK(t *testing.T) {
	s := validSchedule()
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Default retry config is materialised, never left empty.
	if s.Retry.MaxRetries != 3 || s.Retry.BackoffStrategy != BackoffLinear {
		t.Errorf("expected default retry config, got %+v", s.Retry)
	}
}

func TestScheduleValidateIntervalRequiresHours(t *testing.T) {
	s := validSchedule()
	s.ScheduleType = ScheduleInterval
	s.IntervalHours = 0

	err := s.Validate()
	if err == nil {
		t.Fatal("expected validation failure for interval without hours")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation kind, got %v", err)
	}
}

func TestScheduleValidateCronRequiresExpression(t *testing.T) {
	s := validSchedule()
	s.ScheduleType = ScheduleCron
	s.CronExpression = ""

	if err := s.Validate(); err == nil {
		t.Fatal("expected validation failure for cron without expression")
	}
}

func TestScheduleValidateDuration(t *testing.T) {
	s := validSchedule()
	s.EstimatedDurationMinutes = 0
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation failure for zero duration")
	}
}

func TestScheduleValidateBadType(t *testing.T) {
	s := validSchedule()
	s.ScheduleType = "fortnightly"
	if err := s.Validate(); err == nil {
		t.Fatal("expected validation failure for unknown type")
	}
}

func TestScheduleValidateKeepsExplicitRetry(t *testing.T) {
	s := validSchedule()
	s.Retry = RetryConfig{MaxRetries: 1, RetryDelayMinutes: 10, BackoffStrategy: BackoffExponential}
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Retry.MaxRetries != 1 {
		t.Errorf("explicit retry config was overwritten: %+v", s.Retry)
	}
}

func TestEstimatedDurationFloor(t *testing.T) {
	s := &Schedule{EstimatedDurationMinutes: 0}
	if got := s.EstimatedDuration(); got != time.Minute {
		t.Errorf("expected 1m floor, got %v", got)
	}
	s.EstimatedDurationMinutes = 45
	if got := s.EstimatedDuration(); got != 45*time.Minute {
		t.Errorf("expected 45m, got %v", got)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusMissed, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{StatusPending, StatusQueued, StatusRunning, StatusRetrying, StatusBlocked} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestIntervalAliases(t *testing.T) {
	if ScheduleIntervalAliases["daily"] != 24 {
		t.Errorf("daily alias should be 24 hours")
	}
	if ScheduleIntervalAliases["weekly"] != 168 {
		t.Errorf("weekly alias should be 168 hours")
	}
}

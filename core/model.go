package core

import (
	"strings"
	"time"
)

// ScheduleType distinguishes one-shot, fixed-interval, and cron
// schedules.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
)

// Aliases accepted at the API boundary and normalised to interval
// schedules with synthetic hours. The alias label is not stored; a
// round-trip through the store comes back as plain "interval".
var ScheduleIntervalAliases = map[string]float64{
	"hourly": 1,
	"daily":  24,
	"weekly": 168,
}

// ExecutionStatus is the lifecycle state of one attempted run.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusQueued    ExecutionStatus = "queued"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusMissed    ExecutionStatus = "missed"
	StatusBlocked   ExecutionStatus = "blocked"
	StatusRetrying  ExecutionStatus = "retrying"
	StatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are expected.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// BackoffStrategy selects how the retry delay grows between attempts.
type BackoffStrategy string

const (
	BackoffLinear      BackoffStrategy = "linear"
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryConfig is embedded in a schedule and drives the executor's
// retry loop and the engine's failure ceiling.
type RetryConfig struct {
	MaxRetries        int             `json:"max_retries" db:"max_retries"`
	RetryDelayMinutes int             `json:"retry_delay_minutes" db:"retry_delay_minutes"`
	BackoffStrategy   BackoffStrategy `json:"backoff_strategy" db:"backoff_strategy"`
	AbortAfterHours   float64         `json:"abort_after_hours" db:"abort_after_hours"`
}

// DefaultRetryConfig is materialised at validation time when a schedule
// carries no retry configuration. The failure ceiling must never be
// derived from a nil config.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		RetryDelayMinutes: 5,
		BackoffStrategy:   BackoffLinear,
	}
}

// Schedule is the durable specification of a recurring or one-shot run.
// All timestamps are local wall-clock with no offset.
type Schedule struct {
	ScheduleID               string       `json:"schedule_id" db:"schedule_id"`
	ExperimentName           string       `json:"experiment_name" db:"experiment_name"`
	ExperimentPath           string       `json:"experiment_path" db:"experiment_path"`
	ScheduleType             ScheduleType `json:"schedule_type" db:"schedule_type"`
	IntervalHours            float64      `json:"interval_hours" db:"interval_hours"`
	CronExpression           string       `json:"cron_expression" db:"cron_expression"`
	StartTime                time.Time    `json:"start_time" db:"start_time"`
	EstimatedDurationMinutes int          `json:"estimated_duration_minutes" db:"estimated_duration_minutes"`
	IsActive                 bool         `json:"is_active" db:"is_active"`
	Retry                    RetryConfig  `json:"retry_config"`
	Prerequisites            []string     `json:"prerequisites"`
	NotificationContactIDs   []string     `json:"notification_contact_ids"`
	FailedExecutionCount     int          `json:"failed_execution_count" db:"failed_execution_count"`
	RecoveryRequired         bool         `json:"recovery_required" db:"recovery_required"`
	RecoveryNote             string       `json:"recovery_note" db:"recovery_note"`
	RecoveryMarkedAt         time.Time    `json:"recovery_marked_at" db:"recovery_marked_at"`
	RecoveryMarkedBy         string       `json:"recovery_marked_by" db:"recovery_marked_by"`
	RecoveryResolvedAt       time.Time    `json:"recovery_resolved_at" db:"recovery_resolved_at"`
	RecoveryResolvedBy       string       `json:"recovery_resolved_by" db:"recovery_resolved_by"`
	CreatedBy                string       `json:"created_by" db:"created_by"`
	CreatedAt                time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at" db:"updated_at"`
}

// EstimatedDuration returns the projected run length, never below one
// minute so the watchdog threshold is always meaningful.
func (s *Schedule) EstimatedDuration() time.Duration {
	minutes := s.EstimatedDurationMinutes
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// Validate enforces the schedule invariants that do not need store
// access. It also materialises the default retry config.
func (s *Schedule) Validate() error {
	if strings.TrimSpace(s.ExperimentName) == "" {
		return ValidationError("experiment_name", "required")
	}
	if strings.TrimSpace(s.ExperimentPath) == "" {
		return ValidationError("experiment_path", "required")
	}
	switch s.ScheduleType {
	case ScheduleOnce:
		if s.StartTime.IsZero() {
			return ValidationError("start_time", "required for once schedules")
		}
	case ScheduleInterval:
		if s.IntervalHours <= 0 {
			return ValidationError("interval_hours", "must be > 0 for interval schedules")
		}
		if s.StartTime.IsZero() {
			return ValidationError("start_time", "required for interval schedules")
		}
	case ScheduleCron:
		if strings.TrimSpace(s.CronExpression) == "" {
			return ValidationError("cron_expression", "required for cron schedules")
		}
	default:
		return ValidationError("schedule_type", "must be one of once, interval, cron")
	}
	if s.EstimatedDurationMinutes <= 0 {
		return ValidationError("estimated_duration_minutes", "must be > 0")
	}
	if s.Retry == (RetryConfig{}) {
		s.Retry = DefaultRetryConfig()
	}
	if s.Retry.MaxRetries < 0 {
		return ValidationError("retry_config.max_retries", "must be >= 0")
	}
	if s.Retry.RetryDelayMinutes < 0 {
		return ValidationError("retry_config.retry_delay_minutes", "must be >= 0")
	}
	if s.Retry.BackoffStrategy != BackoffLinear && s.Retry.BackoffStrategy != BackoffExponential {
		return ValidationError("retry_config.backoff_strategy", "must be linear or exponential")
	}
	return nil
}

// JobExecution is one attempted run of a schedule.
type JobExecution struct {
	ExecutionID     string          `json:"execution_id" db:"execution_id"`
	ScheduleID      string          `json:"schedule_id" db:"schedule_id"`
	Status          ExecutionStatus `json:"status" db:"status"`
	StartTime       time.Time       `json:"start_time" db:"start_time"`
	EndTime         time.Time       `json:"end_time" db:"end_time"`
	DurationMinutes float64         `json:"duration_minutes" db:"duration_minutes"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	ErrorMessage    string          `json:"error_message" db:"error_message"`
	CommandExecuted string          `json:"command_executed" db:"command_executed"`
}

// NotificationContact is a recipient for boundary-event emails.
type NotificationContact struct {
	ContactID    string    `json:"contact_id" db:"contact_id"`
	DisplayName  string    `json:"display_name" db:"display_name"`
	EmailAddress string    `json:"email_address" db:"email_address"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// EventType tags a notification with the boundary event that caused it.
type EventType string

const (
	EventAborted                EventType = "aborted"
	EventLongRunning            EventType = "long_running"
	EventManualRecoveryRequired EventType = "manual_recovery_required"
	EventManualRecoveryCleared  EventType = "manual_recovery_cleared"
	EventTest                   EventType = "test"
)

// NotificationStatus is the delivery state of one log entry.
type NotificationStatus string

const (
	NotifyPending NotificationStatus = "pending"
	NotifySent    NotificationStatus = "sent"
	NotifyError   NotificationStatus = "error"
)

// NotificationLogEntry records one dispatch attempt. The unique pair
// (execution_id, event_type) enforces at-most-once delivery per
// execution and event.
type NotificationLogEntry struct {
	LogID        string             `json:"log_id" db:"log_id"`
	ScheduleID   string             `json:"schedule_id" db:"schedule_id"`
	ExecutionID  string             `json:"execution_id" db:"execution_id"`
	EventType    EventType          `json:"event_type" db:"event_type"`
	Status       NotificationStatus `json:"status" db:"status"`
	Recipients   []string           `json:"recipients"`
	Subject      string             `json:"subject" db:"subject"`
	Message      string             `json:"message" db:"message"`
	ErrorMessage string             `json:"error_message" db:"error_message"`
	TriggeredAt  time.Time          `json:"triggered_at" db:"triggered_at"`
	ProcessedAt  time.Time          `json:"processed_at" db:"processed_at"`
	Metadata     map[string]string  `json:"metadata"`
}

// NotificationSettings is the singleton SMTP configuration row. The
// password is held as an opaque machine-scoped cipher blob and never
// leaves the store in the clear.
type NotificationSettings struct {
	SMTPHost                 string    `json:"smtp_host" db:"smtp_host"`
	SMTPPort                 int       `json:"smtp_port" db:"smtp_port"`
	SMTPUsername             string    `json:"smtp_username" db:"smtp_username"`
	SMTPPasswordEncrypted    []byte    `json:"-" db:"smtp_password_encrypted"`
	SenderAddress            string    `json:"sender_address" db:"sender_address"`
	UseTLS                   bool      `json:"use_tls" db:"use_tls"`
	UseSSL                   bool      `json:"use_ssl" db:"use_ssl"`
	ManualRecoveryRecipients []string  `json:"manual_recovery_recipients"`
	UpdatedBy                string    `json:"updated_by" db:"updated_by"`
	UpdatedAt                time.Time `json:"updated_at" db:"updated_at"`
}

// ManualRecoveryState is the singleton global pause flag. While active,
// the engine dispatches nothing.
type ManualRecoveryState struct {
	Active         bool      `json:"active" db:"active"`
	Note           string    `json:"note" db:"note"`
	ScheduleID     string    `json:"schedule_id" db:"schedule_id"`
	ExperimentName string    `json:"experiment_name" db:"experiment_name"`
	TriggeredBy    string    `json:"triggered_by" db:"triggered_by"`
	TriggeredAt    time.Time `json:"triggered_at" db:"triggered_at"`
	ResolvedBy     string    `json:"resolved_by" db:"resolved_by"`
	ResolvedAt     time.Time `json:"resolved_at" db:"resolved_at"`
}

// ExecutionSummary aggregates a schedule's run history for the API.
type ExecutionSummary struct {
	ScheduleID         string    `json:"schedule_id"`
	TotalExecutions    int       `json:"total_executions"`
	SuccessCount       int       `json:"success_count"`
	FailedCount        int       `json:"failed_count"`
	AvgDurationMinutes float64   `json:"avg_duration_minutes"`
	LastExecution      time.Time `json:"last_execution"`
	NextExecution      time.Time `json:"next_execution"`
	SuccessRate        float64   `json:"success_rate"`
}

package api

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/evolab/labscheduler/core"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateScheduleRequest is the typed input for CreateSchedule. Times
// travel as local-naive ISO strings, matching the store serialisation.
type CreateScheduleRequest struct {
	ExperimentName           string            `json:"experiment_name" validate:"required"`
	ExperimentPath           string            `json:"experiment_path" validate:"required"`
	ScheduleType             string            `json:"schedule_type" validate:"required"`
	IntervalHours            float64           `json:"interval_hours" validate:"gte=0"`
	CronExpression           string            `json:"cron_expression"`
	StartTime                string            `json:"start_time"`
	EstimatedDurationMinutes int               `json:"estimated_duration_minutes" validate:"gt=0"`
	Retry                    *core.RetryConfig `json:"retry_config"`
	Prerequisites            []string          `json:"prerequisites"`
	NotificationContactIDs   []string          `json:"notification_contact_ids"`
	CreatedBy                string            `json:"created_by"`
}

// UpdateScheduleRequest carries the full desired state plus the
// optimistic-concurrency token read earlier.
type UpdateScheduleRequest struct {
	ExperimentName           string            `json:"experiment_name" validate:"required"`
	ExperimentPath           string            `json:"experiment_path" validate:"required"`
	ScheduleType             string            `json:"schedule_type" validate:"required"`
	IntervalHours            float64           `json:"interval_hours" validate:"gte=0"`
	CronExpression           string            `json:"cron_expression"`
	StartTime                string            `json:"start_time"`
	EstimatedDurationMinutes int               `json:"estimated_duration_minutes" validate:"gt=0"`
	IsActive                 bool              `json:"is_active"`
	Retry                    *core.RetryConfig `json:"retry_config"`
	Prerequisites            []string          `json:"prerequisites"`
	NotificationContactIDs   []string          `json:"notification_contact_ids"`
	ExpectedUpdatedAt        string            `json:"expected_updated_at" validate:"required"`
}

// ContactRequest creates or updates a notification contact.
type ContactRequest struct {
	DisplayName       string `json:"display_name" validate:"required"`
	EmailAddress      string `json:"email_address" validate:"required,email"`
	IsActive          bool   `json:"is_active"`
	ExpectedUpdatedAt string `json:"expected_updated_at"`
}

// SettingsRequest updates the singleton SMTP settings. Password empty
// means "keep the stored one".
type SettingsRequest struct {
	SMTPHost                 string   `json:"smtp_host" validate:"required"`
	SMTPPort                 int      `json:"smtp_port" validate:"gt=0,lte=65535"`
	SMTPUsername             string   `json:"smtp_username"`
	Password                 string   `json:"password"`
	SenderAddress            string   `json:"sender_address" validate:"omitempty,email"`
	UseTLS                   bool     `json:"use_tls"`
	UseSSL                   bool     `json:"use_ssl"`
	ManualRecoveryRecipients []string `json:"manual_recovery_recipients" validate:"dive,email"`
	UpdatedBy                string   `json:"updated_by"`
}

// LogQuery filters the notification log listing.
type LogQuery struct {
	ScheduleID string `json:"schedule_id"`
	EventType  string `json:"event_type"`
	Status     string `json:"status"`
	Limit      int    `json:"limit"`
}

// validateStruct runs the tag rules and converts the first failure into
// the shared field-level validation error shape.
func validateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	if invalid, ok := err.(*validator.InvalidValidationError); ok {
		return core.NewError("api.validate", "internal", invalid)
	}
	for _, fe := range err.(validator.ValidationErrors) {
		return core.ValidationError(strings.ToLower(fe.Field()), "failed rule "+fe.Tag())
	}
	return err
}

// normalizeScheduleType resolves interval aliases. The alias is not
// stored; hourly/daily/weekly become plain interval schedules.
func normalizeScheduleType(scheduleType string, intervalHours float64) (core.ScheduleType, float64, error) {
	st := strings.ToLower(strings.TrimSpace(scheduleType))
	if hours, ok := core.ScheduleIntervalAliases[st]; ok {
		return core.ScheduleInterval, hours, nil
	}
	switch core.ScheduleType(st) {
	case core.ScheduleOnce, core.ScheduleInterval, core.ScheduleCron:
		return core.ScheduleType(st), intervalHours, nil
	}
	return "", 0, core.ValidationError("schedule_type",
		"must be once, interval, cron, hourly, daily, or weekly")
}

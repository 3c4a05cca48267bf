// Package api is the typed service facade over the scheduler core: any
// caller (HTTP handler, CLI, test) goes through it rather than touching
// the store or engine directly. Every write takes the expected
// updated_at token read earlier; a stale token comes back as a conflict.
package api

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/evolab/labscheduler/core"
	"github.com/evolab/labscheduler/notify"
	"github.com/evolab/labscheduler/queue"
	"github.com/evolab/labscheduler/scheduler"
	"github.com/evolab/labscheduler/store"
)

// SchedulerControl is the engine surface exposed to API callers.
type SchedulerControl interface {
	Start() error
	Stop() error
	Status() scheduler.Status
	StopExperiment(scheduleID string)
}

// Notifier extends the engine's sender with the operations only the
// API uses.
type Notifier interface {
	core.NotificationSender
	SendTest(ctx context.Context, recipient string) error
	Refresh()
}

// ConflictChecker is the queue surface used by CheckConflicts.
type ConflictChecker interface {
	DetectSchedulingConflicts(schedules []*core.Schedule) map[string][]queue.Conflict
	SuggestAlternatives(schedule *core.Schedule) []time.Time
}

// Service bundles the store, engine, queue, and dispatcher behind one
// typed surface.
type Service struct {
	store     *store.Store
	control   SchedulerControl
	notifier  Notifier
	conflicts ConflictChecker
	clock     core.Clock
	logger    core.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(clock core.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the service logger.
func WithLogger(logger core.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithConflictChecker wires the admission queue for CheckConflicts.
func WithConflictChecker(c ConflictChecker) Option {
	return func(s *Service) { s.conflicts = c }
}

// New assembles the facade.
func New(st *store.Store, control SchedulerControl, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		store:    st,
		control:  control,
		notifier: notifier,
		clock:    core.SystemClock{},
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Schedules ---

// CreateSchedule validates and persists a new schedule.
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*core.Schedule, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	scheduleType, intervalHours, err := normalizeScheduleType(req.ScheduleType, req.IntervalHours)
	if err != nil {
		return nil, err
	}

	schedule := &core.Schedule{
		ScheduleID:               uuid.NewString(),
		ExperimentName:           req.ExperimentName,
		ExperimentPath:           req.ExperimentPath,
		ScheduleType:             scheduleType,
		IntervalHours:            intervalHours,
		CronExpression:           req.CronExpression,
		EstimatedDurationMinutes: req.EstimatedDurationMinutes,
		IsActive:                 true,
		Prerequisites:            req.Prerequisites,
		NotificationContactIDs:   req.NotificationContactIDs,
		CreatedBy:                req.CreatedBy,
	}
	if req.Retry != nil {
		schedule.Retry = *req.Retry
	}
	if req.StartTime != "" {
		start, err := core.ParseISOToLocal(req.StartTime)
		if err != nil {
			return nil, core.ValidationError("start_time", err.Error())
		}
		schedule.StartTime = start
	}
	if scheduleType == core.ScheduleCron {
		if err := scheduler.ValidateCronExpression(req.CronExpression); err != nil {
			return nil, core.ValidationError("cron_expression", err.Error())
		}
	}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateSchedule(schedule); err != nil {
		return nil, err
	}
	s.logger.Info("schedule created", map[string]interface{}{
		"schedule_id": schedule.ScheduleID,
		"experiment":  schedule.ExperimentName,
	})
	return schedule, nil
}

// ListSchedules returns all schedules, optionally active only.
func (s *Service) ListSchedules(ctx context.Context, activeOnly bool) ([]*core.Schedule, error) {
	if activeOnly {
		return s.store.ListActiveSchedules()
	}
	return s.store.ListSchedules()
}

// GetSchedule returns one schedule.
func (s *Service) GetSchedule(ctx context.Context, id string) (*core.Schedule, error) {
	return s.store.GetSchedule(id)
}

// UpdateSchedule applies the full desired state under the token.
func (s *Service) UpdateSchedule(ctx context.Context, id string, req UpdateScheduleRequest) (*core.Schedule, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	scheduleType, intervalHours, err := normalizeScheduleType(req.ScheduleType, req.IntervalHours)
	if err != nil {
		return nil, err
	}
	expected, err := core.ParseISOToLocal(req.ExpectedUpdatedAt)
	if err != nil {
		return nil, core.ValidationError("expected_updated_at", err.Error())
	}

	current, err := s.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}

	current.ExperimentName = req.ExperimentName
	current.ExperimentPath = req.ExperimentPath
	current.ScheduleType = scheduleType
	current.IntervalHours = intervalHours
	current.CronExpression = req.CronExpression
	current.EstimatedDurationMinutes = req.EstimatedDurationMinutes
	current.IsActive = req.IsActive
	current.Prerequisites = req.Prerequisites
	current.NotificationContactIDs = req.NotificationContactIDs
	if req.Retry != nil {
		current.Retry = *req.Retry
	}
	if req.StartTime != "" {
		start, err := core.ParseISOToLocal(req.StartTime)
		if err != nil {
			return nil, core.ValidationError("start_time", err.Error())
		}
		current.StartTime = start
	}
	if scheduleType == core.ScheduleCron {
		if err := scheduler.ValidateCronExpression(req.CronExpression); err != nil {
			return nil, core.ValidationError("cron_expression", err.Error())
		}
	}
	if err := current.Validate(); err != nil {
		return nil, err
	}
	return s.store.UpdateSchedule(current, expected)
}

// DeleteSchedule removes a schedule under the token.
func (s *Service) DeleteSchedule(ctx context.Context, id, expectedUpdatedAt string) error {
	expected, err := core.ParseISOToLocal(expectedUpdatedAt)
	if err != nil {
		return core.ValidationError("expected_updated_at", err.Error())
	}
	return s.store.DeleteSchedule(id, expected)
}

// RecoveryResult pairs the updated schedule with the global state.
type RecoveryResult struct {
	Schedule *core.Schedule            `json:"schedule"`
	Global   *core.ManualRecoveryState `json:"global_state"`
}

// MarkRecoveryRequired flags a schedule for manual recovery, pausing
// all scheduling, and notifies the recovery recipients.
func (s *Service) MarkRecoveryRequired(ctx context.Context, id, note, actor string) (*RecoveryResult, error) {
	schedule, err := s.store.MarkRecoveryRequired(id, note, actor)
	if err != nil {
		return nil, err
	}
	if err := s.notifier.NotifyRecoveryRequired(ctx, schedule, note, actor); err != nil {
		s.logger.Warn("recovery notification failed", map[string]interface{}{"error": err.Error()})
	}
	global, err := s.store.GetManualRecoveryState()
	if err != nil {
		return nil, err
	}
	return &RecoveryResult{Schedule: schedule, Global: global}, nil
}

// ResolveRecoveryRequired clears the flag and resumes scheduling.
func (s *Service) ResolveRecoveryRequired(ctx context.Context, id, note, actor string) (*RecoveryResult, error) {
	schedule, err := s.store.ResolveRecoveryRequired(id, note, actor)
	if err != nil {
		return nil, err
	}
	if err := s.notifier.NotifyRecoveryCleared(ctx, schedule, note, actor); err != nil {
		s.logger.Warn("recovery notification failed", map[string]interface{}{"error": err.Error()})
	}
	global, err := s.store.GetManualRecoveryState()
	if err != nil {
		return nil, err
	}
	return &RecoveryResult{Schedule: schedule, Global: global}, nil
}

// ListUpcoming returns active schedules firing within the window,
// soonest first. hoursAhead is clamped to [1, 168].
func (s *Service) ListUpcoming(ctx context.Context, hoursAhead int) ([]*core.Schedule, error) {
	if hoursAhead < 1 || hoursAhead > 168 {
		return nil, core.ValidationError("hours_ahead", "must be between 1 and 168")
	}
	schedules, err := s.store.ListActiveSchedules()
	if err != nil {
		return nil, err
	}
	now := core.EnsureLocalNaive(s.clock.Now())
	horizon := now.Add(time.Duration(hoursAhead) * time.Hour)

	var out []*core.Schedule
	for _, sch := range schedules {
		if sch.StartTime.IsZero() || sch.StartTime.Before(now) || sch.StartTime.After(horizon) {
			continue
		}
		out = append(out, sch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// CheckConflicts analyses schedule drafts against queued and running
// work and against each other.
func (s *Service) CheckConflicts(ctx context.Context, drafts []*core.Schedule) (map[string][]queue.Conflict, error) {
	if s.conflicts == nil {
		return map[string][]queue.Conflict{}, nil
	}
	return s.conflicts.DetectSchedulingConflicts(drafts), nil
}

// --- Scheduler control ---

// StartScheduler launches the engine loop.
func (s *Service) StartScheduler(ctx context.Context) error { return s.control.Start() }

// StopScheduler stops the loop, letting in-flight runs finish.
func (s *Service) StopScheduler(ctx context.Context) error { return s.control.Stop() }

// GetSchedulerStatus returns the engine snapshot.
func (s *Service) GetSchedulerStatus(ctx context.Context) scheduler.Status {
	return s.control.Status()
}

// StopExperiment drains one schedule's in-flight vendor run.
func (s *Service) StopExperiment(ctx context.Context, scheduleID string) {
	s.control.StopExperiment(scheduleID)
}

// --- Contacts ---

// CreateContact adds a notification recipient.
func (s *Service) CreateContact(ctx context.Context, req ContactRequest) (*core.NotificationContact, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	contact := &core.NotificationContact{
		ContactID:    uuid.NewString(),
		DisplayName:  req.DisplayName,
		EmailAddress: req.EmailAddress,
		IsActive:     req.IsActive,
	}
	if err := s.store.CreateContact(contact); err != nil {
		return nil, err
	}
	return contact, nil
}

// ListContacts returns all contacts.
func (s *Service) ListContacts(ctx context.Context) ([]*core.NotificationContact, error) {
	return s.store.ListContacts()
}

// UpdateContact rewrites a contact under the token.
func (s *Service) UpdateContact(ctx context.Context, id string, req ContactRequest) (*core.NotificationContact, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	var expected time.Time
	if req.ExpectedUpdatedAt != "" {
		t, err := core.ParseISOToLocal(req.ExpectedUpdatedAt)
		if err != nil {
			return nil, core.ValidationError("expected_updated_at", err.Error())
		}
		expected = t
	}
	contact := &core.NotificationContact{
		ContactID:    id,
		DisplayName:  req.DisplayName,
		EmailAddress: req.EmailAddress,
		IsActive:     req.IsActive,
	}
	return s.store.UpdateContact(contact, expected)
}

// DeleteContact removes a contact.
func (s *Service) DeleteContact(ctx context.Context, id string) error {
	return s.store.DeleteContact(id)
}

// --- Notification log and settings ---

// GetNotificationLogs lists dispatch attempts, newest first. Limit must
// be in [1, 200]; there is no default, out-of-range values fail.
func (s *Service) GetNotificationLogs(ctx context.Context, q LogQuery) ([]*core.NotificationLogEntry, error) {
	if q.Limit < 1 || q.Limit > 200 {
		return nil, core.ValidationError("limit", "must be between 1 and 200")
	}
	return s.store.GetNotificationLogs(store.NotificationLogFilter{
		ScheduleID: q.ScheduleID,
		EventType:  core.EventType(q.EventType),
		Status:     core.NotificationStatus(q.Status),
		Limit:      q.Limit,
	})
}

// GetNotificationSettings returns the SMTP settings with the password
// blob stripped. The password never leaves the process.
func (s *Service) GetNotificationSettings(ctx context.Context) (*core.NotificationSettings, error) {
	settings, err := s.store.GetNotificationSettings()
	if err != nil {
		return nil, err
	}
	settings.SMTPPasswordEncrypted = nil
	return settings, nil
}

// UpdateNotificationSettings writes the SMTP settings and refreshes the
// dispatcher cache. An empty password keeps the stored one.
func (s *Service) UpdateNotificationSettings(ctx context.Context, req SettingsRequest) error {
	if err := validateStruct(req); err != nil {
		return err
	}
	settings := &core.NotificationSettings{
		SMTPHost:                 req.SMTPHost,
		SMTPPort:                 req.SMTPPort,
		SMTPUsername:             req.SMTPUsername,
		SenderAddress:            req.SenderAddress,
		UseTLS:                   req.UseTLS,
		UseSSL:                   req.UseSSL,
		ManualRecoveryRecipients: req.ManualRecoveryRecipients,
		UpdatedBy:                req.UpdatedBy,
	}
	if req.Password != "" {
		blob, err := notify.EncryptPassword(req.Password)
		if err != nil {
			return core.NewError("api.UpdateNotificationSettings", "internal", err)
		}
		settings.SMTPPasswordEncrypted = blob
	}
	if err := s.store.UpdateNotificationSettings(settings); err != nil {
		return err
	}
	s.notifier.Refresh()
	return nil
}

// SendTestNotification delivers a test email to one recipient.
func (s *Service) SendTestNotification(ctx context.Context, recipient string) error {
	if recipient == "" {
		return core.ValidationError("recipient", "required")
	}
	return s.notifier.SendTest(ctx, recipient)
}

// --- Executions ---

// GetExecutionHistory returns a schedule's runs, newest first.
func (s *Service) GetExecutionHistory(ctx context.Context, scheduleID string, limit int) ([]*core.JobExecution, error) {
	return s.store.GetExecutionHistory(scheduleID, limit)
}

// GetExecutionSummary aggregates a schedule's run history.
func (s *Service) GetExecutionSummary(ctx context.Context, scheduleID string) (*core.ExecutionSummary, error) {
	return s.store.GetScheduleExecutionSummary(scheduleID)
}

// GetRecentExecutions returns executions started within the window.
// hours is bounded to [1, 168].
func (s *Service) GetRecentExecutions(ctx context.Context, hours int) ([]*core.JobExecution, error) {
	if hours < 1 || hours > 168 {
		return nil, core.ValidationError("hours", "must be between 1 and 168")
	}
	return s.store.GetRecentExecutions(hours)
}

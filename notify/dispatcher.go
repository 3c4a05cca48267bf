// Package notify implements the event-typed notification dispatcher:
// at-most-once email per (execution, event), enforced through the
// store's notification log before any SMTP traffic happens.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evolab/labscheduler/core"
)

// Store is the slice of the persistence layer the dispatcher needs.
type Store interface {
	GetNotificationSettings() (*core.NotificationSettings, error)
	ListContacts() ([]*core.NotificationContact, error)
	NotificationLogExists(executionID string, eventType core.EventType) (bool, error)
	CreateNotificationLog(e *core.NotificationLogEntry) error
	UpdateNotificationLog(logID string, status core.NotificationStatus, errorMessage string) error
}

// Dispatcher resolves recipients, writes the dedupe log row, and hands
// the message to the mailer. It implements core.NotificationSender.
type Dispatcher struct {
	store  Store
	mailer Mailer
	clock  core.Clock
	logger core.Logger

	mu       sync.Mutex
	settings *core.NotificationSettings
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMailer replaces the SMTP mailer.
func WithMailer(m Mailer) Option {
	return func(d *Dispatcher) { d.mailer = m }
}

// WithClock injects the time source.
func WithClock(clock core.Clock) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(logger core.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// NewDispatcher creates a dispatcher reading settings and contacts from
// the store. Settings are loaded lazily and cached until Refresh.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:  store,
		mailer: &SMTPMailer{},
		clock:  core.SystemClock{},
		logger: &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Refresh drops the cached SMTP settings so the next dispatch reloads
// them. Called by the API after a settings update.
func (d *Dispatcher) Refresh() {
	d.mu.Lock()
	d.settings = nil
	d.mu.Unlock()
	d.logger.Debug("notification settings cache invalidated", nil)
}

func (d *Dispatcher) currentSettings() (*core.NotificationSettings, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settings != nil {
		return d.settings, nil
	}
	settings, err := d.store.GetNotificationSettings()
	if err != nil {
		return nil, err
	}
	d.settings = settings
	return settings, nil
}

// NotifyAborted emits the aborted event for a failed execution.
func (d *Dispatcher) NotifyAborted(ctx context.Context, schedule *core.Schedule, execution *core.JobExecution, reason string) error {
	now := core.EnsureLocalNaive(d.clock.Now())
	subject, body := abortedMessage(schedule, execution, reason, now)
	return d.dispatch(schedule, execution, core.EventAborted, subject, body, map[string]string{
		"reason": reason,
	}, nil)
}

// NotifyLongRunning emits the overrun warning. The engine's watch set
// already limits it to once per execution, and the log dedupe backs
// that up.
func (d *Dispatcher) NotifyLongRunning(ctx context.Context, schedule *core.Schedule, execution *core.JobExecution, elapsed, expected time.Duration) error {
	now := core.EnsureLocalNaive(d.clock.Now())
	subject, body := longRunningMessage(schedule, execution, elapsed, expected, now)
	return d.dispatch(schedule, execution, core.EventLongRunning, subject, body, map[string]string{
		"elapsed_minutes":  fmt.Sprintf("%.0f", elapsed.Minutes()),
		"expected_minutes": fmt.Sprintf("%.0f", expected.Minutes()),
	}, nil)
}

// NotifyRecoveryRequired announces a manual-recovery transition. The
// settings' dedicated recipient list is added on top of the schedule's
// contacts.
func (d *Dispatcher) NotifyRecoveryRequired(ctx context.Context, schedule *core.Schedule, note, actor string) error {
	now := core.EnsureLocalNaive(d.clock.Now())
	subject, body := recoveryRequiredMessage(schedule, note, actor, now)
	return d.dispatch(schedule, nil, core.EventManualRecoveryRequired, subject, body, map[string]string{
		"note":  note,
		"actor": actor,
	}, d.recoveryRecipients())
}

// NotifyRecoveryCleared announces the recovery flag being resolved.
func (d *Dispatcher) NotifyRecoveryCleared(ctx context.Context, schedule *core.Schedule, note, actor string) error {
	now := core.EnsureLocalNaive(d.clock.Now())
	subject, body := recoveryClearedMessage(schedule, note, actor, now)
	return d.dispatch(schedule, nil, core.EventManualRecoveryCleared, subject, body, map[string]string{
		"note":  note,
		"actor": actor,
	}, d.recoveryRecipients())
}

// SendTest delivers a test message to one recipient, bypassing contact
// resolution. A log row is written so the attempt is auditable.
func (d *Dispatcher) SendTest(ctx context.Context, recipient string) error {
	now := core.EnsureLocalNaive(d.clock.Now())
	subject, body := testMessage(now)

	entry := &core.NotificationLogEntry{
		LogID:       uuid.NewString(),
		EventType:   core.EventTest,
		Status:      core.NotifyPending,
		Recipients:  []string{recipient},
		Subject:     subject,
		Message:     body,
		TriggeredAt: now,
	}
	if err := d.store.CreateNotificationLog(entry); err != nil {
		return err
	}
	return d.send(entry, []string{recipient}, subject, body)
}

func (d *Dispatcher) recoveryRecipients() []string {
	settings, err := d.currentSettings()
	if err != nil {
		return nil
	}
	return settings.ManualRecoveryRecipients
}

// dispatch runs the shared procedure: resolve contacts, dedupe, insert
// the pending row, send, record the outcome.
func (d *Dispatcher) dispatch(schedule *core.Schedule, execution *core.JobExecution,
	event core.EventType, subject, body string, metadata map[string]string, extraRecipients []string) error {

	recipients, missing := d.resolveContacts(schedule.NotificationContactIDs)
	recipients = mergeRecipients(recipients, extraRecipients)
	if len(recipients) == 0 {
		d.logger.Debug("no active recipients, skipping notification", map[string]interface{}{
			"schedule_id": schedule.ScheduleID,
			"event":       string(event),
		})
		return nil
	}
	if metadata == nil {
		metadata = map[string]string{}
	}
	if len(missing) > 0 {
		metadata["missing_contacts"] = strings.Join(missing, ",")
	}

	executionID := ""
	if execution != nil {
		executionID = execution.ExecutionID
	}

	if executionID != "" {
		exists, err := d.store.NotificationLogExists(executionID, event)
		if err != nil {
			return err
		}
		if exists {
			d.logger.Debug("notification already handled", map[string]interface{}{
				"execution_id": executionID,
				"event":        string(event),
			})
			return nil
		}
	}

	entry := &core.NotificationLogEntry{
		LogID:       uuid.NewString(),
		ScheduleID:  schedule.ScheduleID,
		ExecutionID: executionID,
		EventType:   event,
		Status:      core.NotifyPending,
		Recipients:  recipients,
		Subject:     subject,
		Message:     body,
		TriggeredAt: core.EnsureLocalNaive(d.clock.Now()),
		Metadata:    metadata,
	}
	if err := d.store.CreateNotificationLog(entry); err != nil {
		// A concurrent dispatch won the unique-index race.
		if core.IsConflict(err) {
			return nil
		}
		return err
	}

	return d.send(entry, recipients, subject, body)
}

func (d *Dispatcher) send(entry *core.NotificationLogEntry, recipients []string, subject, body string) error {
	settings, err := d.currentSettings()
	if err != nil {
		_ = d.store.UpdateNotificationLog(entry.LogID, core.NotifyError, err.Error())
		return err
	}

	password, err := DecryptPassword(settings.SMTPPasswordEncrypted)
	if err != nil {
		_ = d.store.UpdateNotificationLog(entry.LogID, core.NotifyError, err.Error())
		return err
	}

	if err := d.mailer.Send(settings, password, recipients, subject, body); err != nil {
		d.logger.Error("notification send failed", map[string]interface{}{
			"log_id": entry.LogID,
			"event":  string(entry.EventType),
			"error":  err.Error(),
		})
		_ = d.store.UpdateNotificationLog(entry.LogID, core.NotifyError, err.Error())
		return err
	}

	d.logger.Info("notification sent", map[string]interface{}{
		"log_id":     entry.LogID,
		"event":      string(entry.EventType),
		"recipients": len(recipients),
	})
	return d.store.UpdateNotificationLog(entry.LogID, core.NotifySent, "")
}

// resolveContacts maps contact ids to active email addresses and
// reports ids that no longer resolve.
func (d *Dispatcher) resolveContacts(ids []string) (recipients, missing []string) {
	if len(ids) == 0 {
		return nil, nil
	}
	contacts, err := d.store.ListContacts()
	if err != nil {
		d.logger.Warn("contact lookup failed", map[string]interface{}{"error": err.Error()})
		return nil, ids
	}
	byID := make(map[string]*core.NotificationContact, len(contacts))
	for _, c := range contacts {
		byID[c.ContactID] = c
	}
	for _, id := range ids {
		c, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if c.IsActive {
			recipients = append(recipients, c.EmailAddress)
		}
	}
	return recipients, missing
}

func mergeRecipients(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	var out []string
	for _, r := range append(base, extra...) {
		r = strings.TrimSpace(r)
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

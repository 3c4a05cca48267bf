package store

import (
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/evolab/labscheduler/core"
)

type notificationLogRow struct {
	LogID        string `db:"log_id"`
	ScheduleID   string `db:"schedule_id"`
	ExecutionID  string `db:"execution_id"`
	EventType    string `db:"event_type"`
	Status       string `db:"status"`
	Recipients   string `db:"recipients"`
	Subject      string `db:"subject"`
	Message      string `db:"message"`
	ErrorMessage string `db:"error_message"`
	TriggeredAt  string `db:"triggered_at"`
	ProcessedAt  string `db:"processed_at"`
	Metadata     string `db:"metadata"`
}

func (r notificationLogRow) toEntry() *core.NotificationLogEntry {
	parse := func(v string) time.Time {
		t, _ := core.ParseISOToLocal(v)
		return t
	}
	return &core.NotificationLogEntry{
		LogID:        r.LogID,
		ScheduleID:   r.ScheduleID,
		ExecutionID:  r.ExecutionID,
		EventType:    core.EventType(r.EventType),
		Status:       core.NotificationStatus(r.Status),
		Recipients:   unmarshalStrings(r.Recipients),
		Subject:      r.Subject,
		Message:      r.Message,
		ErrorMessage: r.ErrorMessage,
		TriggeredAt:  parse(r.TriggeredAt),
		ProcessedAt:  parse(r.ProcessedAt),
		Metadata:     unmarshalStringMap(r.Metadata),
	}
}

// NotificationLogExists reports whether a log row already exists for
// the (execution_id, event_type) pair. The dispatcher refuses a second
// send when this returns true.
func (s *Store) NotificationLogExists(executionID string, eventType core.EventType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.Get(&n, `SELECT COUNT(*) FROM notification_log WHERE execution_id = ? AND event_type = ?`,
		executionID, string(eventType))
	if err != nil {
		return false, core.NewError("store.NotificationLogExists", "transport", err)
	}
	return n > 0, nil
}

// CreateNotificationLog inserts a pending log row. The unique index on
// (execution_id, event_type) makes a duplicate insert fail, which the
// dispatcher treats as "already handled".
func (s *Store) CreateNotificationLog(e *core.NotificationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	}

	_, err := s.db.Exec(`INSERT INTO notification_log
		(log_id, schedule_id, execution_id, event_type, status, recipients, subject, message, error_message, triggered_at, processed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LogID, e.ScheduleID, e.ExecutionID, string(e.EventType), string(e.Status),
		marshalStrings(e.Recipients), e.Subject, e.Message, e.ErrorMessage,
		core.FormatLocal(e.TriggeredAt), core.FormatLocal(e.ProcessedAt), marshalStringMap(e.Metadata))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "unique") {
			return core.NewError("store.CreateNotificationLog", "conflict", core.ErrUpdateConflict)
		}
		return core.NewError("store.CreateNotificationLog", "transport", err)
	}
	return nil
}

// UpdateNotificationLog records the delivery outcome of a log row.
func (s *Store) UpdateNotificationLog(logID string, status core.NotificationStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	res, err := s.db.Exec(`UPDATE notification_log SET status = ?, error_message = ?, processed_at = ? WHERE log_id = ?`,
		string(status), errorMessage, core.FormatLocal(now), logID)
	if err != nil {
		return core.NewError("store.UpdateNotificationLog", "transport", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.NewError("store.UpdateNotificationLog", "not_found", core.ErrExecutionNotFound)
	}
	return nil
}

// NotificationLogFilter narrows GetNotificationLogs. Zero values mean
// "no filter".
type NotificationLogFilter struct {
	ScheduleID string
	EventType  core.EventType
	Status     core.NotificationStatus
	Limit      int
}

// GetNotificationLogs returns log entries newest first.
func (s *Store) GetNotificationLogs(filter NotificationLogFilter) ([]*core.NotificationLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT * FROM notification_log`
	var clauses []string
	var args []interface{}
	if filter.ScheduleID != "" {
		clauses = append(clauses, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, string(filter.EventType))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY triggered_at DESC LIMIT ?"
	args = append(args, limit)

	var rows []notificationLogRow
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, core.NewError("store.GetNotificationLogs", "transport", err)
	}

	out := make([]*core.NotificationLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEntry())
	}
	return out, nil
}

type settingsRow struct {
	ID                       int    `db:"id"`
	SMTPHost                 string `db:"smtp_host"`
	SMTPPort                 int    `db:"smtp_port"`
	SMTPUsername             string `db:"smtp_username"`
	SMTPPasswordEncrypted    []byte `db:"smtp_password_encrypted"`
	SenderAddress            string `db:"sender_address"`
	UseTLS                   int    `db:"use_tls"`
	UseSSL                   int    `db:"use_ssl"`
	ManualRecoveryRecipients string `db:"manual_recovery_recipients"`
	UpdatedBy                string `db:"updated_by"`
	UpdatedAt                string `db:"updated_at"`
}

// GetNotificationSettings returns the singleton SMTP configuration.
func (s *Store) GetNotificationSettings() (*core.NotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var row settingsRow
	err := s.db.Get(&row, `SELECT * FROM notification_settings WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotificationSettings{SMTPPort: 587}, nil
	}
	if err != nil {
		return nil, core.NewError("store.GetNotificationSettings", "transport", err)
	}

	updatedAt, _ := core.ParseISOToLocal(row.UpdatedAt)
	return &core.NotificationSettings{
		SMTPHost:                 row.SMTPHost,
		SMTPPort:                 row.SMTPPort,
		SMTPUsername:             row.SMTPUsername,
		SMTPPasswordEncrypted:    row.SMTPPasswordEncrypted,
		SenderAddress:            row.SenderAddress,
		UseTLS:                   row.UseTLS != 0,
		UseSSL:                   row.UseSSL != 0,
		ManualRecoveryRecipients: unmarshalStrings(row.ManualRecoveryRecipients),
		UpdatedBy:                row.UpdatedBy,
		UpdatedAt:                updatedAt,
	}, nil
}

// UpdateNotificationSettings writes the singleton SMTP configuration.
// A nil password blob keeps the stored one, so the API can update
// everything else without re-entering the password.
func (s *Store) UpdateNotificationSettings(settings *core.NotificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := core.EnsureLocalNaive(s.clock.Now()).Truncate(time.Second)
	settings.UpdatedAt = now

	if settings.SMTPPasswordEncrypted == nil {
		_, err := s.db.Exec(`UPDATE notification_settings SET
			smtp_host = ?, smtp_port = ?, smtp_username = ?, sender_address = ?,
			use_tls = ?, use_ssl = ?, manual_recovery_recipients = ?, updated_by = ?, updated_at = ?
			WHERE id = 1`,
			settings.SMTPHost, settings.SMTPPort, settings.SMTPUsername, settings.SenderAddress,
			boolToInt(settings.UseTLS), boolToInt(settings.UseSSL),
			marshalStrings(settings.ManualRecoveryRecipients), settings.UpdatedBy, core.FormatLocal(now))
		if err != nil {
			return core.NewError("store.UpdateNotificationSettings", "transport", err)
		}
		return nil
	}

	_, err := s.db.Exec(`UPDATE notification_settings SET
		smtp_host = ?, smtp_port = ?, smtp_username = ?, smtp_password_encrypted = ?, sender_address = ?,
		use_tls = ?, use_ssl = ?, manual_recovery_recipients = ?, updated_by = ?, updated_at = ?
		WHERE id = 1`,
		settings.SMTPHost, settings.SMTPPort, settings.SMTPUsername, settings.SMTPPasswordEncrypted, settings.SenderAddress,
		boolToInt(settings.UseTLS), boolToInt(settings.UseSSL),
		marshalStrings(settings.ManualRecoveryRecipients), settings.UpdatedBy, core.FormatLocal(now))
	if err != nil {
		return core.NewError("store.UpdateNotificationSettings", "transport", err)
	}
	return nil
}

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolab/labscheduler/core"
)

type fakeStore struct {
	settings *core.NotificationSettings
	contacts []*core.NotificationContact
	logs     map[string]*core.NotificationLogEntry
	byPair   map[string]bool

	settingsLoads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settings: &core.NotificationSettings{
			SMTPHost:      "mail.lab.local",
			SMTPPort:      587,
			SenderAddress: "scheduler@lab.local",
		},
		logs:   map[string]*core.NotificationLogEntry{},
		byPair: map[string]bool{},
	}
}

func (f *fakeStore) GetNotificationSettings() (*core.NotificationSettings, error) {
	f.settingsLoads++
	return f.settings, nil
}

func (f *fakeStore) ListContacts() ([]*core.NotificationContact, error) {
	return f.contacts, nil
}

func (f *fakeStore) NotificationLogExists(executionID string, eventType core.EventType) (bool, error) {
	return f.byPair[executionID+"|"+string(eventType)], nil
}

func (f *fakeStore) CreateNotificationLog(e *core.NotificationLogEntry) error {
	key := e.ExecutionID + "|" + string(e.EventType)
	if e.ExecutionID != "" && f.byPair[key] {
		return core.NewError("store.CreateNotificationLog", "conflict", core.ErrUpdateConflict)
	}
	if e.ExecutionID != "" {
		f.byPair[key] = true
	}
	copied := *e
	f.logs[e.LogID] = &copied
	return nil
}

func (f *fakeStore) UpdateNotificationLog(logID string, status core.NotificationStatus, errorMessage string) error {
	entry, ok := f.logs[logID]
	if !ok {
		return core.NewError("store.UpdateNotificationLog", "not_found", core.ErrExecutionNotFound)
	}
	entry.Status = status
	entry.ErrorMessage = errorMessage
	return nil
}

func (f *fakeStore) singleLog(t *testing.T) *core.NotificationLogEntry {
	t.Helper()
	require.Len(t, f.logs, 1)
	for _, e := range f.logs {
		return e
	}
	return nil
}

type captureMailer struct {
	sends []capturedSend
	err   error
}

type capturedSend struct {
	recipients []string
	subject    string
	body       string
	password   string
}

func (m *captureMailer) Send(settings *core.NotificationSettings, password string, recipients []string, subject, body string) error {
	m.sends = append(m.sends, capturedSend{
		recipients: recipients,
		subject:    subject,
		body:       body,
		password:   password,
	})
	return m.err
}

func activeContact(id, email string) *core.NotificationContact {
	return &core.NotificationContact{ContactID: id, DisplayName: id, EmailAddress: email, IsActive: true}
}

func testSchedule() *core.Schedule {
	return &core.Schedule{
		ScheduleID:             "sched-1",
		ExperimentName:         "YeastGrowth",
		NotificationContactIDs: []string{"c1", "c2"},
	}
}

func TestNotifyAbortedSendsAndLogs(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{
		activeContact("c1", "alice@lab.local"),
		activeContact("c2", "bob@lab.local"),
	}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "exec-1"}
	err := d.NotifyAborted(context.Background(), testSchedule(), execution, "return code 64")
	require.NoError(t, err)

	require.Len(t, mailer.sends, 1)
	send := mailer.sends[0]
	assert.ElementsMatch(t, []string{"alice@lab.local", "bob@lab.local"}, send.recipients)
	assert.Contains(t, send.subject, "ABORTED")
	assert.Contains(t, send.body, "sched-1")
	assert.Contains(t, send.body, "YeastGrowth")
	assert.Contains(t, send.body, "return code 64")

	entry := store.singleLog(t)
	assert.Equal(t, core.NotifySent, entry.Status)
	assert.Equal(t, core.EventAborted, entry.EventType)
	assert.Equal(t, "exec-1", entry.ExecutionID)
}

func TestNotifyAbortedDeduplicatesPerExecution(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{activeContact("c1", "alice@lab.local")}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "exec-1"}
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution, "boom"))
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution, "boom"))

	assert.Len(t, mailer.sends, 1, "second dispatch for the same pair is dropped")
	assert.Len(t, store.logs, 1)
}

func TestNoActiveContactsSkipsLogRow(t *testing.T) {
	store := newFakeStore()
	inactive := activeContact("c1", "gone@lab.local")
	inactive.IsActive = false
	store.contacts = []*core.NotificationContact{inactive}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "exec-1"}
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution, "boom"))

	assert.Empty(t, mailer.sends)
	assert.Empty(t, store.logs, "no log row when nothing was dispatched")
}

func TestMissingContactsRecordedInMetadata(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{activeContact("c1", "alice@lab.local")}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "exec-1"}
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution, "boom"))

	entry := store.singleLog(t)
	assert.Equal(t, "c2", entry.Metadata["missing_contacts"])
}

func TestSendFailureRecordsError(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{activeContact("c1", "alice@lab.local")}
	mailer := &captureMailer{err: fmt.Errorf("%w: connection refused", core.ErrTransport)}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "exec-1"}
	err := d.NotifyAborted(context.Background(), testSchedule(), execution, "boom")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrTransport))

	entry := store.singleLog(t)
	assert.Equal(t, core.NotifyError, entry.Status)
	assert.Contains(t, entry.ErrorMessage, "connection refused")
}

func TestRecoveryRequiredIncludesSettingsRecipients(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{activeContact("c1", "alice@lab.local")}
	store.settings.ManualRecoveryRecipients = []string{"oncall@lab.local", "alice@lab.local"}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	schedule := testSchedule()
	schedule.NotificationContactIDs = []string{"c1"}
	require.NoError(t, d.NotifyRecoveryRequired(context.Background(), schedule, "deck crash", "operator"))

	require.Len(t, mailer.sends, 1)
	assert.ElementsMatch(t, []string{"alice@lab.local", "oncall@lab.local"}, mailer.sends[0].recipients,
		"duplicates merged, settings recipients added")
	assert.Contains(t, mailer.sends[0].body, "deck crash")
}

func TestLongRunningIncludesElapsedVersusExpected(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{activeContact("c1", "alice@lab.local")}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "exec-1"}
	err := d.NotifyLongRunning(context.Background(), testSchedule(), execution, 95*time.Minute, 40*time.Minute)
	require.NoError(t, err)

	require.Len(t, mailer.sends, 1)
	body := mailer.sends[0].body
	assert.Contains(t, body, "95 minutes")
	assert.Contains(t, body, "40 minutes")

	entry := store.singleLog(t)
	assert.Equal(t, "95", entry.Metadata["elapsed_minutes"])
	assert.Equal(t, "40", entry.Metadata["expected_minutes"])
}

func TestRefreshDropsCachedSettings(t *testing.T) {
	store := newFakeStore()
	store.contacts = []*core.NotificationContact{activeContact("c1", "alice@lab.local")}
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	execution := &core.JobExecution{ExecutionID: "e1"}
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution, "x"))
	loadsAfterFirst := store.settingsLoads

	execution2 := &core.JobExecution{ExecutionID: "e2"}
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution2, "x"))
	assert.Equal(t, loadsAfterFirst, store.settingsLoads, "settings served from cache")

	d.Refresh()
	execution3 := &core.JobExecution{ExecutionID: "e3"}
	require.NoError(t, d.NotifyAborted(context.Background(), testSchedule(), execution3, "x"))
	assert.Greater(t, store.settingsLoads, loadsAfterFirst)
}

func TestSendTestWritesAuditRow(t *testing.T) {
	store := newFakeStore()
	mailer := &captureMailer{}
	d := NewDispatcher(store, WithMailer(mailer))

	require.NoError(t, d.SendTest(context.Background(), "alice@lab.local"))

	require.Len(t, mailer.sends, 1)
	assert.Equal(t, []string{"alice@lab.local"}, mailer.sends[0].recipients)

	entry := store.singleLog(t)
	assert.Equal(t, core.EventTest, entry.EventType)
	assert.Equal(t, core.NotifySent, entry.Status)
}

func TestPasswordRoundTrip(t *testing.T) {
	blob, err := EncryptPassword("hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2")

	plain, err := DecryptPassword(blob)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecryptEmptyBlobIsEmptyPassword(t *testing.T) {
	plain, err := DecryptPassword(nil)
	require.NoError(t, err)
	assert.Equal(t, "", plain)
}

func TestDecryptTamperedBlobFails(t *testing.T) {
	blob, err := EncryptPassword("secret")
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff

	_, err = DecryptPassword(blob)
	require.Error(t, err)
}

func TestBuildMessageHeaders(t *testing.T) {
	msg := string(buildMessage("sender@lab.local", []string{"a@lab.local", "b@lab.local"}, "Subject line", "body text"))
	assert.True(t, strings.HasPrefix(msg, "From: sender@lab.local\r\n"))
	assert.Contains(t, msg, "To: a@lab.local, b@lab.local\r\n")
	assert.Contains(t, msg, "Subject: Subject line\r\n")
	assert.Contains(t, msg, "\r\n\r\nbody text\r\n")
}

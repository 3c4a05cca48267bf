package notify

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evolab/labscheduler/core"
)

func (f *fakeStore) UpdateNotificationSettings(settings *core.NotificationSettings) error {
	copied := *settings
	f.settings = &copied
	return nil
}

func TestSeedSettingsPopulatesEmptyStore(t *testing.T) {
	store := newFakeStore()
	store.settings = &core.NotificationSettings{SMTPPort: 587}

	cfg := core.SMTPConfig{
		Host:                     "relay.lab.local",
		Port:                     465,
		Username:                 "scheduler",
		Sender:                   "scheduler@lab.local",
		UseSSL:                   true,
		ManualRecoveryRecipients: []string{"oncall@lab.local"},
	}
	require.NoError(t, SeedSettings(store, cfg))

	assert.Equal(t, "relay.lab.local", store.settings.SMTPHost)
	assert.Equal(t, 465, store.settings.SMTPPort)
	assert.Equal(t, "scheduler", store.settings.SMTPUsername)
	assert.True(t, store.settings.UseSSL)
	assert.Equal(t, []string{"oncall@lab.local"}, store.settings.ManualRecoveryRecipients)
	assert.Equal(t, "config", store.settings.UpdatedBy)
}

func TestSeedSettingsKeepsAPIConfiguredValues(t *testing.T) {
	// newFakeStore starts with a host, as if an operator already saved
	// settings through the API.
	store := newFakeStore()
	require.NoError(t, SeedSettings(store, core.SMTPConfig{Host: "relay.lab.local", Port: 25}))

	assert.Equal(t, "mail.lab.local", store.settings.SMTPHost)
	assert.Equal(t, 587, store.settings.SMTPPort)
}

func TestSeedSettingsWithoutConfiguredHostIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.settings = &core.NotificationSettings{}
	require.NoError(t, SeedSettings(store, core.SMTPConfig{Port: 587}))
	assert.Empty(t, store.settings.SMTPHost)
}

func TestSeedSettingsDecodesPasswordBlob(t *testing.T) {
	blob, err := EncryptPassword("hunter2")
	require.NoError(t, err)

	store := newFakeStore()
	store.settings = &core.NotificationSettings{}
	cfg := core.SMTPConfig{
		Host:              "relay.lab.local",
		Port:              587,
		PasswordEncrypted: base64.StdEncoding.EncodeToString(blob),
	}
	require.NoError(t, SeedSettings(store, cfg))

	plain, err := DecryptPassword(store.settings.SMTPPasswordEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestSeedSettingsRejectsBadPasswordBlob(t *testing.T) {
	store := newFakeStore()
	store.settings = &core.NotificationSettings{}
	err := SeedSettings(store, core.SMTPConfig{Host: "relay.lab.local", PasswordEncrypted: "%%not-base64%%"})
	require.Error(t, err)
	assert.True(t, core.IsValidation(err))
}

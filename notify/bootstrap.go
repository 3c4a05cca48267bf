package notify

import (
	"encoding/base64"

	"github.com/evolab/labscheduler/core"
)

// SettingsSeeder is the store slice needed to bootstrap the SMTP
// settings row from process configuration.
type SettingsSeeder interface {
	GetNotificationSettings() (*core.NotificationSettings, error)
	UpdateNotificationSettings(settings *core.NotificationSettings) error
}

// SeedSettings copies the smtp config section into the settings
// singleton when no host has been configured through the API yet.
// Values stored via the API always win, so this runs exactly once per
// fresh store and is a no-op afterwards. The config password travels as
// the base64 form of the machine-scoped cipher blob.
func SeedSettings(st SettingsSeeder, cfg core.SMTPConfig) error {
	if cfg.Host == "" {
		return nil
	}
	current, err := st.GetNotificationSettings()
	if err != nil {
		return err
	}
	if current.SMTPHost != "" {
		return nil
	}

	settings := &core.NotificationSettings{
		SMTPHost:                 cfg.Host,
		SMTPPort:                 cfg.Port,
		SMTPUsername:             cfg.Username,
		SenderAddress:            cfg.Sender,
		UseTLS:                   cfg.UseTLS,
		UseSSL:                   cfg.UseSSL,
		ManualRecoveryRecipients: cfg.ManualRecoveryRecipients,
		UpdatedBy:                "config",
	}
	if cfg.PasswordEncrypted != "" {
		blob, err := base64.StdEncoding.DecodeString(cfg.PasswordEncrypted)
		if err != nil {
			return core.ValidationError("smtp.password_encrypted", "not valid base64")
		}
		settings.SMTPPasswordEncrypted = blob
	}
	return st.UpdateNotificationSettings(settings)
}

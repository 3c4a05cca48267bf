package notify

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/evolab/labscheduler/core"
)

// sendTimeout bounds the whole SMTP conversation: dial, handshake,
// and message body.
const sendTimeout = 15 * time.Second

// Mailer delivers one message. The dispatcher talks to this interface
// so tests can capture sends without a mail server.
type Mailer interface {
	Send(settings *core.NotificationSettings, password string, recipients []string, subject, body string) error
}

// SMTPMailer speaks standard SMTP with optional implicit TLS or
// STARTTLS and PLAIN auth.
type SMTPMailer struct {
	// Timeout overrides sendTimeout when positive. Tests use it.
	Timeout time.Duration
}

// Send delivers the message to all recipients in one transaction. The
// flags are mutually exclusive on use: when both are requested, SSL
// wins and TLS is cleared.
func (m *SMTPMailer) Send(settings *core.NotificationSettings, password string, recipients []string, subject, body string) error {
	if settings == nil || settings.SMTPHost == "" {
		return core.NewError("notify.Send", "validation",
			fmt.Errorf("%w: smtp host not configured", core.ErrValidation))
	}
	if len(recipients) == 0 {
		return core.NewError("notify.Send", "validation",
			fmt.Errorf("%w: no recipients", core.ErrValidation))
	}

	useSSL := settings.UseSSL
	useTLS := settings.UseTLS && !useSSL

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = sendTimeout
	}

	addr := net.JoinHostPort(settings.SMTPHost, fmt.Sprintf("%d", settings.SMTPPort))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return core.NewError("notify.Send", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if useSSL {
		conn = tls.Client(conn, &tls.Config{ServerName: settings.SMTPHost})
	}

	client, err := smtp.NewClient(conn, settings.SMTPHost)
	if err != nil {
		conn.Close()
		return core.NewError("notify.Send", "transport", fmt.Errorf("%w: %v", core.ErrTransport, err))
	}
	defer client.Close()

	if useTLS {
		if err := client.StartTLS(&tls.Config{ServerName: settings.SMTPHost}); err != nil {
			return core.NewError("notify.Send", "transport", fmt.Errorf("%w: starttls: %v", core.ErrTransport, err))
		}
	}

	if settings.SMTPUsername != "" {
		auth := smtp.PlainAuth("", settings.SMTPUsername, password, settings.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return core.NewError("notify.Send", "transport", fmt.Errorf("%w: auth: %v", core.ErrTransport, err))
		}
	}

	sender := settings.SenderAddress
	if sender == "" {
		sender = settings.SMTPUsername
	}
	if err := client.Mail(sender); err != nil {
		return core.NewError("notify.Send", "transport", fmt.Errorf("%w: mail from: %v", core.ErrTransport, err))
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return core.NewError("notify.Send", "transport", fmt.Errorf("%w: rcpt %s: %v", core.ErrTransport, rcpt, err))
		}
	}

	w, err := client.Data()
	if err != nil {
		return core.NewError("notify.Send", "transport", fmt.Errorf("%w: data: %v", core.ErrTransport, err))
	}
	if _, err := w.Write(buildMessage(sender, recipients, subject, body)); err != nil {
		w.Close()
		return core.NewError("notify.Send", "transport", fmt.Errorf("%w: write body: %v", core.ErrTransport, err))
	}
	if err := w.Close(); err != nil {
		return core.NewError("notify.Send", "transport", fmt.Errorf("%w: close body: %v", core.ErrTransport, err))
	}
	return client.Quit()
}

func buildMessage(sender string, recipients []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", sender)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// Package notify provides channel senders for the notify action: SMTP
// email and a structured-log fallback channel.
package notify

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/floorkeeper/floorkeeper/internal/actions"
)

// SMTPConfig holds the mail relay settings for the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailSender delivers rendered notifications over SMTP.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewEmailSender builds an email sender from SMTP settings. The From
// address defaults to the SMTP username.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &EmailSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
	}
}

// Send implements actions.Sender.
func (e *EmailSender) Send(ctx context.Context, msg actions.Message) error {
	if len(msg.Recipients) == 0 {
		return fmt.Errorf("email: no recipients")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", msg.Recipients...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

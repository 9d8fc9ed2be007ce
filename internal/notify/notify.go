// Package notify is the operator side channel. Failures the end user cannot
// fix (broadcast errors, insufficient attestor funds, fund-movement errors,
// startup misconfiguration) are reported here.
package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"
)

// Operator receives operational alerts.
type Operator interface {
	Notify(ctx context.Context, subject, body string) error
}

// Sender abstracts the mail dialer so tests can capture messages.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailConfig configures the e-mail operator channel.
type EmailConfig struct {
	To       string
	From     string
	Host     string
	Port     int
	User     string
	Password string
}

// Email sends alerts through an SMTP relay and always logs them, so an
// unreachable relay never hides the alert.
type Email struct {
	to, from string
	sender   Sender
}

var _ Operator = (*Email)(nil)

// NewEmail returns an Email operator using a gomail dialer.
func NewEmail(cfg EmailConfig) *Email {
	return NewEmailWithSender(cfg.To, cfg.From, gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password))
}

// NewEmailWithSender is NewEmail with an explicit sender.
func NewEmailWithSender(to, from string, s Sender) *Email {
	return &Email{to: to, from: from, sender: s}
}

func (e *Email) Notify(_ context.Context, subject, body string) error {
	log.Error().Str("subject", subject).Str("body", body).Msg("operator notification")

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	if err := e.sender.DialAndSend(m); err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("operator e-mail failed")
		return fmt.Errorf("send operator e-mail: %w", err)
	}
	return nil
}

// Package mailer delivers transactional email through an HTTP API, SMTP, or the log.
package mailer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"song-fulfillment/internal/config"
)

// Message is one email to send.
type Message struct {
	Recipient string
	Template  string
	Variables map[string]string
}

// Sender delivers a message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// New picks the sender for cfg.MailDriver.
func New(cfg config.Config, log zerolog.Logger) (Sender, error) {
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	switch cfg.MailDriver {
	case "http":
		return NewHTTPSender(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom, cfg.NotifySendTimeout, renderer), nil
	case "smtp":
		return NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom, renderer), nil
	case "log", "":
		return NewLogSender(log, renderer), nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.MailDriver)
	}
}

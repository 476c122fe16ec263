package notify

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"

	"github.com/privatecircle/messenger/internal/config"
	"github.com/privatecircle/messenger/internal/logging"
)

// NewSenderFromConfig picks the delivery backend. Unknown providers
// fall back to console so a misconfigured deployment still runs.
func NewSenderFromConfig(cfg config.EmailConfig) Sender {
	switch cfg.Provider {
	case "resend":
		return NewResendSender(cfg.ResendAPIKey, cfg.FromName, cfg.FromAddress)
	case "console":
		return &ConsoleSender{}
	default:
		logging.Warn("Unknown email provider, using console", map[string]interface{}{
			"provider": cfg.Provider,
		})
		return &ConsoleSender{}
	}
}

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
}

func NewResendSender(apiKey, fromName, fromAddress string) *ResendSender {
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   fmt.Sprintf("%s <%s>", fromName, fromAddress),
	}
}

func (s *ResendSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
		Text:    textBody,
	}
	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("sending via resend: %w", err)
	}
	logging.Debug("Email sent", map[string]interface{}{"id": sent.Id, "to": to})
	return nil
}

// ConsoleSender logs instead of sending, for local development.
type ConsoleSender struct{}

func (s *ConsoleSender) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	logging.Info("Email (console)", map[string]interface{}{
		"to":      to,
		"subject": subject,
		"body":    textBody,
	})
	return nil
}

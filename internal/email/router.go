package email

import (
	"context"
	"strings"

	"github.com/LeventeLantos/compliant-messaging/internal/config"
)

// Ensure Router implements Sender
var _ Sender = (*Router)(nil)

// Router picks the provider named by EMAIL_PROVIDER.
type Router struct {
	provider string
	smtp     Sender
	brevo    Sender
}

func NewRouter(cfg config.EmailConfig) *Router {
	return &Router{
		provider: strings.ToLower(cfg.Provider),
		smtp: &SMTP{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.From,
		},
		brevo: NewBrevo(cfg.BrevoAPIKey, cfg.From, cfg.BrevoURL),
	}
}

func (r *Router) Send(ctx context.Context, to, subject, body string) error {
	switch r.provider {
	case "brevo":
		return r.brevo.Send(ctx, to, subject, body)
	default:
		return r.smtp.Send(ctx, to, subject, body)
	}
}

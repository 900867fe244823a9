package email

import "context"

// Sender delivers a plain-text email. Used for responder notifications.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

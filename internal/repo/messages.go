package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/compliant-messaging/internal/model"
)

var ErrNotFound = errors.New("not found")

// MessageRepository is the scheduled message store. Every state transition
// is a single conditional update; the bool results report whether this
// caller's update took effect.
type MessageRepository interface {
	Create(ctx context.Context, m model.ScheduledMessage) (model.ScheduledMessage, error)
	Get(ctx context.Context, id string) (model.ScheduledMessage, error)

	// ListDue returns pending messages with send_at <= now, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]model.DueMessage, error)

	// Claim moves a pending message to sent. Zero rows means another run
	// already owns it.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// Unclaim reverts a claimed message to pending after a failed dispatch.
	Unclaim(ctx context.Context, id string) (bool, error)
	// Reschedule reverts a claimed message to pending with a new due time.
	Reschedule(ctx context.Context, id string, sendAt time.Time) (bool, error)
	// RecordProvider stores the provider id on a claimed message.
	RecordProvider(ctx context.Context, id, providerMessageID string) error

	// Cancel terminates a pending message.
	Cancel(ctx context.Context, id, reason string, now time.Time) (bool, error)
	// CancelClaimed terminates a message this caller claimed but the
	// gateway refused.
	CancelClaimed(ctx context.Context, id, reason string, now time.Time) (bool, error)
	// CancelPendingForPhone cancels every pending message addressed to the
	// phone within a client.
	CancelPendingForPhone(ctx context.Context, clientID, phone, reason string, now time.Time) (int, error)

	ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error)
}

package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by LookupSent when no receipt is cached for the message.
var ErrMiss = errors.New("cache miss")

// SentReceipt is the short-lived record kept for a delivered scheduled message.
type SentReceipt struct {
	ProviderMessageID string    `json:"providerMessageId"`
	SentAt            time.Time `json:"sentAt"`
}

type MessageCache interface {
	StoreSent(ctx context.Context, messageID, providerMessageID string, sentAt time.Time) error
	LookupSent(ctx context.Context, messageID string) (SentReceipt, error)
}

// Nop discards receipts. Used when Redis is not configured.
type Nop struct{}

func (Nop) StoreSent(context.Context, string, string, time.Time) error { return nil }

func (Nop) LookupSent(context.Context, string) (SentReceipt, error) { return SentReceipt{}, ErrMiss }

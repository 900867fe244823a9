package repo

import (
	"context"
	"time"

	"github.com/LeventeLantos/compliant-messaging/internal/model"
)

type ClientRepository interface {
	GetClient(ctx context.Context, id string) (model.Client, error)
}

type LeadRepository interface {
	GetLead(ctx context.Context, id string) (model.Lead, error)
	SetNeedsAttention(ctx context.Context, id string, needsAttention bool) error
}

// ConsentStore holds opt-outs and the per-client blocklist. Opt-outs are
// sticky: nothing in the engine clears them.
type ConsentStore interface {
	IsOptedOut(ctx context.Context, clientID, phone string) (bool, error)
	OptOut(ctx context.Context, clientID, phone string) error
	IsBlocked(ctx context.Context, clientID, phone string) (bool, error)
	Block(ctx context.Context, clientID, phone, reason string) error
}

// UsageCounter tracks messages sent per client in the current month.
type UsageCounter interface {
	// TryIncrement adds one to the counter only if it is below limit. The
	// check and the increment are a single atomic step.
	TryIncrement(ctx context.Context, clientID string, limit int) (bool, error)
	// Decrement releases a reservation. It never goes below zero.
	Decrement(ctx context.Context, clientID string) error
	Current(ctx context.Context, clientID string) (int, error)
	ResetAll(ctx context.Context) error
}

// MarkerStore persists small named values used to gate once-per-period
// work across overlapping runs.
type MarkerStore interface {
	// AdvanceMarker sets key to value unless it already holds value. It
	// reports the previous value ("" if none) and whether this call changed it.
	AdvanceMarker(ctx context.Context, key, value string) (previous string, advanced bool, err error)
	SetMarker(ctx context.Context, key, value string) error
}

type EscalationRepository interface {
	CreateClaim(ctx context.Context, c model.EscalationClaim) (model.EscalationClaim, error)
	GetClaimByToken(ctx context.Context, token string) (model.EscalationClaim, error)
	// ClaimEscalation moves a pending claim to claimed. Zero rows means
	// somebody else won.
	ClaimEscalation(ctx context.Context, token, responderID string, now time.Time) (bool, error)
}

type ResponderDirectory interface {
	// ListEscalationResponders returns active responders who receive
	// escalations, by ascending priority.
	ListEscalationResponders(ctx context.Context, clientID string) ([]model.Responder, error)
	GetResponder(ctx context.Context, id string) (model.Responder, error)
}

// AuditSink is the append-only conversation log plus per-day statistics.
type AuditSink interface {
	AppendConversation(ctx context.Context, e model.ConversationEntry) error
	IncrementDailyStat(ctx context.Context, clientID string, day time.Time) error
}

package model

import "time"

type Category string

const (
	// CategoryCompliance covers replies the law requires, such as an opt-out
	// acknowledgment. They reach opted-out recipients and skip budget and
	// quiet hours.
	CategoryCompliance    Category = "compliance"
	CategoryInternal      Category = "internal"
	CategoryTransactional Category = "transactional"
	CategoryAutomated     Category = "automated"
	CategoryMarketing     Category = "marketing"
)

func (c Category) ChecksOptOut() bool { return c != CategoryCompliance }

func (c Category) ChecksBudget() bool {
	return c != CategoryCompliance && c != CategoryInternal
}

func (c Category) ChecksQuietHours() bool {
	switch c {
	case CategoryCompliance, CategoryInternal, CategoryTransactional:
		return false
	}
	return true
}

type ConsentBasis string

const (
	ConsentExistingRelationship ConsentBasis = "existing_relationship"
	ConsentExpress              ConsentBasis = "express_consent"
	ConsentMarketingOptIn       ConsentBasis = "marketing_opt_in"
)

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeQueued  Outcome = "queued"
	OutcomeBlocked Outcome = "blocked"
)

const (
	ReasonOptedOut            = "opted_out"
	ReasonBlockedNumber       = "blocked_number"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonQuietHours          = "quiet_hours"
	ReasonNoTransportIdentity = "no_transport_identity"
	ReasonContentUnavailable  = "content_unavailable"
	ReasonClientInactive      = "client_inactive"
)

// Cancellation reasons written on scheduled messages by fast rejects.
const (
	CancelLeadOptedOut  = "Lead opted out"
	CancelNumberBlocked = "Number blocked"
)

// Decision is the gateway's verdict for one outbound message.
type Decision struct {
	Outcome           Outcome
	Reason            string
	ProviderMessageID string

	ScheduledMessageID string
	SendAt             time.Time
	// NextAllowedAt is set on quiet-hours blocks.
	NextAllowedAt time.Time
}

func SentDecision(providerID string) Decision {
	return Decision{Outcome: OutcomeSent, ProviderMessageID: providerID}
}

func QueuedDecision(scheduledID string, sendAt time.Time) Decision {
	return Decision{Outcome: OutcomeQueued, ScheduledMessageID: scheduledID, SendAt: sendAt}
}

func BlockedDecision(reason string) Decision {
	return Decision{Outcome: OutcomeBlocked, Reason: reason}
}

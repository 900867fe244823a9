package model

import "time"

// ContentResolveAtSend marks a scheduled message whose text is generated
// by the sequence's resolver when the scheduler claims it.
const ContentResolveAtSend = "__RESOLVE_AT_SEND__"

type Status string

const (
	Pending   Status = "pending"
	Sent      Status = "sent"
	Cancelled Status = "cancelled"
)

// State is the lifecycle of a scheduled message. Exactly one of the
// variants applies; Sent and Cancelled carry their own timestamps so a row
// can never be both.
type State struct {
	Status Status

	SentAt            *time.Time
	ProviderMessageID string

	CancelledAt     *time.Time
	CancelledReason string
}

func PendingState() State { return State{Status: Pending} }

func SentState(at time.Time, providerID string) State {
	return State{Status: Sent, SentAt: &at, ProviderMessageID: providerID}
}

func CancelledState(at time.Time, reason string) State {
	return State{Status: Cancelled, CancelledAt: &at, CancelledReason: reason}
}

type ScheduledMessage struct {
	ID           string
	ClientID     string
	LeadID       string
	SendAt       time.Time
	Content      string
	SequenceType string
	SequenceStep int
	State        State
	CreatedAt    time.Time
}

func (m ScheduledMessage) Sent() bool      { return m.State.Status == Sent }
func (m ScheduledMessage) Cancelled() bool { return m.State.Status == Cancelled }

func (m ScheduledMessage) ResolveAtSend() bool {
	return m.Content == ContentResolveAtSend
}

// DueMessage is a pending scheduled message joined with the recipient and
// client it belongs to.
type DueMessage struct {
	Message ScheduledMessage
	Lead    Lead
	Client  Client
}

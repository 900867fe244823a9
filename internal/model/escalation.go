package model

import "time"

type ClaimStatus string

const (
	ClaimPending ClaimStatus = "pending"
	ClaimClaimed ClaimStatus = "claimed"
)

type EscalationClaim struct {
	ID          string
	LeadID      string
	ClientID    string
	Reason      string
	Detail      string
	LastMessage string
	Token       string
	Status      ClaimStatus
	ClaimedBy   *string
	ClaimedAt   *time.Time
	CreatedAt   time.Time
}

type Responder struct {
	ID                 string
	ClientID           string
	Name               string
	Phone              string
	Email              string
	Priority           int
	Active             bool
	ReceiveEscalations bool
	NotifySMS          bool
	NotifyEmail        bool
}

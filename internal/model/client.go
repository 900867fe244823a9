package model

import "time"

type Client struct {
	ID           string
	Name         string
	Timezone     string
	QuietStart   int // minutes past local midnight
	QuietEnd     int // minutes past local midnight
	MonthlyLimit int
	FromNumber   string
	Active       bool
}

type Lead struct {
	ID             string
	ClientID       string
	Name           string
	Phone          string
	Email          string
	NeedsAttention bool
}

type Usage struct {
	ClientID string
	Sent     int
	Limit    int
}

func (u Usage) Remaining() int {
	if u.Sent >= u.Limit {
		return 0
	}
	return u.Limit - u.Sent
}

// ConversationEntry is one outbound message in the audit trail.
type ConversationEntry struct {
	ID                 string
	ClientID           string
	LeadID             string
	ScheduledMessageID string
	Direction          string
	Body               string
	ProviderMessageID  string
	SequenceType       string
	CreatedAt          time.Time
}

type DailyStat struct {
	ClientID     string
	Day          time.Time
	MessagesSent int
}

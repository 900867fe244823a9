package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/compliant-messaging/internal/model"
)

// MemoryStore implements every repository interface in process memory. A
// single mutex stands in for the row-level atomicity of the Postgres
// conditional updates, so the claim semantics are identical.
type MemoryStore struct {
	mu sync.Mutex

	clients    map[string]model.Client
	leads      map[string]model.Lead
	responders map[string]model.Responder
	optOuts    map[string]bool
	blocked    map[string]string
	usage      map[string]int
	markers    map[string]string
	messages   map[string]model.ScheduledMessage
	claims     map[string]model.EscalationClaim
	audit      []model.ConversationEntry
	daily      map[string]int
}

var (
	_ MessageRepository    = (*MemoryStore)(nil)
	_ ClientRepository     = (*MemoryStore)(nil)
	_ LeadRepository       = (*MemoryStore)(nil)
	_ ConsentStore         = (*MemoryStore)(nil)
	_ UsageCounter         = (*MemoryStore)(nil)
	_ MarkerStore          = (*MemoryStore)(nil)
	_ EscalationRepository = (*MemoryStore)(nil)
	_ ResponderDirectory   = (*MemoryStore)(nil)
	_ AuditSink            = (*MemoryStore)(nil)
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:    map[string]model.Client{},
		leads:      map[string]model.Lead{},
		responders: map[string]model.Responder{},
		optOuts:    map[string]bool{},
		blocked:    map[string]string{},
		usage:      map[string]int{},
		markers:    map[string]string{},
		messages:   map[string]model.ScheduledMessage{},
		claims:     map[string]model.EscalationClaim{},
		daily:      map[string]int{},
	}
}

func phoneKey(clientID, phone string) string { return clientID + "|" + phone }

func dayKey(clientID string, day time.Time) string {
	return clientID + "|" + day.UTC().Format("2006-01-02")
}

func (s *MemoryStore) PutClient(c model.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *MemoryStore) PutLead(l model.Lead) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leads[l.ID] = l
}

func (s *MemoryStore) PutResponder(r model.Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[r.ID] = r
}

func (s *MemoryStore) SetUsage(clientID string, sent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[clientID] = sent
}

func (s *MemoryStore) Conversations() []model.ConversationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ConversationEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) DailyStat(clientID string, day time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.daily[dayKey(clientID, day)]
}

func (s *MemoryStore) Messages() []model.ScheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) GetClient(_ context.Context, id string) (model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return model.Client{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) GetLead(_ context.Context, id string) (model.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return model.Lead{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) SetNeedsAttention(_ context.Context, id string, needsAttention bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leads[id]
	if !ok {
		return ErrNotFound
	}
	l.NeedsAttention = needsAttention
	s.leads[id] = l
	return nil
}

func (s *MemoryStore) IsOptedOut(_ context.Context, clientID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.optOuts[phoneKey(clientID, phone)], nil
}

func (s *MemoryStore) OptOut(_ context.Context, clientID, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optOuts[phoneKey(clientID, phone)] = true
	return nil
}

func (s *MemoryStore) IsBlocked(_ context.Context, clientID, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocked[phoneKey(clientID, phone)]
	return ok, nil
}

func (s *MemoryStore) Block(_ context.Context, clientID, phone, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[phoneKey(clientID, phone)] = reason
	return nil
}

func (s *MemoryStore) TryIncrement(_ context.Context, clientID string, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage[clientID] >= limit {
		return false, nil
	}
	s.usage[clientID]++
	return true, nil
}

func (s *MemoryStore) Decrement(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage[clientID] > 0 {
		s.usage[clientID]--
	}
	return nil
}

func (s *MemoryStore) Current(_ context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[clientID], nil
}

func (s *MemoryStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.usage {
		s.usage[k] = 0
	}
	return nil
}

func (s *MemoryStore) AdvanceMarker(_ context.Context, key, value string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.markers[key]
	if prev == value {
		return prev, false, nil
	}
	s.markers[key] = value
	return prev, true, nil
}

func (s *MemoryStore) SetMarker(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.markers, key)
		return nil
	}
	s.markers[key] = value
	return nil
}

func (s *MemoryStore) Create(_ context.Context, m model.ScheduledMessage) (model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if _, exists := s.messages[m.ID]; exists {
		return model.ScheduledMessage{}, fmt.Errorf("scheduled message %s already exists", m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.State = model.PendingState()
	s.messages[m.ID] = m
	return m, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (model.ScheduledMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.ScheduledMessage{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]model.DueMessage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.ScheduledMessage
	for _, m := range s.messages {
		if m.State.Status == model.Pending && !m.SendAt.After(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].SendAt.Equal(due[j].SendAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].SendAt.Before(due[j].SendAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.DueMessage, 0, len(due))
	for _, m := range due {
		out = append(out, model.DueMessage{
			Message: m,
			Lead:    s.leads[m.LeadID],
			Client:  s.clients[m.ClientID],
		})
	}
	return out, nil
}

// transition applies fn to message id when its status is from.
func (s *MemoryStore) transition(id string, from model.Status, fn func(*model.ScheduledMessage)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.State.Status != from {
		return false
	}
	fn(&m)
	s.messages[id] = m
	return true
}

func (s *MemoryStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	return s.transition(id, model.Pending, func(m *model.ScheduledMessage) {
		m.State = model.SentState(now, "")
	}), nil
}

func (s *MemoryStore) Unclaim(_ context.Context, id string) (bool, error) {
	return s.transition(id, model.Sent, func(m *model.ScheduledMessage) {
		m.State = model.PendingState()
	}), nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id string, sendAt time.Time) (bool, error) {
	return s.transition(id, model.Sent, func(m *model.ScheduledMessage) {
		m.State = model.PendingState()
		m.SendAt = sendAt
	}), nil
}

func (s *MemoryStore) RecordProvider(_ context.Context, id, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if m.State.Status != model.Sent {
		return fmt.Errorf("scheduled message %s is %s, not sent", id, m.State.Status)
	}
	m.State.ProviderMessageID = providerMessageID
	s.messages[id] = m
	return nil
}

func (s *MemoryStore) Cancel(_ context.Context, id, reason string, now time.Time) (bool, error) {
	return s.transition(id, model.Pending, func(m *model.ScheduledMessage) {
		m.State = model.CancelledState(now, reason)
	}), nil
}

func (s *MemoryStore) CancelClaimed(_ context.Context, id, reason string, now time.Time) (bool, error) {
	return s.transition(id, model.Sent, func(m *model.ScheduledMessage) {
		m.State = model.CancelledState(now, reason)
	}), nil
}

func (s *MemoryStore) CancelPendingForPhone(_ context.Context, clientID, phone, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.messages {
		if m.ClientID != clientID || m.State.Status != model.Pending {
			continue
		}
		if s.leads[m.LeadID].Phone != phone {
			continue
		}
		m.State = model.CancelledState(now, reason)
		s.messages[id] = m
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListSent(_ context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var sent []model.ScheduledMessage
	for _, m := range s.messages {
		if m.State.Status == model.Sent {
			sent = append(sent, m)
		}
	}
	sort.Slice(sent, func(i, j int) bool { return sent[i].State.SentAt.After(*sent[j].State.SentAt) })
	if offset >= len(sent) {
		return nil, nil
	}
	sent = sent[offset:]
	if len(sent) > limit {
		sent = sent[:limit]
	}
	return sent, nil
}

func (s *MemoryStore) CreateClaim(_ context.Context, c model.EscalationClaim) (model.EscalationClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if _, exists := s.claims[c.Token]; exists {
		return model.EscalationClaim{}, fmt.Errorf("claim token collision")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = model.ClaimPending
	c.ClaimedBy = nil
	c.ClaimedAt = nil
	s.claims[c.Token] = c
	return c, nil
}

func (s *MemoryStore) GetClaimByToken(_ context.Context, token string) (model.EscalationClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[token]
	if !ok {
		return model.EscalationClaim{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ClaimEscalation(_ context.Context, token, responderID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[token]
	if !ok || c.Status != model.ClaimPending {
		return false, nil
	}
	c.Status = model.ClaimClaimed
	c.ClaimedBy = &responderID
	c.ClaimedAt = &now
	s.claims[token] = c
	return true, nil
}

func (s *MemoryStore) ListEscalationResponders(_ context.Context, clientID string) ([]model.Responder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Responder
	for _, r := range s.responders {
		if r.ClientID == clientID && r.Active && r.ReceiveEscalations {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority < out[j].Priority
	})
	return out, nil
}

func (s *MemoryStore) GetResponder(_ context.Context, id string) (model.Responder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responders[id]
	if !ok {
		return model.Responder{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) AppendConversation(_ context.Context, e model.ConversationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ScheduledMessageID != "" {
		for _, existing := range s.audit {
			if existing.ScheduledMessageID == e.ScheduledMessageID {
				return nil
			}
		}
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) IncrementDailyStat(_ context.Context, clientID string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.daily[dayKey(clientID, day)]++
	return nil
}

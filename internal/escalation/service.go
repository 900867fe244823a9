package escalation

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/compliant-messaging/internal/compliance"
	"github.com/LeventeLantos/compliant-messaging/internal/email"
	"github.com/LeventeLantos/compliant-messaging/internal/metrics"
	"github.com/LeventeLantos/compliant-messaging/internal/model"
	"github.com/LeventeLantos/compliant-messaging/internal/repo"
)

const (
	ReasonInvalidToken   = "invalid_token"
	ReasonAlreadyClaimed = "already_claimed"
)

// maxConcurrentNotifications bounds the notification fan-out.
const maxConcurrentNotifications = 8

// Gateway sends responder SMS. Responder messages use the internal category.
type Gateway interface {
	Send(ctx context.Context, req compliance.SendRequest) (model.Decision, error)
}

type EscalateRequest struct {
	LeadID      string `json:"leadId" validate:"required"`
	ClientID    string `json:"clientId" validate:"required"`
	Reason      string `json:"reason" validate:"required,max=200"`
	Detail      string `json:"detail" validate:"max=2000"`
	LastMessage string `json:"lastMessage" validate:"max=2000"`
}

type EscalateResult struct {
	ClaimID       string `json:"claimId"`
	ClaimToken    string `json:"claimToken"`
	NotifiedCount int    `json:"notifiedCount"`
}

type ClaimResult struct {
	Success       bool   `json:"success"`
	LeadID        string `json:"leadId,omitempty"`
	Reason        string `json:"reason,omitempty"`
	ClaimedByName string `json:"claimedByName,omitempty"`
}

type Service struct {
	claims     repo.EscalationRepository
	responders repo.ResponderDirectory
	leads      repo.LeadRepository
	sms        Gateway
	mail       email.Sender

	claimBaseURL string
	now          func() time.Time
	log          zerolog.Logger
}

func NewService(
	claims repo.EscalationRepository,
	responders repo.ResponderDirectory,
	leads repo.LeadRepository,
	sms Gateway,
	mail email.Sender,
	claimBaseURL string,
	log zerolog.Logger,
) *Service {
	return &Service{
		claims:       claims,
		responders:   responders,
		leads:        leads,
		sms:          sms,
		mail:         mail,
		claimBaseURL: claimBaseURL,
		now:          func() time.Time { return time.Now().UTC() },
		log:          log.With().Str("component", "escalation").Logger(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Escalate records a pending claim for the lead and notifies every
// eligible responder. Notification failures are logged and counted but
// never undo the claim row.
func (s *Service) Escalate(ctx context.Context, req EscalateRequest) (EscalateResult, error) {
	lead, err := s.leads.GetLead(ctx, req.LeadID)
	if err != nil {
		return EscalateResult{}, fmt.Errorf("load lead %s: %w", req.LeadID, err)
	}
	if lead.ClientID != req.ClientID {
		return EscalateResult{}, fmt.Errorf("lead %s: %w", req.LeadID, repo.ErrNotFound)
	}

	responders, err := s.responders.ListEscalationResponders(ctx, req.ClientID)
	if err != nil {
		return EscalateResult{}, fmt.Errorf("list responders: %w", err)
	}

	token, err := NewToken()
	if err != nil {
		return EscalateResult{}, fmt.Errorf("generate claim token: %w", err)
	}

	claim, err := s.claims.CreateClaim(ctx, model.EscalationClaim{
		ID:          uuid.Must(uuid.NewV7()).String(),
		LeadID:      lead.ID,
		ClientID:    req.ClientID,
		Reason:      req.Reason,
		Detail:      req.Detail,
		LastMessage: req.LastMessage,
		Token:       token,
		Status:      model.ClaimPending,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return EscalateResult{}, fmt.Errorf("create claim: %w", err)
	}

	if err := s.leads.SetNeedsAttention(ctx, lead.ID, true); err != nil {
		s.log.Error().Err(err).Str("lead_id", lead.ID).Msg("flag lead for attention")
	}

	link := s.claimLink(token)
	sms := fmt.Sprintf("%s needs attention: %s. Claim it: %s", displayName(lead), req.Reason, link)
	subject := fmt.Sprintf("Lead needs attention: %s", displayName(lead))
	body := fmt.Sprintf("%s needs attention.\n\nReason: %s\n%s\nLast message: %s\n\nClaim this lead: %s\n",
		displayName(lead), req.Reason, req.Detail, req.LastMessage, link)

	notified := s.notify(context.WithoutCancel(ctx), req.ClientID, responders, sms, subject, body)

	s.log.Info().
		Str("claim_id", claim.ID).
		Str("lead_id", lead.ID).
		Int("responders", len(responders)).
		Int("notified", notified).
		Msg("escalation created")

	return EscalateResult{ClaimID: claim.ID, ClaimToken: token, NotifiedCount: notified}, nil
}

// Claim lets the holder of token take ownership of the escalation. Only
// the caller whose conditional update took effect wins.
func (s *Service) Claim(ctx context.Context, token, responderID string) (ClaimResult, error) {
	c, err := s.claims.GetClaimByToken(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		metrics.IncEscalationClaim(ReasonInvalidToken)
		return ClaimResult{Reason: ReasonInvalidToken}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("load claim: %w", err)
	}
	if c.Status == model.ClaimClaimed {
		return s.alreadyClaimed(ctx, c), nil
	}

	won, err := s.claims.ClaimEscalation(ctx, token, responderID, s.now())
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim escalation: %w", err)
	}
	if !won {
		// Lost the race after reading pending; report who won.
		latest, err := s.claims.GetClaimByToken(ctx, token)
		if err != nil {
			latest = c
		}
		return s.alreadyClaimed(ctx, latest), nil
	}
	metrics.IncEscalationClaim("won")

	if err := s.leads.SetNeedsAttention(ctx, c.LeadID, false); err != nil {
		s.log.Error().Err(err).Str("lead_id", c.LeadID).Msg("clear attention flag")
	}

	s.notifyTaken(context.WithoutCancel(ctx), c, responderID)

	s.log.Info().
		Str("claim_id", c.ID).
		Str("lead_id", c.LeadID).
		Str("responder_id", responderID).
		Msg("escalation claimed")
	return ClaimResult{Success: true, LeadID: c.LeadID}, nil
}

func (s *Service) alreadyClaimed(ctx context.Context, c model.EscalationClaim) ClaimResult {
	metrics.IncEscalationClaim(ReasonAlreadyClaimed)
	res := ClaimResult{Reason: ReasonAlreadyClaimed}
	if c.ClaimedBy != nil {
		res.ClaimedByName = s.responderName(ctx, *c.ClaimedBy)
	}
	return res
}

func (s *Service) responderName(ctx context.Context, id string) string {
	r, err := s.responders.GetResponder(ctx, id)
	if err != nil {
		return ""
	}
	return r.Name
}

// notifyTaken tells every other responder that the lead is handled.
func (s *Service) notifyTaken(ctx context.Context, c model.EscalationClaim, winnerID string) {
	responders, err := s.responders.ListEscalationResponders(ctx, c.ClientID)
	if err != nil {
		s.log.Error().Err(err).Str("claim_id", c.ID).Msg("list responders for claim notice")
		return
	}

	winner := s.responderName(ctx, winnerID)
	if winner == "" {
		winner = "another team member"
	}
	leadName := c.LeadID
	if lead, err := s.leads.GetLead(ctx, c.LeadID); err == nil {
		leadName = displayName(lead)
	}

	others := make([]model.Responder, 0, len(responders))
	for _, r := range responders {
		if r.ID != winnerID {
			others = append(others, r)
		}
	}
	msg := fmt.Sprintf("%s has been claimed by %s. No action needed.", leadName, winner)
	s.notify(ctx, c.ClientID, others, msg, "Lead claimed: "+leadName, msg+"\n")
}

// notify sends to each responder on every channel they enabled and
// returns how many responders were reached on at least one channel.
func (s *Service) notify(ctx context.Context, clientID string, responders []model.Responder, sms, subject, body string) int {
	reached := make([]atomic.Bool, len(responders))

	var g errgroup.Group
	g.SetLimit(maxConcurrentNotifications)
	for i, r := range responders {
		if r.NotifySMS && r.Phone != "" {
			g.Go(func() error {
				if s.sendSMS(ctx, clientID, r, sms) {
					reached[i].Store(true)
				}
				return nil
			})
		}
		if r.NotifyEmail && r.Email != "" && s.mail != nil {
			g.Go(func() error {
				if s.sendEmail(ctx, r, subject, body) {
					reached[i].Store(true)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	n := 0
	for i := range reached {
		if reached[i].Load() {
			n++
		}
	}
	return n
}

func (s *Service) sendSMS(ctx context.Context, clientID string, r model.Responder, body string) bool {
	d, err := s.sms.Send(ctx, compliance.SendRequest{
		ClientID:     clientID,
		To:           r.Phone,
		Body:         body,
		Category:     model.CategoryInternal,
		ConsentBasis: model.ConsentExistingRelationship,
		Metadata:     map[string]string{"responder_id": r.ID},
	})
	ok := err == nil && d.Outcome == model.OutcomeSent
	metrics.IncNotification("sms", ok)
	if !ok {
		s.log.Warn().Err(err).
			Str("responder_id", r.ID).
			Str("outcome", string(d.Outcome)).
			Str("reason", d.Reason).
			Msg("responder sms not delivered")
	}
	return ok
}

func (s *Service) sendEmail(ctx context.Context, r model.Responder, subject, body string) bool {
	err := s.mail.Send(ctx, r.Email, subject, body)
	metrics.IncNotification("email", err == nil)
	if err != nil {
		s.log.Warn().Err(err).Str("responder_id", r.ID).Msg("responder email not delivered")
		return false
	}
	return true
}

func (s *Service) claimLink(token string) string {
	base := strings.TrimRight(s.claimBaseURL, "/")
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

func displayName(l model.Lead) string {
	if l.Name != "" {
		return l.Name
	}
	return l.Phone
}

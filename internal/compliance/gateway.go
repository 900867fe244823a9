package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/compliant-messaging/internal/metrics"
	"github.com/LeventeLantos/compliant-messaging/internal/model"
	"github.com/LeventeLantos/compliant-messaging/internal/repo"
)

// Transport is the outbound SMS provider. Only the gateway calls it.
type Transport interface {
	Send(ctx context.Context, to, from, body string) (providerMessageID string, err error)
}

// ErrTransport wraps every dispatch failure, timeouts included.
var ErrTransport = errors.New("transport failed")

type SendRequest struct {
	ClientID          string
	LeadID            string
	To                string
	From              string
	Body              string
	Category          model.Category
	ConsentBasis      model.ConsentBasis
	QueueOnQuietHours bool

	// SequenceType and SequenceStep label a message queued for quiet hours.
	SequenceType string
	SequenceStep int
	Metadata     map[string]string
}

// Gateway is the single path by which an automated message leaves the
// system. Checks run in order: opt-out, blocklist, budget, quiet hours,
// dispatch. The budget slot is reserved before quiet hours and released
// again when the message is queued, blocked later on, or the transport fails.
type Gateway struct {
	clients   repo.ClientRepository
	consent   repo.ConsentStore
	usage     repo.UsageCounter
	messages  repo.MessageRepository
	transport Transport

	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewGateway(
	clients repo.ClientRepository,
	consent repo.ConsentStore,
	usage repo.UsageCounter,
	messages repo.MessageRepository,
	transport Transport,
	log zerolog.Logger,
) *Gateway {
	return &Gateway{
		clients:   clients,
		consent:   consent,
		usage:     usage,
		messages:  messages,
		transport: transport,
		timeout:   10 * time.Second,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "gateway").Logger(),
	}
}

func (g *Gateway) WithTimeout(d time.Duration) *Gateway {
	if d > 0 {
		g.timeout = d
	}
	return g
}

func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

func (g *Gateway) Send(ctx context.Context, req SendRequest) (model.Decision, error) {
	if req.Category == "" {
		req.Category = model.CategoryAutomated
	}

	client, err := g.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		return model.Decision{}, fmt.Errorf("load client %s: %w", req.ClientID, err)
	}

	if req.Category.ChecksOptOut() {
		optedOut, err := g.consent.IsOptedOut(ctx, client.ID, req.To)
		if err != nil {
			return model.Decision{}, fmt.Errorf("opt-out lookup: %w", err)
		}
		if optedOut {
			return g.decide(req, model.BlockedDecision(model.ReasonOptedOut)), nil
		}
	}

	blocked, err := g.consent.IsBlocked(ctx, client.ID, req.To)
	if err != nil {
		return model.Decision{}, fmt.Errorf("blocklist lookup: %w", err)
	}
	if blocked {
		return g.decide(req, model.BlockedDecision(model.ReasonBlockedNumber)), nil
	}

	reserved := false
	if req.Category.ChecksBudget() {
		ok, err := g.usage.TryIncrement(ctx, client.ID, client.MonthlyLimit)
		if err != nil {
			return model.Decision{}, fmt.Errorf("reserve budget: %w", err)
		}
		if !ok {
			return g.decide(req, model.BlockedDecision(model.ReasonBudgetExceeded)), nil
		}
		reserved = true
	}
	release := func() {
		if reserved {
			g.release(ctx, client.ID)
			reserved = false
		}
	}

	if req.Category.ChecksQuietHours() {
		qh, err := QuietHoursFor(client)
		if err != nil {
			g.log.Warn().Err(err).Msg("using UTC for quiet hours")
		}
		now := g.now()
		if qh.Contains(now) {
			release()
			next := qh.NextAllowed(now)
			if !req.QueueOnQuietHours {
				d := model.BlockedDecision(model.ReasonQuietHours)
				d.NextAllowedAt = next
				return g.decide(req, d), nil
			}
			return g.queue(ctx, req, next)
		}
	}

	from := req.From
	if from == "" {
		from = client.FromNumber
	}
	if from == "" {
		release()
		return g.decide(req, model.BlockedDecision(model.ReasonNoTransportIdentity)), nil
	}

	providerID, err := g.dispatch(ctx, req.To, from, req.Body)
	if err != nil {
		release()
		g.log.Warn().Err(err).
			Str("client_id", client.ID).
			Str("lead_id", req.LeadID).
			Msg("dispatch failed")
		return model.Decision{}, err
	}

	g.log.Info().
		Str("client_id", client.ID).
		Str("lead_id", req.LeadID).
		Str("category", string(req.Category)).
		Str("consent_basis", string(req.ConsentBasis)).
		Str("provider_message_id", providerID).
		Interface("metadata", req.Metadata).
		Msg("message sent")
	return g.decide(req, model.SentDecision(providerID)), nil
}

func (g *Gateway) dispatch(ctx context.Context, to, from, body string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	providerID, err := g.transport.Send(tctx, to, from, body)
	metrics.ObserveTransport(time.Since(start).Seconds())
	if err == nil && providerID == "" {
		err = errors.New("empty provider message id")
	}
	if err != nil {
		metrics.IncTransportError()
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return providerID, nil
}

func (g *Gateway) queue(ctx context.Context, req SendRequest, sendAt time.Time) (model.Decision, error) {
	if req.LeadID == "" {
		return model.Decision{}, errors.New("queue on quiet hours requires a lead id")
	}
	m, err := g.messages.Create(ctx, model.ScheduledMessage{
		ClientID:     req.ClientID,
		LeadID:       req.LeadID,
		SendAt:       sendAt,
		Content:      req.Body,
		SequenceType: req.SequenceType,
		SequenceStep: req.SequenceStep,
		CreatedAt:    g.now(),
	})
	if err != nil {
		return model.Decision{}, fmt.Errorf("queue message: %w", err)
	}
	return g.decide(req, model.QueuedDecision(m.ID, m.SendAt)), nil
}

// release returns a reserved budget slot. It runs even when ctx is done so
// a cancelled request does not leak a reservation.
func (g *Gateway) release(ctx context.Context, clientID string) {
	if err := g.usage.Decrement(context.WithoutCancel(ctx), clientID); err != nil {
		g.log.Error().Err(err).Str("client_id", clientID).Msg("release budget reservation")
	}
}

func (g *Gateway) decide(req SendRequest, d model.Decision) model.Decision {
	metrics.IncDecision(string(d.Outcome), d.Reason)
	if d.Outcome == model.OutcomeBlocked {
		g.log.Debug().
			Str("client_id", req.ClientID).
			Str("lead_id", req.LeadID).
			Str("reason", d.Reason).
			Msg("message blocked")
	}
	return d
}

// RecordOptOut stores an opt-out and cancels everything still pending for
// that phone. It returns the number of cancelled messages.
func (g *Gateway) RecordOptOut(ctx context.Context, clientID, phone string) (int, error) {
	if err := g.consent.OptOut(ctx, clientID, phone); err != nil {
		return 0, fmt.Errorf("opt out: %w", err)
	}
	n, err := g.messages.CancelPendingForPhone(ctx, clientID, phone, model.CancelLeadOptedOut, g.now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending after opt-out: %w", err)
	}
	g.log.Info().Str("client_id", clientID).Int("cancelled", n).Msg("recipient opted out")
	return n, nil
}

// RecordBlock adds the phone to the client's blocklist and cancels its
// pending messages.
func (g *Gateway) RecordBlock(ctx context.Context, clientID, phone, reason string) (int, error) {
	if err := g.consent.Block(ctx, clientID, phone, reason); err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	n, err := g.messages.CancelPendingForPhone(ctx, clientID, phone, model.CancelNumberBlocked, g.now())
	if err != nil {
		return 0, fmt.Errorf("cancel pending after block: %w", err)
	}
	g.log.Info().Str("client_id", clientID).Int("cancelled", n).Msg("number blocked")
	return n, nil
}

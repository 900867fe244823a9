package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/compliant-messaging/internal/cache"
	"github.com/LeventeLantos/compliant-messaging/internal/compliance"
	"github.com/LeventeLantos/compliant-messaging/internal/metrics"
	"github.com/LeventeLantos/compliant-messaging/internal/model"
	"github.com/LeventeLantos/compliant-messaging/internal/repo"
	"github.com/LeventeLantos/compliant-messaging/internal/resolver"
)

// UsageResetMarker names the persisted "last reset month" marker.
const UsageResetMarker = "usage_reset_month"

type Gateway interface {
	Send(ctx context.Context, req compliance.SendRequest) (model.Decision, error)
}

// ContentResolver produces deferred message text. *resolver.Registry
// satisfies it.
type ContentResolver interface {
	Resolve(ctx context.Context, sequenceType, leadID, clientID string) (string, error)
}

type RunSummary struct {
	Processed int       `json:"processed"`
	Sent      int       `json:"sent"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

type Deps struct {
	Messages repo.MessageRepository
	Consent  repo.ConsentStore
	Usage    repo.UsageCounter
	Markers  repo.MarkerStore
	Audit    repo.AuditSink
	Gateway  Gateway
	Resolver ContentResolver
	Cache    cache.MessageCache
}

// Processor drains due scheduled messages. Runs may overlap: a message is
// only dispatched by the run whose claim update took effect.
type Processor struct {
	messages repo.MessageRepository
	consent  repo.ConsentStore
	usage    repo.UsageCounter
	markers  repo.MarkerStore
	audit    repo.AuditSink
	gateway  Gateway
	resolver ContentResolver
	cache    cache.MessageCache

	batchSize int
	now       func() time.Time
	log       zerolog.Logger
}

func NewProcessor(d Deps, batchSize int, log zerolog.Logger) *Processor {
	if batchSize <= 0 {
		batchSize = 50
	}
	c := d.Cache
	if c == nil {
		c = cache.Nop{}
	}
	return &Processor{
		messages:  d.Messages,
		consent:   d.Consent,
		usage:     d.Usage,
		markers:   d.Markers,
		audit:     d.Audit,
		gateway:   d.Gateway,
		resolver:  d.Resolver,
		cache:     c,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.With().Str("component", "processor").Logger(),
	}
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

type result int

const (
	resultSent result = iota
	resultSkipped
	resultFailed
)

func (p *Processor) Run(ctx context.Context) (RunSummary, error) {
	started := time.Now()
	now := p.now()
	sum := RunSummary{Timestamp: now}

	if err := p.resetUsageIfNewMonth(ctx, now); err != nil {
		p.log.Error().Err(err).Msg("monthly usage reset failed")
	}

	due, err := p.messages.ListDue(ctx, now, p.batchSize)
	if err != nil {
		return sum, fmt.Errorf("list due messages: %w", err)
	}

	for _, dm := range due {
		if ctx.Err() != nil {
			break
		}
		sum.Processed++
		switch p.process(ctx, dm, now) {
		case resultSent:
			sum.Sent++
		case resultSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}

	metrics.AddSchedulerMessages("sent", sum.Sent)
	metrics.AddSchedulerMessages("skipped", sum.Skipped)
	metrics.AddSchedulerMessages("failed", sum.Failed)
	metrics.ObserveSchedulerRun(time.Since(started).Seconds())

	if sum.Processed > 0 {
		p.log.Info().
			Int("processed", sum.Processed).
			Int("sent", sum.Sent).
			Int("skipped", sum.Skipped).
			Int("failed", sum.Failed).
			Msg("scheduler run finished")
	}
	return sum, ctx.Err()
}

func (p *Processor) process(ctx context.Context, dm model.DueMessage, now time.Time) (res result) {
	m := dm.Message
	log := p.log.With().Str("message_id", m.ID).Str("client_id", m.ClientID).Logger()

	claimed := false
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while processing scheduled message")
			if claimed {
				p.unclaim(ctx, m.ID, log)
			}
			res = resultFailed
		}
	}()

	reason, err := p.fastReject(ctx, dm)
	if err != nil {
		log.Error().Err(err).Msg("pre-claim checks failed")
		return resultFailed
	}
	if reason != "" {
		ok, err := p.messages.Cancel(ctx, m.ID, reason, now)
		if err != nil {
			log.Error().Err(err).Msg("cancel scheduled message")
			return resultFailed
		}
		if ok {
			log.Info().Str("reason", reason).Msg("scheduled message cancelled")
		}
		return resultSkipped
	}

	won, err := p.messages.Claim(ctx, m.ID, now)
	if err != nil {
		log.Error().Err(err).Msg("claim scheduled message")
		return resultFailed
	}
	if !won {
		log.Debug().Msg("claimed by another run")
		return resultSkipped
	}
	claimed = true

	// Past the claim, writes must land even if the run is cancelled.
	bg := context.WithoutCancel(ctx)

	body := m.Content
	if m.ResolveAtSend() {
		text, err := p.resolver.Resolve(ctx, m.SequenceType, m.LeadID, m.ClientID)
		if errors.Is(err, resolver.ErrCannotGenerate) {
			p.cancelClaimed(bg, m.ID, model.ReasonContentUnavailable, now, log)
			return resultSkipped
		}
		if err != nil {
			log.Warn().Err(err).Str("sequence_type", m.SequenceType).Msg("resolve content")
			p.unclaim(bg, m.ID, log)
			return resultFailed
		}
		body = text
	}

	d, err := p.gateway.Send(ctx, compliance.SendRequest{
		ClientID:     m.ClientID,
		LeadID:       m.LeadID,
		To:           dm.Lead.Phone,
		From:         dm.Client.FromNumber,
		Body:         body,
		Category:     model.CategoryAutomated,
		ConsentBasis: model.ConsentExistingRelationship,
		SequenceType: m.SequenceType,
		SequenceStep: m.SequenceStep,
		Metadata:     map[string]string{"scheduled_message_id": m.ID},
	})
	if err != nil {
		log.Warn().Err(err).Msg("send failed, will retry")
		p.unclaim(bg, m.ID, log)
		return resultFailed
	}

	switch d.Outcome {
	case model.OutcomeSent:
		p.recordSent(bg, m, body, d.ProviderMessageID, now, log)
		return resultSent
	case model.OutcomeBlocked:
		if d.Reason == model.ReasonQuietHours {
			// Unlike other blocks, quiet hours defer the row instead of cancelling it.
			if _, err := p.messages.Reschedule(bg, m.ID, d.NextAllowedAt); err != nil {
				log.Error().Err(err).Msg("reschedule for quiet hours")
				return resultFailed
			}
			log.Info().Time("send_at", d.NextAllowedAt).Msg("deferred for quiet hours")
			return resultSkipped
		}
		p.cancelClaimed(bg, m.ID, d.Reason, now, log)
		return resultSkipped
	default:
		log.Error().Str("outcome", string(d.Outcome)).Msg("unexpected gateway outcome")
		p.unclaim(bg, m.ID, log)
		return resultFailed
	}
}

// fastReject returns a cancellation reason for rows that must never be
// claimed, or "" when the row may proceed.
func (p *Processor) fastReject(ctx context.Context, dm model.DueMessage) (string, error) {
	phone := dm.Lead.Phone

	optedOut, err := p.consent.IsOptedOut(ctx, dm.Message.ClientID, phone)
	if err != nil {
		return "", err
	}
	if optedOut {
		return model.CancelLeadOptedOut, nil
	}

	blocked, err := p.consent.IsBlocked(ctx, dm.Message.ClientID, phone)
	if err != nil {
		return "", err
	}
	if blocked {
		return model.CancelNumberBlocked, nil
	}

	if dm.Client.ID != "" && !dm.Client.Active {
		return model.ReasonClientInactive, nil
	}

	used, err := p.usage.Current(ctx, dm.Message.ClientID)
	if err != nil {
		return "", err
	}
	if used >= dm.Client.MonthlyLimit {
		return model.ReasonBudgetExceeded, nil
	}

	if phone == "" || dm.Client.FromNumber == "" {
		return model.ReasonNoTransportIdentity, nil
	}
	return "", nil
}

func (p *Processor) recordSent(ctx context.Context, m model.ScheduledMessage, body, providerID string, now time.Time, log zerolog.Logger) {
	if err := p.messages.RecordProvider(ctx, m.ID, providerID); err != nil {
		log.Error().Err(err).Msg("record provider id")
	}

	err := p.audit.AppendConversation(ctx, model.ConversationEntry{
		ID:                 ulid.Make().String(),
		ClientID:           m.ClientID,
		LeadID:             m.LeadID,
		ScheduledMessageID: m.ID,
		Direction:          "outbound",
		Body:               body,
		ProviderMessageID:  providerID,
		SequenceType:       m.SequenceType,
		CreatedAt:          now,
	})
	if err != nil {
		log.Error().Err(err).Str("provider_message_id", providerID).Msg("audit log append failed")
	}
	if err := p.audit.IncrementDailyStat(ctx, m.ClientID, now); err != nil {
		log.Error().Err(err).Msg("daily stat upsert failed")
	}
	if err := p.cache.StoreSent(ctx, m.ID, providerID, now); err != nil {
		log.Warn().Err(err).Msg("cache sent receipt")
	}
}

func (p *Processor) unclaim(ctx context.Context, id string, log zerolog.Logger) {
	if _, err := p.messages.Unclaim(context.WithoutCancel(ctx), id); err != nil {
		log.Error().Err(err).Msg("unclaim scheduled message")
	}
}

func (p *Processor) cancelClaimed(ctx context.Context, id, reason string, now time.Time, log zerolog.Logger) {
	if _, err := p.messages.CancelClaimed(ctx, id, reason, now); err != nil {
		log.Error().Err(err).Msg("cancel claimed message")
		return
	}
	log.Info().Str("reason", reason).Msg("scheduled message cancelled")
}

// resetUsageIfNewMonth zeroes every usage counter on the first run of a
// UTC month. The marker update decides which overlapping run does it. The
// very first run only records the month.
func (p *Processor) resetUsageIfNewMonth(ctx context.Context, now time.Time) error {
	month := now.UTC().Format("2006-01")
	prev, advanced, err := p.markers.AdvanceMarker(ctx, UsageResetMarker, month)
	if err != nil {
		return fmt.Errorf("advance reset marker: %w", err)
	}
	if !advanced {
		return nil
	}
	if prev == "" {
		p.log.Info().Str("month", month).Msg("recorded usage month")
		return nil
	}

	if err := p.usage.ResetAll(ctx); err != nil {
		if rerr := p.markers.SetMarker(context.WithoutCancel(ctx), UsageResetMarker, prev); rerr != nil {
			p.log.Error().Err(rerr).Msg("revert reset marker")
		}
		return fmt.Errorf("reset usage counters: %w", err)
	}
	p.log.Info().Str("month", month).Str("previous", prev).Msg("monthly usage reset")
	return nil
}

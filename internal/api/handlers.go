package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/compliant-messaging/internal/cache"
	"github.com/LeventeLantos/compliant-messaging/internal/escalation"
	"github.com/LeventeLantos/compliant-messaging/internal/repo"
	"github.com/LeventeLantos/compliant-messaging/internal/scheduler"
	"github.com/LeventeLantos/compliant-messaging/internal/service"
)

type Runner interface {
	Run(ctx context.Context) (service.RunSummary, error)
}

type Escalations interface {
	Escalate(ctx context.Context, req escalation.EscalateRequest) (escalation.EscalateResult, error)
	Claim(ctx context.Context, token, responderID string) (escalation.ClaimResult, error)
}

type Consent interface {
	RecordOptOut(ctx context.Context, clientID, phone string) (int, error)
	RecordBlock(ctx context.Context, clientID, phone, reason string) (int, error)
}

type Deps struct {
	Scheduler   *scheduler.Scheduler
	Messages    repo.MessageRepository
	Receipts    cache.MessageCache
	Runner      Runner
	Escalations Escalations
	Consent     Consent
}

type Handler struct {
	sched       *scheduler.Scheduler
	repo        repo.MessageRepository
	receipts    cache.MessageCache
	runner      Runner
	escalations Escalations
	consent     Consent

	validate *validator.Validate
	log      zerolog.Logger
}

func NewHandler(d Deps, log zerolog.Logger) *Handler {
	receipts := d.Receipts
	if receipts == nil {
		receipts = cache.Nop{}
	}
	return &Handler{
		sched:       d.Scheduler,
		repo:        d.Messages,
		receipts:    receipts,
		runner:      d.Runner,
		escalations: d.Escalations,
		consent:     d.Consent,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		log:         log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) ProcessScheduled(w http.ResponseWriter, r *http.Request) {
	sum, err := h.runner.Run(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("scheduled run failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "summary": sum})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.schedulerState())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.schedulerState())
}

// schedulerState reports nextRun only while the loop is running.
func (h *Handler) schedulerState() map[string]any {
	running := h.sched.IsRunning()
	body := map[string]any{"running": running}
	if running {
		body["nextRun"] = h.sched.NextRun(time.Now().UTC())
	}
	return body
}

type sentMessage struct {
	ID                string     `json:"id"`
	ClientID          string     `json:"clientId"`
	LeadID            string     `json:"leadId"`
	SequenceType      string     `json:"sequenceType,omitempty"`
	SequenceStep      int        `json:"sequenceStep"`
	Content           string     `json:"content"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
}

func (h *Handler) ListSentMessages(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	msgs, err := h.repo.ListSent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]sentMessage, 0, len(msgs))
	for _, m := range msgs {
		item := sentMessage{
			ID:                m.ID,
			ClientID:          m.ClientID,
			LeadID:            m.LeadID,
			SequenceType:      m.SequenceType,
			SequenceStep:      m.SequenceStep,
			Content:           m.Content,
			SentAt:            m.State.SentAt,
			ProviderMessageID: m.State.ProviderMessageID,
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// MessageReceipt reports the provider id of a sent message, from the
// receipt cache when present and the store otherwise.
func (h *Handler) MessageReceipt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rc, err := h.receipts.LookupSent(r.Context(), id)
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": id, "providerMessageId": rc.ProviderMessageID, "sentAt": rc.SentAt, "source": "cache",
		})
		return
	}
	if !errors.Is(err, cache.ErrMiss) {
		h.log.Warn().Err(err).Str("message_id", id).Msg("receipt cache lookup failed")
	}

	m, err := h.repo.Get(r.Context(), id)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !m.Sent() || m.State.ProviderMessageID == "" {
		writeJSON(w, http.StatusConflict, map[string]any{"id": id, "status": m.State.Status})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": id, "providerMessageId": m.State.ProviderMessageID, "sentAt": m.State.SentAt, "source": "store",
	})
}

func (h *Handler) Escalate(w http.ResponseWriter, r *http.Request) {
	var req escalation.EscalateRequest
	if !h.bind(w, r, &req) {
		return
	}

	res, err := h.escalations.Escalate(r.Context(), req)
	if errors.Is(err, repo.ErrNotFound) {
		writeError(w, http.StatusNotFound, "lead not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("lead_id", req.LeadID).Msg("escalate")
		writeError(w, http.StatusInternalServerError, "escalation failed")
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type claimRequest struct {
	Token       string `json:"token" validate:"required,max=128"`
	ResponderID string `json:"responderId" validate:"required"`
}

func (h *Handler) ClaimEscalation(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.bind(w, r, &req) {
		return
	}

	res, err := h.escalations.Claim(r.Context(), req.Token, req.ResponderID)
	if err != nil {
		h.log.Error().Err(err).Msg("claim escalation")
		writeError(w, http.StatusInternalServerError, "claim failed")
		return
	}

	switch {
	case res.Success:
		writeJSON(w, http.StatusOK, res)
	case res.Reason == escalation.ReasonInvalidToken:
		writeJSON(w, http.StatusNotFound, res)
	default:
		writeJSON(w, http.StatusConflict, res)
	}
}

type consentRequest struct {
	ClientID string `json:"clientId" validate:"required"`
	Phone    string `json:"phone" validate:"required,e164"`
	Reason   string `json:"reason" validate:"max=200"`
}

func (h *Handler) OptOut(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !h.bind(w, r, &req) {
		return
	}
	n, err := h.consent.RecordOptOut(r.Context(), req.ClientID, req.Phone)
	if err != nil {
		h.log.Error().Err(err).Msg("record opt-out")
		writeError(w, http.StatusInternalServerError, "opt-out failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"optedOut": true, "cancelled": n})
}

func (h *Handler) Block(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !h.bind(w, r, &req) {
		return
	}
	n, err := h.consent.RecordBlock(r.Context(), req.ClientID, req.Phone, req.Reason)
	if err != nil {
		h.log.Error().Err(err).Msg("record block")
		writeError(w, http.StatusInternalServerError, "block failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true, "cancelled": n})
}

// bind decodes and validates a JSON body, writing a 400 on failure.
func (h *Handler) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, validationError(err))
		return false
	}
	return true
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

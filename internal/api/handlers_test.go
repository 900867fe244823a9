package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/compliant-messaging/internal/cache"
	"github.com/LeventeLantos/compliant-messaging/internal/escalation"
	"github.com/LeventeLantos/compliant-messaging/internal/logger"
	"github.com/LeventeLantos/compliant-messaging/internal/model"
	"github.com/LeventeLantos/compliant-messaging/internal/repo"
	"github.com/LeventeLantos/compliant-messaging/internal/scheduler"
	"github.com/LeventeLantos/compliant-messaging/internal/service"
)

const testSecret = "s3cret"

type fakeRepo struct {
	repo.MessageRepository

	// capture args
	gotLimit  int
	gotOffset int
	calls     atomic.Int32

	// behavior
	items []model.ScheduledMessage
	err   error
	byID  map[string]model.ScheduledMessage
}

func (f *fakeRepo) Get(ctx context.Context, id string) (model.ScheduledMessage, error) {
	f.calls.Add(1)
	m, ok := f.byID[id]
	if !ok {
		return model.ScheduledMessage{}, repo.ErrNotFound
	}
	return m, nil
}

func (f *fakeRepo) ListSent(ctx context.Context, limit, offset int) ([]model.ScheduledMessage, error) {
	f.calls.Add(1)
	f.gotLimit = limit
	f.gotOffset = offset
	return f.items, f.err
}

type fakeRunner struct {
	calls atomic.Int32
	sum   service.RunSummary
	err   error
}

func (f *fakeRunner) Run(ctx context.Context) (service.RunSummary, error) {
	f.calls.Add(1)
	return f.sum, f.err
}

type fakeEscalations struct {
	gotReq    escalation.EscalateRequest
	escResult escalation.EscalateResult
	escErr    error

	gotToken     string
	gotResponder string
	claim        escalation.ClaimResult
	claimErr     error
}

func (f *fakeEscalations) Escalate(ctx context.Context, req escalation.EscalateRequest) (escalation.EscalateResult, error) {
	f.gotReq = req
	return f.escResult, f.escErr
}

func (f *fakeEscalations) Claim(ctx context.Context, token, responderID string) (escalation.ClaimResult, error) {
	f.gotToken, f.gotResponder = token, responderID
	return f.claim, f.claimErr
}

type fakeConsent struct {
	optOuts   []string
	blocks    []string
	cancelled int
}

func (f *fakeConsent) RecordOptOut(ctx context.Context, clientID, phone string) (int, error) {
	f.optOuts = append(f.optOuts, clientID+"/"+phone)
	return f.cancelled, nil
}

func (f *fakeConsent) RecordBlock(ctx context.Context, clientID, phone, reason string) (int, error) {
	f.blocks = append(f.blocks, clientID+"/"+phone+"/"+reason)
	return f.cancelled, nil
}

type testServer struct {
	sched   *scheduler.Scheduler
	repo    *fakeRepo
	runner  *fakeRunner
	esc     *fakeEscalations
	consent *fakeConsent
	mux     http.Handler
}

func newTestServer(t *testing.T, r *fakeRepo) *testServer {
	t.Helper()

	// Long interval so only the immediate tick happens (noop anyway).
	s, err := scheduler.NewEvery(time.Hour, func(context.Context) {}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })

	ts := &testServer{
		sched:   s,
		repo:    r,
		runner:  &fakeRunner{},
		esc:     &fakeEscalations{},
		consent: &fakeConsent{},
	}
	h := NewHandler(Deps{
		Scheduler:   s,
		Messages:    r,
		Runner:      ts.runner,
		Escalations: ts.esc,
		Consent:     ts.consent,
	}, logger.Nop())
	ts.mux = Router(h, RouterConfig{Secret: testSecret, CORSOrigins: []string{"https://app.example.com"}}, logger.Nop())
	return ts
}

func (ts *testServer) do(method, target, body string, authed bool) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), "body=%q", rr.Body.String())
	return m
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodGet, "/v1/health", "", false)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, true, decodeJSON(t, rr)["ok"])
}

func TestSchedulerEndpoints(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodGet, "/v1/scheduler/status", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, false, decodeJSON(t, rr)["running"])

	assert.NotContains(t, decodeJSON(t, rr), "nextRun")

	before := time.Now().UTC()
	rr = ts.do(http.MethodPost, "/v1/scheduler/start", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decodeJSON(t, rr)["running"], "expected running after start")

	rr = ts.do(http.MethodGet, "/v1/scheduler/status", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	raw, ok := decodeJSON(t, rr)["nextRun"].(string)
	require.True(t, ok, "expected nextRun while running")
	next, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.True(t, next.After(before), "nextRun %v should be after %v", next, before)
	assert.True(t, !next.After(time.Now().UTC().Add(time.Hour)), "nextRun %v beyond one interval", next)

	rr = ts.do(http.MethodPost, "/v1/scheduler/stop", "", true)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeJSON(t, rr)
	assert.Equal(t, false, body["running"], "expected stopped after stop")
	assert.NotContains(t, body, "nextRun")
}

func TestListSentMessages_DefaultsAndArgs(t *testing.T) {
	sentAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fr := &fakeRepo{
		items: []model.ScheduledMessage{
			{ID: "m1", ClientID: "c1", LeadID: "l1", Content: "a", State: model.SentState(sentAt, "prov-1")},
		},
	}
	ts := newTestServer(t, fr)

	// No query params => defaults (limit=50, offset=0)
	rr := ts.do(http.MethodGet, "/v1/messages/sent", "", true)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 50, fr.gotLimit)
	assert.Equal(t, 0, fr.gotOffset)

	items, ok := decodeJSON(t, rr)["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "m1", item["id"])
	assert.Equal(t, "prov-1", item["providerMessageId"])
	assert.Equal(t, "2026-03-10T12:00:00Z", item["sentAt"])
}

func TestListSentMessages_ParsesLimitOffset(t *testing.T) {
	fr := &fakeRepo{}
	ts := newTestServer(t, fr)

	rr := ts.do(http.MethodGet, "/v1/messages/sent?limit=10&offset=5", "", true)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 10, fr.gotLimit)
	assert.Equal(t, 5, fr.gotOffset)
}

func TestListSentMessages_InvalidLimitOffsetFallsBackToDefaults(t *testing.T) {
	fr := &fakeRepo{}
	ts := newTestServer(t, fr)

	rr := ts.do(http.MethodGet, "/v1/messages/sent?limit=abc&offset=zzz", "", true)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 50, fr.gotLimit)
	assert.Equal(t, 0, fr.gotOffset)
}

func TestListSentMessages_RepoErrorReturns500(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{err: errors.New("db down")})

	rr := ts.do(http.MethodGet, "/v1/messages/sent", "", true)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "db down")
}

func TestMessageReceipt(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	receipts := cache.NewRedisCache(rdb, time.Hour)

	sentAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fr := &fakeRepo{byID: map[string]model.ScheduledMessage{
		"stored":  {ID: "stored", State: model.SentState(sentAt, "prov-store")},
		"pending": {ID: "pending", State: model.PendingState()},
	}}
	require.NoError(t, receipts.StoreSent(context.Background(), "cached", "prov-cache", sentAt))

	h := NewHandler(Deps{Messages: fr, Receipts: receipts}, logger.Nop())
	mux := Router(h, RouterConfig{Secret: testSecret}, logger.Nop())
	get := func(id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/messages/"+id+"/receipt", nil)
		req.Header.Set("X-Cron-Secret", testSecret)
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}

	rr := get("cached")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeJSON(t, rr)
	assert.Equal(t, "prov-cache", body["providerMessageId"])
	assert.Equal(t, "cache", body["source"])
	assert.Zero(t, fr.calls.Load(), "cache hit must not read the store")

	rr = get("stored")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body = decodeJSON(t, rr)
	assert.Equal(t, "prov-store", body["providerMessageId"])
	assert.Equal(t, "store", body["source"])

	rr = get("pending")
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "pending", decodeJSON(t, rr)["status"])

	assert.Equal(t, http.StatusNotFound, get("missing").Code)
}

func TestSecret_RejectsBeforeTouchingStores(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"missing", func(r *http.Request) {}},
		{"wrong bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }},
		{"wrong header", func(r *http.Request) { r.Header.Set("X-Cron-Secret", "nope") }},
		{"basic scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+testSecret) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, target := range []string{"/v1/cron/process-scheduled", "/v1/messages/sent"} {
				req := httptest.NewRequest(http.MethodGet, target, nil)
				tc.setup(req)
				rr := httptest.NewRecorder()
				ts.mux.ServeHTTP(rr, req)

				assert.Equal(t, http.StatusUnauthorized, rr.Code, target)
				assert.Equal(t, "unauthorized", decodeJSON(t, rr)["error"])
			}
		})
	}

	assert.Zero(t, ts.runner.calls.Load(), "runner must not run without the secret")
	assert.Zero(t, ts.repo.calls.Load(), "store must not be read without the secret")
}

func TestSecret_EmptyConfiguredSecretRejectsAll(t *testing.T) {
	runner := &fakeRunner{}
	h := NewHandler(Deps{Runner: runner}, logger.Nop())
	mux := Router(h, RouterConfig{}, logger.Nop())

	req := httptest.NewRequest(http.MethodPost, "/v1/cron/process-scheduled", nil)
	req.Header.Set("Authorization", "Bearer ")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Zero(t, runner.calls.Load())
}

func TestProcessScheduled_AcceptsEverySecretForm(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	ts.runner.sum = service.RunSummary{Processed: 3, Sent: 2, Skipped: 1}

	reqs := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/v1/cron/process-scheduled?secret="+testSecret, nil),
		httptest.NewRequest(http.MethodPost, "/v1/cron/process-scheduled", nil),
		httptest.NewRequest(http.MethodPost, "/v1/cron/process-scheduled", nil),
	}
	reqs[1].Header.Set("Authorization", "Bearer "+testSecret)
	reqs[2].Header.Set("X-Cron-Secret", testSecret)

	for _, req := range reqs {
		rr := httptest.NewRecorder()
		ts.mux.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		body := decodeJSON(t, rr)
		assert.EqualValues(t, 3, body["processed"])
		assert.EqualValues(t, 2, body["sent"])
		assert.EqualValues(t, 1, body["skipped"])
	}
	assert.EqualValues(t, 3, ts.runner.calls.Load())
}

func TestProcessScheduled_RunErrorReturns500(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	ts.runner.err = errors.New("list due: db down")

	rr := ts.do(http.MethodPost, "/v1/cron/process-scheduled", "", true)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "db down")
}

func TestEscalate(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	ts.esc.escResult = escalation.EscalateResult{ClaimID: "e1", ClaimToken: "tok", NotifiedCount: 2}

	rr := ts.do(http.MethodPost, "/v1/escalations",
		`{"leadId":"l1","clientId":"c1","reason":"angry customer","lastMessage":"call me"}`, true)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	body := decodeJSON(t, rr)
	assert.Equal(t, "tok", body["claimToken"])
	assert.EqualValues(t, 2, body["notifiedCount"])
	assert.Equal(t, "l1", ts.esc.gotReq.LeadID)
	assert.Equal(t, "call me", ts.esc.gotReq.LastMessage)
}

func TestEscalate_UnknownLeadReturns404(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	ts.esc.escErr = repo.ErrNotFound

	rr := ts.do(http.MethodPost, "/v1/escalations", `{"leadId":"l1","clientId":"c1","reason":"x"}`, true)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEscalate_ValidationErrors(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodPost, "/v1/escalations", `{"leadId":"l1"}`, true)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, "validation_failed", body["error"])
	fields := body["fields"].(map[string]any)
	assert.Contains(t, fields, "clientid")
	assert.Contains(t, fields, "reason")
	assert.Empty(t, ts.esc.gotReq.LeadID, "service must not be called")
}

func TestEscalate_MalformedJSON(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodPost, "/v1/escalations", `{"leadId":`, true)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid json body", decodeJSON(t, rr)["error"])
}

func TestClaimEscalation_StatusCodes(t *testing.T) {
	cases := []struct {
		name   string
		result escalation.ClaimResult
		want   int
	}{
		{"won", escalation.ClaimResult{Success: true, LeadID: "l1"}, http.StatusOK},
		{"invalid token", escalation.ClaimResult{Reason: escalation.ReasonInvalidToken}, http.StatusNotFound},
		{"already claimed", escalation.ClaimResult{Reason: escalation.ReasonAlreadyClaimed, ClaimedByName: "Cy"}, http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, &fakeRepo{})
			ts.esc.claim = tc.result

			// No secret: the token is the credential.
			rr := ts.do(http.MethodPost, "/v1/escalations/claim", `{"token":"abc","responderId":"r1"}`, false)

			require.Equal(t, tc.want, rr.Code, rr.Body.String())
			assert.Equal(t, "abc", ts.esc.gotToken)
			assert.Equal(t, "r1", ts.esc.gotResponder)
			body := decodeJSON(t, rr)
			assert.Equal(t, tc.result.Success, body["success"])
		})
	}
}

func TestClaimEscalation_AlreadyClaimedCarriesWinnerName(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	ts.esc.claim = escalation.ClaimResult{Reason: escalation.ReasonAlreadyClaimed, ClaimedByName: "Cy"}

	rr := ts.do(http.MethodPost, "/v1/escalations/claim", `{"token":"abc","responderId":"r1"}`, false)

	require.Equal(t, http.StatusConflict, rr.Code)
	body := decodeJSON(t, rr)
	assert.Equal(t, "already_claimed", body["reason"])
	assert.Equal(t, "Cy", body["claimedByName"])
}

func TestClaimEscalation_CORSPreflight(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	req := httptest.NewRequest(http.MethodOptions, "/v1/escalations/claim", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ts.mux.ServeHTTP(rr, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestOptOut(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	ts.consent.cancelled = 2

	rr := ts.do(http.MethodPost, "/v1/consent/opt-out", `{"clientId":"c1","phone":"+15550001111"}`, true)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.EqualValues(t, 2, decodeJSON(t, rr)["cancelled"])
	assert.Equal(t, []string{"c1/+15550001111"}, ts.consent.optOuts)
}

func TestOptOut_RejectsMalformedPhone(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodPost, "/v1/consent/opt-out", `{"clientId":"c1","phone":"555-1111"}`, true)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	fields := decodeJSON(t, rr)["fields"].(map[string]any)
	assert.Contains(t, fields, "phone")
	assert.Empty(t, ts.consent.optOuts)
}

func TestBlock(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodPost, "/v1/consent/block", `{"clientId":"c1","phone":"+15550001111","reason":"carrier complaint"}`, true)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, true, decodeJSON(t, rr)["blocked"])
	assert.Equal(t, []string{"c1/+15550001111/carrier complaint"}, ts.consent.blocks)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})
	_ = ts.do(http.MethodGet, "/v1/health", "", false)

	rr := ts.do(http.MethodGet, "/metrics", "", false)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "messaging_http_requests_total")
}

func TestRouterRoot(t *testing.T) {
	ts := newTestServer(t, &fakeRepo{})

	rr := ts.do(http.MethodGet, "/", "", false)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "compliant-messaging", strings.TrimSpace(rr.Body.String()))
}

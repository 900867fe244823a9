package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RoutesBySequenceType(t *testing.T) {
	r := NewRegistry()
	r.Register("no_show", Static("We missed you"))
	r.Register("win_back", Func(func(ctx context.Context, seq, leadID, clientID string) (string, error) {
		return "Come back " + leadID, nil
	}))

	got, err := r.Resolve(context.Background(), "win_back", "lead-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Come back lead-1", got)

	got, err = r.Resolve(context.Background(), "no_show", "lead-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "We missed you", got)
}

func TestRegistry_UnknownSequenceWithoutDefault(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve(context.Background(), "nope", "l", "c")
	assert.ErrorIs(t, err, ErrCannotGenerate)
}

func TestRegistry_FallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	r.SetDefault(Static("default text"))

	got, err := r.Resolve(context.Background(), "anything", "l", "c")
	require.NoError(t, err)
	assert.Equal(t, "default text", got)
}

func TestRegistry_DefaultReceivesSequenceType(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen = append(seen, req.SequenceType)
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(resolveResponse{Text: "text for " + req.SequenceType})
	}))
	defer srv.Close()

	r := NewRegistry()
	r.SetDefault(NewHTTPResolver(srv.URL, time.Second))

	got, err := r.Resolve(context.Background(), "no_show_recovery", "l", "c")
	require.NoError(t, err)
	assert.Equal(t, "text for no_show_recovery", got)

	got, err = r.Resolve(context.Background(), "win_back", "l", "c")
	require.NoError(t, err)
	assert.Equal(t, "text for win_back", got)

	assert.Equal(t, []string{"no_show_recovery", "win_back"}, seen)
}

func TestRegistry_BlankTextIsCannotGenerate(t *testing.T) {
	r := NewRegistry()
	r.Register("seq", Func(func(context.Context, string, string, string) (string, error) { return "  ", nil }))

	_, err := r.Resolve(context.Background(), "seq", "l", "c")
	assert.ErrorIs(t, err, ErrCannotGenerate)
}

func TestRegistry_PassesTransientErrors(t *testing.T) {
	boom := errors.New("upstream down")
	r := NewRegistry()
	r.Register("seq", Func(func(context.Context, string, string, string) (string, error) { return "", boom }))

	_, err := r.Resolve(context.Background(), "seq", "l", "c")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCannotGenerate)
}

func TestHTTPResolver_Success(t *testing.T) {
	var got resolveRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Hi Ann, still interested?"}`))
	}))
	defer srv.Close()

	h := NewHTTPResolver(srv.URL, time.Second)
	text, err := h.Resolve(context.Background(), "win_back", "lead-1", "client-1")
	require.NoError(t, err)
	assert.Equal(t, "Hi Ann, still interested?", text)
	assert.Equal(t, resolveRequest{LeadID: "lead-1", ClientID: "client-1", SequenceType: "win_back"}, got)
}

func TestHTTPResolver_CannotGenerate(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"no content": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) },
		"unprocessable": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnprocessableEntity)
		},
		"empty text": func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{"text":""}`)) },
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := NewHTTPResolver(srv.URL, time.Second).Resolve(context.Background(), "seq", "l", "c")
			assert.ErrorIs(t, err, ErrCannotGenerate)
		})
	}
}

func TestHTTPResolver_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream"))
	}))
	defer srv.Close()

	_, err := NewHTTPResolver(srv.URL, time.Second).Resolve(context.Background(), "seq", "l", "c")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCannotGenerate)
	assert.Contains(t, err.Error(), "unexpected status code: 502")
}

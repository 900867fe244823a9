package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPResolver asks a text generation service for the message body.
// 204 and 422 responses, or an empty text, mean nothing can be generated.
type HTTPResolver struct {
	url    string
	client *http.Client
}

func NewHTTPResolver(url string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPResolver{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type resolveRequest struct {
	LeadID       string `json:"leadId"`
	ClientID     string `json:"clientId"`
	SequenceType string `json:"sequenceType,omitempty"`
}

type resolveResponse struct {
	Text string `json:"text"`
}

func (h *HTTPResolver) Resolve(ctx context.Context, sequenceType, leadID, clientID string) (string, error) {
	reqBody, err := json.Marshal(resolveRequest{
		LeadID:       leadID,
		ClientID:     clientID,
		SequenceType: sequenceType,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusUnprocessableEntity:
		return "", ErrCannotGenerate
	default:
		return "", fmt.Errorf("resolver: unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var rr resolveResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return "", fmt.Errorf("resolver: failed to decode json: %w body=%q", err, string(body))
	}
	if strings.TrimSpace(rr.Text) == "" {
		return "", ErrCannotGenerate
	}
	return rr.Text, nil
}

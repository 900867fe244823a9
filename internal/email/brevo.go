package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const DefaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

// Ensure Brevo implements Sender
var _ Sender = (*Brevo)(nil)

type Brevo struct {
	apiKey string
	sender string
	url    string
	http   *http.Client
}

func NewBrevo(apiKey, sender, url string) *Brevo {
	if url == "" {
		url = DefaultBrevoURL
	}
	return &Brevo{apiKey: apiKey, sender: sender, url: url, http: &http.Client{Timeout: 10 * time.Second}}
}

type brevoEmail struct {
	To          []map[string]string `json:"to"`
	Sender      map[string]string   `json:"sender"`
	Subject     string              `json:"subject"`
	TextContent string              `json:"textContent"`
}

func (b *Brevo) Send(ctx context.Context, to, subject, body string) error {
	if b.apiKey == "" || b.sender == "" {
		return fmt.Errorf("brevo not configured")
	}
	payload := brevoEmail{
		To:          []map[string]string{{"email": to}},
		Sender:      map[string]string{"email": b.sender},
		Subject:     subject,
		TextContent: body,
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("brevo send failed: %s", resp.Status)
	}
	return nil
}

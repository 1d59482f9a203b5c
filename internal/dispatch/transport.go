// Package dispatch sends built digest artifacts out over a pluggable
// transport and records the delivery lifecycle.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport delivers one rendered artifact to a recipient and returns the
// provider's message id for the audit trail.
type Transport interface {
	Send(ctx context.Context, recipient, subject, body string) (messageID string, err error)
}

// WebhookTransport posts the artifact as JSON to a fixed endpoint, typically
// an internal mail relay or notification bridge.
type WebhookTransport struct {
	URL    string
	Client *http.Client
}

// NewWebhookTransport creates a transport posting to url.
func NewWebhookTransport(url string) *WebhookTransport {
	return &WebhookTransport{
		URL:    url,
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

type webhookEnvelope struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func (t *WebhookTransport) Send(ctx context.Context, recipient, subject, body string) (string, error) {
	payload, err := json.Marshal(webhookEnvelope{Recipient: recipient, Subject: subject, Body: body})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post digest: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("post digest: unexpected status %d", resp.StatusCode)
	}

	if id := resp.Header.Get("X-Message-Id"); id != "" {
		return id, nil
	}
	return uuid.NewString(), nil
}

// MemoryTransport records sends in memory. Test double; also handy as a
// dry-run sink.
type MemoryTransport struct {
	mu    sync.Mutex
	Sends []MemorySend

	// FailNext makes that many Send calls return an error before recovering.
	FailNext int
}

// MemorySend is one captured Send call.
type MemorySend struct {
	Recipient string
	Subject   string
	Body      string
}

func (t *MemoryTransport) Send(_ context.Context, recipient, subject, body string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.FailNext > 0 {
		t.FailNext--
		return "", fmt.Errorf("transport unavailable")
	}
	t.Sends = append(t.Sends, MemorySend{Recipient: recipient, Subject: subject, Body: body})
	return fmt.Sprintf("mem-%d", len(t.Sends)), nil
}

// Sent returns a copy of the captured sends.
func (t *MemoryTransport) Sent() []MemorySend {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MemorySend, len(t.Sends))
	copy(out, t.Sends)
	return out
}

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookTransportSend(t *testing.T) {
	var got webhookEnvelope
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("X-Message-Id", "msg-99")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	tr := NewWebhookTransport(ts.URL)
	id, err := tr.Send(context.Background(), "exec@firm.co", "digest", "body text")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "msg-99" {
		t.Errorf("message id = %q, want relay-provided id", id)
	}
	if got.Recipient != "exec@firm.co" || got.Body != "body text" {
		t.Errorf("envelope = %+v", got)
	}
}

func TestWebhookTransportNon2xx(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	tr := NewWebhookTransport(ts.URL)
	if _, err := tr.Send(context.Background(), "a", "s", "b"); err == nil {
		t.Error("expected error for 502 response")
	}
}

func TestWebhookTransportGeneratesIDWhenMissing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := NewWebhookTransport(ts.URL)
	id, err := tr.Send(context.Background(), "a", "s", "b")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("expected a generated message id")
	}
}

func TestMemoryTransport(t *testing.T) {
	tr := &MemoryTransport{FailNext: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := tr.Send(ctx, "r", "s", "b"); err == nil {
			t.Fatalf("send %d: expected injected failure", i)
		}
	}

	id, err := tr.Send(ctx, "r", "s", "b")
	if err != nil {
		t.Fatalf("Send after failures: %v", err)
	}
	if id == "" {
		t.Error("empty message id")
	}
	if sent := tr.Sent(); len(sent) != 1 || sent[0].Recipient != "r" {
		t.Errorf("Sent = %+v", sent)
	}
}

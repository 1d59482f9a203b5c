package bus

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMessagePointerRoundTrip(t *testing.T) {
	ptr := EventPointer{
		EventID:    uuid.New(),
		Module:     "Leads",
		ExternalID: "4876876000000123456",
		EnqueuedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(ptr)
	if err != nil {
		t.Fatal(err)
	}

	msg := &Message{Body: body}
	got, err := msg.Pointer()
	if err != nil {
		t.Fatalf("Pointer: %v", err)
	}
	if got.EventID != ptr.EventID || got.Module != "Leads" || got.ExternalID != ptr.ExternalID {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.EnqueuedAt.Equal(ptr.EnqueuedAt) {
		t.Errorf("EnqueuedAt = %v, want %v", got.EnqueuedAt, ptr.EnqueuedAt)
	}
}

func TestMessagePointerMalformed(t *testing.T) {
	msg := &Message{Body: []byte("not json")}
	if _, err := msg.Pointer(); err == nil {
		t.Error("expected error for malformed body")
	}
}

func TestPointerWireFieldNames(t *testing.T) {
	// Field names are the wire contract with anything else reading the
	// queue table; keep them snake_case.
	body, _ := json.Marshal(EventPointer{Module: "Deals", ExternalID: "7"})
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"event_id", "module", "external_id", "enqueued_at"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing wire field %q in %s", key, body)
		}
	}
}

func TestRetryDelayJitterBounds(t *testing.T) {
	for attempts := 1; attempts <= 10; attempts++ {
		base := math.Min(math.Pow(2, float64(attempts)), 300)
		for i := 0; i < 50; i++ {
			d := retryDelay(attempts)
			min := time.Duration(base / 2 * float64(time.Second))
			max := time.Duration(base * float64(time.Second))
			if d < min || d > max {
				t.Fatalf("retryDelay(%d) = %v, want within [%v, %v]", attempts, d, min, max)
			}
		}
	}
}

func TestRetryDelayDecorrelates(t *testing.T) {
	// Two messages failing at the same attempt should almost never share a
	// wake-up time.
	same := 0
	for i := 0; i < 20; i++ {
		if retryDelay(5) == retryDelay(5) {
			same++
		}
	}
	if same == 20 {
		t.Error("retryDelay produced identical delays every time; jitter missing")
	}
}

package bus

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventPointer is the queue wire format. Messages are small pointers; the
// full payload stays in webhook_log so queue size stays bounded.
type EventPointer struct {
	EventID    uuid.UUID `json:"event_id"`
	Module     string    `json:"module"`
	ExternalID string    `json:"external_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Message is a claimed queue entry. Ack or Nack it exactly once.
type Message struct {
	ID            int64
	Queue         string
	Body          []byte
	CorrelationID string
	Properties    map[string]string
	EnqueuedAt    time.Time
	ExpiresAt     *time.Time
	Attempts      int
}

// Pointer decodes the message body as an EventPointer.
func (m *Message) Pointer() (EventPointer, error) {
	var p EventPointer
	err := json.Unmarshal(m.Body, &p)
	return p, err
}

// DeadLetter is a message that exhausted its retry budget or expired.
type DeadLetter struct {
	ID            int64
	Queue         string
	Body          []byte
	CorrelationID string
	Properties    map[string]string
	EnqueuedAt    time.Time
	DeadAt        time.Time
	Attempts      int
	Reason        string
}

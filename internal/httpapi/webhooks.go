package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/bus"
	"github.com/erauner12/crmsync/internal/crm"
	"github.com/erauner12/crmsync/internal/dedup"
	"github.com/erauner12/crmsync/internal/metrics"
	"github.com/erauner12/crmsync/internal/store"
)

// webhookEnvelope is the vendor's notification shape. Operation and the
// nested data object are optional: some vendor configurations post the
// record payload bare.
type webhookEnvelope struct {
	Operation string         `json:"operation"`
	Data      map[string]any `json:"data"`
}

type webhookAck struct {
	Status  string `json:"status"` // accepted | dedup
	EventID string `json:"event_id,omitempty"`
}

// HandleWebhook ingests one vendor event: authenticate, fingerprint, dedup,
// log, enqueue, 202. Sync work never happens on this path.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Webhook-Auth")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(s.WebhookSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	module, err := crm.ParseModule(chi.URLParam(r, "module"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	payload, kind, wrapper := unwrapEnvelope(raw)

	ext, extractErr := crm.Extract(payload)
	if ext.ExternalID == "" {
		log.Warn().Err(extractErr).Str("module", string(module)).Msg("webhook without record id")
		writeError(w, http.StatusBadRequest, "payload has no record id")
		return
	}

	fingerprint, err := crm.Fingerprint(payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload not canonicalizable")
		return
	}

	metrics.WebhooksReceived.WithLabelValues(string(module)).Inc()

	logger := log.Ctx(r.Context()).With().
		Str("module", string(module)).
		Str("external_id", ext.ExternalID).
		Logger()

	// Cache probe is the cheap first line; the unique constraint below is
	// the durable one. The key is marked only after the event is durably
	// recorded, so a failed insert cannot poison the vendor's retry.
	seenKey := dedup.SeenKey(string(module), ext.ExternalID, fingerprint)
	if seen, err := s.Cache.Seen(r.Context(), seenKey); err != nil {
		logger.Warn().Err(err).Msg("dedup cache probe failed, relying on store constraint")
	} else if seen {
		s.recordDedup(r, module)
		writeJSON(w, http.StatusAccepted, webhookAck{Status: "dedup"})
		return
	}

	event := &store.WebhookEvent{
		EventID:     uuid.New(),
		Module:      module,
		Kind:        kind,
		ExternalID:  ext.ExternalID,
		Payload:     payload,
		Fingerprint: fingerprint,
		Wrapper:     wrapper,
	}
	if err := s.Store.InsertWebhookEvent(r.Context(), event); err != nil {
		if err == store.ErrDuplicateEvent {
			s.markSeen(r, seenKey)
			s.recordDedup(r, module)
			writeJSON(w, http.StatusAccepted, webhookAck{Status: "dedup"})
			return
		}
		logger.Error().Err(err).Msg("webhook event insert failed")
		writeError(w, http.StatusInternalServerError, "event could not be recorded")
		return
	}
	s.markSeen(r, seenKey)

	if err := s.Store.IncrCounter(r.Context(), module, store.CounterWebhooks); err != nil {
		logger.Warn().Err(err).Msg("webhook counter bump failed")
	}

	ptr := bus.EventPointer{
		EventID:    event.EventID,
		Module:     string(module),
		ExternalID: ext.ExternalID,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := s.Bus.Enqueue(r.Context(), ptr, GetCorrelationID(r.Context()), nil); err != nil {
		// The audit row stays pending; the reaper re-enqueues it. Still 202:
		// the event is durably recorded.
		logger.Error().Err(err).Stringer("event_id", event.EventID).
			Msg("enqueue failed, event left pending for recovery")
	}

	writeJSON(w, http.StatusAccepted, webhookAck{Status: "accepted", EventID: event.EventID.String()})
}

// markSeen is best-effort; the webhook_log unique constraint is the durable
// dedup layer.
func (s *Server) markSeen(r *http.Request, key string) {
	if _, err := s.Cache.MarkSeen(r.Context(), key, s.DedupTTL); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("dedup cache mark failed")
	}
}

func (s *Server) recordDedup(r *http.Request, module crm.Module) {
	metrics.DedupHits.WithLabelValues(string(module)).Inc()
	if err := s.Store.IncrCounter(r.Context(), module, store.CounterDedup); err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("dedup counter bump failed")
	}
}

// unwrapEnvelope splits a vendor notification into the record payload, the
// event kind, and the non-record wrapper fields kept for audit.
func unwrapEnvelope(raw map[string]any) (map[string]any, crm.EventKind, map[string]any) {
	kind := crm.EventEdit
	if op, ok := crm.GetString(raw, "operation"); ok {
		if parsed, err := crm.ParseEventKind(op); err == nil {
			kind = parsed
		}
	}

	if data, ok := raw["data"].(map[string]any); ok {
		wrapper := make(map[string]any, len(raw))
		for k, v := range raw {
			if k != "data" {
				wrapper[k] = v
			}
		}
		return data, kind, wrapper
	}
	return raw, kind, nil
}

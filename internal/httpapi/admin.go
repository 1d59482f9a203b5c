package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/auth"
	"github.com/erauner12/crmsync/internal/store"
)

// HandleSyncStatus reports per-module cursors, rolling counters, and the
// current queue depth.
func (s *Server) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.Store.AllModuleStatus(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("sync status load failed")
		writeError(w, http.StatusInternalServerError, "sync status unavailable")
		return
	}

	depth, err := s.Bus.Depth(r.Context())
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("queue depth probe failed")
		depth = -1
	}

	type moduleStatus struct {
		Module            string  `json:"module"`
		Status            string  `json:"status"`
		LastSyncAt        *string `json:"last_sync_at"`
		NextSweepAt       *string `json:"next_sweep_at"`
		WebhooksReceived  int     `json:"webhooks_received_24h"`
		ConflictsDetected int     `json:"conflicts_detected_24h"`
		DedupHits         int     `json:"dedup_hits_24h"`
		LastError         *string `json:"last_error,omitempty"`
	}

	out := struct {
		QueueDepth int64          `json:"queue_depth"`
		Modules    []moduleStatus `json:"modules"`
	}{QueueDepth: depth}

	for _, st := range statuses {
		ms := moduleStatus{
			Module:            string(st.Module),
			Status:            st.Status,
			WebhooksReceived:  st.WebhooksReceived,
			ConflictsDetected: st.ConflictsDetected,
			DedupHits:         st.DedupHits,
			LastError:         st.LastError,
		}
		if st.LastSyncAt != nil {
			t := st.LastSyncAt.UTC().Format("2006-01-02T15:04:05Z")
			ms.LastSyncAt = &t
		}
		if st.NextSweepAt != nil {
			t := st.NextSweepAt.UTC().Format("2006-01-02T15:04:05Z")
			ms.NextSweepAt = &t
		}
		out.Modules = append(out.Modules, ms)
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleListConflicts lists audit rows, filterable by module and resolution
// state.
func (s *Server) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 50, 200)
	offset, _ := strconv.Atoi(q.Get("offset"))
	unresolvedOnly := q.Get("unresolved") == "true"

	conflicts, err := s.Store.ListConflicts(r.Context(), q.Get("module"), unresolvedOnly, limit, offset)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("conflict list failed")
		writeError(w, http.StatusInternalServerError, "conflicts unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type resolveConflictReq struct {
	Strategy string `json:"strategy"`
	Notes    string `json:"notes"`
}

// HandleResolveConflict marks one conflict resolved with an explicit
// strategy.
func (s *Server) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conflict id")
		return
	}

	var req resolveConflictReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	strategy := store.ResolutionStrategy(req.Strategy)
	switch strategy {
	case store.ResolveLastWriteWins, store.ResolveManualReview, store.ResolveDiscard:
	default:
		writeError(w, http.StatusBadRequest, "unknown resolution strategy")
		return
	}

	resolvedBy := userOr(r, "operator")
	if err := s.Store.ResolveConflict(r.Context(), id, strategy, resolvedBy, req.Notes); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conflict not found or already resolved")
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Int64("conflict_id", id).Msg("conflict resolve failed")
		writeError(w, http.StatusInternalServerError, "conflict resolve failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": id})
}

// HandleListDLQ pages through dead letters.
func (s *Server) HandleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 50, 200)
	offset, _ := strconv.Atoi(q.Get("offset"))

	dead, err := s.Bus.ListDead(r.Context(), limit, offset)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("dead letter list failed")
		writeError(w, http.StatusInternalServerError, "dead letters unavailable")
		return
	}

	type deadLetter struct {
		ID            int64             `json:"id"`
		Body          json.RawMessage   `json:"body"`
		CorrelationID string            `json:"correlation_id"`
		Properties    map[string]string `json:"properties"`
		DeadAt        string            `json:"dead_at"`
		Attempts      int               `json:"attempts"`
		Reason        string            `json:"reason"`
	}

	out := make([]deadLetter, 0, len(dead))
	for _, d := range dead {
		out = append(out, deadLetter{
			ID:            d.ID,
			Body:          json.RawMessage(d.Body),
			CorrelationID: d.CorrelationID,
			Properties:    d.Properties,
			DeadAt:        d.DeadAt.UTC().Format("2006-01-02T15:04:05Z"),
			Attempts:      d.Attempts,
			Reason:        d.Reason,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

// HandleReplayDLQ moves one dead letter back onto the queue with a fresh
// retry budget.
func (s *Server) HandleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	if err := s.Bus.Replay(r.Context(), id); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Int64("dead_letter_id", id).Msg("dead letter replay failed")
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	log.Ctx(r.Context()).Info().Int64("dead_letter_id", id).Str("by", userOr(r, "operator")).
		Msg("dead letter replayed")
	writeJSON(w, http.StatusOK, map[string]any{"replayed": id})
}

func userOr(r *http.Request, fallback string) string {
	if u := auth.UserID(r.Context()); u != "" {
		return u
	}
	return fallback
}

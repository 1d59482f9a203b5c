package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/scheduler"
	"github.com/erauner12/crmsync/internal/store"
)

type subscriptionReq struct {
	UserID    string         `json:"user_id"`
	Recipient string         `json:"recipient"`
	Audience  string         `json:"audience"`
	Cadence   string         `json:"cadence"`
	MaxItems  int            `json:"max_items"`
	Timezone  string         `json:"timezone"`
	Active    *bool          `json:"active"`
	Filters   map[string]any `json:"filters"`
}

func (req *subscriptionReq) validate() (store.Cadence, *time.Location, error) {
	cadence, err := store.ParseCadence(req.Cadence)
	if err != nil {
		return "", nil, err
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		return "", nil, errors.New("unknown timezone " + strconv.Quote(req.Timezone))
	}
	if req.UserID == "" || req.Recipient == "" {
		return "", nil, errors.New("user_id and recipient are required")
	}
	if req.MaxItems <= 0 {
		req.MaxItems = 10
	}
	if req.Audience == "" {
		req.Audience = "recruiting"
	}
	return cadence, loc, nil
}

// audienceGate enforces that privileged audiences only reach users whose
// role qualifies. A subscription row is a standing grant; the check has to
// happen here, not just at build time. Returns a non-zero status to reject.
func (s *Server) audienceGate(ctx context.Context, userID, audience string) (int, string) {
	if s.Builder == nil || !s.Builder.PrivilegedAudiences[audience] {
		return 0, ""
	}
	role, err := s.Roles.GetRole(ctx, userID)
	if err != nil {
		return http.StatusInternalServerError, "role resolve failed"
	}
	if !role.Privileged() {
		return http.StatusForbidden,
			"audience " + strconv.Quote(audience) + " requires a privileged role"
	}
	return 0, ""
}

// HandleCreateSubscription registers a digest subscription and computes its
// first cadence anchor.
func (s *Server) HandleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req subscriptionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	cadence, _, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if code, msg := s.audienceGate(r.Context(), req.UserID, req.Audience); code != 0 {
		writeError(w, code, msg)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	sub := &store.Subscription{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Recipient: req.Recipient,
		Audience:  req.Audience,
		Cadence:   cadence,
		MaxItems:  req.MaxItems,
		Timezone:  req.Timezone,
		Active:    active,
		Filters:   req.Filters,
	}
	if active {
		next, err := scheduler.NextAnchor(cadence, time.Now(), req.Timezone)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sub.NextDeliveryAt = &next
	}

	if err := s.Store.CreateSubscription(r.Context(), sub); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("subscription create failed")
		writeError(w, http.StatusInternalServerError, "subscription create failed")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// HandleUpdateSubscription rewrites a subscription and recomputes the anchor
// when cadence, timezone, or activation changed.
func (s *Server) HandleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	existing, err := s.Store.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "subscription load failed")
		return
	}

	var req subscriptionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.UserID == "" {
		req.UserID = existing.UserID
	}
	if req.Recipient == "" {
		req.Recipient = existing.Recipient
	}
	if req.Cadence == "" {
		req.Cadence = string(existing.Cadence)
	}
	if req.Timezone == "" {
		req.Timezone = existing.Timezone
	}
	cadence, _, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if code, msg := s.audienceGate(r.Context(), req.UserID, req.Audience); code != 0 {
		writeError(w, code, msg)
		return
	}

	active := existing.Active
	if req.Active != nil {
		active = *req.Active
	}

	existing.Recipient = req.Recipient
	existing.Audience = req.Audience
	existing.Cadence = cadence
	existing.MaxItems = req.MaxItems
	existing.Timezone = req.Timezone
	existing.Active = active
	existing.Filters = req.Filters

	if active {
		next, err := scheduler.NextAnchor(cadence, time.Now(), req.Timezone)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		existing.NextDeliveryAt = &next
	} else {
		existing.NextDeliveryAt = nil
	}

	if err := s.Store.UpdateSubscription(r.Context(), existing); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("subscription update failed")
		writeError(w, http.StatusInternalServerError, "subscription update failed")
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// HandleGetSubscription returns one subscription with recent delivery
// history.
func (s *Server) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	sub, err := s.Store.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "subscription load failed")
		return
	}

	deliveries, err := s.Store.ListDeliveries(r.Context(), id, 20)
	if err != nil {
		log.Ctx(r.Context()).Warn().Err(err).Msg("delivery history load failed")
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscription": sub, "deliveries": deliveries})
}

// HandleListSubscriptions pages all subscriptions.
func (s *Server) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 50, 200)
	offset, _ := strconv.Atoi(q.Get("offset"))

	subs, err := s.Store.ListSubscriptions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "subscription list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// HandlePreviewDigest builds the artifact a subscription would receive right
// now, without sending or recording anything.
func (s *Server) HandlePreviewDigest(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid subscription id")
		return
	}

	sub, err := s.Store.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "subscription not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "subscription load failed")
		return
	}

	role, err := s.Roles.GetRole(r.Context(), sub.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "role resolve failed")
		return
	}

	artifact, err := s.Builder.Build(r.Context(), *sub, role, time.Now().UTC())
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("digest preview failed")
		writeError(w, http.StatusInternalServerError, "digest preview failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"body":          artifact.Body,
		"item_count":    artifact.ItemCount,
		"table_version": artifact.TableVersion,
	})
}

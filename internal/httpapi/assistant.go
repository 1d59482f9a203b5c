package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/auth"
)

type assistantReq struct {
	Message string `json:"message"`
}

type assistantResp struct {
	Reply      string `json:"reply"`
	Clarifying bool   `json:"clarifying"`
	SessionID  string `json:"session_id,omitempty"`
}

// HandleAssistantMessage runs one conversation turn for the authenticated
// user.
func (s *Server) HandleAssistantMessage(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req assistantReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.Engine.HandleMessage(r.Context(), userID, req.Message)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("user_id", userID).Msg("assistant turn failed")
		writeError(w, http.StatusInternalServerError, "assistant unavailable")
		return
	}

	resp := assistantResp{Reply: reply.Text, Clarifying: reply.Clarifying}
	if reply.SessionID != nil {
		resp.SessionID = reply.SessionID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

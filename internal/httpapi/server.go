// Package httpapi exposes the engine's HTTP surfaces: the webhook receiver,
// the operator admin API, the assistant endpoint, and health probes.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/auth"
	"github.com/erauner12/crmsync/internal/bus"
	"github.com/erauner12/crmsync/internal/convo"
	"github.com/erauner12/crmsync/internal/dedup"
	"github.com/erauner12/crmsync/internal/digest"
	"github.com/erauner12/crmsync/internal/store"
)

// RoleSource resolves a user's digest role. Satisfied by *store.Store.
type RoleSource interface {
	GetRole(ctx context.Context, userID string) (store.Role, error)
}

// Server holds the dependencies shared by all handlers.
type Server struct {
	DB      *pgxpool.Pool
	Store   *store.Store
	Bus     *bus.Bus
	Cache   dedup.Cache
	Engine  *convo.Engine
	Builder *digest.Builder
	Roles   RoleSource

	Auth          auth.Cfg
	WebhookSecret string
	DedupTTL      time.Duration
}

type errorResp struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResp{Error: msg})
}

// parseLimit parses a limit query param with default and max.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

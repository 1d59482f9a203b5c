package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/crmsync/internal/auth"
)

// Routes builds the full HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Probes and metrics, unauthenticated.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	// Vendor ingestion: shared-secret auth inside the handler, per-source
	// rate limit in front.
	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(RateLimitInfo{
			WindowSeconds: 60, MaxRequests: 1200, Burst: 200,
		}, KeyByRemoteAddr))
		r.Post("/webhooks/{module}", s.HandleWebhook)
	})

	// Operator and assistant surfaces.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth))
		r.Use(RateLimitMiddleware(RateLimitInfo{
			WindowSeconds: 60, MaxRequests: 600, Burst: 120,
		}, KeyByUser))

		r.Post("/assistant/message", s.HandleAssistantMessage)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/sync-status", s.HandleSyncStatus)

			r.Get("/conflicts", s.HandleListConflicts)
			r.Post("/conflicts/{id}/resolve", s.HandleResolveConflict)

			r.Get("/dlq", s.HandleListDLQ)
			r.Post("/dlq/{id}/replay", s.HandleReplayDLQ)

			r.Route("/subscriptions", func(r chi.Router) {
				r.Get("/", s.HandleListSubscriptions)
				r.Post("/", s.HandleCreateSubscription)
				r.Get("/{id}", s.HandleGetSubscription)
				r.Put("/{id}", s.HandleUpdateSubscription)
				r.Get("/{id}/preview", s.HandlePreviewDigest)
			})
		})
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz verifies the database and cache are reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.DB.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	if s.Cache != nil {
		if err := s.Cache.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "cache unreachable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

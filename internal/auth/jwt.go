// Package auth guards the admin and assistant surfaces. Two credentials are
// accepted: a static operator API key or a Bearer JWT whose subject becomes
// the acting user id.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const ctxUserID ctxKey = "uid"

// APIKeyUser is the synthetic subject for requests authenticated with the
// operator API key.
const APIKeyUser = "operator"

// Cfg holds authentication configuration.
type Cfg struct {
	// APIKey authorizes operator tooling via the X-API-Key header.
	APIKey string

	// HS256Secret validates Bearer JWTs. Empty disables JWT auth.
	HS256Secret string

	// DevMode accepts an X-Debug-Sub header in place of credentials.
	// Never enable outside local development.
	DevMode bool
}

// Middleware authenticates requests and stashes the subject in the context.
func Middleware(cfg Cfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header bypasses authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub := ""

			if key := r.Header.Get("X-API-Key"); key != "" && cfg.APIKey != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.APIKey)) == 1 {
					sub = APIKeyUser
				}
			}

			if sub == "" && cfg.HS256Secret != "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
					claims := jwt.MapClaims{}
					t, err := jwt.ParseWithClaims(h[7:], claims, func(t *jwt.Token) (any, error) {
						if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
							return nil, jwt.ErrSignatureInvalid
						}
						return []byte(cfg.HS256Secret), nil
					})
					if err != nil || !t.Valid {
						log.Warn().Err(err).Msg("jwt validation failed")
						http.Error(w, "unauthorized", http.StatusUnauthorized)
						return
					}
					if s, ok := claims["sub"].(string); ok {
						sub = s
					}
				}
			}

			if sub == "" && cfg.DevMode {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if sub == "" {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ctxUserID, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated subject from the request context.
// Empty string means unauthenticated.
func UserID(ctx context.Context) string {
	if s, ok := ctx.Value(ctxUserID).(string); ok {
		return s
	}
	return ""
}

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func protectedHandler(t *testing.T, wantSub string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := UserID(r.Context()); got != wantSub {
			t.Errorf("UserID = %q, want %q", got, wantSub)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareAPIKey(t *testing.T) {
	mw := Middleware(Cfg{APIKey: "sekrit"})

	req := httptest.NewRequest("GET", "/admin/sync-status", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec := httptest.NewRecorder()
	mw(protectedHandler(t, APIKeyUser)).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareWrongAPIKey(t *testing.T) {
	mw := Middleware(Cfg{APIKey: "sekrit"})

	req := httptest.NewRequest("GET", "/admin/sync-status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	mw(protectedHandler(t, "")).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareJWT(t *testing.T) {
	secret := "hs256-secret"
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dana@firm.co",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}

	mw := Middleware(Cfg{HS256Secret: secret})
	req := httptest.NewRequest("POST", "/assistant/message", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	mw(protectedHandler(t, "dana@firm.co")).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddlewareBadJWT(t *testing.T) {
	mw := Middleware(Cfg{HS256Secret: "right"})

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	signed, _ := token.SignedString([]byte("wrong"))

	req := httptest.NewRequest("POST", "/assistant/message", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	mw(protectedHandler(t, "")).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareNoCredentials(t *testing.T) {
	mw := Middleware(Cfg{APIKey: "k", HS256Secret: "s"})

	req := httptest.NewRequest("GET", "/admin/dlq", nil)
	rec := httptest.NewRecorder()
	mw(protectedHandler(t, "")).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareDevMode(t *testing.T) {
	mw := Middleware(Cfg{DevMode: true})

	req := httptest.NewRequest("GET", "/admin/dlq", nil)
	req.Header.Set("X-Debug-Sub", "local@dev")
	rec := httptest.NewRecorder()
	mw(protectedHandler(t, "local@dev")).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTokenBucketBurstThenExhaustion(t *testing.T) {
	// 2 tokens, refilling one per hour: effectively no refill in-test.
	tb := NewTokenBucket(2, 1.0/3600)

	for i := 0; i < 2; i++ {
		allowed, _, _, _ := tb.Allow()
		if !allowed {
			t.Fatalf("request %d should be within burst", i)
		}
	}
	allowed, remaining, _, _ := tb.Allow()
	if allowed {
		t.Error("request beyond burst was allowed")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	rl := NewRateLimiter(RateLimitInfo{WindowSeconds: 3600, MaxRequests: 1, Burst: 1})

	if allowed, _, _, _ := rl.Allow("user-a"); !allowed {
		t.Fatal("first request for user-a denied")
	}
	if allowed, _, _, _ := rl.Allow("user-a"); allowed {
		t.Error("user-a should be exhausted")
	}
	if allowed, _, _, _ := rl.Allow("user-b"); !allowed {
		t.Error("user-b should have a fresh bucket")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 3600, MaxRequests: 1, Burst: 1},
		func(*http.Request) string { return "fixed-key" })

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After header")
	}
}

func TestRateLimitMiddlewareSkipsEmptyKey(t *testing.T) {
	mw := RateLimitMiddleware(RateLimitInfo{WindowSeconds: 3600, MaxRequests: 1, Burst: 1},
		func(*http.Request) string { return "" })

	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d limited despite empty key", i)
		}
	}
}

package mcpgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anemos/assistant-fabric/internal/config"
)

func TestTokenBucketAllowsUpToBurstThenRejects(t *testing.T) {
	tb := newTokenBucket(60, 3)
	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("expected token %d within burst to be allowed", i)
		}
	}
	if tb.Allow() {
		t.Fatal("expected the 4th request to be rejected once the burst is exhausted")
	}
}

func TestRateLimiterWrapRejectsOverLimit(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1}, nil)
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestRateLimiterKeysByEndpointNotRemoteAddr(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1}, nil)

	// Two different endpoints sharing a RemoteAddr (e.g. behind the same
	// proxy) must not share a bucket.
	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	req1 = req1.WithContext(context.WithValue(req1.Context(), endpointContextKey{}, &Endpoint{ID: "ep-a"}))
	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	req2 = req2.WithContext(context.WithValue(req2.Context(), endpointContextKey{}, &Endpoint{ID: "ep-b"}))

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a second endpoint on the same RemoteAddr", rec2.Code)
	}

	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req1)
	if rec3.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 on the first endpoint's second request", rec3.Code)
	}
}

package mcpgateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anemos/assistant-fabric/internal/bus"
)

func testPathEndpointID(r *http.Request) string {
	return r.URL.Query().Get("endpoint_id")
}

func TestAuthMiddlewareRejectsMissingSecret(t *testing.T) {
	store := NewEndpointStore(bus.New(bus.NewMemoryBackend()))
	ep, _, err := store.Create(context.Background(), "assistant", "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mw := &AuthMiddleware{Store: store}
	handler := mw.Wrap(testPathEndpointID, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/agent/notify?endpoint_id="+ep.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	store := NewEndpointStore(bus.New(bus.NewMemoryBackend()))
	ep, _, err := store.Create(context.Background(), "assistant", "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mw := &AuthMiddleware{Store: store}
	handler := mw.Wrap(testPathEndpointID, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/agent/notify?endpoint_id="+ep.ID, nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsValidBearerSecret(t *testing.T) {
	store := NewEndpointStore(bus.New(bus.NewMemoryBackend()))
	ep, secret, err := store.Create(context.Background(), "assistant", "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mw := &AuthMiddleware{Store: store}
	var seenEndpointID string
	handler := mw.Wrap(testPathEndpointID, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := EndpointFromContext(r.Context()); got != nil {
			seenEndpointID = got.ID
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp/v1/agent/notify?endpoint_id="+ep.ID, nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if seenEndpointID != ep.ID {
		t.Fatalf("EndpointFromContext id = %q, want %q", seenEndpointID, ep.ID)
	}
}

func TestAuthMiddlewareBypassesHealthz(t *testing.T) {
	store := NewEndpointStore(bus.New(bus.NewMemoryBackend()))
	mw := &AuthMiddleware{Store: store}
	handler := mw.Wrap(testPathEndpointID, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestExtractSecretPrecedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?secret=from-query", nil)
	req.Header.Set("X-API-Key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")

	if got := ExtractSecret(req); got != "from-bearer" {
		t.Fatalf("ExtractSecret = %q, want bearer to win", got)
	}

	req.Header.Del("Authorization")
	if got := ExtractSecret(req); got != "from-header" {
		t.Fatalf("ExtractSecret = %q, want X-API-Key to win over query", got)
	}

	req.Header.Del("X-API-Key")
	if got := ExtractSecret(req); got != "from-query" {
		t.Fatalf("ExtractSecret = %q, want query fallback", got)
	}
}

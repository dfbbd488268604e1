package mcpgateway

import (
	"context"
	"net/http"
	"strings"
)

type endpointContextKey struct{}

// AuthMiddleware validates the bearer secret in an MCP request's
// Authorization header against the endpoint named in the URL path,
// adapted from gateway/auth.go's Bearer/X-API-Key/query-param
// extraction order but checking a per-endpoint hashed secret instead
// of a flat operator-provisioned key set.
type AuthMiddleware struct {
	Store *EndpointStore
}

// Wrap authenticates requests whose endpoint id is extracted by
// endpointID before calling next. Health checks bypass auth entirely.
func (a *AuthMiddleware) Wrap(endpointID func(*http.Request) string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		id := endpointID(r)
		secret := ExtractSecret(r)
		if id == "" || secret == "" {
			http.Error(w, `{"error":"missing endpoint id or secret"}`, http.StatusUnauthorized)
			return
		}

		ok, err := a.Store.VerifySecret(r.Context(), id, secret)
		if err != nil {
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, `{"error":"invalid secret"}`, http.StatusForbidden)
			return
		}

		ep, err := a.Store.Get(r.Context(), id)
		if err != nil || ep == nil {
			http.Error(w, `{"error":"endpoint not found"}`, http.StatusNotFound)
			return
		}

		ctx := context.WithValue(r.Context(), endpointContextKey{}, ep)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractSecret mirrors gateway.ExtractAPIKey's precedence: Bearer
// header, X-API-Key header, then a query parameter (SSE clients can't
// always set headers).
func ExtractSecret(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("secret")
}

// EndpointFromContext retrieves the endpoint AuthMiddleware verified.
func EndpointFromContext(ctx context.Context) *Endpoint {
	ep, _ := ctx.Value(endpointContextKey{}).(*Endpoint)
	return ep
}

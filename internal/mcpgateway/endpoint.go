// Package mcpgateway implements the multi-tenant HTTP surface an
// external MCP-speaking agent uses to notify a chat, ask for
// confirmation, and drain feedback: one endpoint per chat, each with
// its own bearer secret and event queue.
package mcpgateway

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/google/uuid"
)

const eventQueueTTL = time.Hour

// Endpoint is the durable record backing one MCP-facing chat binding.
// SecretHash is a sha256 hex digest; the plaintext secret is returned
// once, at creation or regeneration, and never stored.
type Endpoint struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	ChatID     string    `json:"chat_id"`
	SecretHash string    `json:"secret_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// EndpointStore is the KV-backed repository of MCP endpoints, keyed by
// endpoint id with a secondary chat-id index, grounded on the Redis key
// layout of the original endpoint manager
// (assistant:mcp_endpoint(_by_chat)?:<id>).
type EndpointStore struct {
	endpoints bus.KV
	byChat    bus.KV
	events    bus.KV
}

func NewEndpointStore(b *bus.Bus) *EndpointStore {
	return &EndpointStore{
		endpoints: b.KV("mcp_endpoint"),
		byChat:    b.KV("mcp_endpoint_by_chat"),
		events:    b.KV("mcp_event_queue"),
	}
}

// Create mints a new endpoint bound to chatID, returning the endpoint
// and the plaintext secret. The secret is shown exactly once; only its
// hash is persisted.
func (s *EndpointStore) Create(ctx context.Context, name, chatID string) (Endpoint, string, error) {
	id := uuid.NewString()[:16]
	secret, err := randomSecret()
	if err != nil {
		return Endpoint{}, "", err
	}
	ep := Endpoint{
		ID:         id,
		Name:       name,
		ChatID:     chatID,
		SecretHash: hashSecret(secret),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.save(ctx, ep); err != nil {
		return Endpoint{}, "", err
	}
	if err := s.byChat.Set(ctx, chatID, []byte(id), 0); err != nil {
		return Endpoint{}, "", err
	}
	return ep, secret, nil
}

func (s *EndpointStore) Get(ctx context.Context, id string) (*Endpoint, error) {
	data, ok, err := s.endpoints.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var ep Endpoint
	if err := json.Unmarshal(data, &ep); err != nil {
		return nil, fmt.Errorf("mcpgateway: unmarshal endpoint %s: %w", id, err)
	}
	return &ep, nil
}

// EndpointIDForChat resolves the endpoint bound to a chat, if any.
func (s *EndpointStore) EndpointIDForChat(ctx context.Context, chatID string) (string, bool, error) {
	data, ok, err := s.byChat.Get(ctx, chatID)
	if err != nil || !ok {
		return "", false, err
	}
	return string(data), true, nil
}

// VerifySecret reports whether secret is the current plaintext secret
// for endpointID, comparing digests in constant time so neither the
// hash nor a timing side channel discloses the real secret.
func (s *EndpointStore) VerifySecret(ctx context.Context, endpointID, secret string) (bool, error) {
	ep, err := s.Get(ctx, endpointID)
	if err != nil || ep == nil {
		return false, err
	}
	got := hashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(ep.SecretHash)) == 1, nil
}

// Regenerate replaces an endpoint's secret, returning the new plaintext
// value.
func (s *EndpointStore) Regenerate(ctx context.Context, endpointID string) (string, error) {
	ep, err := s.Get(ctx, endpointID)
	if err != nil {
		return "", err
	}
	if ep == nil {
		return "", fmt.Errorf("mcpgateway: endpoint %s not found", endpointID)
	}
	secret, err := randomSecret()
	if err != nil {
		return "", err
	}
	ep.SecretHash = hashSecret(secret)
	if err := s.save(ctx, *ep); err != nil {
		return "", err
	}
	return secret, nil
}

func (s *EndpointStore) Delete(ctx context.Context, endpointID string) error {
	ep, err := s.Get(ctx, endpointID)
	if err != nil || ep == nil {
		return err
	}
	_ = s.byChat.Del(ctx, ep.ChatID)
	_ = s.events.Del(ctx, endpointID)
	return s.endpoints.Del(ctx, endpointID)
}

func (s *EndpointStore) save(ctx context.Context, ep Endpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("mcpgateway: marshal endpoint: %w", err)
	}
	return s.endpoints.Set(ctx, ep.ID, data, 0)
}

// PushEvent enqueues an SSE event for endpointID with a 1h TTL, so an
// endpoint nobody is currently draining doesn't accumulate forever.
func (s *EndpointStore) PushEvent(ctx context.Context, endpointID, eventType string, data any) error {
	payload, err := json.Marshal(struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}{Type: eventType, Data: data})
	if err != nil {
		return fmt.Errorf("mcpgateway: marshal event: %w", err)
	}
	return s.events.QueuePush(ctx, endpointID, payload, eventQueueTTL)
}

// PopEvent blocks up to wait for the next queued event.
func (s *EndpointStore) PopEvent(ctx context.Context, endpointID string, wait time.Duration) (json.RawMessage, bool, error) {
	data, ok, err := s.events.QueuePop(ctx, endpointID, wait)
	if err != nil || !ok {
		return nil, ok, err
	}
	return json.RawMessage(data), true, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mcpgateway: generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

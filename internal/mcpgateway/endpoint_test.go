package mcpgateway

import (
	"context"
	"testing"

	"github.com/anemos/assistant-fabric/internal/bus"
)

func newTestStore(t *testing.T) *EndpointStore {
	t.Helper()
	return NewEndpointStore(bus.New(bus.NewMemoryBackend()))
}

func TestCreateThenVerifySecret(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ep, secret, err := store.Create(ctx, "assistant", "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if ep.SecretHash == secret {
		t.Fatal("stored SecretHash must not equal the plaintext secret")
	}

	ok, err := store.VerifySecret(ctx, ep.ID, secret)
	if err != nil || !ok {
		t.Fatalf("expected secret to verify, ok=%v err=%v", ok, err)
	}

	ok, err = store.VerifySecret(ctx, ep.ID, "wrong-secret")
	if err != nil {
		t.Fatalf("VerifySecret: %v", err)
	}
	if ok {
		t.Fatal("expected wrong secret to fail verification")
	}
}

func TestEndpointIDForChatResolvesTheChatIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ep, _, err := store.Create(ctx, "assistant", "chat-42")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	id, ok, err := store.EndpointIDForChat(ctx, "chat-42")
	if err != nil || !ok {
		t.Fatalf("expected chat index hit, ok=%v err=%v", ok, err)
	}
	if id != ep.ID {
		t.Fatalf("EndpointIDForChat = %q, want %q", id, ep.ID)
	}
}

func TestRegenerateInvalidatesOldSecret(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ep, oldSecret, err := store.Create(ctx, "assistant", "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newSecret, err := store.Regenerate(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if newSecret == oldSecret {
		t.Fatal("Regenerate returned the same secret")
	}

	if ok, _ := store.VerifySecret(ctx, ep.ID, oldSecret); ok {
		t.Fatal("old secret still verifies after Regenerate")
	}
	if ok, _ := store.VerifySecret(ctx, ep.ID, newSecret); !ok {
		t.Fatal("new secret does not verify after Regenerate")
	}
}

func TestDeleteRemovesEndpointAndChatIndex(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ep, _, err := store.Create(ctx, "assistant", "chat-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.Delete(ctx, ep.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	got, err := store.Get(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected endpoint to be gone after Delete")
	}
	if _, ok, _ := store.EndpointIDForChat(ctx, "chat-1"); ok {
		t.Fatal("expected chat index to be gone after Delete")
	}
}

func TestPushEventThenPopEventDrainsFIFO(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.PushEvent(ctx, "ep-1", "feedback", map[string]string{"text": "first"}); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	if err := store.PushEvent(ctx, "ep-1", "feedback", map[string]string{"text": "second"}); err != nil {
		t.Fatalf("PushEvent: %v", err)
	}

	raw, ok, err := store.PopEvent(ctx, "ep-1", 0)
	if err != nil || !ok {
		t.Fatalf("PopEvent: ok=%v err=%v", ok, err)
	}
	if !contains(raw, "first") {
		t.Fatalf("expected first event to drain first, got %s", raw)
	}
}

func contains(raw []byte, sub string) bool {
	for i := 0; i+len(sub) <= len(raw); i++ {
		if string(raw[i:i+len(sub)]) == sub {
			return true
		}
	}
	return false
}

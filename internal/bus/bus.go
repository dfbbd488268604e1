// Package bus implements the assistant fabric's shared event bus: a
// topic-based publish/subscribe fabric backed by Redis, with an
// in-process fan-out cache in front of it so same-process subscribers
// don't pay a network round trip per event.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anemos/assistant-fabric/internal/redact"
)

// MaxEnvelopeBytes bounds a single envelope's serialized size.
const MaxEnvelopeBytes = 64 * 1024

var ErrEnvelopeTooLarge = fmt.Errorf("bus: envelope exceeds %d bytes", MaxEnvelopeBytes)

// Event is a decoded message delivered to a local subscriber.
type Event struct {
	Topic   string
	Payload json.RawMessage
}

// Backend is the durable, cross-process transport a Bus is built on.
// The production implementation is RedisBackend; tests may substitute an
// in-memory fake.
type Backend interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topicPrefix string) (<-chan Event, func(), error)

	KVGet(ctx context.Context, key string) ([]byte, bool, error)
	KVSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
	KVSetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// KVCompareAndSwap evaluates swap against the current value of key
	// (nil, false if absent) with no other writer able to observe a value
	// in between the read swap sees and the write it requests. swap
	// returns (nil, false) to decline the write. Implementations retry
	// internally on a concurrent writer race; swap must be side-effect
	// free enough to run more than once.
	KVCompareAndSwap(ctx context.Context, key string, ttl time.Duration, swap func(current []byte, exists bool) ([]byte, bool)) (bool, error)
	KVDel(ctx context.Context, key string) error
	KVList(ctx context.Context, prefix string) ([]string, error)
	QueuePush(ctx context.Context, key string, value []byte, ttl time.Duration) error
	QueuePop(ctx context.Context, key string, wait time.Duration) ([]byte, bool, error)
}

// Subscription is a local handle for a topic-prefix subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
	cancel func()
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus is the process-local façade over a Backend: it re-publishes every
// message it receives on the backend to any locally registered
// subscriber whose prefix matches, so N local subscribers to the same
// topic cost the backend one subscription instead of N.
type Bus struct {
	backend Backend

	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	remote  map[string]func() // topic prefix -> cancel func for the backend-level subscription
	started map[string]bool
}

// New creates a Bus over the given backend.
func New(backend Backend) *Bus {
	return &Bus{
		backend: backend,
		subs:    make(map[int]*Subscription),
		remote:  make(map[string]func()),
		started: make(map[string]bool),
	}
}

// Publish serializes payload, scrubs any secret-shaped substring out of
// the resulting JSON, and publishes it under topic. Redaction happens
// here rather than only at the audit/log sinks, so a secret echoed back
// into a stream token or any other envelope never reaches a subscriber
// unredacted.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload: %w", err)
	}
	data = []byte(redact.Scrub(string(data)))
	if len(data) > MaxEnvelopeBytes {
		return ErrEnvelopeTooLarge
	}
	return b.backend.Publish(ctx, topic, data)
}

// Subscribe registers a local subscriber for every topic beginning with
// topicPrefix. The returned channel is buffered; slow consumers drop
// events rather than block publishers.
func (b *Bus) Subscribe(ctx context.Context, topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, 100),
	}
	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}
	b.subs[sub.id] = sub

	b.ensureRemoteLocked(ctx, topicPrefix)
	return sub
}

// ensureRemoteLocked starts exactly one backend-level subscription per
// distinct prefix, fanning its events out to every local Subscription
// whose prefix matches. Must be called with b.mu held.
func (b *Bus) ensureRemoteLocked(ctx context.Context, prefix string) {
	if b.started[prefix] {
		return
	}
	b.started[prefix] = true

	events, cancel, err := b.backend.Subscribe(ctx, prefix)
	if err != nil {
		// Fan-out for this prefix simply won't receive anything; callers
		// observe this as silence, matching the bus's at-most-once,
		// best-effort delivery contract.
		delete(b.started, prefix)
		return
	}
	b.remote[prefix] = cancel

	go func() {
		for ev := range events {
			b.dispatch(ev)
		}
	}()
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !hasPrefix(ev.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop: a slow consumer never blocks the publisher.
		}
	}
}

func hasPrefix(topic, prefix string) bool {
	if len(prefix) > len(topic) {
		return false
	}
	return topic[:len(prefix)] == prefix
}

// KV returns a namespaced key/value view over the backend.
func (b *Bus) KV(namespace string) KV {
	return KV{backend: b.backend, namespace: namespace}
}

// KV is a namespaced view over the Backend's key/value primitives.
type KV struct {
	backend   Backend
	namespace string
}

func (k KV) key(name string) string {
	return k.namespace + ":" + name
}

func (k KV) Get(ctx context.Context, name string) ([]byte, bool, error) {
	return k.backend.KVGet(ctx, k.key(name))
}

func (k KV) Set(ctx context.Context, name string, value []byte, ttl time.Duration) error {
	return k.backend.KVSet(ctx, k.key(name), value, ttl)
}

// SetNX sets the key only if absent, the primitive first-claim (create)
// operations are built on.
func (k KV) SetNX(ctx context.Context, name string, value []byte, ttl time.Duration) (bool, error) {
	return k.backend.KVSetNX(ctx, k.key(name), value, ttl)
}

// CompareAndSwap is the primitive re-claim/resolve operations are built
// on: the ownership check and the write it gates never straddle two
// separate round trips a concurrent caller could interleave with.
func (k KV) CompareAndSwap(ctx context.Context, name string, ttl time.Duration, swap func(current []byte, exists bool) ([]byte, bool)) (bool, error) {
	return k.backend.KVCompareAndSwap(ctx, k.key(name), ttl, swap)
}

func (k KV) Del(ctx context.Context, name string) error {
	return k.backend.KVDel(ctx, k.key(name))
}

func (k KV) List(ctx context.Context, prefix string) ([]string, error) {
	return k.backend.KVList(ctx, k.key(prefix))
}

func (k KV) QueuePush(ctx context.Context, name string, value []byte, ttl time.Duration) error {
	return k.backend.QueuePush(ctx, k.key(name), value, ttl)
}

func (k KV) QueuePop(ctx context.Context, name string, wait time.Duration) ([]byte, bool, error) {
	return k.backend.QueuePop(ctx, k.key(name), wait)
}

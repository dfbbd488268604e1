package bus

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend implementation with no external
// dependency. It is used by package tests throughout the fabric and by
// the CLI when redis.addr is configured empty, for local iteration
// without a Redis instance; it does not survive a process restart.
type MemoryBackend struct {
	mu   sync.Mutex
	kv   map[string][]byte
	subs map[int]memSub
	next int

	queues map[string][][]byte
}

type memSub struct {
	prefix string
	ch     chan Event
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		kv:     make(map[string][]byte),
		subs:   make(map[int]memSub),
		queues: make(map[string][][]byte),
	}
}

func (m *MemoryBackend) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if !strings.HasPrefix(topic, s.prefix) {
			continue
		}
		select {
		case s.ch <- Event{Topic: topic, Payload: append([]byte(nil), payload...)}:
		default:
		}
	}
	return nil
}

func (m *MemoryBackend) Subscribe(_ context.Context, topicPrefix string) (<-chan Event, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.next
	ch := make(chan Event, 100)
	m.subs[id] = memSub{prefix: topicPrefix, ch: ch}
	cancel := func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
	return ch, cancel, nil
}

func (m *MemoryBackend) KVGet(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok, nil
}

func (m *MemoryBackend) KVSet(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryBackend) KVSetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.kv[key]; exists {
		return false, nil
	}
	m.kv[key] = append([]byte(nil), value...)
	return true, nil
}

// KVCompareAndSwap holds m.mu for the whole read-decide-write, so no
// other Get/Set/SetNX/CompareAndSwap call on this backend can observe or
// clobber the value swap decided on.
func (m *MemoryBackend) KVCompareAndSwap(_ context.Context, key string, _ time.Duration, swap func(current []byte, exists bool) ([]byte, bool)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.kv[key]
	newValue, ok := swap(current, exists)
	if !ok {
		return false, nil
	}
	m.kv[key] = append([]byte(nil), newValue...)
	return true, nil
}

func (m *MemoryBackend) KVDel(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

func (m *MemoryBackend) KVList(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *MemoryBackend) QueuePush(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	m.queues[key] = append(m.queues[key], append([]byte(nil), value...))
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) QueuePop(_ context.Context, key string, wait time.Duration) ([]byte, bool, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		q := m.queues[key]
		if len(q) > 0 {
			v := q[0]
			m.queues[key] = q[1:]
			m.mu.Unlock()
			return v, true, nil
		}
		m.mu.Unlock()
		if wait <= 0 || time.Now().After(deadline) {
			return nil, false, nil
		}
		time.Sleep(time.Millisecond)
	}
}

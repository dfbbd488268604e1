package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/otelx"
	"github.com/google/uuid"
)

const defaultConfirmationTimeout = 120 * time.Second

// Outcome is the resolved answer to a confirmation request. Exactly one
// outcome is ever observed for a given record; once set it never
// changes, enforced by a compare-and-set on OutcomePending.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeReplied   Outcome = "replied"
	OutcomeTimedOut  Outcome = "timeout"
)

// ConfirmationRecord is the durable record backing one outstanding
// confirmation, persisted so a resolution or a timeout sweep survives a
// gateway process restart.
type ConfirmationRecord struct {
	CorrelationID string    `json:"correlation_id"`
	EndpointID    string    `json:"endpoint_id"`
	ChatID        string    `json:"chat_id"`
	Message       string    `json:"message"`
	Outcome       Outcome   `json:"outcome"`
	Reply         string    `json:"reply,omitempty"`
	Deadline      time.Time `json:"deadline"`
}

// confirmationEvent is the payload pushed to an endpoint's feedback
// queue and its live SSE stream when a record resolves.
type confirmationEvent struct {
	CorrelationID string `json:"correlation_id"`
	Outcome       Outcome `json:"outcome"`
	Confirmed     bool   `json:"confirmed"`
	Reply         string `json:"reply,omitempty"`
}

// Confirmations persists ConfirmationRecords and correlates their
// eventual resolution with whoever is waiting on it: a goroutine blocked
// in Ask, an SSE subscriber on /events, or a later /replies drain.
// Resolution is delivered by a channel adapter's inline button callback
// (Resolve), by Ask's own deadline timer, or by the Sweeper's timeout
// pass over records still pending past their deadline.
type Confirmations struct {
	bus       *bus.Bus
	kv        bus.KV
	endpoints *EndpointStore
	metrics   *otelx.Metrics

	mu      sync.Mutex
	waiters map[string]chan ConfirmationRecord
}

func NewConfirmations(b *bus.Bus, endpoints *EndpointStore, metrics *otelx.Metrics) *Confirmations {
	return &Confirmations{
		bus:       b,
		kv:        b.KV("confirmation"),
		endpoints: endpoints,
		metrics:   metrics,
		waiters:   make(map[string]chan ConfirmationRecord),
	}
}

// Create persists a pending ConfirmationRecord and publishes a
// ConfirmationRequest, returning immediately without waiting for a
// resolution. This is what the HTTP surface calls: the caller gets the
// correlation id right away and observes the outcome later via /events
// or /replies, never by blocking the request goroutine.
func (c *Confirmations) Create(ctx context.Context, endpointID, chatID, message string, timeout time.Duration) (ConfirmationRecord, error) {
	rec := c.newRecord(endpointID, chatID, message, timeout)
	if err := c.save(ctx, rec); err != nil {
		return ConfirmationRecord{}, err
	}
	if err := c.publishRequest(ctx, rec); err != nil {
		return ConfirmationRecord{}, err
	}
	return rec, nil
}

// Ask is Create plus a synchronous wait, for in-process callers (a skill
// invocation, an orchestrator branch) that genuinely need the answer
// before continuing rather than reacting to it asynchronously.
func (c *Confirmations) Ask(ctx context.Context, endpointID, chatID, message string, timeout time.Duration) (ConfirmationRecord, error) {
	rec := c.newRecord(endpointID, chatID, message, timeout)

	ch := make(chan ConfirmationRecord, 1)
	c.mu.Lock()
	c.waiters[rec.CorrelationID] = ch
	c.mu.Unlock()
	defer c.forget(rec.CorrelationID)

	if err := c.save(ctx, rec); err != nil {
		return ConfirmationRecord{}, err
	}
	if err := c.publishRequest(ctx, rec); err != nil {
		return ConfirmationRecord{}, err
	}

	timer := time.NewTimer(time.Until(rec.Deadline))
	defer timer.Stop()

	select {
	case resolved := <-ch:
		return resolved, nil
	case <-timer.C:
		return c.resolveCAS(ctx, rec.CorrelationID, OutcomeTimedOut, "")
	case <-ctx.Done():
		return ConfirmationRecord{}, ctx.Err()
	}
}

func (c *Confirmations) newRecord(endpointID, chatID, message string, timeout time.Duration) ConfirmationRecord {
	if timeout <= 0 {
		timeout = defaultConfirmationTimeout
	}
	return ConfirmationRecord{
		CorrelationID: uuid.NewString(),
		EndpointID:    endpointID,
		ChatID:        chatID,
		Message:       message,
		Outcome:       OutcomePending,
		Deadline:      time.Now().Add(timeout),
	}
}

func (c *Confirmations) publishRequest(ctx context.Context, rec ConfirmationRecord) error {
	if err := c.bus.Publish(ctx, bus.TopicConfirmation+".request."+rec.CorrelationID, bus.ConfirmationRequest{
		EndpointID:    rec.EndpointID,
		CorrelationID: rec.CorrelationID,
		ChatID:        rec.ChatID,
		Message:       rec.Message,
		DeadlineTS:    rec.Deadline.Unix(),
	}); err != nil {
		return fmt.Errorf("mcpgateway: publish confirmation request: %w", err)
	}
	return nil
}

// Resolve is called by whatever observed the human's answer — an inline
// button callback, a free-text reply within the grace window — to
// record the outcome. It is idempotent: only the first resolution for a
// correlation id sticks; a late second attempt is a silent no-op.
func (c *Confirmations) Resolve(ctx context.Context, correlationID string, outcome Outcome, reply string) (ConfirmationRecord, error) {
	return c.resolveCAS(ctx, correlationID, outcome, reply)
}

// resolveCAS applies the compare-and-set on outcome=pending via the KV
// backend's own CompareAndSwap, so a channel callback racing the
// Sweeper's timeout pass can never both observe pending and both write;
// exactly one wins and everything below only runs for that one. It then
// wakes any local Ask waiter, publishes ConfirmationResult, and fans the
// outcome out to the endpoint's feedback queue and live SSE stream.
func (c *Confirmations) resolveCAS(ctx context.Context, correlationID string, outcome Outcome, reply string) (ConfirmationRecord, error) {
	var rec ConfirmationRecord
	found := false
	won, err := c.kv.CompareAndSwap(ctx, correlationID, 10*time.Minute, func(current []byte, exists bool) ([]byte, bool) {
		if !exists {
			return nil, false
		}
		found = true
		if err := json.Unmarshal(current, &rec); err != nil {
			return nil, false
		}
		if rec.Outcome != OutcomePending {
			return nil, false
		}
		rec.Outcome = outcome
		rec.Reply = reply
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, false
		}
		return data, true
	})
	if err != nil {
		return ConfirmationRecord{}, err
	}
	if !found {
		return ConfirmationRecord{}, fmt.Errorf("mcpgateway: confirmation %s not found", correlationID)
	}
	if !won {
		// Either already resolved by another caller, or resolved between
		// our read and write attempt; re-fetch the settled record instead
		// of reporting our own (declined) outcome as if it had applied.
		settled, err := c.get(ctx, correlationID)
		if err != nil {
			return ConfirmationRecord{}, err
		}
		if settled == nil {
			return ConfirmationRecord{}, fmt.Errorf("mcpgateway: confirmation %s not found", correlationID)
		}
		return *settled, nil
	}

	if outcome == OutcomeTimedOut && c.metrics != nil {
		c.metrics.ConfirmationTimeouts.Add(ctx, 1)
	}

	c.mu.Lock()
	ch, ok := c.waiters[correlationID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- rec:
		default:
		}
	}

	_ = c.bus.Publish(ctx, bus.TopicConfirmation+".result."+correlationID, bus.ConfirmationResult{
		EndpointID: rec.EndpointID, CorrelationID: correlationID, Outcome: string(outcome), Reply: reply,
	})
	c.publishEvent(ctx, rec)
	return rec, nil
}

// publishEvent fans a resolved record out to the endpoint's durable
// feedback queue (for /replies) and its live topic (for /events); best
// effort, since neither surface having a listener right now is normal.
func (c *Confirmations) publishEvent(ctx context.Context, rec ConfirmationRecord) {
	ev := confirmationEvent{
		CorrelationID: rec.CorrelationID,
		Outcome:       rec.Outcome,
		Confirmed:     rec.Outcome == OutcomeConfirmed,
		Reply:         rec.Reply,
	}
	if c.endpoints != nil {
		_ = c.endpoints.PushEvent(ctx, rec.EndpointID, "confirmation", ev)
	}
	_ = c.bus.Publish(ctx, bus.TopicMCPEvents+"."+rec.EndpointID, struct {
		Type string            `json:"type"`
		Data confirmationEvent `json:"data"`
	}{Type: "confirmation", Data: ev})
}

func (c *Confirmations) forget(correlationID string) {
	c.mu.Lock()
	delete(c.waiters, correlationID)
	c.mu.Unlock()
}

func (c *Confirmations) get(ctx context.Context, correlationID string) (*ConfirmationRecord, error) {
	data, ok, err := c.kv.Get(ctx, correlationID)
	if err != nil || !ok {
		return nil, err
	}
	var rec ConfirmationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("mcpgateway: unmarshal confirmation %s: %w", correlationID, err)
	}
	return &rec, nil
}

func (c *Confirmations) save(ctx context.Context, rec ConfirmationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("mcpgateway: marshal confirmation: %w", err)
	}
	// Retained a little past its deadline so a late /events subscriber or
	// a delayed sweep pass can still observe the terminal outcome.
	return c.kv.Set(ctx, rec.CorrelationID, data, 10*time.Minute)
}

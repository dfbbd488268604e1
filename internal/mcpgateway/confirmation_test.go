package mcpgateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
)

func newTestConfirmations(t *testing.T) (*Confirmations, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.NewMemoryBackend())
	return NewConfirmations(b, NewEndpointStore(b), nil), b
}

func TestAskResolvesWhenConfirmed(t *testing.T) {
	c, _ := newTestConfirmations(t)
	ctx := context.Background()

	var correlationID string
	sub := make(chan struct{})
	go func() {
		// Discover the correlation id from the published request, then
		// resolve it as though a channel adapter observed a button tap.
		s := c.bus.Subscribe(ctx, bus.TopicConfirmation+".request.")
		defer s.Close()
		ev := <-s.C()
		var req bus.ConfirmationRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			t.Errorf("unmarshal ConfirmationRequest: %v", err)
			return
		}
		correlationID = req.CorrelationID
		close(sub)
		if _, err := c.Resolve(ctx, correlationID, OutcomeConfirmed, ""); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}()

	rec, err := c.Ask(ctx, "ep-1", "chat-1", "proceed?", time.Second)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	<-sub
	if rec.Outcome != OutcomeConfirmed {
		t.Fatalf("Outcome = %q, want confirmed", rec.Outcome)
	}
}

func TestCreateReturnsImmediatelyWithoutBlocking(t *testing.T) {
	c, _ := newTestConfirmations(t)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		rec, err := c.Create(ctx, "ep-1", "chat-1", "deploy?", time.Hour)
		if err != nil {
			t.Errorf("Create: %v", err)
		}
		if rec.Outcome != OutcomePending {
			t.Errorf("Outcome = %q, want pending", rec.Outcome)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Create blocked instead of returning immediately")
	}
}

func TestCreateThenResolvePushesFeedbackEvent(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryBackend())
	store := NewEndpointStore(b)
	c := NewConfirmations(b, store, nil)

	rec, err := c.Create(ctx, "ep-1", "chat-1", "deploy?", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := c.Resolve(ctx, rec.CorrelationID, OutcomeConfirmed, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	raw, ok, err := store.PopEvent(ctx, "ep-1", 0)
	if err != nil || !ok {
		t.Fatalf("PopEvent: ok=%v err=%v", ok, err)
	}
	if !contains(raw, rec.CorrelationID) {
		t.Fatalf("expected the pushed event to reference the correlation id, got %s", raw)
	}
}

func TestAskTimesOutWhenNeverResolved(t *testing.T) {
	c, _ := newTestConfirmations(t)
	ctx := context.Background()

	rec, err := c.Ask(ctx, "ep-1", "chat-1", "proceed?", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if rec.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %q, want timeout", rec.Outcome)
	}
}

func TestResolveIsIdempotentAfterFirstOutcome(t *testing.T) {
	c, _ := newTestConfirmations(t)
	ctx := context.Background()

	go func() {
		s := c.bus.Subscribe(ctx, bus.TopicConfirmation+".request.")
		defer s.Close()
		ev := <-s.C()
		var req bus.ConfirmationRequest
		if err := json.Unmarshal(ev.Payload, &req); err != nil {
			t.Errorf("unmarshal ConfirmationRequest: %v", err)
			return
		}
		c.Resolve(ctx, req.CorrelationID, OutcomeConfirmed, "")
		c.Resolve(ctx, req.CorrelationID, OutcomeRejected, "")
	}()

	rec, err := c.Ask(ctx, "ep-1", "chat-1", "proceed?", time.Second)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if rec.Outcome != OutcomeConfirmed {
		t.Fatalf("Outcome = %q, want the first resolution to stick (confirmed)", rec.Outcome)
	}
}

func TestResolveIsExclusiveUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryBackend())
	c := NewConfirmations(b, NewEndpointStore(b), nil)

	rec, err := c.Create(ctx, "ep-1", "chat-1", "deploy?", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const resolvers = 20
	outcomes := []Outcome{OutcomeConfirmed, OutcomeRejected}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var results []ConfirmationRecord
	wg.Add(resolvers)
	for i := 0; i < resolvers; i++ {
		go func(i int) {
			defer wg.Done()
			got, err := c.Resolve(ctx, rec.CorrelationID, outcomes[i%2], "")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			mu.Lock()
			results = append(results, got)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	first := results[0].Outcome
	for _, got := range results {
		if got.Outcome != first {
			t.Fatalf("expected every caller to observe the same settled outcome, got %q and %q", first, got.Outcome)
		}
	}

	settled, err := c.get(ctx, rec.CorrelationID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if settled.Outcome != first {
		t.Fatalf("stored outcome %q does not match settled outcome %q", settled.Outcome, first)
	}
}

func TestSweeperResolvesOrphanedPastDeadlineRecord(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryBackend())
	c := NewConfirmations(b, NewEndpointStore(b), nil)

	// Simulate a record left behind by a process that crashed before its
	// own Ask timer could fire: persisted directly, no waiter registered.
	rec := ConfirmationRecord{
		CorrelationID: "orphan-1",
		EndpointID:    "ep-1",
		ChatID:        "chat-1",
		Message:       "proceed?",
		Outcome:       OutcomePending,
		Deadline:      time.Now().Add(-time.Minute),
	}
	if err := c.save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	sweeper := NewSweeper(SweeperConfig{Confirmations: c, Bus: b, Interval: time.Hour})
	sweeper.tick(ctx)

	got, err := c.get(ctx, "orphan-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != OutcomeTimedOut {
		t.Fatalf("Outcome = %q, want the sweeper to have timed it out", got.Outcome)
	}
}

func TestSweeperLeavesRecordsBeforeDeadlineAlone(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryBackend())
	c := NewConfirmations(b, NewEndpointStore(b), nil)

	rec := ConfirmationRecord{
		CorrelationID: "not-due-yet",
		EndpointID:    "ep-1",
		ChatID:        "chat-1",
		Message:       "proceed?",
		Outcome:       OutcomePending,
		Deadline:      time.Now().Add(time.Hour),
	}
	if err := c.save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	sweeper := NewSweeper(SweeperConfig{Confirmations: c, Bus: b, Interval: time.Hour})
	sweeper.tick(ctx)

	got, err := c.get(ctx, "not-due-yet")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != OutcomePending {
		t.Fatalf("Outcome = %q, want the sweeper to leave a not-yet-due record pending", got.Outcome)
	}
}

// Package taskstore implements the Task entity's lifecycle: creation,
// exclusive claim with a TTL lease, state transitions, and the bounded
// conversation window each task carries.
package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/google/uuid"
)

type Status string

const (
	StatusPending               Status = "pending"
	StatusRunning               Status = "running"
	StatusAwaitingTool          Status = "awaiting_tool"
	StatusAwaitingConfirmation  Status = "awaiting_confirmation"
	StatusCompleted             Status = "completed"
	StatusFailed                Status = "failed"
)

const (
	defaultLeaseDuration = 60 * time.Second
	terminalTTL          = 2 * time.Hour
	maxWindowEntries     = 20
)

// WindowEntry is one turn of the bounded conversation window.
type WindowEntry struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Task is the durable record backing one orchestration run.
type Task struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	ChatID          string        `json:"chat_id"`
	Channel         string        `json:"channel"`
	Status          Status        `json:"status"`
	Iteration       int           `json:"iteration"`
	Window          []WindowEntry `json:"window"`
	ClaimedBy       string        `json:"claimed_by,omitempty"`
	ClaimExpiresAt  time.Time     `json:"claim_expires_at,omitempty"`
	PendingToolName string        `json:"pending_tool_name,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Store is the KV-backed Task repository, sharing the bus's Redis
// namespace so every core process observes the same claims.
type Store struct {
	kv       bus.KV
	byUserKV bus.KV
}

func New(b *bus.Bus) *Store {
	return &Store{
		kv:       b.KV("task"),
		byUserKV: b.KV("user_tasks"),
	}
}

// Create allocates a new pending task.
func (s *Store) Create(ctx context.Context, userID, chatID, channel string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	t := Task{
		ID:        id,
		UserID:    userID,
		ChatID:    chatID,
		Channel:   channel,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("taskstore: marshal task: %w", err)
	}
	if err := s.kv.Set(ctx, id, data, 0); err != nil {
		return "", fmt.Errorf("taskstore: create: %w", err)
	}
	_ = s.byUserKV.QueuePush(ctx, userID, []byte(id), 0)
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	data, ok, err := s.kv.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("taskstore: unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// Claim performs an atomic ownership transfer: it succeeds only if the
// task is unclaimed or its lease has expired, via a KV compare-and-swap
// over the task record rather than an independent read followed by an
// independent write, so two callers racing on the same unclaimed task
// can never both observe an empty ClaimedBy and both win.
func (s *Store) Claim(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLeaseDuration
	}
	now := time.Now().UTC()
	found := false
	claimed, err := s.kv.CompareAndSwap(ctx, id, 0, func(current []byte, exists bool) ([]byte, bool) {
		if !exists {
			return nil, false
		}
		found = true
		var t Task
		if err := json.Unmarshal(current, &t); err != nil {
			return nil, false
		}
		if t.ClaimedBy != "" && t.ClaimedBy != workerID && now.Before(t.ClaimExpiresAt) {
			return nil, false
		}
		t.ClaimedBy = workerID
		t.ClaimExpiresAt = now.Add(ttl)
		t.UpdatedAt = now
		data, err := json.Marshal(t)
		if err != nil {
			return nil, false
		}
		return data, true
	})
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("taskstore: task %s not found", id)
	}
	return claimed, nil
}

// Heartbeat extends a held lease. Returns false if the caller no longer
// owns the task.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, ttl time.Duration) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil || t.ClaimedBy != workerID {
		return false, nil
	}
	t.ClaimExpiresAt = time.Now().UTC().Add(ttl)
	return true, s.save(ctx, t)
}

// Transition moves a task from one status to another only if it is
// currently in the expected `from` status, and applies patch under the
// same compare-and-set guarantee.
func (s *Store) Transition(ctx context.Context, id string, from, to Status, patch func(*Task)) (bool, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, fmt.Errorf("taskstore: task %s not found", id)
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	if patch != nil {
		patch(t)
	}
	if err := s.save(ctx, t); err != nil {
		return false, err
	}
	if to == StatusCompleted || to == StatusFailed {
		_ = s.kv.Set(ctx, id+":ttl", []byte("1"), terminalTTL)
	}
	return true, nil
}

// AppendMessage adds one turn to the window, truncating to the last
// maxWindowEntries so unbounded conversations don't grow the task record
// without limit.
func (s *Store) AppendMessage(ctx context.Context, id, role, text string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("taskstore: task %s not found", id)
	}
	t.Window = append(t.Window, WindowEntry{Role: role, Text: text})
	if len(t.Window) > maxWindowEntries {
		t.Window = t.Window[len(t.Window)-maxWindowEntries:]
	}
	t.UpdatedAt = time.Now().UTC()
	return s.save(ctx, t)
}

func (s *Store) save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("taskstore: marshal task: %w", err)
	}
	return s.kv.Set(ctx, t.ID, data, 0)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.kv.Del(ctx, id)
}

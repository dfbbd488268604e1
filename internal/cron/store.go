// Package cron periodically fires due schedules by creating tasks in
// the task store, the same way an inbound channel message would.
package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
)

// Schedule is a recurring trigger bound to a chat: when its cron
// expression comes due, a task is created for that chat as if the user
// had sent Payload as a message.
type Schedule struct {
	ID        string     `json:"id"`
	ChatID    string     `json:"chat_id"`
	Channel   string     `json:"channel"`
	CronExpr  string     `json:"cron_expr"`
	Payload   string     `json:"payload"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at"`
	LastRunAt *time.Time `json:"last_run_at"`
}

// ScheduleStore is the KV-backed repository of schedules, keyed by
// schedule id — the same durability approach EndpointStore takes for
// MCP endpoints, since schedules need to survive a scheduler restart
// but don't need SQL query capability.
type ScheduleStore struct {
	schedules bus.KV
}

func NewScheduleStore(b *bus.Bus) *ScheduleStore {
	return &ScheduleStore{schedules: b.KV("schedule")}
}

func (s *ScheduleStore) Insert(ctx context.Context, sched Schedule) error {
	return s.save(ctx, sched)
}

func (s *ScheduleStore) Get(ctx context.Context, id string) (*Schedule, error) {
	data, ok, err := s.schedules.Get(ctx, id)
	if err != nil || !ok {
		return nil, err
	}
	var sched Schedule
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, fmt.Errorf("cron: unmarshal schedule %s: %w", id, err)
	}
	return &sched, nil
}

// List returns every persisted schedule, in no particular order. KV.List
// returns fully namespaced keys, so the "schedule:" prefix is stripped
// before each record is re-fetched by its bare id.
func (s *ScheduleStore) List(ctx context.Context) ([]Schedule, error) {
	ids, err := s.schedules.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]Schedule, 0, len(ids))
	for _, id := range ids {
		sched, err := s.Get(ctx, strings.TrimPrefix(id, "schedule:"))
		if err != nil || sched == nil {
			continue
		}
		out = append(out, *sched)
	}
	return out, nil
}

// Due returns every enabled schedule whose NextRunAt has passed.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var due []Schedule
	for _, sched := range all {
		if !sched.Enabled || sched.NextRunAt == nil {
			continue
		}
		if !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	return due, nil
}

func (s *ScheduleStore) UpdateRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	sched, err := s.Get(ctx, id)
	if err != nil || sched == nil {
		return err
	}
	sched.LastRunAt = &ranAt
	sched.NextRunAt = &nextRun
	return s.save(ctx, *sched)
}

func (s *ScheduleStore) Delete(ctx context.Context, id string) error {
	return s.schedules.Del(ctx, id)
}

func (s *ScheduleStore) save(ctx context.Context, sched Schedule) error {
	data, err := json.Marshal(sched)
	if err != nil {
		return fmt.Errorf("cron: marshal schedule: %w", err)
	}
	return s.schedules.Set(ctx, sched.ID, data, 0)
}

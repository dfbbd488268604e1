package taskstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Reaper periodically deletes task records that finished more than
// terminalTTL ago. Transition already stamps a self-expiring ":ttl"
// marker key when a task reaches a terminal status, but the marker's
// expiry only removes the marker itself; the task record it marks
// still needs an active sweep to be deleted, the same gap
// mcpgateway's Sweeper closes for orphaned confirmations.
type Reaper struct {
	store    *Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ReaperConfig struct {
	Store    *Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 10m if zero
}

func NewReaper(cfg ReaperConfig) *Reaper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("taskstore: reaper started", "interval", r.interval)
}

func (r *Reaper) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("taskstore: reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick lists every persisted task record and deletes the terminal ones
// whose last update is older than terminalTTL. KV.List returns fully
// namespaced keys, so the "task:" prefix is stripped before re-fetching
// each record through Store.Get by its bare id; the ":ttl" marker keys
// Transition writes alongside terminal tasks are skipped since Get
// would fail to unmarshal them as a Task.
func (r *Reaper) tick(ctx context.Context) {
	keys, err := r.store.kv.List(ctx, "")
	if err != nil {
		r.logger.Error("taskstore: reaper failed to list tasks", "error", err)
		return
	}
	now := time.Now().UTC()
	for _, key := range keys {
		id := strings.TrimPrefix(key, "task:")
		if strings.HasSuffix(id, ":ttl") {
			continue
		}
		t, err := r.store.Get(ctx, id)
		if err != nil || t == nil {
			continue
		}
		if !isTerminal(t.Status) {
			continue
		}
		if now.Sub(t.UpdatedAt) < terminalTTL {
			continue
		}
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error("taskstore: reaper failed to delete task", "task_id", id, "error", err)
			continue
		}
		_ = r.store.kv.Del(ctx, id+":ttl")
		r.logger.Info("taskstore: reaper deleted expired task", "task_id", id)
	}
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

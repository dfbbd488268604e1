package mcpgateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
)

const confirmationNamespace = "confirmation:"

// Sweeper periodically resolves confirmations still pending past their
// deadline. A record made by Create (the REST /confirmation face) has no
// timer of its own, so the sweeper is what times it out. A record owned
// by an Ask call is normally settled by Ask's own timer first and reaches
// the sweeper only if that process stopped before its timer fired.
type Sweeper struct {
	confirmations *Confirmations
	kv            bus.KV
	logger        *slog.Logger
	interval      time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type SweeperConfig struct {
	Confirmations *Confirmations
	Bus           *bus.Bus
	Logger        *slog.Logger
	Interval      time.Duration // tick interval; defaults to 1s if zero
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		confirmations: cfg.Confirmations,
		kv:            cfg.Bus.KV("confirmation"),
		logger:        logger,
		interval:      interval,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("mcpgateway: confirmation sweeper started", "interval", s.interval)
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("mcpgateway: confirmation sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick lists every persisted confirmation record and resolves the ones
// still pending past their deadline. KV.List returns fully namespaced
// keys, so the "confirmation:" prefix is stripped before re-fetching
// each record through Confirmations.get by its bare correlation id.
func (s *Sweeper) tick(ctx context.Context) {
	keys, err := s.kv.List(ctx, "")
	if err != nil {
		s.logger.Error("mcpgateway: sweeper failed to list confirmations", "error", err)
		return
	}
	now := time.Now()
	for _, key := range keys {
		id := strings.TrimPrefix(key, confirmationNamespace)
		rec, err := s.confirmations.get(ctx, id)
		if err != nil {
			s.logger.Error("mcpgateway: sweeper failed to load confirmation", "correlation_id", id, "error", err)
			continue
		}
		if rec == nil || rec.Outcome != OutcomePending || now.Before(rec.Deadline) {
			continue
		}
		if _, err := s.confirmations.resolveCAS(ctx, id, OutcomeTimedOut, ""); err != nil {
			s.logger.Error("mcpgateway: sweeper failed to resolve orphaned confirmation", "correlation_id", id, "error", err)
			continue
		}
		s.logger.Info("mcpgateway: sweeper timed out orphaned confirmation", "correlation_id", id)
	}
}

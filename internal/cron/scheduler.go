package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/anemos/assistant-fabric/internal/taskstore"
)

// schedulerUserID is the synthetic user id attached to tasks a schedule
// creates, distinguishing them from tasks created by an actual chat
// message in audit and task-listing views.
const schedulerUserID = "cron-scheduler"

// cronParser parses standard 5-field cron expressions (minute, hour,
// day-of-month, month, day-of-week).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Dispatcher kicks off a task the scheduler has just created through
// taskstore.Store, mirroring channels.TaskCreator/Dispatcher's split
// without importing channels. The CLI satisfies it with the same
// channels.DispatcherFunc wrapper around Orchestrator.Dispatch that it
// hands the Telegram adapter.
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID string) error
}

// Config holds the Scheduler's dependencies.
type Config struct {
	Schedules  *ScheduleStore
	Tasks      *taskstore.Store
	Dispatcher Dispatcher
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the schedule store for due schedules
// and creates a task for each one, exactly as a channel adapter would
// for an inbound message.
type Scheduler struct {
	schedules  *ScheduleStore
	tasks      *taskstore.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	interval   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		schedules:  cfg.Schedules,
		tasks:      cfg.Tasks,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
		interval:   interval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron: scheduler started", "interval", s.interval)
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron: scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.schedules.Due(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched Schedule, now time.Time) {
	taskID, err := s.tasks.Create(ctx, schedulerUserID, sched.ChatID, sched.Channel)
	if err != nil {
		s.logger.Error("cron: failed to create task for schedule", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := s.tasks.AppendMessage(ctx, taskID, "user", sched.Payload); err != nil {
		s.logger.Warn("cron: failed to append schedule payload", "schedule_id", sched.ID, "error", err)
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}
	if err := s.schedules.UpdateRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run", "schedule_id", sched.ID, "error", err)
		return
	}

	s.logger.Info("cron: schedule fired", "schedule_id", sched.ID, "task_id", taskID, "next_run_at", nextRun)

	go func() {
		if err := s.dispatcher.Dispatch(context.Background(), taskID); err != nil {
			s.logger.Error("cron: dispatch failed", "schedule_id", sched.ID, "task_id", taskID, "error", err)
		}
	}()
}

// NextRunTime parses cronExpr and returns its next firing time after t.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

package cron

import (
	"context"
	"testing"
	"time"

	"github.com/anemos/assistant-fabric/internal/bus"
	"github.com/anemos/assistant-fabric/internal/taskstore"
)

type fakeDispatcher struct {
	dispatched chan string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, taskID string) error {
	f.dispatched <- taskID
	return nil
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryBackend())
	schedules := NewScheduleStore(b)
	tasks := taskstore.New(b)
	dispatcher := &fakeDispatcher{dispatched: make(chan string, 1)}

	past := time.Now().Add(-time.Minute)
	if err := schedules.Insert(ctx, Schedule{
		ID: "s1", ChatID: "123", Channel: "telegram",
		CronExpr: "*/5 * * * *", Payload: "daily digest",
		Enabled: true, NextRunAt: &past,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	sched := NewScheduler(Config{
		Schedules:  schedules,
		Tasks:      tasks,
		Dispatcher: dispatcher,
		Interval:   20 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case <-dispatcher.dispatched:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the due schedule to be dispatched")
	}

	waitFor(t, time.Second, func() bool {
		got, err := schedules.Get(ctx, "s1")
		return err == nil && got != nil && got.LastRunAt != nil
	})
}

func TestSchedulerSkipsDisabledSchedule(t *testing.T) {
	ctx := context.Background()
	b := bus.New(bus.NewMemoryBackend())
	schedules := NewScheduleStore(b)
	tasks := taskstore.New(b)
	dispatcher := &fakeDispatcher{dispatched: make(chan string, 1)}

	past := time.Now().Add(-time.Minute)
	_ = schedules.Insert(ctx, Schedule{
		ID: "s1", ChatID: "123", CronExpr: "*/5 * * * *", Payload: "nope",
		Enabled: false, NextRunAt: &past,
	})

	sched := NewScheduler(Config{
		Schedules:  schedules,
		Tasks:      tasks,
		Dispatcher: dispatcher,
		Interval:   20 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	select {
	case <-dispatcher.dispatched:
		t.Fatal("expected disabled schedule not to fire")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	next, err := NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("NextRunTime = %v, want %v", next, want)
	}
}

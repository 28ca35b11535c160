package cron_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
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

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertTestSchedule(t *testing.T, store *persistence.Store, cronExpr, agentID, prompt string, enabled bool, nextRunAt *time.Time) string {
	t.Helper()
	id, err := store.UpsertSchedule(context.Background(), persistence.Schedule{
		Name:      "test-" + t.Name(),
		CronExpr:  cronExpr,
		AgentID:   agentID,
		Prompt:    prompt,
		Enabled:   enabled,
		NextRunAt: nextRunAt,
	})
	if err != nil {
		t.Fatalf("upsert schedule: %v", err)
	}
	return id
}

func TestScheduler_FiresOnTime(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Schedule with next_run_at in the past should fire immediately.
	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, store, "*/5 * * * *", "claude", "run the sweep", true, &past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		tasks, err := store.ListTasks(ctx, persistence.TaskStatusQueued)
		return err == nil && len(tasks) > 0
	})
}

func TestScheduler_DisabledSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-5 * time.Minute)
	insertTestSchedule(t, store, "*/5 * * * *", "claude", "never", false, &past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)

	// Asserting a negative needs a brief wait, kept short.
	time.Sleep(200 * time.Millisecond)
	sched.Stop()

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks for disabled schedule, got %d", len(tasks))
	}
}

func TestScheduler_EnqueuedTaskCarriesChain(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	app := config.Config{
		Agents: []config.AgentEntry{
			{AgentID: "claude", Command: "claude", Fallback: "aider"},
			{AgentID: "aider", Command: "aider"},
		},
	}
	past := time.Now().Add(-1 * time.Minute)
	insertTestSchedule(t, store, "0 9 * * *", "claude", "daily report", true, &past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		App:      app,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	var tasks []persistence.Task
	waitFor(t, 3*time.Second, func() bool {
		var err error
		tasks, err = store.ListTasks(ctx)
		return err == nil && len(tasks) > 0
	})

	task := tasks[0]
	if task.Status != persistence.TaskStatusQueued {
		t.Fatalf("expected status=%s, got %s", persistence.TaskStatusQueued, task.Status)
	}
	if task.Prompt != "daily report" {
		t.Fatalf("prompt = %q", task.Prompt)
	}
	want := `[{"agent_id":"claude"},{"agent_id":"aider"}]`
	if task.AgentChain != want {
		t.Fatalf("agent_chain = %s, want %s", task.AgentChain, want)
	}
}

func TestScheduler_NextRunUpdated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-1 * time.Minute)
	schedID := insertTestSchedule(t, store, "*/10 * * * *", "claude", "tick", true, &past)

	sched := cron.NewScheduler(cron.Config{
		Store:    store,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	var found *persistence.Schedule
	waitFor(t, 3*time.Second, func() bool {
		schedules, err := store.ListSchedules(ctx)
		if err != nil {
			return false
		}
		for i := range schedules {
			if schedules[i].ID == schedID && schedules[i].LastRunAt != nil {
				found = &schedules[i]
				return true
			}
		}
		return false
	})

	if found.NextRunAt == nil {
		t.Fatal("expected next_run_at to be set after firing")
	}
	if !found.NextRunAt.After(past) {
		t.Fatalf("expected next_run_at (%v) to be after original past time (%v)", found.NextRunAt, past)
	}
	if found.NextRunAt.Minute()%10 != 0 {
		t.Fatalf("expected next_run_at minute to be a multiple of 10, got %d", found.NextRunAt.Minute())
	}
}

func TestScheduler_SyncConfigSchedules(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	app := config.Config{
		Schedules: []config.ScheduleEntry{
			{Name: "nightly", CronExpr: "0 3 * * *", AgentID: "claude", Prompt: "nightly sweep"},
		},
	}
	sched := cron.NewScheduler(cron.Config{Store: store, App: app, Logger: slog.Default()})
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	if err := sched.SyncConfigSchedules(ctx, now); err != nil {
		t.Fatalf("sync: %v", err)
	}

	schedules, err := store.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(schedules) != 1 {
		t.Fatalf("schedules = %d", len(schedules))
	}
	if schedules[0].NextRunAt == nil || !schedules[0].NextRunAt.After(now) {
		t.Fatalf("next_run_at = %v", schedules[0].NextRunAt)
	}

	// Re-sync must update in place, not duplicate.
	if err := sched.SyncConfigSchedules(ctx, now); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	schedules, _ = store.ListSchedules(ctx)
	if len(schedules) != 1 {
		t.Fatalf("re-sync duplicated schedules: %d", len(schedules))
	}
}

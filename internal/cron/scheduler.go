// Package cron provides a periodic scheduler that fires due cron schedules
// by enqueueing tasks in the persistence store.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/warden/internal/agent"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	App      config.Config // agent chain construction for fired tasks
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due cron schedules and
// enqueues a task for each one.
type Scheduler struct {
	store    *persistence.Store
	app      config.Config
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		app:      cfg.App,
		logger:   logger,
		interval: interval,
	}
}

// SyncConfigSchedules upserts the config-declared schedules into the
// store, computing the first run time for new entries.
func (s *Scheduler) SyncConfigSchedules(ctx context.Context, now time.Time) error {
	for _, entry := range s.app.Schedules {
		next, err := NextRunTime(entry.CronExpr, now)
		if err != nil {
			s.logger.Error("cron: invalid cron_expr in config",
				"schedule_name", entry.Name, "cron_expr", entry.CronExpr, "error", err)
			continue
		}
		if _, err := s.store.UpsertSchedule(ctx, persistence.Schedule{
			Name:      entry.Name,
			CronExpr:  entry.CronExpr,
			AgentID:   entry.AgentID,
			Workdir:   entry.Workdir,
			Prompt:    entry.Prompt,
			Enabled:   true,
			NextRunAt: &next,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues a task for the given schedule and updates its run
// timestamps. The task walks the same fallback chain an interactively
// enqueued task would.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	var primaries []string
	if sched.AgentID != "" {
		primaries = []string{sched.AgentID}
	} else if s.app.DefaultAgent != "" {
		primaries = []string{s.app.DefaultAgent}
	}
	chain, err := agent.EncodeChain(agent.BuildChain(primaries, s.app.FallbackMap()))
	if err != nil {
		s.logger.Error("cron: failed to build agent chain",
			"schedule_id", sched.ID, "error", err)
		return
	}

	taskID, err := s.store.CreateTask(ctx, persistence.TaskSeed{
		AgentChain: chain,
		Prompt:     sched.Prompt,
		Workdir:    sched.Workdir,
	})
	if err != nil {
		s.logger.Error("cron: failed to create task for schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run",
			"schedule_id", sched.ID,
			"error", err,
		)
		return
	}

	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", taskID,
		"next_run_at", nextRun,
	)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Package cron periodically fires due Schedules (SPEC_FULL §12.1): each
// tick queries the store for schedules whose next_run_at has passed,
// creates a task from the schedule's template, and dispatches it the
// same way a webhook-originated task is dispatched — asynchronously,
// with no live subscriber and no originating channel to deliver to.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/agentplane/control/internal/bus"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Bus        *bus.Bus
	Logger     *slog.Logger
	Interval   time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules, creates a
// task for each one, and hands it to the Dispatcher.
type Scheduler struct {
	store      *store.Store
	dispatcher *dispatcher.Dispatcher
	bus        *bus.Bus
	logger     *slog.Logger
	interval   time.Duration

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
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		logger:     logger,
		interval:   interval,
	}
}

// Start begins the scheduler loop in a background goroutine, ticking at
// the configured interval until ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for the in-flight tick to
// finish. It does not wait for tasks the current tick dispatched, since
// those run asynchronously via the Dispatcher.
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
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire creates a task from sched's template and dispatches it
// asynchronously, then advances the schedule's next_run_at. A schedule
// whose cron expression stops parsing is logged and left at its current
// next_run_at rather than firing forever on a stale value.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		return
	}

	task, err := s.store.CreateTask(ctx, &store.Task{
		SessionID:     sched.SessionID,
		ChannelType:   "schedule",
		Message:       sched.Message,
		Skills:        sched.Skills,
		BridgeConfigs: sched.BridgeConfigs,
	})
	if err != nil {
		s.logger.Error("cron: failed to create task for schedule", "schedule_id", sched.ID, "schedule_name", sched.Name, "error", err)
		return
	}

	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run", "schedule_id", sched.ID, "error", err)
		return
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{
			ScheduleID: sched.ID,
			TaskID:     task.ID,
			SessionID:  sched.SessionID,
		})
	}

	s.logger.Info("cron: schedule fired", "schedule_id", sched.ID, "schedule_name", sched.Name, "task_id", task.ID, "next_run_at", nextRun)

	go func() {
		if err := s.dispatcher.Run(context.Background(), task, nil, nil); err != nil {
			s.logger.Warn("cron: scheduled task dispatch failed", "schedule_id", sched.ID, "task_id", task.ID, "error", err)
		}
	}()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

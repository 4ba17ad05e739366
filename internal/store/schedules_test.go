package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/agentplane/control/internal/store"
)

func TestDueSchedulesOrdersByNextRunAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)

	now := time.Now().UTC()
	late, err := s.CreateSchedule(ctx, &store.Schedule{SessionID: sess.ID, Name: "late", CronExpr: "0 * * * *", Message: "hi", NextRunAt: now.Add(-1 * time.Minute)})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	early, err := s.CreateSchedule(ctx, &store.Schedule{SessionID: sess.ID, Name: "early", CronExpr: "0 * * * *", Message: "hi", NextRunAt: now.Add(-5 * time.Minute)})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if _, err := s.CreateSchedule(ctx, &store.Schedule{SessionID: sess.ID, Name: "future", CronExpr: "0 * * * *", Message: "hi", NextRunAt: now.Add(5 * time.Minute)}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	due, err := s.DueSchedules(ctx, now)
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(due) != 2 || due[0].ID != early.ID || due[1].ID != late.ID {
		t.Fatalf("expected [early, late] due order, got %+v", due)
	}
}

func TestUpdateScheduleRunAdvancesNextRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)

	now := time.Now().UTC()
	sched, err := s.CreateSchedule(ctx, &store.Schedule{SessionID: sess.ID, Name: "hourly", CronExpr: "0 * * * *", Message: "hi", NextRunAt: now})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	next := now.Add(time.Hour)
	if err := s.UpdateScheduleRun(ctx, sched.ID, now, next); err != nil {
		t.Fatalf("update schedule run: %v", err)
	}

	all, err := s.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(all) != 1 || all[0].LastRunAt == nil {
		t.Fatalf("expected last_run_at to be set, got %+v", all)
	}
}

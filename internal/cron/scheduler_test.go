package cron_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentplane/control/internal/cron"
	"github.com/agentplane/control/internal/dispatcher"
	"github.com/agentplane/control/internal/driver"
	"github.com/agentplane/control/internal/store"
	"github.com/agentplane/control/internal/workerclient"
)

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding a flaky fixed sleep.
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

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "control.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type stubDriver struct{ url string }

func (d *stubDriver) Acquire(ctx context.Context, sessionID string) (driver.Endpoint, error) {
	return driver.Endpoint{URL: d.url}, nil
}
func (d *stubDriver) Release(ctx context.Context, sessionID string) error { return nil }
func (d *stubDriver) Close() error                                       { return nil }

func newTestDispatcher(t *testing.T, st *store.Store) *dispatcher.Dispatcher {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chat" {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("event: text\ndata: {\"content\":\"report ready\"}\n\nevent: done\ndata: {}\n\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return dispatcher.New(st, &stubDriver{url: srv.URL}, workerclient.New(nil), nil, nil)
}

func TestSchedulerFiresDueScheduleAndAdvancesNextRun(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "sched-sess-1", "schedule", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	past := time.Now().UTC().Add(-5 * time.Minute)
	sched, err := st.CreateSchedule(ctx, &store.Schedule{
		SessionID: sess.ID,
		Name:      "daily-report",
		CronExpr:  "*/5 * * * *",
		Message:   "generate the daily report",
		NextRunAt: past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Store:      st,
		Dispatcher: newTestDispatcher(t, st),
		Logger:     slog.Default(),
		Interval:   20 * time.Millisecond,
	})
	s.Start(ctx)
	defer s.Stop()

	var tasks []*store.Task
	waitFor(t, 3*time.Second, func() bool {
		var err error
		tasks, err = st.ListTasksBySession(ctx, sess.ID)
		return err == nil && len(tasks) > 0
	})

	if tasks[0].Message != "generate the daily report" {
		t.Fatalf("expected task message to come from the schedule template, got %q", tasks[0].Message)
	}
	if tasks[0].ChannelType != "schedule" {
		t.Fatalf("expected channel_type=schedule, got %q", tasks[0].ChannelType)
	}

	waitFor(t, 3*time.Second, func() bool {
		got, err := st.GetTask(ctx, tasks[0].ID)
		return err == nil && got.Status == store.TaskCompleted
	})

	waitFor(t, time.Second, func() bool {
		all, err := st.ListSchedules(ctx)
		if err != nil || len(all) == 0 {
			return false
		}
		return all[0].LastRunAt != nil && all[0].NextRunAt.After(past)
	})

	final, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(final) != 1 || final[0].ID != sched.ID {
		t.Fatalf("expected exactly the one schedule to remain, got %+v", final)
	}
}

func TestSchedulerDoesNotFireBeforeDue(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sess, err := st.CreateSession(ctx, "sched-sess-2", "schedule", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	future := time.Now().UTC().Add(time.Hour)
	if _, err := st.CreateSchedule(ctx, &store.Schedule{
		SessionID: sess.ID,
		Name:      "not-yet",
		CronExpr:  "0 0 * * *",
		Message:   "should not run yet",
		NextRunAt: future,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	s := cron.NewScheduler(cron.Config{
		Store:      st,
		Dispatcher: newTestDispatcher(t, st),
		Logger:     slog.Default(),
		Interval:   20 * time.Millisecond,
	})
	s.Start(ctx)
	time.Sleep(150 * time.Millisecond)
	s.Stop()

	tasks, err := st.ListTasksBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks for a schedule not yet due, got %d", len(tasks))
	}
}

func TestNextRunTimeAdvancesByCronExpression(t *testing.T) {
	base := time.Date(2026, 1, 1, 9, 3, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 9 * * *", base)
	if err != nil {
		t.Fatalf("next run time: %v", err)
	}
	if next.Hour() != 9 || next.Minute() != 0 {
		t.Fatalf("expected next run at 09:00, got %v", next)
	}
	if !next.After(base) {
		t.Fatalf("expected next run to be after base time, got %v", next)
	}
}

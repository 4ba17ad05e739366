package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/agentplane/control/internal/store"
)

func mustSession(t *testing.T, s *store.Store) *store.Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), "", "webhook", "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestCreateTaskDefaultsToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)

	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Message != "hi" {
		t.Fatalf("expected message roundtrip, got %q", got.Message)
	}
}

func TestUpdateTaskRejectsAfterTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)
	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	completed := store.TaskCompleted
	if _, err := s.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &completed}); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	failed := store.TaskFailed
	_, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &failed})
	if !errors.Is(err, store.ErrTerminalTask) {
		t.Fatalf("expected ErrTerminalTask, got %v", err)
	}

	final, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != store.TaskCompleted {
		t.Fatalf("expected status to remain completed, got %s", final.Status)
	}
	if final.FinishedAt == nil {
		t.Fatalf("expected finished_at to be set on terminal transition")
	}
}

func TestCancelTaskIsSticky(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)
	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	canceled, err := s.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if canceled.Status != store.TaskCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	running := store.TaskRunning
	_, err = s.UpdateTask(ctx, task.ID, store.TaskUpdate{Status: &running})
	if !errors.Is(err, store.ErrTerminalTask) {
		t.Fatalf("expected a canceled task to reject further transitions, got %v", err)
	}
}

func TestListTasksBySessionOrdersByCreatedAtAscending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
		if err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
		ids = append(ids, task.ID)
	}

	tasks, err := s.ListTasksBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.ID != ids[i] {
			t.Fatalf("expected creation order at index %d, got %s want %s", i, task.ID, ids[i])
		}
	}
}

func TestDeleteSessionCascadesToTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)
	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.AppendLog(ctx, task.ID, "text", "hello", ""); err != nil {
		t.Fatalf("append log: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected task to be cascaded away, got %v", err)
	}
	logs, err := s.ReadLogs(ctx, task.ID, 0, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("expected logs to be cascaded away, got %d", len(logs))
	}
}

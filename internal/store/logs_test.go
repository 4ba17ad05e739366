package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/agentplane/control/internal/store"
)

func TestAppendLogAssignsMonotoneSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)
	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	for i := 0; i < 5; i++ {
		entry, err := s.AppendLog(ctx, task.ID, "text", "chunk", "")
		if err != nil {
			t.Fatalf("append log %d: %v", i, err)
		}
		if entry.Seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, entry.Seq)
		}
	}

	logs, err := s.ReadLogs(ctx, task.ID, -1, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if len(logs) != 5 {
		t.Fatalf("expected 5 log entries, got %d", len(logs))
	}
	for i, entry := range logs {
		if entry.Seq != int64(i) {
			t.Fatalf("expected seq order to be dense and ascending starting at 0, got %d at index %d", entry.Seq, i)
		}
	}
}

func TestAppendLogIsSeqUniqueUnderConcurrency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)
	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AppendLog(ctx, task.ID, "text", "chunk", ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append log: %v", err)
	}

	logs, err := s.ReadLogs(ctx, task.ID, -1, 0)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if len(logs) != n {
		t.Fatalf("expected %d entries, got %d", n, len(logs))
	}
	seen := make(map[int64]bool)
	for _, entry := range logs {
		if seen[entry.Seq] {
			t.Fatalf("duplicate seq %d observed", entry.Seq)
		}
		seen[entry.Seq] = true
	}
}

func TestReadLogsPaginatesAfterSeq(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := mustSession(t, s)
	task, err := s.CreateTask(ctx, &store.Task{SessionID: sess.ID, ChannelType: "webhook", Message: "hi"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.AppendLog(ctx, task.ID, "text", "chunk", ""); err != nil {
			t.Fatalf("append log: %v", err)
		}
	}

	page, err := s.ReadLogs(ctx, task.ID, 5, 3)
	if err != nil {
		t.Fatalf("read logs: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(page))
	}
	if page[0].Seq != 6 {
		t.Fatalf("expected first entry seq 6, got %d", page[0].Seq)
	}

	count, err := s.CountLogs(ctx, task.ID)
	if err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected count 10, got %d", count)
	}
}

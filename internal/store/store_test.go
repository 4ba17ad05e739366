package store_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/agentplane/control/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "control.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)
	db := s.DB()

	if got := queryOneString(t, db, "PRAGMA journal_mode;"); got != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", got)
	}

	var synchronous, foreignKeys int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "sessions", "tasks", "task_logs", "schedules"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestOpenTwiceReusesSchema(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "control.db")

	s1, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	ctx := context.Background()
	if _, err := s1.CreateSession(ctx, "sess-1", "webhook", "hello"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	sess, err := s2.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("get session after reopen: %v", err)
	}
	if sess.Title != "hello" {
		t.Fatalf("expected persisted title, got %q", sess.Title)
	}
}

package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestOpenCreatesDirAndMigrates(t *testing.T) {
	dir := t.TempDir()
	sqlDB, err := Open(filepath.Join(dir, "nested", "engine.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sqlDB.Close()

	if err := Migrate(sqlDB, `CREATE TABLE IF NOT EXISTS t (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := sqlDB.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(string(os.PathSeparator), "proc", "nonexistent", "deep", "engine.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}

func TestMigrateBadSchema(t *testing.T) {
	sqlDB, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sqlDB.Close()
	if err := Migrate(sqlDB, `CREATE TABLEX nope`); err == nil {
		t.Fatal("expected migrate error")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)
	if got := ParseTime(FormatTime(now)); !got.Equal(now) {
		t.Fatalf("expected %v, got %v", now, got)
	}
	if !ParseTime("garbage").IsZero() {
		t.Fatal("expected zero time for garbage")
	}
}

func TestNullIfEmpty(t *testing.T) {
	if NullIfEmpty("") != nil {
		t.Error("expected nil for empty string")
	}
	if NullIfEmpty("x") != "x" {
		t.Error("expected passthrough")
	}
}

func TestAppenderFlushAndClose(t *testing.T) {
	sqlDB, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sqlDB.Close()
	if err := Migrate(sqlDB, `CREATE TABLE log (n INTEGER NOT NULL)`); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	a := NewAppender(sqlDB, "test", 16, nil)
	for i := 0; i < 10; i++ {
		a.Append(Row{Query: `INSERT INTO log (n) VALUES (?)`, Args: []interface{}{i}})
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var count int
	sqlDB.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&count)
	if count != 10 {
		t.Fatalf("expected 10 rows after flush, got %d", count)
	}

	a.Append(Row{Query: `INSERT INTO log (n) VALUES (?)`, Args: []interface{}{99}})
	a.Close()
	sqlDB.QueryRow(`SELECT COUNT(*) FROM log`).Scan(&count)
	if count != 11 {
		t.Fatalf("expected close to drain, got %d rows", count)
	}
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after close: %v", err)
	}
}

func TestBatcherSizeFlushAndClose(t *testing.T) {
	var (
		mu      sync.Mutex
		batches [][]int
	)
	b := NewBatcher(16, 4, time.Hour, func(batch []int) {
		mu.Lock()
		batches = append(batches, append([]int(nil), batch...))
		mu.Unlock()
	})
	for i := 0; i < 6; i++ {
		if !b.Send(i) {
			t.Fatalf("Send %d refused", i)
		}
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mu.Lock()
	if len(batches) != 2 || len(batches[0]) != 4 || len(batches[1]) != 2 {
		t.Fatalf("expected a full batch of 4 then 2 on flush, got %v", batches)
	}
	mu.Unlock()

	b.Close()
	if b.Send(7) || b.TrySend(8) {
		t.Fatal("expected sends after close to be refused")
	}
	b.Close()
}

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatpipe/message"
)

// newFileStore opens a file-backed SQLite database in a temp directory.
// This is needed for concurrent write tests because :memory: databases
// do not support WAL mode properly under concurrent access.
func newFileStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Migration tests
// ---------------------------------------------------------------------------

func TestMigrationVersionSequence(t *testing.T) {
	s := newMemStore(t)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations ORDER BY version ASC`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()

	expected := 1
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		if v != expected {
			t.Errorf("expected migration version %d, got %d", expected, v)
		}
		expected++
	}
	if expected-1 != len(migrations) {
		t.Errorf("expected %d migration versions, found %d", len(migrations), expected-1)
	}
}

func TestMigrationAllTablesExist(t *testing.T) {
	s := newMemStore(t)

	tables := []string{"comment_logs", "settings", "schema_migrations"}
	for _, table := range tables {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&count); err != nil {
			t.Errorf("table %q should exist: %v", table, err)
		}
	}
}

func TestMigrationIndexExists(t *testing.T) {
	s := newMemStore(t)

	var name string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='index' AND name='idx_comment_logs_published'`,
	).Scan(&name)
	if err != nil {
		t.Errorf("index idx_comment_logs_published should exist: %v", err)
	}
}

func TestMigrationWALModeEnabled(t *testing.T) {
	s := newFileStore(t)

	var mode string
	if err := s.db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

// ---------------------------------------------------------------------------
// Concurrent read/write under WAL mode
// ---------------------------------------------------------------------------

func TestConcurrentSettingsReadWrite(t *testing.T) {
	s := newFileStore(t)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.SetSetting("counter", "value")
		}
	}()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _, _ = s.GetSetting("counter")
			}
		}()
	}

	wg.Wait()
}

func TestConcurrentSaveMessages(t *testing.T) {
	s := newFileStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			msgs := make([]message.Message, 0, 20)
			for j := 0; j < 20; j++ {
				msgs = append(msgs, textMsg(
					string(rune('A'+worker))+"-"+string(rune('0'+j%10)),
					"hi",
				))
			}
			if _, err := s.SaveMessages(context.Background(), msgs, 2*time.Second); err != nil {
				t.Errorf("worker %d: SaveMessages: %v", worker, err)
			}
		}(i)
	}
	wg.Wait()

	n, err := s.MessageCount()
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n == 0 {
		t.Error("expected at least some messages persisted under concurrent writers")
	}
}

// ---------------------------------------------------------------------------
// GetAllSettings
// ---------------------------------------------------------------------------

func TestGetAllSettings(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("key1", "val1")
	s.SetSetting("key2", "val2")
	s.SetSetting("key3", "val3")

	settings, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if len(settings) != 3 {
		t.Fatalf("expected 3 settings, got %d", len(settings))
	}
	if settings["key1"] != "val1" || settings["key2"] != "val2" || settings["key3"] != "val3" {
		t.Errorf("unexpected settings: %v", settings)
	}
}

func TestGetAllSettingsEmpty(t *testing.T) {
	s := newMemStore(t)

	settings, err := s.GetAllSettings()
	if err != nil {
		t.Fatalf("GetAllSettings: %v", err)
	}
	if len(settings) != 0 {
		t.Errorf("expected empty map, got %v", settings)
	}
}

func TestSetSettingOverwritesExistingValue(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("k", "first")
	s.SetSetting("k", "second")

	val, ok, err := s.GetSetting("k")
	if err != nil || !ok {
		t.Fatalf("GetSetting: val=%q ok=%v err=%v", val, ok, err)
	}
	if val != "second" {
		t.Errorf("GetSetting = %q, want %q", val, "second")
	}
}

// ---------------------------------------------------------------------------
// Backup
// ---------------------------------------------------------------------------

func TestBackupCreatesValidDB(t *testing.T) {
	s := newMemStore(t)

	s.SetSetting("backup_test", "value123")
	if _, err := s.SaveMessages(context.Background(), []message.Message{textMsg("b1", "hi")}, 2*time.Second); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}

	backupPath := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(backupPath); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	backup, err := New(backupPath, nil)
	if err != nil {
		t.Fatalf("opening backup: %v", err)
	}
	defer backup.Close()

	val, ok, err := backup.GetSetting("backup_test")
	if err != nil || !ok || val != "value123" {
		t.Errorf("backup setting: val=%q ok=%v err=%v", val, ok, err)
	}

	n, err := backup.MessageCount()
	if err != nil {
		t.Fatalf("MessageCount from backup: %v", err)
	}
	if n != 1 {
		t.Errorf("backup message count = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Optimize (periodic PRAGMA optimize ticker target)
// ---------------------------------------------------------------------------

func TestOptimizeRunsWithoutError(t *testing.T) {
	s := newMemStore(t)

	if _, err := s.SaveMessages(context.Background(), []message.Message{textMsg("o1", "hi")}, 2*time.Second); err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if err := s.Optimize(); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Large batch chunking (exercises chunkSize boundary)
// ---------------------------------------------------------------------------

func TestSaveMessagesAcrossMultipleChunks(t *testing.T) {
	s := newMemStore(t)

	msgs := make([]message.Message, 0, chunkSize*2+7)
	for i := 0; i < cap(msgs); i++ {
		msgs = append(msgs, textMsg(
			string(rune('a'+i%26))+string(rune('A'+(i/26)%26))+string(rune('0'+i%10)),
			"hi",
		))
	}

	result, err := s.SaveMessages(context.Background(), msgs, 5*time.Second)
	if err != nil {
		t.Fatalf("SaveMessages: %v", err)
	}
	if result.Saved != len(msgs) {
		t.Fatalf("result.Saved = %d, want %d (spanning multiple %d-row chunks)", result.Saved, len(msgs), chunkSize)
	}

	n, err := s.MessageCount()
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != len(msgs) {
		t.Fatalf("MessageCount = %d, want %d", n, len(msgs))
	}
}

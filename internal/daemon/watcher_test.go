package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDBWatcher(t *testing.T) {
	w, err := NewDBWatcher()
	if err != nil {
		t.Fatalf("NewDBWatcher() failed: %v", err)
	}
	defer w.Stop()

	if w.IsRunning() {
		t.Error("newly created watcher should not be running")
	}
}

func TestDBWatcher_StartStop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "rollbook.db")

	w, err := NewDBWatcher()
	if err != nil {
		t.Fatalf("NewDBWatcher() failed: %v", err)
	}
	if err := w.Start(dbPath); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !w.IsRunning() {
		t.Error("watcher should be running after Start()")
	}
	if err := w.Start(dbPath); err == nil {
		t.Error("second Start() succeeded")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if w.IsRunning() {
		t.Error("watcher should not be running after Stop()")
	}
	if err := w.Start(dbPath); err == nil {
		t.Error("Start() after Stop() succeeded")
	}
}

func TestDBWatcher_MissingDirectory(t *testing.T) {
	w, err := NewDBWatcher()
	if err != nil {
		t.Fatalf("NewDBWatcher() failed: %v", err)
	}
	defer w.Stop()

	if err := w.Start(filepath.Join(t.TempDir(), "missing", "rollbook.db")); err == nil {
		t.Error("Start() on a missing directory succeeded")
	}
}

func TestDBWatcher_ReportsDatabaseWrites(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "rollbook.db")

	w, err := NewDBWatcher()
	if err != nil {
		t.Fatalf("NewDBWatcher() failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(dbPath); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Unrelated files in the same directory are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	select {
	case path := <-w.Changes():
		t.Fatalf("unexpected change for %s", path)
	case <-time.After(100 * time.Millisecond):
	}

	if err := os.WriteFile(dbPath+"-wal", []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	select {
	case path := <-w.Changes():
		if filepath.Base(path) != "rollbook.db-wal" {
			t.Errorf("change reported for %s", path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no change reported for the WAL write")
	}
}

package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DBWatcher reports writes to a SQLite database file and its WAL/journal
// siblings. Writes by other processes (CLI commands) show up here.
type DBWatcher struct {
	watcher *fsnotify.Watcher
	changes chan string
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	closed  bool
	base    string
}

// NewDBWatcher creates a watcher. Call Start to begin watching.
func NewDBWatcher() (*DBWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &DBWatcher{
		watcher: watcher,
		changes: make(chan string, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches the directory containing dbPath. Only events on dbPath and
// files sharing its name as a prefix (rollbook.db-wal, rollbook.db-journal)
// are reported.
func (w *DBWatcher) Start(dbPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dbPath, err)
	}
	dir := filepath.Dir(abs)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w.base = filepath.Base(abs)
	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop stops watching and closes the Changes and Errors channels. It is safe
// to call on a watcher that was never started.
func (w *DBWatcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	if wasRunning {
		w.wg.Wait()
	}
	close(w.changes)
	close(w.errors)
	return nil
}

// Changes emits the path of each relevant write.
func (w *DBWatcher) Changes() <-chan string {
	return w.changes
}

// Errors emits watcher errors.
func (w *DBWatcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether Start has been called and Stop has not.
func (w *DBWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *DBWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			select {
			case w.changes <- event.Name:
			case <-w.done:
				return
			default:
				// Buffer full; the consumer only needs to know something changed.
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *DBWatcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return strings.HasPrefix(filepath.Base(event.Name), w.base)
}

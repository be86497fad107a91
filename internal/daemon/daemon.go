// Package daemon keeps the local queue draining in the background.
//
// The daemon:
// 1. Syncs once at startup
// 2. Syncs on a fixed interval
// 3. Syncs shortly after the local database is written (debounced)
// 4. Syncs when connectivity comes back
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/syncer"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to sync regardless of activity. Zero
	// disables periodic syncs.
	SyncInterval time.Duration

	// DebounceInterval is how long the database must be quiet after a write
	// before a sync is triggered. This batches bursts of edits together.
	DebounceInterval time.Duration

	// ProbeInterval is how often connectivity is checked for recovery.
	// Zero disables probing.
	ProbeInterval time.Duration

	// WatchPath is the local database file. Empty disables change
	// watching.
	WatchPath string

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     30 * time.Second,
		DebounceInterval: 500 * time.Millisecond,
		ProbeInterval:    5 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// QueueCounter reports how much work is queued.
type QueueCounter interface {
	Stats(ctx context.Context) (store.QueueStats, error)
}

// Daemon triggers sync runs from timers, database writes and connectivity
// changes. Triggers that arrive while a run is in progress collapse into a
// single follow-up run.
type Daemon struct {
	driver   syncer.Driver
	queue    QueueCounter
	detector syncer.Detector
	config   *Config

	watcher *DBWatcher

	changeMu   sync.Mutex
	dirty      bool
	lastChange time.Time

	triggers chan struct{}

	runsMu sync.Mutex
	runs   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. detector may be nil when connectivity probing is not
// wanted; the driver still consults its own detector on every run.
func New(driver syncer.Driver, queue QueueCounter, detector syncer.Detector, config *Config) (*Daemon, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	d := &Daemon{
		driver:   driver,
		queue:    queue,
		detector: detector,
		config:   config,
		triggers: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	if config.WatchPath != "" {
		w, err := NewDBWatcher()
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}
	return d, nil
}

// Start runs the daemon until ctx is cancelled, then shuts down.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if d.watcher != nil {
		if err := d.watcher.Start(d.config.WatchPath); err != nil {
			return err
		}
		d.config.Logger.Printf("Watching: %s", d.config.WatchPath)

		d.wg.Add(2)
		go d.watchChanges()
		go d.processChanges()
	}
	if d.config.SyncInterval > 0 {
		d.wg.Add(1)
		go d.tick(d.config.SyncInterval, d.Trigger)
	}
	if d.detector != nil && d.config.ProbeInterval > 0 {
		d.wg.Add(1)
		go d.watchConnectivity()
	}

	d.wg.Add(1)
	go d.runLoop()
	d.Trigger()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop cancels any in-flight run and waits for background work to finish.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")
	d.cancel()

	var err error
	if d.watcher != nil {
		if werr := d.watcher.Stop(); werr != nil {
			err = werr
		}
	}
	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return err
}

// Trigger requests a sync. It never blocks.
func (d *Daemon) Trigger() {
	select {
	case d.triggers <- struct{}{}:
	default:
	}
}

// Runs returns the number of sync runs performed.
func (d *Daemon) Runs() int {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()
	return d.runs
}

func (d *Daemon) runLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.triggers:
			d.syncOnce()
		}
	}
}

func (d *Daemon) syncOnce() {
	res, err := d.driver.Run(d.ctx)

	d.runsMu.Lock()
	d.runs++
	d.runsMu.Unlock()

	switch {
	case errors.Is(err, syncer.ErrOffline):
		d.config.Logger.Println("Offline, skipping sync")
	case errors.Is(err, context.Canceled):
	case err != nil:
		d.config.Logger.Printf("Sync failed: %v", err)
	case res.Queued > 0:
		d.config.Logger.Printf("Synced %d operations: %d ok, %d rejected, %d deferred",
			res.Queued, res.Settled(), res.Rejected, res.Deferred)
	}
}

// tick calls fn every interval.
func (d *Daemon) tick(interval time.Duration, fn func()) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// watchChanges records database writes reported by the watcher.
func (d *Daemon) watchChanges() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			d.changeMu.Lock()
			d.dirty = true
			d.lastChange = time.Now()
			d.changeMu.Unlock()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChanges triggers a sync once the database has been quiet for the
// debounce interval and there is something queued to send.
func (d *Daemon) processChanges() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.settled(time.Now()) {
				continue
			}
			stats, err := d.queue.Stats(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error reading queue stats: %v", err)
				continue
			}
			// The driver's own writes land here too; only wake it for new work.
			if stats.Pending > 0 {
				d.Trigger()
			}
		}
	}
}

// settled reports whether a pending change has aged past the debounce
// interval, clearing it if so.
func (d *Daemon) settled(now time.Time) bool {
	d.changeMu.Lock()
	defer d.changeMu.Unlock()
	if !d.dirty || now.Sub(d.lastChange) < d.config.DebounceInterval {
		return false
	}
	d.dirty = false
	return true
}

// watchConnectivity triggers a sync when the server becomes reachable again.
func (d *Daemon) watchConnectivity() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ProbeInterval)
	defer ticker.Stop()

	online := true
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			now := d.detector.Online(d.ctx)
			if now && !online {
				d.config.Logger.Println("Connectivity restored")
				d.Trigger()
			}
			online = now
		}
	}
}

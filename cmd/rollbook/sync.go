package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/daemon"
	"github.com/rollbook/rollbook/internal/logging"
	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/syncer"
	"github.com/rollbook/rollbook/internal/telemetry"
	"github.com/rollbook/rollbook/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Send queued edits to the server",
	Long: `Run one sync pass.

Queued edits are sent oldest first in batches of client.batch_size. Each edit
the server accepts (or already had) leaves the queue; edits it rejects are
flagged for attention and shown by 'rollbook queue list --attention'. If the
server cannot be reached the queue is left untouched and retried later with
exponential backoff.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		err := runSync(ctx)
		cancel()
		if err != nil {
			os.Exit(1)
		}
	},
}

// runSync performs one sync pass and reports it. The store and log files are
// closed before it returns, so callers may exit on error.
func runSync(ctx context.Context) error {
	logs := logFactory()
	defer logs.Close()

	s := openStore()
	defer s.Close()

	bus := telemetry.NewBus()
	var status telemetry.Status
	status.Watch(bus)

	driver, _ := newDriver(s, bus, logs)

	fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), cfg.Client.ServerURL)
	start := time.Now()
	res, err := driver.Run(ctx)
	if errors.Is(err, syncer.ErrOffline) {
		fmt.Printf("%s Offline: %s is unreachable, nothing sent\n", ui.RenderWarn("⚠"), cfg.Client.ServerURL)
		return nil
	}

	fmt.Println(ui.StatusLine(status.Text()))
	if res != nil {
		printResult(res, time.Since(start))
	}
	return err
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously in the foreground",
	Long: `Run the sync driver until interrupted.

A sync pass runs:
  1. At startup
  2. Every client.sync_interval
  3. Shortly after the local database changes (client.debounce)
  4. When the server becomes reachable again

With client.dashboard_port set, sync events are also streamed as JSON over a
websocket at ws://127.0.0.1:<port>/ws.`,
	Run: func(cmd *cobra.Command, args []string) {
		cc := cfg.Client

		logs := logFactory()
		defer logs.Close()

		s := openStore()
		defer s.Close()

		bus := telemetry.NewBus()
		var status telemetry.Status
		status.Watch(bus)
		logger := logs.Logger("daemon")
		bus.OnSyncEvent(func(ev telemetry.Event) {
			logger.Println(telemetry.Describe(ev))
		})

		if cc.DashboardPort > 0 {
			feed := telemetry.NewFeed(&telemetry.FeedConfig{
				Address: fmt.Sprintf("127.0.0.1:%d", cc.DashboardPort),
				Logger:  logs.Logger("feed"),
			})
			feed.Attach(bus)
			if err := feed.Start(); err != nil {
				fatal("failed to start dashboard: %v", err)
			}
			defer feed.Stop()
			fmt.Printf("   Events: ws://%s/ws\n", feed.Addr())
		}

		driver, probe := newDriver(s, bus, logs)
		d, err := daemon.New(driver, s, probe, &daemon.Config{
			SyncInterval:     cc.SyncInterval,
			DebounceInterval: cc.Debounce,
			ProbeInterval:    5 * time.Second,
			WatchPath:        s.Path(),
			Logger:           logger,
		})
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("%s Starting sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Server: %s\n", cc.ServerURL)
		fmt.Printf("   Database: %s\n", s.Path())
		fmt.Printf("   Interval: %v\n", cc.SyncInterval)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatal("daemon stopped: %v", err)
		}
		fmt.Printf("\n%s Daemon stopped after %d runs (%s)\n", ui.RenderPass("✓"), d.Runs(), status.Text())
	},
}

// newDriver wires the sync driver from the client config.
func newDriver(s *store.Store, bus *telemetry.Bus, logs *logging.Factory) (syncer.Driver, *syncer.Probe) {
	cc := cfg.Client
	if cc.Token == "" {
		fatal("no token configured (set client.token or ROLLBOOK_CLIENT_TOKEN)")
	}
	transport, err := syncer.NewHTTPTransport(cc.ServerURL, cc.Token, cc.RequestTimeout)
	if err != nil {
		fatal("%v", err)
	}
	probe := syncer.NewProbe(cc.ServerURL, cc.ProbeTimeout)

	driver, err := syncer.New(syncer.Options{
		Store:       s,
		Transport:   transport,
		Detector:    probe,
		Bus:         bus,
		Owner:       owner(),
		BatchSize:   cc.BatchSize,
		Backoff:     syncer.Backoff{Base: cc.BackoffBase, Max: cc.BackoffMax},
		MaxAttempts: cc.MaxAttempts,
		Logger:      logs.Logger("sync"),
	})
	if err != nil {
		fatal("%v", err)
	}
	return driver, probe
}

func printResult(res *syncer.Result, elapsed time.Duration) {
	fmt.Printf("   Queued: %d in %d request(s), %v\n", res.Queued, res.Requests, elapsed.Round(time.Millisecond))
	fmt.Printf("   Applied: %d  Already applied: %d\n", res.Applied, res.Skipped)
	if res.Rejected > 0 {
		fmt.Printf("   %s Rejected: %d (see 'rollbook queue list --attention')\n", ui.RenderWarn("⚠"), res.Rejected)
	}
	if res.Waiting > 0 || res.Deferred > 0 {
		fmt.Printf("   Retrying later: %d  Waiting on a student: %d\n", res.Waiting, res.Deferred)
	}
	if gaveUp := res.Flagged - res.Rejected; gaveUp > 0 {
		fmt.Printf("   %s Gave up retrying: %d (see 'rollbook queue list --attention')\n", ui.RenderWarn("⚠"), gaveUp)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
}

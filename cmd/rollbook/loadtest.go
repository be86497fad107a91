package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/loadtest"
	"github.com/rollbook/rollbook/internal/syncer"
	"github.com/rollbook/rollbook/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "server",
	Short:   "Hammer a sync server with concurrent devices",
	Long: `Simulate many devices editing the same roster at once.

Each device sends edits to the same students with shuffled clocks, then
replays its first batch. Afterwards every student is checked to hold the
newest edit and every replay to have been recognised as a duplicate.

Edits go to a throwaway branch (--branch) owned by the token's teacher.
Point this at a development server, not a live register.`,
	Run: func(cmd *cobra.Command, args []string) {
		devices, _ := cmd.Flags().GetInt("devices")
		edits, _ := cmd.Flags().GetInt("edits")
		students, _ := cmd.Flags().GetInt("students")
		branch, _ := cmd.Flags().GetString("branch")

		cc := cfg.Client
		if cc.Token == "" {
			fatal("no token configured (set client.token or ROLLBOOK_CLIENT_TOKEN)")
		}
		transport, err := syncer.NewHTTPTransport(cc.ServerURL, cc.Token, cc.RequestTimeout)
		if err != nil {
			fatal("%v", err)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Load testing %s: %d devices x %d edits over %d students\n",
			ui.RenderAccent("🔄"), cc.ServerURL, devices, edits, students)
		start := time.Now()
		report, err := loadtest.Run(ctx, func(int) syncer.Transport { return transport }, loadtest.Config{
			Devices:        devices,
			EditsPerDevice: edits,
			Students:       students,
			BatchSize:      cc.BatchSize,
			Branch:         branch,
		})
		if err != nil {
			fatal("%v", err)
		}

		fmt.Printf("   Sent: %d  Applied: %d  Stale: %d  Replayed: %d  (%v)\n\n",
			report.Sent, report.Applied, report.Rejected, report.Replayed, time.Since(start).Round(time.Millisecond))
		report.Latency.Print(os.Stdout)
		fmt.Println()

		for _, err := range report.Errors {
			fmt.Printf("%s %v\n", ui.RenderFail("✗"), err)
		}
		for _, m := range report.Mismatches {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), m)
		}
		if !report.Converged() {
			cancel()
			os.Exit(1)
		}
		fmt.Printf("%s All students converged on their newest edit\n", ui.RenderPass("✓"))
	},
}

func init() {
	loadtestCmd.Flags().Int("devices", 10, "concurrent devices")
	loadtestCmd.Flags().Int("edits", 50, "edits per device")
	loadtestCmd.Flags().Int("students", 20, "students contested")
	loadtestCmd.Flags().String("branch", "loadtest", "branch the edits are made in")
	rootCmd.AddCommand(loadtestCmd)
}

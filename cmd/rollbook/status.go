package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/config"
	"github.com/rollbook/rollbook/internal/syncer"
	"github.com/rollbook/rollbook/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local database and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()

		stats, err := s.Stats(ctx)
		if err != nil {
			fatal("%v", err)
		}
		deviceID, err := s.DeviceID(ctx)
		if err != nil {
			fatal("%v", err)
		}

		branch := ui.RenderMuted("none")
		if b, err := s.SelectedBranch(ctx, who); err == nil {
			branch = b.Name
		}

		online := ui.RenderWarn("unreachable")
		if syncer.NewProbe(cfg.Client.ServerURL, cfg.Client.ProbeTimeout).Online(ctx) {
			online = ui.RenderPass("reachable")
		}

		fmt.Printf("\n%s Rollbook Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Owner: %s\n", who)
		fmt.Printf("Branch: %s\n", branch)
		fmt.Printf("Database: %s\n", s.Path())
		fmt.Printf("Device: %s\n", deviceID)
		fmt.Printf("Server: %s (%s)\n", cfg.Client.ServerURL, online)
		fmt.Printf("Queued: %d\n", stats.Pending)
		if stats.NeedsAttention > 0 {
			fmt.Printf("Needs attention: %s\n", ui.RenderWarn(fmt.Sprint(stats.NeedsAttention)))
		} else {
			fmt.Printf("Needs attention: 0\n")
		}
		if cfg.File != "" {
			fmt.Printf("Config: %s\n", cfg.File)
		}
		fmt.Println()
	},
}

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Long: `Write a commented starter rollbook.yaml holding the current settings.

By default the file goes to ~/.config/rollbook/rollbook.yaml. Secrets are
better supplied through ROLLBOOK_CLIENT_TOKEN and ROLLBOOK_SERVER_JWT_SECRET.`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			var err error
			if path, err = config.DefaultFile(); err != nil {
				fatal("%v", err)
			}
		}
		if err := config.WriteFile(path, cfg, force); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		shown := *cfg
		if shown.Client.Token != "" {
			shown.Client.Token = "********"
		}
		if shown.Server.JWTSecret != "" {
			shown.Server.JWTSecret = "********"
		}
		data, err := config.Marshal(&shown)
		if err != nil {
			fatal("%v", err)
		}
		_, _ = os.Stdout.Write(data)
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "file to write (default ~/.config/rollbook/rollbook.yaml)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
}

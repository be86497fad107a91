package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/auth"
	"github.com/rollbook/rollbook/internal/config"
	"github.com/rollbook/rollbook/internal/logging"
	"github.com/rollbook/rollbook/internal/store"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "rollbook",
	Short: "Offline-first attendance register",
	Long: `rollbook keeps a class roster and daily attendance in a local database
and reconciles them with a sync server whenever a connection is available.

Every edit is written locally first and queued. 'rollbook sync' (or the
long-running 'rollbook daemon') ships queued edits to the server, which
resolves conflicts last-writer-wins and reports a verdict per edit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, config.Options{File: cfgFile, DotEnv: envFile})
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "register", Title: "Register:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./rollbook.yaml or ~/.config/rollbook/rollbook.yaml)")
	flags.StringVar(&envFile, "env-file", "", "dotenv file to load (default ./.env)")
	flags.String("db", "", "local database path")
	flags.String("owner", "", "teacher id local data is scoped to (default: token subject)")
	flags.String("server", "", "sync server URL")
	_ = v.BindPFlag("client.db_path", flags.Lookup("db"))
	_ = v.BindPFlag("client.owner", flags.Lookup("owner"))
	_ = v.BindPFlag("client.server_url", flags.Lookup("server"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// fatal prints an error and exits.
func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openStore opens the local database, creating its directory on first use.
func openStore() *store.Store {
	path := cfg.Client.DBPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fatal("failed to create %s: %v", filepath.Dir(path), err)
	}
	s, err := store.Open(path)
	if err != nil {
		fatal("%v", err)
	}
	return s
}

// owner is the teacher id local records belong to. It comes from
// client.owner, falling back to the subject of client.token.
func owner() string {
	if cfg.Client.Owner != "" {
		return cfg.Client.Owner
	}
	if cfg.Client.Token != "" {
		if sub, err := auth.Subject(cfg.Client.Token); err == nil {
			return sub
		}
	}
	fatal("no owner configured (set client.owner, --owner, or client.token)")
	return ""
}

// selectedBranch returns the session's branch or exits with a hint.
func selectedBranch(ctx context.Context, s *store.Store, who string) *store.Branch {
	b, err := s.SelectedBranch(ctx, who)
	if errors.Is(err, store.ErrNotFound) {
		fatal("no branch selected (run 'rollbook branch select <name>')")
	}
	if err != nil {
		fatal("%v", err)
	}
	return b
}

// logFactory builds component loggers from the log section.
func logFactory() *logging.Factory {
	return logging.New(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
}

func bindFlag(key string, cmd *cobra.Command, name string) {
	_ = v.BindPFlag(key, cmd.Flags().Lookup(name))
}

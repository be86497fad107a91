package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/api"
	"github.com/rollbook/rollbook/internal/auth"
	"github.com/rollbook/rollbook/internal/reconcile"
	"github.com/rollbook/rollbook/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server",
	Long: `Run the reconciliation endpoint.

The server accepts batches of queued edits at POST /sync, resolves each one
last-writer-wins against the authoritative store, and answers with one verdict
per edit. Every request must carry a bearer token signed with server.jwt_secret;
the token subject is the teacher all data is scoped to.

Storage:
  server.db_driver=sqlite3   server.dsn is a file path (default)
  server.db_driver=postgres  server.dsn is a lib/pq connection string

Example:
  ROLLBOOK_SERVER_JWT_SECRET=dev rollbook serve --addr :8080`,
	Run: func(cmd *cobra.Command, args []string) {
		sc := cfg.Server
		authority, err := auth.NewAuthority(sc.JWTSecret)
		if err != nil {
			fatal("%v (set server.jwt_secret or ROLLBOOK_SERVER_JWT_SECRET)", err)
		}

		logs := logFactory()
		defer logs.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		db, err := reconcile.Open(ctx, sc.DBDriver, sc.DSN)
		if err != nil {
			fatal("%v", err)
		}
		defer db.Close()

		server := api.NewServer(&api.Options{
			Address:        sc.Addr,
			DisableReqLogs: !sc.RequestLogs,
			MaxBatch:       sc.MaxBatch,
			Authority:      authority,
			Reconciler: reconcile.New(db, reconcile.Options{
				Logger:       logs.Logger("reconcile"),
				MaxClockSkew: sc.MaxClockSkew,
			}),
			Logger: logs.Logger("api"),
		})

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		fmt.Printf("%s Sync server listening on %s (%s)\n", ui.RenderAccent("🚀"), sc.Addr, sc.DBDriver)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		select {
		case err := <-errCh:
			if err != nil {
				fatal("server stopped: %v", err)
			}
			return
		case <-ctx.Done():
		}

		fmt.Println("\nShutting down sync server...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := server.Stop(shutdownCtx); err != nil {
			fatal("during shutdown: %v", err)
		}
		fmt.Printf("%s Sync server stopped\n", ui.RenderPass("✓"))
	},
}

var tokenCmd = &cobra.Command{
	Use:     "token <teacher-id>",
	GroupID: "server",
	Short:   "Mint a bearer token for local testing",
	Long: `Sign a bearer token for a teacher with server.jwt_secret.

The printed token goes in client.token (or ROLLBOOK_CLIENT_TOKEN). Its subject
also becomes the default owner of local records.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		name, _ := cmd.Flags().GetString("name")

		authority, err := auth.NewAuthority(cfg.Server.JWTSecret)
		if err != nil {
			fatal("%v (set server.jwt_secret or ROLLBOOK_SERVER_JWT_SECRET)", err)
		}
		token, err := authority.Issue(args[0], name, ttl)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Println(token)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default server.addr)")
	serveCmd.Flags().String("driver", "", "authoritative store driver: sqlite3 or postgres")
	serveCmd.Flags().String("dsn", "", "authoritative store DSN")
	bindFlag("server.addr", serveCmd, "addr")
	bindFlag("server.db_driver", serveCmd, "driver")
	bindFlag("server.dsn", serveCmd, "dsn")

	tokenCmd.Flags().Duration("ttl", 30*24*time.Hour, "token lifetime (0 never expires)")
	tokenCmd.Flags().String("name", "", "display name carried in the token")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
}

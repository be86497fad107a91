package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect and repair queued edits",
	Long: `Inspect the local queue of edits waiting to reach the server.

Edits the server rejected, or that failed client.max_attempts times, are
flagged as needing attention and no longer sent. Use 'requeue' to send the
edit again as a new write, or 'discard' to drop it.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued edits",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()

		ops, err := s.ListOperations(ctx, queueFilter(cmd))
		if err != nil {
			fatal("%v", err)
		}
		if len(ops) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return
		}

		rows := make([][]string, 0, len(ops))
		for _, op := range ops {
			state := "pending"
			if op.NeedsAttention {
				state = ui.RenderWarn("attention")
			} else if op.AwaitingDependency() {
				state = ui.RenderMuted("waiting on student")
			}
			rows = append(rows, []string{
				strconv.FormatInt(op.Seq, 10),
				string(op.Entity),
				string(op.Action),
				op.ClientUpdatedAt.Local().Format("2006-01-02 15:04:05"),
				strconv.Itoa(op.Attempts),
				state,
				op.LastError,
			})
		}
		fmt.Println(ui.Table([]string{"SEQ", "ENTITY", "ACTION", "EDITED", "TRIES", "STATE", "LAST ERROR"}, rows))
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write queued edits as JSON lines",
	Long: `Write queued edits as JSON lines, one per edit, to a file or stdout.

Each line carries the op_id the edit is sent with, its payload and, for
flagged edits, the server's reason and timestamp.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()

		out := os.Stdout
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Create(args[0])
			if err != nil {
				fatal("failed to create %s: %v", args[0], err)
			}
			defer f.Close()
			out = f
		}

		n, err := s.ExportQueue(ctx, out, queueFilter(cmd))
		if err != nil {
			fatal("%v", err)
		}
		if out != os.Stdout {
			fmt.Printf("%s Exported %d edits to %s\n", ui.RenderPass("✓"), n, args[0])
		}
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <seq>",
	Short: "Send a flagged edit again as a new write",
	Long: `Re-queue a flagged edit with the current time as its edit time.

The server sees it as a new write, so it wins over whatever the server holds
unless that was itself edited later.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		seq := parseSeq(args[0])
		s := openStore()
		defer s.Close()

		newSeq, err := s.RequeueOperation(context.Background(), seq, time.Now().UTC())
		if errors.Is(err, store.ErrNotFound) {
			fatal("no queued edit %d", seq)
		}
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Re-queued edit %d as %d\n", ui.RenderPass("✓"), seq, newSeq)
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <seq>",
	Short: "Drop a queued edit without sending it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		seq := parseSeq(args[0])
		s := openStore()
		defer s.Close()

		err := s.DiscardOperation(context.Background(), seq)
		if errors.Is(err, store.ErrNotFound) {
			fatal("no queued edit %d", seq)
		}
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Discarded edit %d\n", ui.RenderPass("✓"), seq)
		fmt.Printf("   The local record keeps the change; it will not reach the server\n")
	},
}

func queueFilter(cmd *cobra.Command) store.QueueFilter {
	var filter store.QueueFilter
	if attention, _ := cmd.Flags().GetBool("attention"); attention {
		filter.NeedsAttention = &attention
	}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	return filter
}

func parseSeq(s string) int64 {
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq <= 0 {
		fatal("invalid sequence number %q", s)
	}
	return seq
}

func init() {
	for _, c := range []*cobra.Command{queueListCmd, queueExportCmd} {
		c.Flags().Bool("attention", false, "only edits needing attention")
		c.Flags().Int("limit", 0, "maximum edits to show (0 for all)")
	}

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	rootCmd.AddCommand(queueCmd)
}

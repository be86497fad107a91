package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/ui"
)

var branchCmd = &cobra.Command{
	Use:     "branch",
	GroupID: "register",
	Short:   "Manage classes and sections",
	Long: `Manage branches: the classes or sections a roster is grouped under.

Branches are created locally and reach the server with the first roster edit
that names them. One branch is selected at a time; roster and attendance
commands act on it.`,
}

var branchAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()

		b, err := s.CreateBranch(ctx, who, args[0])
		if errors.Is(err, store.ErrDuplicateBranch) {
			fatal("branch %q already exists", args[0])
		}
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Created branch %s\n", ui.RenderPass("✓"), b.Name)

		selectIt, _ := cmd.Flags().GetBool("select")
		if _, err := s.SelectedBranch(ctx, who); errors.Is(err, store.ErrNotFound) {
			selectIt = true
		}
		if selectIt {
			if err := s.SelectBranch(ctx, who, b.LocalID); err != nil {
				fatal("%v", err)
			}
			fmt.Printf("   Selected %s\n", b.Name)
		}
	},
}

var branchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List branches",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()

		branches, err := s.ListBranches(ctx, who)
		if err != nil {
			fatal("%v", err)
		}
		if len(branches) == 0 {
			fmt.Printf("\n%s No branches yet\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'rollbook branch add <name>' to create one\n\n")
			return
		}

		var selected int64
		if b, err := s.SelectedBranch(ctx, who); err == nil {
			selected = b.LocalID
		}
		rows := make([][]string, 0, len(branches))
		for _, b := range branches {
			mark := ""
			if b.LocalID == selected {
				mark = "*"
			}
			serverID := b.ServerID
			if serverID == "" {
				serverID = ui.RenderMuted("not synced")
			}
			rows = append(rows, []string{mark, b.Name, serverID})
		}
		fmt.Println(ui.Table([]string{"", "NAME", "SERVER ID"}, rows))
	},
}

var branchSelectCmd = &cobra.Command{
	Use:   "select <name>",
	Short: "Select the branch roster and attendance commands act on",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()

		b, err := s.FindBranch(ctx, who, args[0])
		if errors.Is(err, store.ErrNotFound) {
			names := branchNames(ctx, s, who)
			fatal("no branch %q (have: %s)", args[0], names)
		}
		if err != nil {
			fatal("%v", err)
		}
		if err := s.SelectBranch(ctx, who, b.LocalID); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Selected %s\n", ui.RenderPass("✓"), b.Name)
	},
}

func branchNames(ctx context.Context, s *store.Store, who string) string {
	branches, err := s.ListBranches(ctx, who)
	if err != nil || len(branches) == 0 {
		return "none"
	}
	names := make([]string, len(branches))
	for i, b := range branches {
		names[i] = b.Name
	}
	return strings.Join(names, ", ")
}

func init() {
	branchAddCmd.Flags().Bool("select", false, "select the new branch")

	branchCmd.AddCommand(branchAddCmd)
	branchCmd.AddCommand(branchListCmd)
	branchCmd.AddCommand(branchSelectCmd)
	rootCmd.AddCommand(branchCmd)
}

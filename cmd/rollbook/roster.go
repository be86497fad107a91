package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/ui"
)

var rosterCmd = &cobra.Command{
	Use:     "roster",
	GroupID: "register",
	Short:   "Manage the selected branch's roster",
}

var rosterAddCmd = &cobra.Command{
	Use:   "add [roll-no] [name]",
	Short: "Add a student, or rename the one holding a roll number",
	Long: `Add a student to the selected branch.

If a student already holds the roll number, the name is updated instead.
A student removed earlier with the same roll number is restored.

Without arguments the roll number and name are prompted for.`,
	Args: cobra.MaximumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()
		branch := selectedBranch(ctx, s, who)

		var rollText, name string
		if len(args) > 0 {
			rollText = args[0]
		}
		if len(args) > 1 {
			name = args[1]
		}
		if rollText == "" || name == "" {
			if err := promptStudent(&rollText, &name); err != nil {
				fatal("%v", err)
			}
		}
		roll, err := parseRollNo(rollText)
		if err != nil {
			fatal("%v", err)
		}

		entry, rec, err := s.RecordRosterEntry(ctx, store.RosterInput{
			Owner:    who,
			BranchID: branch.LocalID,
			RollNo:   roll,
			Name:     name,
		})
		if errors.Is(err, store.ErrDuplicateRollNo) {
			fatal("roll number %d is already taken in %s", roll, branch.Name)
		}
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s %s #%d %s in %s (queued op %d)\n",
			ui.RenderPass("✓"), pastTense(string(rec.Action)), entry.RollNo, entry.Name, branch.Name, rec.Seq)
	},
}

var rosterRmCmd = &cobra.Command{
	Use:   "rm <roll-no>",
	Short: "Remove a student from the roster",
	Long: `Remove a student from the selected branch.

The student is soft-deleted: attendance already recorded is kept.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()
		branch := selectedBranch(ctx, s, who)

		entry := findStudent(ctx, s, who, branch, args[0])
		_, rec, err := s.RecordRosterDelete(ctx, who, entry.LocalID, time.Time{})
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Removed #%d %s (queued op %d)\n", ui.RenderPass("✓"), entry.RollNo, entry.Name, rec.Seq)
	},
}

var rosterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the selected branch's roster",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()
		branch := selectedBranch(ctx, s, who)

		all, _ := cmd.Flags().GetBool("all")
		entries, err := s.ListRoster(ctx, who, branch.LocalID, all)
		if err != nil {
			fatal("%v", err)
		}
		if len(entries) == 0 {
			fmt.Printf("\n%s %s has no students\n", ui.RenderWarn("⚠"), branch.Name)
			fmt.Printf("   Run 'rollbook roster add' to add one\n\n")
			return
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			state := ui.RenderPass("synced")
			switch {
			case e.Deleted:
				state = ui.RenderMuted("removed")
			case e.ServerID == "":
				state = ui.RenderWarn("pending")
			}
			rows = append(rows, []string{strconv.Itoa(e.RollNo), e.Name, state})
		}
		fmt.Printf("%s %s\n", ui.RenderAccent("📋"), branch.Name)
		fmt.Println(ui.Table([]string{"ROLL", "NAME", "STATE"}, rows))
	},
}

// promptStudent asks for whichever of roll and name is missing.
func promptStudent(roll, name *string) error {
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Roll number").
			Value(roll).
			Validate(func(s string) error {
				_, err := parseRollNo(s)
				return err
			}),
		huh.NewInput().
			Title("Name").
			Value(name).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return errors.New("name is required")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("prompt cancelled: %w", err)
	}
	return nil
}

func parseRollNo(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid roll number %q", s)
	}
	return n, nil
}

// findStudent resolves a roll number in branch or exits.
func findStudent(ctx context.Context, s *store.Store, who string, branch *store.Branch, rollText string) *store.RosterEntry {
	roll, err := parseRollNo(rollText)
	if err != nil {
		fatal("%v", err)
	}
	entry, err := s.FindRosterEntry(ctx, who, branch.LocalID, roll)
	if errors.Is(err, store.ErrNotFound) {
		fatal("no student with roll number %d in %s", roll, branch.Name)
	}
	if err != nil {
		fatal("%v", err)
	}
	return entry
}

func pastTense(action string) string {
	switch action {
	case "create":
		return "Added"
	case "update":
		return "Updated"
	case "delete":
		return "Removed"
	}
	return action
}

func init() {
	rosterListCmd.Flags().Bool("all", false, "include removed students")

	rosterCmd.AddCommand(rosterAddCmd)
	rosterCmd.AddCommand(rosterRmCmd)
	rosterCmd.AddCommand(rosterListCmd)
	rootCmd.AddCommand(rosterCmd)
}

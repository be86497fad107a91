package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rollbook/rollbook/internal/protocol"
	"github.com/rollbook/rollbook/internal/store"
	"github.com/rollbook/rollbook/internal/ui"
)

var markCmd = &cobra.Command{
	Use:     "mark <roll-no> present|absent",
	GroupID: "register",
	Short:   "Record a student's attendance",
	Long: `Record a student's attendance in the selected branch.

Marking the same student twice on one date overwrites the earlier mark.

Examples:
  rollbook mark 7 present
  rollbook mark 7 absent --date yesterday
  rollbook mark 12 present --date 2026-03-02`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		status := protocol.Status(strings.ToLower(args[1]))
		if status != protocol.StatusPresent && status != protocol.StatusAbsent {
			fatal("status must be present or absent, got %q", args[1])
		}
		date := dateFlag(cmd)

		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()
		branch := selectedBranch(ctx, s, who)
		entry := findStudent(ctx, s, who, branch, args[0])

		mark, rec, err := s.RecordAttendance(ctx, store.MarkInput{
			Owner:         who,
			BranchID:      branch.LocalID,
			Date:          date,
			Status:        status,
			RosterLocalID: entry.LocalID,
		})
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s #%d %s %s on %s (queued op %d)\n",
			ui.RenderPass("✓"), entry.RollNo, entry.Name, mark.Status, mark.Date, rec.Seq)
	},
}

var unmarkCmd = &cobra.Command{
	Use:     "unmark <roll-no>",
	GroupID: "register",
	Short:   "Clear a student's attendance for a date",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		date := dateFlag(cmd)

		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()
		branch := selectedBranch(ctx, s, who)
		entry := findStudent(ctx, s, who, branch, args[0])

		mark, err := s.FindAttendanceMark(ctx, who, branch.LocalID, entry.LocalID, date)
		if errors.Is(err, store.ErrNotFound) {
			fatal("#%d %s has no attendance on %s", entry.RollNo, entry.Name, date)
		}
		if err != nil {
			fatal("%v", err)
		}
		_, rec, err := s.RecordAttendanceDelete(ctx, who, mark.LocalID, time.Time{})
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Cleared #%d %s on %s (queued op %d)\n", ui.RenderPass("✓"), entry.RollNo, entry.Name, date, rec.Seq)
	},
}

var attendanceCmd = &cobra.Command{
	Use:     "attendance",
	GroupID: "register",
	Short:   "Show the selected branch's attendance for a date",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		date := dateFlag(cmd)

		ctx := context.Background()
		s := openStore()
		defer s.Close()
		who := owner()
		branch := selectedBranch(ctx, s, who)

		entries, err := s.ListRoster(ctx, who, branch.LocalID, false)
		if err != nil {
			fatal("%v", err)
		}
		marks, err := s.ListAttendance(ctx, who, branch.LocalID, date)
		if err != nil {
			fatal("%v", err)
		}
		byEntry := make(map[int64]*store.AttendanceMark, len(marks))
		for _, m := range marks {
			byEntry[m.RosterLocalID] = m
		}

		var present, absent int
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			status := ui.RenderMuted("-")
			if m, ok := byEntry[e.LocalID]; ok {
				switch m.Status {
				case protocol.StatusPresent:
					present++
					status = ui.RenderPass(string(m.Status))
				case protocol.StatusAbsent:
					absent++
					status = ui.RenderFail(string(m.Status))
				}
			}
			rows = append(rows, []string{strconv.Itoa(e.RollNo), e.Name, status})
		}

		fmt.Printf("%s %s, %s\n", ui.RenderAccent("📅"), branch.Name, date)
		if len(rows) > 0 {
			fmt.Println(ui.Table([]string{"ROLL", "NAME", "STATUS"}, rows))
		}
		fmt.Printf("Present: %d  Absent: %d  Unmarked: %d\n", present, absent, len(entries)-present-absent)
	},
}

func dateFlag(cmd *cobra.Command) string {
	text, _ := cmd.Flags().GetString("date")
	date, err := resolveDate(text, time.Now())
	if err != nil {
		fatal("%v", err)
	}
	return date
}

func init() {
	for _, c := range []*cobra.Command{markCmd, unmarkCmd, attendanceCmd} {
		c.Flags().StringP("date", "d", "", `date: YYYY-MM-DD or "yesterday", "last monday" (default today)`)
		rootCmd.AddCommand(c)
	}
}

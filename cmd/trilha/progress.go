package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/koinelab/trilha/internal/progress/schema"
	"github.com/koinelab/trilha/internal/ui"
)

var loadCmd = &cobra.Command{
	Use:     "load <module>",
	GroupID: "progress",
	Short:   "Show progress for a module",
	Long: `Load progress for a module, reconciling the local copy with the cloud copy
when cloud sync is available. If the cloud cannot be reached the local copy
is shown.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		total, _ := cmd.Flags().GetInt("total")

		return withApp(cmd.Context(), func(a *app) error {
			rec, err := a.mgr.LoadProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd.OutOrStdout(), rec, total)
			return nil
		})
	},
}

var completeCmd = &cobra.Command{
	Use:     "complete <module> <block>...",
	GroupID: "progress",
	Short:   "Mark blocks as completed",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(ctx context.Context, a *app) (*schema.ProgressRecord, error) {
			blocks := args[1:]
			return a.mgr.Update(ctx, args[0], func(r *schema.ProgressRecord) error {
				for _, b := range blocks {
					r.CompleteBlock(b)
				}
				return nil
			})
		})
	},
}

var answerCmd = &cobra.Command{
	Use:     "answer <module> <block> <value>",
	GroupID: "progress",
	Short:   "Record the answer given for a block",
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		correct, _ := cmd.Flags().GetBool("correct")
		return mutate(cmd, func(ctx context.Context, a *app) (*schema.ProgressRecord, error) {
			return a.mgr.SaveBlockAnswer(ctx, args[0], args[1], args[2], correct)
		})
	},
}

var timeCmd = &cobra.Command{
	Use:     "time <module> <minutes>",
	GroupID: "progress",
	Short:   "Add study time in minutes",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid minutes %q: %w", args[1], err)
		}
		return mutate(cmd, func(ctx context.Context, a *app) (*schema.ProgressRecord, error) {
			return a.mgr.AddStudyTime(ctx, args[0], minutes)
		})
	},
}

var favoriteCmd = &cobra.Command{
	Use:     "favorite <module> <block>",
	GroupID: "progress",
	Short:   "Toggle a block as favorite",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutate(cmd, func(ctx context.Context, a *app) (*schema.ProgressRecord, error) {
			return a.mgr.ToggleFavoriteBlock(ctx, args[0], args[1])
		})
	},
}

var notesCmd = &cobra.Command{
	Use:     "notes <module> [text]",
	GroupID: "progress",
	Short:   "Replace the notes of a module",
	Long:    `Replace the notes of a module. With no text, the notes are cleared.`,
	Args:    cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) == 2 {
			text = args[1]
		}
		return mutate(cmd, func(ctx context.Context, a *app) (*schema.ProgressRecord, error) {
			return a.mgr.UpdateNotes(ctx, args[0], text)
		})
	},
}

var resetCmd = &cobra.Command{
	Use:     "reset <module>",
	GroupID: "progress",
	Short:   "Clear all progress for a module",
	Long: `Reset a module to empty progress. The reset is a normal change: it is
synced to the cloud and wins over older copies there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(cmd, fmt.Sprintf("Reset all progress for %s?", args[0]))
		if err != nil || !ok {
			return err
		}
		return mutate(cmd, func(ctx context.Context, a *app) (*schema.ProgressRecord, error) {
			return a.mgr.ResetProgress(ctx, args[0])
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <module>",
	GroupID: "progress",
	Short:   "Delete a module's progress locally and in the cloud",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirm(cmd, fmt.Sprintf("Delete %s locally and in the cloud?", args[0]))
		if err != nil || !ok {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			if err := a.mgr.DeleteProgress(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass(ui.IconPass), args[0])
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "progress",
	Short:   "List local progress",
	Long: `List every module with local progress.

--since accepts a timestamp (2026-09-01, 2026-09-01T10:00:00Z) or a phrase
such as "yesterday", "last monday" or "3 days ago".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		unsynced, _ := cmd.Flags().GetBool("unsynced")

		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			var (
				records []*schema.ProgressRecord
				err     error
			)
			switch {
			case unsynced:
				records, err = a.local.ListUnsynced(ctx)
			case sinceText != "":
				since, perr := parseSince(sinceText, time.Now())
				if perr != nil {
					return perr
				}
				records, err = a.local.ListUpdatedSince(ctx, since)
			default:
				records, err = a.local.ListContext(ctx)
			}
			if err != nil {
				return err
			}
			printList(cmd.OutOrStdout(), records)
			return nil
		})
	},
}

func init() {
	loadCmd.Flags().Bool("json", false, "print the record as JSON")
	loadCmd.Flags().Int("total", 0, "number of blocks in the module, to show a completion bar")
	answerCmd.Flags().Bool("correct", false, "the answer was correct")
	resetCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	deleteCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	listCmd.Flags().String("since", "", "only modules changed since this time")
	listCmd.Flags().Bool("unsynced", false, "only modules waiting to be resent to the cloud")

	rootCmd.AddCommand(loadCmd, completeCmd, answerCmd, timeCmd, favoriteCmd, notesCmd, resetCmd, deleteCmd, listCmd)
}

// mutate runs a progress change and prints the resulting record. A local
// write failure is reported after the record, since the change is still
// held in memory and queued for the cloud.
func mutate(cmd *cobra.Command, fn func(ctx context.Context, a *app) (*schema.ProgressRecord, error)) error {
	return withApp(cmd.Context(), func(a *app) error {
		rec, err := fn(cmd.Context(), a)
		if rec != nil {
			printRecord(cmd.OutOrStdout(), rec, 0)
		}
		return err
	})
}

// confirm asks before a destructive command unless --yes was given. Without
// a terminal there is no one to ask, so --yes is required.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true, nil
	}
	if !ui.IsInteractive() {
		return false, fmt.Errorf("refusing to run %q without --yes in a non-interactive session", cmd.Name())
	}

	var ok bool
	err := huh.NewConfirm().
		Title(question).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderMuted("Aborted."))
	}
	return ok, nil
}

func printRecord(w io.Writer, rec *schema.ProgressRecord, totalBlocks int) {
	fmt.Fprintln(w, ui.RenderBold(rec.ModuleID)+"  "+ui.RenderState(rec.SyncState))
	if rec.IsDefault() {
		fmt.Fprintln(w, ui.RenderMuted("  no progress yet"))
		return
	}
	if totalBlocks > 0 {
		fmt.Fprintln(w, "  "+ui.ProgressBar(schema.CompletionPercentage(rec, totalBlocks), 24))
	}
	fmt.Fprintln(w, "  "+ui.LabelValue("Completed", strings.Join(rec.CompletedBlocks, ", ")))
	if len(rec.Favorites) > 0 {
		fmt.Fprintln(w, "  "+ui.LabelValue("Favorites", ui.IconStar+" "+strings.Join(rec.Favorites, ", ")))
	}
	if len(rec.Answers) > 0 {
		blocks := make([]string, 0, len(rec.Answers))
		for b := range rec.Answers {
			blocks = append(blocks, b)
		}
		sort.Strings(blocks)
		fmt.Fprintln(w, "  "+ui.KeyStyle.Render("Answers:"))
		for _, b := range blocks {
			ans := rec.Answers[b]
			mark := ui.RenderFail(ui.IconFail)
			if ans.IsCorrect {
				mark = ui.RenderPass(ui.IconPass)
			}
			fmt.Fprintf(w, "    %s %s: %s\n", mark, b, ans.Value)
		}
	}
	fmt.Fprintln(w, "  "+ui.LabelValue("Study time", fmt.Sprintf("%d min", rec.TotalTimeSpent)))
	if rec.Notes != "" {
		fmt.Fprintln(w, "  "+ui.LabelValue("Notes", rec.Notes))
	}
	updated := rec.UpdatedAt.Local().Format(time.DateTime)
	if rec.Merged {
		updated += ui.RenderMuted(" (merged)")
	}
	fmt.Fprintln(w, "  "+ui.LabelValue("Updated", updated))
	if rec.SyncedAt != nil {
		fmt.Fprintln(w, "  "+ui.LabelValue("Synced", rec.SyncedAt.Local().Format(time.DateTime)))
	}
}

func printList(w io.Writer, records []*schema.ProgressRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("No progress recorded."))
		return
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%-20s %3d blocks %5d min  %-14s %s\n",
			rec.ModuleID,
			len(rec.CompletedBlocks),
			rec.TotalTimeSpent,
			ui.RenderState(rec.SyncState),
			ui.RenderMuted(rec.UpdatedAt.Local().Format(time.DateTime)))
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

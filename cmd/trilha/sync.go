package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/koinelab/trilha/internal/progress/backupfile"
	progsync "github.com/koinelab/trilha/internal/progress/sync"
	"github.com/koinelab/trilha/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show cloud sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		return withApp(cmd.Context(), func(a *app) error {
			st := a.mgr.Status(cmd.Context())
			w := cmd.OutOrStdout()
			switch format {
			case "json":
				return writeJSON(w, st)
			case "yaml":
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(st); err != nil {
					return fmt.Errorf("failed to encode status: %w", err)
				}
				return enc.Close()
			case "text", "":
				printStatus(w, a, st)
				return nil
			}
			return fmt.Errorf("unknown format %q (want text, json or yaml)", format)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile every module with the cloud",
	Long: `Resend changes left unsynced by earlier runs, then reconcile every module:
cloud-only modules are downloaded, local-only modules uploaded and modules
present on both sides merged.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			ctx := cmd.Context()
			if !a.mgr.CanSync() {
				return progsync.ErrSyncDisabled
			}
			if !a.mgr.Online() {
				return fmt.Errorf("cloud backend is unreachable")
			}

			resent, err := a.mgr.ResyncPending(ctx)
			if err != nil {
				return err
			}
			res, err := a.mgr.FullSync(ctx)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s Synced in %s\n", ui.RenderPass(ui.IconSync), res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
			fmt.Fprintln(w, "  "+ui.LabelValue("Downloaded", res.Downloaded))
			fmt.Fprintln(w, "  "+ui.LabelValue("Uploaded", res.Uploaded))
			fmt.Fprintln(w, "  "+ui.LabelValue("Merged", res.Merged))
			fmt.Fprintln(w, "  "+ui.LabelValue("Unchanged", res.Unchanged))
			if resent > 0 {
				fmt.Fprintln(w, "  "+ui.LabelValue("Resent", resent))
			}
			if res.Failed > 0 {
				fmt.Fprintln(w, "  "+ui.RenderWarn(fmt.Sprintf("%s %d modules failed, see the log", ui.IconWarn, res.Failed)))
			}
			return nil
		})
	},
}

var backupCmd = &cobra.Command{
	Use:     "backup",
	GroupID: "sync",
	Short:   "Store a snapshot of all progress in the cloud",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			id, err := a.mgr.Backup(cmd.Context())
			if err != nil {
				return err
			}
			res, err := a.mgr.Flush(cmd.Context())
			if err != nil {
				return err
			}
			if res.Succeeded == 0 {
				return fmt.Errorf("backup %s could not be delivered", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Backup %s stored\n", ui.RenderPass(ui.IconCloud), id)
			return nil
		})
	},
}

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Export local progress as JSONL",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			records, err := a.local.ListContext(cmd.Context())
			if err != nil {
				return err
			}
			if err := backupfile.Export(args[0], records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Exported %d modules to %s\n", ui.RenderPass(ui.IconPass), len(records), args[0])
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Merge a JSONL export into local progress",
	Long: `Merge every record of a JSONL export into local progress. Imported records
are merged like a cloud copy: nothing already recorded locally is lost.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := backupfile.Import(args[0])
		if err != nil {
			return err
		}

		return withApp(cmd.Context(), func(a *app) error {
			var errs []error
			imported := 0
			for _, rec := range records {
				if _, err := a.mgr.ImportRecord(cmd.Context(), rec); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", rec.ModuleID, err))
					continue
				}
				imported++
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Imported %d of %d modules\n", ui.RenderPass(ui.IconPass), imported, len(records))
			return errors.Join(errs...)
		})
	},
}

func init() {
	statusCmd.Flags().StringP("format", "f", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(statusCmd, syncCmd, backupCmd, exportCmd, importCmd)
}

func printStatus(w io.Writer, a *app, st progsync.Status) {
	fmt.Fprintln(w, ui.RenderBold("Sync status"))

	switch {
	case !st.CloudEnabled:
		fmt.Fprintln(w, "  "+ui.LabelValue("Cloud", ui.RenderMuted("not configured")))
	case !st.CanSync:
		reason := "signed out"
		if a.acct.IsAuthenticated() {
			reason = fmt.Sprintf("%s plan", a.acct.Plan())
		}
		fmt.Fprintln(w, "  "+ui.LabelValue("Cloud", ui.RenderWarn("local only ("+reason+")")))
	case !st.Online:
		fmt.Fprintln(w, "  "+ui.LabelValue("Cloud", ui.RenderWarn(ui.IconWarn+" offline")))
	default:
		fmt.Fprintln(w, "  "+ui.LabelValue("Cloud", ui.RenderPass(ui.IconPass+" online ("+a.cfg.Cloud.Backend+")")))
	}

	fmt.Fprintln(w, "  "+ui.LabelValue("Pending", st.PendingTasks))
	if st.LastSyncAt != nil {
		fmt.Fprintln(w, "  "+ui.LabelValue("Last sync", st.LastSyncAt.Local().Format(time.DateTime)))
	}
	if st.LastError != "" {
		fmt.Fprintln(w, "  "+ui.LabelValue("Last error", ui.RenderFail(st.LastError)))
	}
	if st.Local != nil {
		fmt.Fprintln(w, "  "+ui.LabelValue("Modules", fmt.Sprintf("%d (%d synced, %d waiting to resend, %d merged with conflicts)",
			st.Local.Records, st.Local.Synced, st.Local.Unsynced, st.Local.Conflicts)))
	}
}

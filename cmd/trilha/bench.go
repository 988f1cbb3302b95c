package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/loadtest"
	"github.com/koinelab/trilha/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Load test the sync pipeline against a flaky in-memory cloud",
	Long: `Run concurrent learner sessions against a throwaway local database and an
in-memory cloud that fails a fraction of writes, then check that every
completed block and every minute of study time reached both copies.

Your own progress is not touched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.DefaultOptions()
		opts.Sessions, _ = cmd.Flags().GetInt("sessions")
		opts.OpsPerSession, _ = cmd.Flags().GetInt("ops")
		opts.Modules, _ = cmd.Flags().GetInt("modules")
		opts.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		if verbose {
			log, err := logger.NewWithOptions(logger.Options{Level: "debug"})
			if err != nil {
				return err
			}
			opts.Logger = log
		}

		dir, err := os.MkdirTemp("", "trilha-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create scratch directory: %w", err)
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.NewHarness(dir, opts)
		if err != nil {
			return err
		}
		defer h.Close()

		rep, err := h.Run(cmd.Context())
		if err != nil {
			return err
		}
		rep.Print(cmd.OutOrStdout())
		if !rep.OK() {
			return fmt.Errorf("load test lost progress")
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.RenderPass(ui.IconPass+" No progress lost"))
		return nil
	},
}

func init() {
	d := loadtest.DefaultOptions()
	benchCmd.Flags().Int("sessions", d.Sessions, "concurrent learner sessions")
	benchCmd.Flags().Int("ops", d.OpsPerSession, "progress changes per session")
	benchCmd.Flags().Int("modules", d.Modules, "modules shared by the sessions")
	benchCmd.Flags().Float64("failure-rate", d.FailureRate, "fraction of cloud writes that fail")
	benchCmd.Flags().Int64("seed", d.Seed, "random seed")

	rootCmd.AddCommand(benchCmd)
}

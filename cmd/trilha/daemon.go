package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koinelab/trilha/internal/progress/daemon"
	"github.com/koinelab/trilha/internal/progress/dashboard"
	"github.com/koinelab/trilha/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background sync until interrupted",
	Long: `Run the sync daemon in the foreground. It reconciles every module on start,
delivers queued cloud writes with retry, runs periodic full syncs, follows
cloud connectivity and imports record files dropped into the inbox
directory. Interrupt with Ctrl+C; undelivered writes are flagged for the
next run.

With --dashboard, a local web dashboard streams sync events over WebSocket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		return runDaemon(cmd, withDashboard)
	},
}

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run background sync with the live dashboard",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd, true)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the live sync dashboard")

	rootCmd.AddCommand(daemonCmd, dashboardCmd)
}

func runDaemon(cmd *cobra.Command, withDashboard bool) (err error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// The dashboard handler must exist before the manager so it receives
	// events from the first sync on.
	var (
		server  *dashboard.Server
		handler *dashboard.Handler
		opts    appOptions
	)
	if withDashboard {
		cfg, cerr := loadConfig()
		if cerr != nil {
			return cerr
		}
		log, lerr := cfg.NewLogger()
		if lerr != nil {
			return fmt.Errorf("failed to create logger: %w", lerr)
		}
		server = dashboard.NewServer(cfg.DashboardConfig(log))
		handler = dashboard.NewHandler(server, log)
		opts = appOptions{onEvent: handler.OnEvent, cfg: cfg, log: log}
	}

	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	d, err := daemon.NewWithConfig(a.mgr, a.cfg.DaemonConfig(a.log))
	if err != nil {
		return err
	}

	if server != nil {
		server.SetStatusSource(a.mgr)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if serr := server.Stop(); serr != nil {
				a.log.Warn("dashboard shutdown failed", "error", serr)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "%s Dashboard at http://%s\n", ui.RenderAccent(ui.IconSync), server.GetAddr())
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s Sync daemon running (Ctrl+C to stop)\n", ui.RenderAccent(ui.IconCloud))
	if err := d.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Stopped, %d writes pending\n", ui.RenderPass(ui.IconPass), a.mgr.Queue().Len())
	return nil
}

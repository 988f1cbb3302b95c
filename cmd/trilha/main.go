// Command trilha records and syncs Greek vocabulary module progress.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koinelab/trilha/internal/ui"
)

// Version is set at build time.
var Version = "0.3.0"

var (
	configPath string
	dataDir    string
	offline    bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "trilha",
	Short: "Local-first progress tracking for Greek vocabulary modules",
	Long: `trilha records progress through vocabulary modules ("trilhas") in a local
database and, for learners on a cloud or ai plan, keeps it in sync with a
cloud copy.

Every change is written locally first. Cloud writes are queued and retried
in the background; divergent copies are merged without losing completed
blocks, favorites or study time.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: trilha.toml or trilha.yaml in . or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding the local progress database")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "do not contact the cloud backend")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "progress", Title: "Progress:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, ui.RenderFail(ui.IconFail+" "+err.Error()))
		os.Exit(1)
	}
}

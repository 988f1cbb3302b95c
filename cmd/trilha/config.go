package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/koinelab/trilha/internal/config"
	"github.com/koinelab/trilha/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage trilha configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")
		if path == "" {
			dir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("failed to locate user config directory: %w", err)
			}
			path = filepath.Join(dir, "trilha", "trilha.toml")
		}

		if err := config.WriteTemplate(path, force); err != nil {
			if errors.Is(err, config.ErrExists) {
				return fmt.Errorf("%w (use --force to overwrite)", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass(ui.IconPass), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after the config file, .env and TRILHA_*
environment variables are applied. Secrets are masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		source := "built-in defaults"
		if cfg.File != "" {
			source = cfg.File
		}
		fmt.Fprintf(w, "# source: %s\n", source)
		return cfg.WriteTOML(w)
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "file to write (default: trilha.toml in the user config dir)")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

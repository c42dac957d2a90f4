package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/energizer-project/linkproxy/internal/config"
)

func initCmd(configDir *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(*configDir, config.DefaultConfigFile)
			cfg := config.DefaultConfig()

			if _, err := os.Stat(path); err == nil {
				if !force {
					return fmt.Errorf("%s already exists (use --force to edit it)", path)
				}
				loaded, err := config.Load(*configDir)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			cfg.SetPath(path)

			return config.RunSetupWizard(cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Edit an existing configuration")
	return cmd
}

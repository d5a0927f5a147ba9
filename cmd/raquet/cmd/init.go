/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/config"
)

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default raquet configuration",
	Long: `Write a configuration file holding the default encoder, remote,
server, storage and logging settings.

Examples:
  raquet init
  raquet init --config ./raquet.yaml --data-dir ./tables --force`,
	// The config file may not exist yet, so skip the root loader.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		force, _ := cmd.Flags().GetBool("force")

		if configPath == "" {
			configPath = config.GetDefaultConfigPath()
		}
		if config.ConfigExists(configPath) && !force {
			cmd.Printf("Configuration already exists at %s. Use --force to overwrite.\n", configPath)
			return nil
		}

		cfg, err := config.BootstrapConfig(configPath, dataDir)
		if err != nil {
			return fmt.Errorf("failed to write configuration: %w", err)
		}

		cmd.Printf("Configuration written to %s\n", configPath)
		cmd.Printf("Data directory: %s\n", cfg.DataDir)
		cmd.Printf("Storage backend: %s\n", cfg.Storage.Backend)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("data-dir", "./data", "Data directory for raquet tables")
	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration")
}

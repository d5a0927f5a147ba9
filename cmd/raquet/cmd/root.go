/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/config"
	"github.com/ssargent/raquet/pkg/di"
)

var container *di.Container

// SetContainer injects the dependency container used by every command.
func SetContainer(c *di.Container) {
	container = c
}

type contextKey string

const (
	configKey contextKey = "config"
	loggerKey contextKey = "logger"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "raquet",
	Short: "raquet - tiled raster tables",
	Long: `raquet converts georeferenced rasters into tables of fixed-size pixel
blocks addressed by a global tile index, and back again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if container == nil {
			return fmt.Errorf("dependency container not initialized")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = context.WithValue(ctx, configKey, cfg)
		ctx = context.WithValue(ctx, loggerKey, logger)
		cmd.SetContext(ctx)
		return nil
	},
}

// loadConfig reads --config, or the default path when it exists, and
// applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	explicit := configPath != ""
	if !explicit {
		configPath = config.GetDefaultConfigPath()
	}

	cfg := config.DefaultConfig()
	if explicit || config.ConfigExists(configPath) {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if cmd.Flags().Changed("backend") {
		cfg.Storage.Backend, _ = cmd.Flags().GetString("backend")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func configFrom(cmd *cobra.Command) *config.Config {
	if cfg, ok := cmd.Context().Value(configKey).(*config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}

func loggerFrom(cmd *cobra.Command) *slog.Logger {
	if l, ok := cmd.Context().Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ~/.config/raquet/config.yaml when present)")
	rootCmd.PersistentFlags().String("backend", config.BackendFile, "Table storage backend: file or pebble")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn or error")
}

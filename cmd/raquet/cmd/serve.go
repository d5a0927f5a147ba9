/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/api"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve <in>",
	Short: "Serve the blocks of a table over HTTP",
	Long: `Start the raquet block API over one table.

Routes:
  GET /api/v1/health
  GET /api/v1/metadata
  GET /api/v1/blocks/{z}/{x}/{y}
  GET /api/v1/blocks/{z}/{x}/{y}/{band}
  GET /metrics

Examples:
  raquet serve dem.rqt
  raquet serve dem.rqt --port 9400 --bind 0.0.0.0 --api-key mysecretkey`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFrom(cmd)
		logger := loggerFrom(cmd)

		if cmd.Flags().Changed("port") {
			cfg.Server.Port, _ = cmd.Flags().GetInt("port")
		}
		if cmd.Flags().Changed("bind") {
			cfg.Server.Bind, _ = cmd.Flags().GetString("bind")
		}
		if cmd.Flags().Changed("api-key") {
			cfg.Server.APIKey, _ = cmd.Flags().GetString("api-key")
		}

		path := cfg.TablePath(args[0])
		table, err := container.OpenTable(path, cfg.Storage.Backend)
		if err != nil {
			return fmt.Errorf("failed to open table %s: %w", path, err)
		}
		defer table.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		starter := container.GetServerFactory().CreateServerStarter()
		return starter.StartServer(ctx, table, api.ServerConfig{
			Port:        cfg.Server.Port,
			Bind:        cfg.Server.Bind,
			APIKey:      cfg.Server.APIKey,
			CORSOrigins: cfg.Server.CORSOrigins,
		}, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 9300, "Port to listen on")
	serveCmd.Flags().String("bind", "127.0.0.1", "Address to bind server to")
	serveCmd.Flags().String("api-key", "", "Require this key in the X-API-Key header")
}

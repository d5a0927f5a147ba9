/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/raquet"
	"github.com/ssargent/raquet/pkg/store"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <in>",
	Short: "Summarize a raquet table",
	Long: `Print the dimensions, zoom range, block count and per-band
statistics of a table.

Example:
  raquet inspect dem.rqt`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFrom(cmd)

		path := cfg.TablePath(args[0])
		table, err := container.OpenTable(path, cfg.Storage.Backend)
		if err != nil {
			return fmt.Errorf("failed to open table %s: %w", path, err)
		}
		defer table.Close()

		t, err := table.ReadTable(cmd.Context())
		if err != nil {
			return err
		}
		summary, err := raquet.Inspect(t)
		if err != nil {
			return err
		}
		if err := summary.Write(cmd.OutOrStdout()); err != nil {
			return err
		}

		if f, ok := table.(interface{ Stats() store.TableStats }); ok {
			stats := f.Stats()
			cmd.Printf("File:         %s (%d rows, %d bytes)\n", path, stats.Rows, stats.DataSize)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/decoder"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <in> <out.tif>",
	Short: "Rebuild a GeoTIFF from a raquet table",
	Long: `Rebuild a Web Mercator GeoTIFF from the blocks of one resolution.

Examples:
  raquet decode dem.rqt dem_3857.tif
  raquet decode ortho ortho.tif --resolution 12 --bands band_1,band_3`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := configFrom(cmd)

		opts := decoder.Options{
			Index:  container.Index(),
			Logger: loggerFrom(cmd),
		}
		if z, _ := cmd.Flags().GetInt("resolution"); z >= 0 {
			opts.Resolution = &z
		}
		if bands, _ := cmd.Flags().GetString("bands"); bands != "" {
			opts.Bands = strings.Split(bands, ",")
		}

		path := cfg.TablePath(args[0])
		table, err := container.OpenTable(path, cfg.Storage.Backend)
		if err != nil {
			return fmt.Errorf("failed to open table %s: %w", path, err)
		}
		defer table.Close()

		grid, err := decoder.DecodeFrom(ctx, table, opts)
		if err != nil {
			return err
		}
		if err := container.Writer().Write(ctx, args[1], grid); err != nil {
			return fmt.Errorf("failed to write %s: %w", args[1], err)
		}

		cmd.Printf("Wrote %s: %d x %d, %d bands\n", args[1], grid.Width, grid.Height, len(grid.Bands))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(decodeCmd)
	decodeCmd.Flags().Int("resolution", -1, "Zoom level to rebuild (-1 uses the table's maximum)")
	decodeCmd.Flags().String("bands", "", "Comma separated band names to keep (default: all)")
}

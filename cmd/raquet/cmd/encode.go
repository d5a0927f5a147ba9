/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/config"
	"github.com/ssargent/raquet/pkg/di"
	"github.com/ssargent/raquet/pkg/encoder"
	"github.com/ssargent/raquet/pkg/raquet"
)

// encodeCmd represents the encode command
var encodeCmd = &cobra.Command{
	Use:   "encode <in.tif> <out>",
	Short: "Encode a GeoTIFF into a raquet table",
	Long: `Encode a GeoTIFF into a table of fixed-size pixel blocks.

The output is a single .rqt file, or a Pebble directory with --backend pebble.

Examples:
  raquet encode dem.tif dem.rqt
  raquet encode dem.tif dem.rqt --block-size 512 --compression none
  raquet encode ortho.tif ortho --backend pebble --resolution 14 --partial-tiles skip`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := configFrom(cmd)
		logger := loggerFrom(cmd)

		opts, err := encoderOptions(cmd, cfg, logger)
		if err != nil {
			return err
		}
		enc, err := encoder.New(opts)
		if err != nil {
			return err
		}

		src, err := container.Opener().Open(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		res, err := enc.Encode(ctx, src)
		if err != nil {
			return err
		}

		out := cfg.TablePath(args[1])
		if err := writeTable(cmd, cfg, out, res.Table); err != nil {
			return err
		}
		printResult(cmd, out, res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(encodeCmd)
	addEncoderFlags(encodeCmd)
}

func addEncoderFlags(cmd *cobra.Command) {
	cmd.Flags().Int("block-size", 256, "Block width and height in pixels (multiple of 16)")
	cmd.Flags().String("compression", "gzip", "Block compression: gzip or none")
	cmd.Flags().Int("resolution", -1, "Tile zoom level (-1 picks it from the source)")
	cmd.Flags().String("partial-tiles", "pad", "Tiles the source only partly covers: pad or skip")
	cmd.Flags().Bool("keep-empty", false, "Keep blocks whose pixels are all nodata")
	cmd.Flags().Bool("no-stats", false, "Skip band statistics")
}

// encoderOptions starts from the config and applies the flags the user set.
func encoderOptions(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (encoder.Options, error) {
	opts, err := cfg.EncoderOptions()
	if err != nil {
		return encoder.Options{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("block-size") {
		opts.BlockSize, _ = flags.GetInt("block-size")
	}
	if flags.Changed("compression") {
		name, _ := flags.GetString("compression")
		if opts.Compression, err = block.ParseCompression(name); err != nil {
			return encoder.Options{}, err
		}
	}
	if flags.Changed("resolution") {
		z, _ := flags.GetInt("resolution")
		opts.Resolution = nil
		if z >= 0 {
			opts.Resolution = &z
		}
	}
	if flags.Changed("partial-tiles") {
		name, _ := flags.GetString("partial-tiles")
		if opts.PartialTiles, err = encoder.ParsePartialPolicy(name); err != nil {
			return encoder.Options{}, err
		}
	}
	if keep, _ := flags.GetBool("keep-empty"); keep {
		opts.SkipEmpty = false
	}
	if noStats, _ := flags.GetBool("no-stats"); noStats {
		opts.CalculateStats = false
	}

	opts.Reprojector = container.Reprojector()
	opts.Index = container.Index()
	opts.Logger = logger
	return opts, opts.Validate()
}

// writeTable stores t at path. An existing table keeps its backend unless
// --backend was given.
func writeTable(cmd *cobra.Command, cfg *config.Config, path string, t *raquet.Table) error {
	backend := cfg.Storage.Backend
	if !cmd.Flags().Changed("backend") {
		backend = di.DetectBackend(path, backend)
	}

	table, err := container.CreateTable(backend, path)
	if err != nil {
		return err
	}
	if err := table.WriteTable(cmd.Context(), t); err != nil {
		table.Close()
		return fmt.Errorf("failed to write table %s: %w", path, err)
	}
	return table.Close()
}

func printResult(cmd *cobra.Command, path string, res *encoder.Result) {
	cmd.Printf("Wrote %s (run %s)\n", path, res.RunID)
	cmd.Printf("  zoom:            %d\n", res.Zoom)
	cmd.Printf("  blocks:          %d\n", res.Blocks)
	cmd.Printf("  empty tiles:     %d\n", res.EmptyTiles)
	if res.OutsideTiles > 0 {
		cmd.Printf("  outside tiles:   %d\n", res.OutsideTiles)
	}
	if res.PartialSkipped > 0 {
		cmd.Printf("  partial skipped: %d\n", res.PartialSkipped)
	}
	if res.MissingRemote > 0 {
		cmd.Printf("  missing remote:  %d\n", res.MissingRemote)
	}
}

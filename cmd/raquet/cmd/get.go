package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/raquet"
	"github.com/ssargent/raquet/pkg/tiling"
)

// getCmd represents the get command
var getCmd = &cobra.Command{
	Use:   "get <in> <z> <x> <y>",
	Short: "Show the block stored for a tile",
	Long: `Show the cell id and per-band payload sizes of the block stored for
one tile.

Example:
  raquet get dem.rqt 10 518 352`,
	Args: cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFrom(cmd)

		var zxy [3]int
		for i, s := range args[1:] {
			v, err := strconv.Atoi(s)
			if err != nil {
				return fmt.Errorf("invalid tile coordinate %q", s)
			}
			zxy[i] = v
		}
		tile := tiling.NewTile(zxy[1], zxy[2], zxy[0])
		cell, err := container.Index().Encode(tile)
		if err != nil {
			return err
		}

		path := cfg.TablePath(args[0])
		table, err := container.OpenTable(path, cfg.Storage.Backend)
		if err != nil {
			return fmt.Errorf("failed to open table %s: %w", path, err)
		}
		defer table.Close()

		md, err := raquet.LoadMetadata(cmd.Context(), table)
		if err != nil {
			return err
		}
		row, err := table.GetRow(cmd.Context(), cell)
		if err != nil {
			return err
		}

		cmd.Printf("%s cell %d\n", tile, cell)
		for i, band := range md.Bands {
			if i >= len(row.Bands) || row.Bands[i] == nil {
				cmd.Printf("  %s: null\n", band.Name)
				continue
			}
			cmd.Printf("  %s: %d bytes\n", band.Name, len(row.Bands[i]))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
}

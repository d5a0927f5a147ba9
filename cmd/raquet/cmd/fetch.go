/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/ssargent/raquet/pkg/imageserver"
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch <imageserver-url> <out>",
	Short: "Encode an ArcGIS ImageServer into a raquet table",
	Long: `Page through an ArcGIS ImageServer with exportImage, one request per
tile, and encode the responses into a table. Tiles the server has no data
for are skipped.

Examples:
  raquet fetch https://example.com/arcgis/rest/services/dem/ImageServer dem.rqt
  raquet fetch https://example.com/arcgis/rest/services/dem/ImageServer dem.rqt --bbox -105.3,39.9,-105.1,40.1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFrom(cmd)
		logger := loggerFrom(cmd)

		var bbox *orb.Bound
		if s, _ := cmd.Flags().GetString("bbox"); s != "" {
			b, err := parseBBox(s)
			if err != nil {
				return err
			}
			bbox = &b
		}

		opts, err := encoderOptions(cmd, cfg, logger)
		if err != nil {
			return err
		}

		client := imageserver.NewClient(args[0], cfg.RemoteConfig(), imageserver.WithLogger(logger))
		res, err := client.Encode(cmd.Context(), bbox, opts)
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
	rootCmd.AddCommand(fetchCmd)
	addEncoderFlags(fetchCmd)
	fetchCmd.Flags().String("bbox", "", "Area to fetch as minlon,minlat,maxlon,maxlat (default: service extent)")
}

// parseBBox reads "minlon,minlat,maxlon,maxlat".
func parseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("invalid bbox %q: want minlon,minlat,maxlon,maxlat", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		v[i] = f
	}
	if v[0] >= v[2] || v[1] >= v[3] {
		return orb.Bound{}, fmt.Errorf("invalid bbox %q: min must be below max", s)
	}
	if v[0] < -180 || v[2] > 180 || v[1] < -90 || v[3] > 90 {
		return orb.Bound{}, fmt.Errorf("invalid bbox %q: outside longitude/latitude range", s)
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

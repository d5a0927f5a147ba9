// Package encoder turns a georeferenced raster into a tiled raster table: the
// raster is warped onto the web-mercator pixel grid of the chosen zoom, cut
// into one block per tile, and packed into rows keyed by cell identifier.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/segmentio/ksuid"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

const originShift = tiling.EarthCircumference / 2

// Encoder encodes rasters with a fixed set of options.
type Encoder struct {
	opts Options
	log  *slog.Logger
}

// New validates opts and returns an encoder. No raster is touched, so a bad
// block size is reported before any file is opened.
func New(opts Options) (*Encoder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Reprojector == nil {
		return nil, errors.New("encoder requires a reprojector")
	}
	opts = opts.withDefaults()
	return &Encoder{opts: opts, log: opts.Logger}, nil
}

// Options returns the effective options.
func (e *Encoder) Options() Options {
	return e.opts
}

// Encode builds the table for src. It returns an error, and no table, when
// the source is unusable or the warp fails.
func (e *Encoder) Encode(ctx context.Context, src *raster.Grid) (*Result, error) {
	runID := ksuid.New().String()
	log := e.log.With("run_id", runID)

	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("invalid source raster: %w", err)
	}
	if err := checkNodata(src); err != nil {
		return nil, err
	}

	bs := e.opts.BlockSize
	mercator, err := e.opts.Reprojector.TransformBounds(src, raster.EPSG3857)
	if err != nil {
		return nil, fmt.Errorf("failed to compute footprint: %w", err)
	}

	zoom, err := e.zoomFor(mercator, src)
	if err != nil {
		return nil, err
	}

	pixel := tiling.PixelSize(zoom, bs)
	target := raster.Target{
		CRS:        raster.EPSG3857,
		Bounds:     SnapToPixelGrid(mercator, pixel),
		Resolution: pixel,
	}
	log.Info("encoding raster",
		"width", src.Width, "height", src.Height, "bands", len(src.Bands),
		"dtype", src.DType.String(), "zoom", zoom, "block_size", bs)

	working, err := e.opts.Reprojector.Reproject(ctx, src, target)
	if err != nil {
		return nil, fmt.Errorf("failed to reproject raster: %w", err)
	}
	inverse, err := working.Transform.Inverse()
	if err != nil {
		return nil, fmt.Errorf("reprojected transform: %w", err)
	}

	opts := e.opts
	opts.Logger = log
	builder, err := NewBuilder(opts, working, zoom)
	if err != nil {
		return nil, err
	}
	counters := builder.Counters()

	lonlat := tiling.ToLonLat(target.Bounds)
	for _, tile := range tiling.EnumerateTiles(lonlat, zoom) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		blk, ok := block.Extract(working, inverse, tile.MercatorBound(), bs)
		if !ok {
			counters.OutsideTiles++
			log.Debug("tile outside raster", "tile", tile.String())
			continue
		}
		if blk.Partial && e.opts.PartialTiles == PartialSkip {
			counters.PartialSkipped++
			log.Debug("skipping partial tile", "tile", tile.String())
			continue
		}
		if _, err := builder.Add(tile, blk); err != nil {
			return nil, err
		}
	}

	requested, err := e.opts.Reprojector.TransformBounds(src, raster.EPSG4326)
	if err != nil {
		requested = lonlat
	}
	res, err := builder.Finish(requested, src.Width, src.Height)
	if err != nil {
		return nil, err
	}
	res.RunID = runID

	log.Info("encoded raster",
		"blocks", res.Blocks,
		"empty_tiles", res.EmptyTiles,
		"outside_tiles", res.OutsideTiles,
		"partial_skipped", res.PartialSkipped)
	return res, nil
}

func (e *Encoder) zoomFor(mercator orb.Bound, src *raster.Grid) (int, error) {
	if e.opts.Resolution != nil {
		return *e.opts.Resolution, nil
	}
	zoom, err := tiling.ResolveResolution(mercator, src.Width, src.Height, e.opts.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve resolution: %w", err)
	}
	return zoom, nil
}

// SnapToPixelGrid grows b outwards to the global web-mercator pixel grid of the
// given pixel size, so every tile maps to a whole number of pixels.
func SnapToPixelGrid(b orb.Bound, pixel float64) orb.Bound {
	snap := func(v float64, round func(float64) float64) float64 {
		f := (v + originShift) / pixel
		if r := math.Round(f); math.Abs(f-r) < 1e-6 {
			f = r
		}
		return -originShift + round(f)*pixel
	}
	out := orb.Bound{
		Min: orb.Point{snap(b.Min[0], math.Floor), snap(b.Min[1], math.Floor)},
		Max: orb.Point{snap(b.Max[0], math.Ceil), snap(b.Max[1], math.Ceil)},
	}
	for i := 0; i < 2; i++ {
		out.Min[i] = math.Max(out.Min[i], -originShift)
		out.Max[i] = math.Min(out.Max[i], originShift)
	}
	if out.Max[0] <= out.Min[0] {
		out.Max[0] = out.Min[0] + pixel
	}
	if out.Max[1] <= out.Min[1] {
		out.Max[1] = out.Min[1] + pixel
	}
	return out
}

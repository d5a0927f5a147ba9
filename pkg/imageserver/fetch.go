package imageserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/segmentio/ksuid"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/encoder"
	"github.com/ssargent/raquet/pkg/geotiff"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

// ExportURL builds the exportImage request for one tile footprint in
// EPSG:3857 meters.
func (c *Client) ExportURL(bound orb.Bound, size int) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	q := url.Values{}
	q.Set("bbox", f(bound.Min[0])+","+f(bound.Min[1])+","+f(bound.Max[0])+","+f(bound.Max[1]))
	q.Set("bboxSR", "3857")
	q.Set("imageSR", "3857")
	q.Set("size", strconv.Itoa(size)+","+strconv.Itoa(size))
	q.Set("format", c.cfg.Format)
	q.Set("interpolation", "RSP_NearestNeighbor")
	q.Set("f", "image")
	return c.base + "/exportImage?" + q.Encode()
}

// FetchTile downloads and decodes the image for one tile. It returns
// ErrNoData when the response is too small to be an image.
func (c *Client) FetchTile(ctx context.Context, tile tiling.Tile, size int) (*raster.Grid, error) {
	bound := tile.MercatorBound()
	data, err := c.get(ctx, c.ExportURL(bound, size))
	if err != nil {
		return nil, err
	}
	if len(data) < MinImageBytes {
		return nil, fmt.Errorf("%w: %s returned %d bytes", ErrNoData, tile, len(data))
	}

	g, err := geotiff.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: tile %s: %v", ErrMalformedResponse, tile, err)
	}
	if g.Transform.A == 0 || g.Transform.E == 0 {
		g.Transform = raster.NorthUp(bound.Min[0], bound.Max[1],
			(bound.Max[0]-bound.Min[0])/float64(g.Width),
			(bound.Max[1]-bound.Min[1])/float64(g.Height))
	}
	if g.CRS == "" {
		g.CRS = raster.EPSG3857
	}
	return g, nil
}

// Encode fetches every tile intersecting bbox (longitude/latitude; nil uses
// the service extent) and builds a table with the same block pipeline as a
// local encode. Tiles the service has no image for are counted in
// MissingRemote. opts.Reprojector is not used.
func (c *Client) Encode(ctx context.Context, bbox *orb.Bound, opts encoder.Options) (*encoder.Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	runID := ksuid.New().String()
	log := c.log.With("run_id", runID, "service", c.base)
	if opts.Logger == nil {
		opts.Logger = log
	}

	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}
	dtype, err := info.DType()
	if err != nil {
		return nil, err
	}

	var area orb.Bound
	if bbox != nil {
		area = *bbox
	} else if area, err = info.LonLatExtent(); err != nil {
		return nil, err
	}

	bs := opts.BlockSize
	zoom, err := c.zoomFor(info, area, opts)
	if err != nil {
		return nil, err
	}

	layout := raster.NewGrid(bs, bs, info.BandCount, dtype)
	layout.CRS = raster.EPSG3857
	layout.Nodata = info.NoDataValue
	builder, err := encoder.NewBuilder(opts, layout, zoom)
	if err != nil {
		return nil, err
	}
	counters := builder.Counters()

	tiles := tiling.EnumerateTiles(area, zoom)
	log.Info("fetching remote raster",
		"crs_kind", info.Kind().String(), "zoom", zoom, "tiles", len(tiles),
		"bands", info.BandCount, "dtype", dtype.String())

	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		g, err := c.FetchTile(ctx, tile, bs)
		if errors.Is(err, ErrNoData) {
			counters.MissingRemote++
			log.Debug("no remote data for tile", "tile", tile.String())
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", tile, err)
		}

		blk, ok, err := tileBlock(g, layout, tile, bs)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", tile, err)
		}
		if !ok {
			counters.OutsideTiles++
			continue
		}
		if blk.Partial && opts.PartialTiles == encoder.PartialSkip {
			counters.PartialSkipped++
			continue
		}
		if _, err := builder.Add(tile, blk); err != nil {
			return nil, err
		}
	}

	width, height := info.NativeSize(area)
	res, err := builder.Finish(area, width, height)
	if err != nil {
		return nil, err
	}
	res.RunID = runID

	log.Info("fetched remote raster",
		"blocks", res.Blocks,
		"empty_tiles", res.EmptyTiles,
		"missing_tiles", res.MissingRemote)
	return res, nil
}

func (c *Client) zoomFor(info *ServiceInfo, area orb.Bound, opts encoder.Options) (int, error) {
	if opts.Resolution != nil {
		return *opts.Resolution, nil
	}
	zoom, err := info.Zoom(area, opts.BlockSize)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve resolution: %w", err)
	}
	return zoom, nil
}

// tileBlock cuts the tile's block out of a fetched image, converting it to the
// layout's element kind when the server answered with another one.
func tileBlock(g, layout *raster.Grid, tile tiling.Tile, size int) (*block.Block, bool, error) {
	if len(g.Bands) != len(layout.Bands) {
		return nil, false, fmt.Errorf("%w: got %d bands, want %d",
			ErrMalformedResponse, len(g.Bands), len(layout.Bands))
	}
	if g.DType != layout.DType {
		g = convert(g, layout.DType)
	}
	if g.Nodata == nil {
		g.Nodata = layout.Nodata
	}
	inverse, err := g.Transform.Inverse()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	blk, ok := block.Extract(g, inverse, tile.MercatorBound(), size)
	return blk, ok, nil
}

func convert(g *raster.Grid, dtype raster.DType) *raster.Grid {
	out := raster.NewGrid(g.Width, g.Height, len(g.Bands), dtype)
	out.Transform = g.Transform
	out.CRS = g.CRS
	out.Nodata = g.Nodata
	out.NodataText = g.NodataText
	for b := range g.Bands {
		out.Bands[b].ColorInterp = g.Bands[b].ColorInterp
		for r := 0; r < g.Height; r++ {
			for col := 0; col < g.Width; col++ {
				out.Set(b, col, r, g.At(b, col, r))
			}
		}
	}
	return out
}

package encoder

import (
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/raquet"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/stats"
	"github.com/ssargent/raquet/pkg/tiling"
)

// Result is a finished encode. Skip counters are informational; a skipped
// tile is never an error.
type Result struct {
	RunID    string
	Table    *raquet.Table
	Metadata *raquet.Metadata
	Zoom     int

	Tiles          int
	Blocks         int
	EmptyTiles     int
	OutsideTiles   int
	PartialSkipped int
	MissingRemote  int
}

// Builder accumulates block rows and band statistics for one zoom level and
// produces the table once every tile has been offered. It is shared by the
// local and remote encode paths.
type Builder struct {
	opts   Options
	layout *raster.Grid
	zoom   int
	log    *slog.Logger

	rows   []raquet.Row
	tiles  []tiling.Tile
	acc    *stats.Accumulator
	result Result
}

// NewBuilder returns a builder for blocks shaped like layout: its DType,
// nodata and band descriptions are used, its pixel data is not.
func NewBuilder(opts Options, layout *raster.Grid, zoom int) (*Builder, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(layout.Bands) == 0 {
		return nil, ErrNoBands
	}
	if !layout.DType.Valid() {
		return nil, fmt.Errorf("%w: %v", raster.ErrUnsupportedDType, layout.DType)
	}
	if err := checkNodata(layout); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Builder{
		opts:   opts,
		layout: layout,
		zoom:   zoom,
		log:    opts.Logger,
		acc:    stats.NewAccumulator(len(layout.Bands)),
		result: Result{Zoom: zoom},
	}, nil
}

// checkNodata rejects a nodata value the band type cannot hold.
func checkNodata(g *raster.Grid) error {
	if g.Nodata != nil && !g.DType.InRange(*g.Nodata) {
		return fmt.Errorf("%w: %s for %s", ErrNodataOutOfRange, g.NodataString(), g.DType)
	}
	return nil
}

// Counters exposes the skip counters so callers can record their own skips.
func (b *Builder) Counters() *Result {
	return &b.result
}

// Add turns an extracted block into a row. It reports false when every band
// was empty and the tile was dropped.
func (b *Builder) Add(tile tiling.Tile, blk *block.Block) (bool, error) {
	b.result.Tiles++
	nodata := b.layout.Nodata
	payloads := make([][]byte, len(blk.Bands))
	kept := 0

	for i, data := range blk.Bands {
		if b.opts.SkipEmpty && block.IsEmpty(data, blk.DType, nodata) {
			continue
		}
		if b.opts.CalculateStats {
			b.acc.Add(i, stats.Block(data, blk.DType, nodata))
		}
		compressed, err := block.Compress(data, b.opts.Compression)
		if err != nil {
			return false, err
		}
		payloads[i] = compressed
		kept++
	}

	if kept == 0 {
		b.result.EmptyTiles++
		b.log.Debug("skipping empty tile", "tile", tile.String())
		return false, nil
	}

	cell, err := b.opts.Index.Encode(tile)
	if err != nil {
		return false, fmt.Errorf("failed to encode cell for tile %s: %w", tile, err)
	}
	b.rows = append(b.rows, raquet.Row{Block: cell, Bands: payloads})
	b.tiles = append(b.tiles, tile)
	b.result.Blocks++
	return true, nil
}

// Finish builds the metadata row and the table. requested is the nominal
// longitude/latitude footprint used when no tile was kept; width and height
// are the source raster's native pixel size.
func (b *Builder) Finish(requested orb.Bound, width, height int) (*Result, error) {
	bs := b.opts.BlockSize
	bounds, ok := tiling.TilesBound(b.tiles)
	if !ok {
		bounds = requested
	}

	md := &raquet.Metadata{
		Version:         raquet.Version,
		BlockResolution: b.zoom,
		MinResolution:   b.zoom,
		MaxResolution:   b.zoom,
		Nodata:          raquet.NewNodata(b.layout.Nodata),
		Bounds:          [4]float64{bounds.Min[0], bounds.Min[1], bounds.Max[0], bounds.Max[1]},
		Center: [3]float64{
			(bounds.Min[0] + bounds.Max[0]) / 2,
			(bounds.Min[1] + bounds.Max[1]) / 2,
			float64(b.zoom),
		},
		Width:           width,
		Height:          height,
		BlockWidth:      bs,
		BlockHeight:     bs,
		NumBlocks:       len(b.rows),
		NumPixels:       int64(len(b.rows)) * int64(bs) * int64(bs),
		PixelResolution: tiling.PixelResolution(b.zoom, bs),
	}
	if b.opts.Compression == block.Gzip {
		c := string(block.Gzip)
		md.Compression = &c
	}

	nodataText := b.layout.NodataString()
	for i, band := range b.layout.Bands {
		info := raquet.BandInfo{
			Type:       b.layout.DType.String(),
			Name:       raster.BandName(i),
			ColorTable: raquet.ColorTableJSON(band.ColorTable),
		}
		if band.ColorInterp != "" {
			ci := band.ColorInterp
			info.ColorInterp = &ci
		}
		if b.layout.Nodata != nil {
			nd := nodataText
			info.Nodata = &nd
		}
		if b.opts.CalculateStats {
			info.Stats = b.acc.Result(i)
		}
		md.Bands = append(md.Bands, info)
	}

	text, err := md.Marshal()
	if err != nil {
		return nil, err
	}

	table := &raquet.Table{
		Schema: raquet.NewSchema(len(b.layout.Bands)),
		Rows:   make([]raquet.Row, 0, len(b.rows)+1),
	}
	table.Rows = append(table.Rows, raquet.Row{
		Block:    raquet.MetadataCell,
		Metadata: &text,
		Bands:    make([][]byte, len(b.layout.Bands)),
	})
	table.Rows = append(table.Rows, b.rows...)

	res := b.result
	res.Table = table
	res.Metadata = md
	return &res, nil
}

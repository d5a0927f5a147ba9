// Package decoder rebuilds a raster grid from the blocks of a tiled raster
// table at one zoom level.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/cellindex"
	"github.com/ssargent/raquet/pkg/raquet"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

var (
	ErrNoBlocks     = errors.New("no blocks at resolution")
	ErrBandNotFound = errors.New("band not found")
)

// Options selects what to decode.
type Options struct {
	// Resolution is the zoom to rebuild; nil uses the metadata's maxresolution.
	Resolution *int
	// Bands limits the output to the named bands, in the given order.
	Bands  []string
	Index  cellindex.Index
	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Index == nil {
		o.Index = cellindex.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Block is one stored row resolved to its tile. Payloads are still compressed.
type Block struct {
	Tile  tiling.Tile
	Bands [][]byte
}

// SelectBlocks decodes the cell of every data row and keeps the rows at zoom.
func SelectBlocks(rows []raquet.Row, idx cellindex.Index, zoom int) ([]Block, error) {
	var blocks []Block
	for _, row := range rows {
		if row.IsMetadata() {
			continue
		}
		tile, err := idx.Decode(row.Block)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row.Block, err)
		}
		if tile.Z != zoom {
			continue
		}
		blocks = append(blocks, Block{Tile: tile, Bands: row.Bands})
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w %d", ErrNoBlocks, zoom)
	}
	return blocks, nil
}

// ResolveBands maps band names to metadata indices; no names selects every band.
func ResolveBands(md *raquet.Metadata, names []string) ([]int, error) {
	if len(names) == 0 {
		idx := make([]int, len(md.Bands))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	}
	idx := make([]int, 0, len(names))
	for _, name := range names {
		_, i, ok := md.Band(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBandNotFound, name)
		}
		idx = append(idx, i)
	}
	return idx, nil
}

// Assemble places the selected bands of blocks into a new EPSG:3857 grid
// spanning the blocks' tile range. Pixels no block covers, and bands a block
// stores as null, keep the nodata value (or 0).
func Assemble(blocks []Block, md *raquet.Metadata, bands []int) (*raster.Grid, error) {
	if len(blocks) == 0 {
		return nil, ErrNoBlocks
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("%w: no bands selected", ErrBandNotFound)
	}
	dtype, err := md.Bands[bands[0]].DType()
	if err != nil {
		return nil, err
	}
	mode, err := block.ParseCompression(md.CompressionMode())
	if err != nil {
		return nil, err
	}

	tiles := make([]tiling.Tile, len(blocks))
	for i, b := range blocks {
		tiles[i] = b.Tile
	}
	minX, minY, maxX, maxY := tiling.TileRange(tiles)
	bw, bh := md.BlockWidth, md.BlockHeight
	zoom := blocks[0].Tile.Z

	out := raster.NewGrid((maxX-minX+1)*bw, (maxY-minY+1)*bh, len(bands), dtype)
	out.CRS = raster.EPSG3857
	origin := tiling.NewTile(minX, minY, zoom).MercatorBound()
	out.Transform = raster.NorthUp(origin.Min[0], origin.Max[1], tiling.TileSize(zoom)/float64(bw), tiling.TileSize(zoom)/float64(bh))

	nodata, err := bandNodata(md, bands[0])
	if err != nil {
		return nil, err
	}
	out.Nodata = nodata
	if info := md.Bands[bands[0]]; info.Nodata != nil {
		out.NodataText = *info.Nodata
	}

	for oi, bi := range bands {
		info := md.Bands[bi]
		if t, err := info.DType(); err != nil || t != dtype {
			return nil, fmt.Errorf("band %s has type %s, want %s", info.Name, info.Type, dtype)
		}
		out.Bands[oi].Name = info.Name
		if info.ColorInterp != nil {
			out.Bands[oi].ColorInterp = *info.ColorInterp
		}
		out.Bands[oi].ColorTable = raquet.ColorTableRaster(info.ColorTable)
		if out.Nodata != nil {
			dtype.Fill(out.Bands[oi].Data, *out.Nodata)
		}
	}

	esize := dtype.Size()
	size := bw * bh * esize
	rowBytes := bw * esize
	for _, b := range blocks {
		offX := (b.Tile.X - minX) * bw
		offY := (b.Tile.Y - minY) * bh
		for oi, bi := range bands {
			if bi >= len(b.Bands) {
				return nil, fmt.Errorf("block %s has %d band columns, want at least %d", b.Tile, len(b.Bands), bi+1)
			}
			payload := b.Bands[bi]
			if payload == nil {
				continue
			}
			data, err := block.Decompress(payload, mode, size)
			if err != nil {
				return nil, fmt.Errorf("block %s band %s: %w", b.Tile, md.Bands[bi].Name, err)
			}
			dst := out.Bands[oi].Data
			for r := 0; r < bh; r++ {
				start := ((offY+r)*out.Width + offX) * esize
				copy(dst[start:start+rowBytes], data[r*rowBytes:(r+1)*rowBytes])
			}
		}
	}
	return out, nil
}

func bandNodata(md *raquet.Metadata, band int) (*float64, error) {
	if v, err := md.Bands[band].NodataValue(); err != nil || v != nil {
		return v, err
	}
	return md.Nodata.Ptr(), nil
}

// Decode rebuilds a grid from a materialized table.
func Decode(ctx context.Context, table *raquet.Table, opts Options) (*raster.Grid, error) {
	opts = opts.withDefaults()
	if err := raquet.Detect(table); err != nil {
		return nil, err
	}
	md, err := table.Metadata()
	if err != nil {
		return nil, err
	}
	bands, err := ResolveBands(md, opts.Bands)
	if err != nil {
		return nil, err
	}
	zoom := targetZoom(md, opts)
	blocks, err := SelectBlocks(table.Rows, opts.Index, zoom)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return assemble(blocks, md, bands, zoom, opts.Logger)
}

// DecodeFrom rebuilds a grid through a table reader. When the cell index
// keeps each zoom in one identifier range only that range is read.
func DecodeFrom(ctx context.Context, r raquet.TableReader, opts Options) (*raster.Grid, error) {
	opts = opts.withDefaults()
	md, err := raquet.LoadMetadata(ctx, r)
	if err != nil {
		return nil, err
	}
	bands, err := ResolveBands(md, opts.Bands)
	if err != nil {
		return nil, err
	}
	zoom := targetZoom(md, opts)

	var rows []raquet.Row
	if ri, ok := opts.Index.(cellindex.RangeIndex); ok {
		lo, hi := ri.ResolutionRange(zoom)
		rows, err = r.ReadRange(ctx, lo, hi)
	} else {
		var table *raquet.Table
		table, err = r.ReadTable(ctx)
		if table != nil {
			rows = table.Rows
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blocks: %w", err)
	}

	blocks, err := SelectBlocks(rows, opts.Index, zoom)
	if err != nil {
		return nil, err
	}
	return assemble(blocks, md, bands, zoom, opts.Logger)
}

func targetZoom(md *raquet.Metadata, opts Options) int {
	if opts.Resolution != nil {
		return *opts.Resolution
	}
	return md.MaxResolution
}

func assemble(blocks []Block, md *raquet.Metadata, bands []int, zoom int, log *slog.Logger) (*raster.Grid, error) {
	g, err := Assemble(blocks, md, bands)
	if err != nil {
		return nil, err
	}
	log.Info("decoded raster", "zoom", zoom, "blocks", len(blocks), "width", g.Width, "height", g.Height, "bands", len(bands))
	return g, nil
}

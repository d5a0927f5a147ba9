package encoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/cellindex"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

var (
	ErrInvalidBlockSize    = errors.New("block size must be a positive multiple of 16")
	ErrInvalidResolution   = errors.New("invalid target resolution")
	ErrInvalidPartialTiles = errors.New("invalid partial tile policy")
	ErrNoBands             = raster.ErrNoBands
	ErrNodataOutOfRange    = raster.ErrNodataOutOfRange
)

// PartialPolicy decides what happens to tiles that straddle the raster edge.
type PartialPolicy string

const (
	// PartialPad fills the uncovered part of the block with nodata, or 0.
	PartialPad PartialPolicy = "pad"
	// PartialSkip drops tiles the source does not fully cover.
	PartialSkip PartialPolicy = "skip"
)

// ParsePartialPolicy accepts "pad", "skip" and the empty string.
func ParsePartialPolicy(s string) (PartialPolicy, error) {
	switch PartialPolicy(s) {
	case PartialPad, "":
		return PartialPad, nil
	case PartialSkip:
		return PartialSkip, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPartialTiles, s)
}

// Options configures an encode.
type Options struct {
	BlockSize      int
	Compression    block.Compression
	SkipEmpty      bool
	CalculateStats bool
	// Resolution forces the tile zoom; nil selects it from the source.
	Resolution   *int
	PartialTiles PartialPolicy

	Index       cellindex.Index
	Reprojector raster.Reprojector
	Logger      *slog.Logger
}

// DefaultOptions returns 256 pixel gzip blocks, skipping empty blocks and
// computing statistics.
func DefaultOptions() Options {
	return Options{
		BlockSize:      256,
		Compression:    block.Gzip,
		SkipEmpty:      true,
		CalculateStats: true,
		PartialTiles:   PartialPad,
	}
}

// Validate checks the options without touching any data.
func (o Options) Validate() error {
	if err := ValidateBlockSize(o.BlockSize); err != nil {
		return err
	}
	if _, err := block.ParseCompression(string(o.Compression)); err != nil {
		return err
	}
	if _, err := ParsePartialPolicy(string(o.PartialTiles)); err != nil {
		return err
	}
	if o.Resolution != nil {
		if z := *o.Resolution; z < 0 || z > tiling.MaxZoom(o.BlockSize) {
			return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidResolution, z, tiling.MaxZoom(o.BlockSize))
		}
	}
	return nil
}

// ValidateBlockSize rejects sizes that are not a positive multiple of 16.
func ValidateBlockSize(size int) error {
	if size <= 0 || size%16 != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBlockSize, size)
	}
	return nil
}

func (o Options) withDefaults() Options {
	if o.Compression == "" {
		o.Compression = block.None
	}
	if o.PartialTiles == "" {
		o.PartialTiles = PartialPad
	}
	if o.Index == nil {
		o.Index = cellindex.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

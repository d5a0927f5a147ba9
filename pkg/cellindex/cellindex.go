// Package cellindex maps tiles to 64-bit cell identifiers and back.
//
// The encoder and decoder only depend on the Index contract: Encode and Decode
// round-trip exactly, and no real tile is ever assigned the identifier 0, which
// is reserved for the metadata row of a table.
package cellindex

import (
	"errors"
	"fmt"

	"github.com/ssargent/raquet/pkg/tiling"
)

var (
	ErrInvalidTile = errors.New("invalid tile")
	ErrInvalidCell = errors.New("invalid cell identifier")
)

// Index converts between tiles and cell identifiers.
type Index interface {
	Encode(t tiling.Tile) (uint64, error)
	Decode(cell uint64) (tiling.Tile, error)
}

// RangeIndex is implemented by schemes where all cells of one zoom level fall
// in a contiguous identifier range.
type RangeIndex interface {
	Index
	// ResolutionRange returns the half-open range [lo, hi) holding every cell at zoom.
	ResolutionRange(zoom int) (lo, hi uint64)
}

const (
	quadbinHeader   uint64 = 0x4000000000000000
	quadbinMode     uint64 = 1 << 59
	quadbinFooter   uint64 = 0x000FFFFFFFFFFFFF
	quadbinMaxZoom         = 26
	resolutionShift        = 52
)

var (
	interleaveMasks = [...]uint64{
		0x5555555555555555,
		0x3333333333333333,
		0x0F0F0F0F0F0F0F0F,
		0x00FF00FF00FF00FF,
		0x0000FFFF0000FFFF,
		0x00000000FFFFFFFF,
	}
	interleaveShifts = [...]uint64{1, 2, 4, 8, 16}
)

// Quadbin is the default Index: a header bit, a 5-bit resolution, the
// interleaved x/y bits and a footer of ones filling the unused low bits.
type Quadbin struct{}

// Encode returns the cell identifier of t.
func (Quadbin) Encode(t tiling.Tile) (uint64, error) {
	if !t.Valid() || t.Z > quadbinMaxZoom {
		return 0, fmt.Errorf("%w: %s", ErrInvalidTile, t)
	}
	z := uint64(t.Z)
	x := uint64(t.X) << (32 - z)
	y := uint64(t.Y) << (32 - z)

	for i := len(interleaveShifts) - 1; i >= 0; i-- {
		x = (x | (x << interleaveShifts[i])) & interleaveMasks[i]
		y = (y | (y << interleaveShifts[i])) & interleaveMasks[i]
	}

	return quadbinHeader | quadbinMode | (z << resolutionShift) | ((x | (y << 1)) >> 12) | (quadbinFooter >> (z * 2)), nil
}

// Decode returns the tile addressed by cell.
func (Quadbin) Decode(cell uint64) (tiling.Tile, error) {
	if cell&(quadbinHeader|quadbinMode) != quadbinHeader|quadbinMode || cell>>63 != 0 {
		return tiling.Tile{}, fmt.Errorf("%w: %#x", ErrInvalidCell, cell)
	}
	z := (cell >> resolutionShift) & 0x1F
	if z > quadbinMaxZoom {
		return tiling.Tile{}, fmt.Errorf("%w: resolution %d", ErrInvalidCell, z)
	}
	if footer := quadbinFooter >> (z * 2); cell&footer != footer {
		return tiling.Tile{}, fmt.Errorf("%w: %#x", ErrInvalidCell, cell)
	}

	q := (cell & quadbinFooter) << 12
	x := q & interleaveMasks[0]
	y := (q >> 1) & interleaveMasks[0]

	for i := range interleaveShifts {
		x = (x | (x >> interleaveShifts[i])) & interleaveMasks[i+1]
		y = (y | (y >> interleaveShifts[i])) & interleaveMasks[i+1]
	}

	return tiling.Tile{
		X: int(x >> (32 - z)),
		Y: int(y >> (32 - z)),
		Z: int(z),
	}, nil
}

// ResolutionRange returns the identifier range covering every cell at zoom.
func (Quadbin) ResolutionRange(zoom int) (uint64, uint64) {
	base := quadbinHeader | quadbinMode
	lo := base | uint64(zoom)<<resolutionShift
	hi := base | uint64(zoom+1)<<resolutionShift
	return lo, hi
}

// Default is the index used when none is configured.
var Default RangeIndex = Quadbin{}

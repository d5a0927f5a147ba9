// Package block cuts fixed-size pixel blocks out of a raster grid and turns
// them into storage payloads.
package block

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"

	"github.com/ssargent/raquet/pkg/raster"
)

var (
	ErrUnknownCompression = errors.New("unknown compression")
	ErrPayloadSize        = errors.New("block payload has unexpected size")
)

// Compression is the payload compression mode of a table.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
)

// ParseCompression accepts "gzip", "none" and the empty string.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "gzip":
		return Gzip, nil
	case "none", "":
		return None, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCompression, s)
}

// Window is a rectangle of source pixels. It may extend past the source.
type Window struct {
	Col    int
	Row    int
	Width  int
	Height int
}

// WindowFor maps a bound in the grid's CRS to the pixel window it covers.
func WindowFor(inverse raster.Affine, bound orb.Bound) Window {
	c0, r0 := inverse.Apply(bound.Min[0], bound.Max[1])
	c1, r1 := inverse.Apply(bound.Max[0], bound.Min[1])
	col, row := int(math.Round(math.Min(c0, c1))), int(math.Round(math.Min(r0, r1)))
	return Window{
		Col:    col,
		Row:    row,
		Width:  int(math.Round(math.Max(c0, c1))) - col,
		Height: int(math.Round(math.Max(r0, r1))) - row,
	}
}

// Overlaps reports whether w shares any pixel with a width x height source.
func (w Window) Overlaps(width, height int) bool {
	return w.Width > 0 && w.Height > 0 &&
		w.Col < width && w.Row < height &&
		w.Col+w.Width > 0 && w.Row+w.Height > 0
}

// Inside reports whether w lies completely within a width x height source.
func (w Window) Inside(width, height int) bool {
	return w.Col >= 0 && w.Row >= 0 && w.Col+w.Width <= width && w.Row+w.Height <= height
}

// Block is one tile's pixels for every band of a grid.
type Block struct {
	Size  int
	DType raster.DType
	Bands [][]byte
	// Partial is set when the window extended past the source edge.
	Partial bool
}

// Extract copies the pixels of bound out of g into a size x size block per
// band. Pixels outside the source are set to the grid's fill value. The second
// return is false when the window does not overlap the source at all.
func Extract(g *raster.Grid, inverse raster.Affine, bound orb.Bound, size int) (*Block, bool) {
	w := WindowFor(inverse, bound)
	if !w.Overlaps(g.Width, g.Height) {
		return nil, false
	}

	esize := g.DType.Size()
	b := &Block{
		Size:    size,
		DType:   g.DType,
		Bands:   make([][]byte, len(g.Bands)),
		Partial: !w.Inside(g.Width, g.Height),
	}

	srcCols := make([]int, size)
	for i := range srcCols {
		srcCols[i] = w.Col + scale(i, w.Width, size)
	}

	for bi, band := range g.Bands {
		out := make([]byte, size*size*esize)
		if b.Partial {
			g.DType.Fill(out, g.FillValue())
		}
		for r := 0; r < size; r++ {
			sr := w.Row + scale(r, w.Height, size)
			if sr < 0 || sr >= g.Height {
				continue
			}
			dst := out[r*size*esize : (r+1)*size*esize]
			if w.Width == size && !b.Partial {
				start := (sr*g.Width + w.Col) * esize
				copy(dst, band.Data[start:start+size*esize])
				continue
			}
			for c, sc := range srcCols {
				if sc < 0 || sc >= g.Width {
					continue
				}
				src := (sr*g.Width + sc) * esize
				copy(dst[c*esize:(c+1)*esize], band.Data[src:src+esize])
			}
		}
		b.Bands[bi] = out
	}
	return b, true
}

// scale maps output index i of n onto a source span of length span using the
// pixel centre.
func scale(i, span, n int) int {
	if span == n {
		return i
	}
	return int(math.Floor((float64(i) + 0.5) * float64(span) / float64(n)))
}

// IsEmpty reports whether every element of data equals nodata. A nil nodata
// never makes a block empty. A NaN nodata matches NaN elements.
func IsEmpty(data []byte, dtype raster.DType, nodata *float64) bool {
	if nodata == nil {
		return false
	}
	nd := *nodata
	n := len(data) / dtype.Size()
	if math.IsNaN(nd) {
		if !dtype.IsFloat() {
			return false
		}
		for i := 0; i < n; i++ {
			if !math.IsNaN(dtype.Value(data, i)) {
				return false
			}
		}
		return true
	}

	pattern := dtype.Encode(nd)
	if dtype.Value(pattern, 0) != nd {
		return false
	}
	for off := 0; off < len(data); off += len(pattern) {
		if !bytes.Equal(data[off:off+len(pattern)], pattern) {
			if dtype.Value(data, off/len(pattern)) != nd {
				return false
			}
		}
	}
	return true
}

// Pack serializes values row-major with no padding.
func Pack(values []float64, dtype raster.DType) []byte {
	out := make([]byte, len(values)*dtype.Size())
	for i, v := range values {
		dtype.PutValue(out, i, v)
	}
	return out
}

// Unpack is the inverse of Pack.
func Unpack(data []byte, dtype raster.DType) []float64 {
	values := make([]float64, len(data)/dtype.Size())
	for i := range values {
		values[i] = dtype.Value(data, i)
	}
	return values
}

// Compress applies the compression mode to a packed payload.
func Compress(data []byte, mode Compression) ([]byte, error) {
	switch mode {
	case None:
		return data, nil
	case Gzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, fmt.Errorf("gzip block: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("gzip block: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, mode)
}

// Decompress reverses Compress and checks the result is exactly size bytes.
func Decompress(data []byte, mode Compression, size int) ([]byte, error) {
	var out []byte
	switch mode {
	case None:
		out = data
	case Gzip:
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gunzip block: %w", err)
		}
		defer zr.Close()
		out = make([]byte, 0, size)
		buf := bytes.NewBuffer(out)
		// one extra byte is enough to detect an oversized payload
		if _, err := io.Copy(buf, io.LimitReader(zr, int64(size)+1)); err != nil {
			return nil, fmt.Errorf("gunzip block: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, mode)
	}
	if len(out) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrPayloadSize, len(out), size)
	}
	return out, nil
}

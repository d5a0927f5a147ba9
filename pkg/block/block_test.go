package block

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/raquet/pkg/raster"
)

// gridWithIndex returns a width x height uint16 grid with pixel value row*width+col
// and a one-unit pixel size anchored at (0, height).
func gridWithIndex(width, height int) *raster.Grid {
	g := raster.NewGrid(width, height, 1, raster.Uint16)
	g.Transform = raster.NorthUp(0, float64(height), 1, 1)
	for r := 0; r < height; r++ {
		for c := 0; c < width; c++ {
			g.Set(0, c, r, float64(r*width+c))
		}
	}
	return g
}

func mustInverse(t *testing.T, g *raster.Grid) raster.Affine {
	t.Helper()
	inv, err := g.Transform.Inverse()
	require.NoError(t, err)
	return inv
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("gzip")
	require.NoError(t, err)
	assert.Equal(t, Gzip, c)

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, None, c)

	_, err = ParseCompression("zstd")
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func TestExtract_FullOverlap(t *testing.T) {
	g := gridWithIndex(32, 32)
	bound := orb.Bound{Min: orb.Point{16, 0}, Max: orb.Point{32, 16}}

	b, ok := Extract(g, mustInverse(t, g), bound, 16)
	require.True(t, ok)
	assert.False(t, b.Partial)
	require.Len(t, b.Bands, 1)
	require.Len(t, b.Bands[0], 16*16*2)

	// top-left of the block is source (col 16, row 16)
	assert.Equal(t, float64(16*32+16), raster.Uint16.Value(b.Bands[0], 0))
	assert.Equal(t, float64(31*32+31), raster.Uint16.Value(b.Bands[0], 16*16-1))
}

func TestExtract_PartialPadsWithNodata(t *testing.T) {
	g := gridWithIndex(20, 20)
	nd := 65535.0
	g.Nodata = &nd
	bound := orb.Bound{Min: orb.Point{16, -12}, Max: orb.Point{32, 4}}

	b, ok := Extract(g, mustInverse(t, g), bound, 16)
	require.True(t, ok)
	assert.True(t, b.Partial)

	data := b.Bands[0]
	// window starts at source (col 16, row 16); only 4x4 pixels overlap
	assert.Equal(t, float64(16*20+16), raster.Uint16.Value(data, 0))
	assert.Equal(t, float64(19*20+19), raster.Uint16.Value(data, 3*16+3))
	assert.Equal(t, nd, raster.Uint16.Value(data, 4))
	assert.Equal(t, nd, raster.Uint16.Value(data, 4*16))
	assert.Equal(t, nd, raster.Uint16.Value(data, 16*16-1))
}

func TestExtract_PartialPadsWithZeroWithoutNodata(t *testing.T) {
	g := gridWithIndex(8, 8)
	g.Set(0, 0, 0, 9)
	bound := orb.Bound{Min: orb.Point{-8, 0}, Max: orb.Point{8, 16}}

	b, ok := Extract(g, mustInverse(t, g), bound, 16)
	require.True(t, ok)
	assert.True(t, b.Partial)
	assert.Equal(t, 0.0, raster.Uint16.Value(b.Bands[0], 0))
	assert.Equal(t, 9.0, raster.Uint16.Value(b.Bands[0], 8*16+8))
}

func TestExtract_NoOverlap(t *testing.T) {
	g := gridWithIndex(16, 16)
	bound := orb.Bound{Min: orb.Point{100, 100}, Max: orb.Point{116, 116}}
	_, ok := Extract(g, mustInverse(t, g), bound, 16)
	assert.False(t, ok)
}

func TestIsEmpty(t *testing.T) {
	data := make([]byte, 16*4)
	raster.Float32.Fill(data, -9999)

	nd := -9999.0
	assert.True(t, IsEmpty(data, raster.Float32, &nd))
	assert.False(t, IsEmpty(data, raster.Float32, nil))

	raster.Float32.PutValue(data, 5, 1)
	assert.False(t, IsEmpty(data, raster.Float32, &nd))

	nan := math.NaN()
	raster.Float32.Fill(data, nan)
	assert.True(t, IsEmpty(data, raster.Float32, &nan))
	raster.Float32.PutValue(data, 3, 0)
	assert.False(t, IsEmpty(data, raster.Float32, &nan))

	bytesZero := make([]byte, 16)
	zero := 0.0
	assert.True(t, IsEmpty(bytesZero, raster.Uint8, &zero))

	outOfRange := -1.0
	assert.False(t, IsEmpty(bytesZero, raster.Uint8, &outOfRange))
}

func TestPackUnpack(t *testing.T) {
	values := []float64{1, -2, 3.5, 1e10}
	data := Pack(values, raster.Float64)
	assert.Len(t, data, 32)
	assert.Equal(t, values, Unpack(data, raster.Float64))
}

func TestCompressDecompress(t *testing.T) {
	payload := make([]byte, 256*256)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	for _, mode := range []Compression{None, Gzip} {
		t.Run(string(mode), func(t *testing.T) {
			compressed, err := Compress(payload, mode)
			require.NoError(t, err)
			if mode == Gzip {
				assert.Less(t, len(compressed), len(payload))
			}

			out, err := Decompress(compressed, mode, len(payload))
			require.NoError(t, err)
			assert.Equal(t, payload, out)

			_, err = Decompress(compressed, mode, len(payload)+1)
			assert.ErrorIs(t, err, ErrPayloadSize)
		})
	}

	_, err := Compress(payload, Compression("lz4"))
	assert.ErrorIs(t, err, ErrUnknownCompression)
}

func TestDecompress_StopsPastExpectedSize(t *testing.T) {
	bomb, err := Compress(make([]byte, 8<<20), Gzip)
	require.NoError(t, err)

	_, err = Decompress(bomb, Gzip, 256)
	require.ErrorIs(t, err, ErrPayloadSize)
	assert.Contains(t, err.Error(), "got 257 bytes")
}

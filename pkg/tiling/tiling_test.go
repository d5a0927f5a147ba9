package tiling

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// squareBound returns a mercator bound of the given edge length anchored at the origin.
func squareBound(edge float64) orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{edge, edge}}
}

func TestResolveResolution(t *testing.T) {
	t.Run("matches native pixel size", func(t *testing.T) {
		// A zoom 10 block pixel, 256 pixels across.
		px := PixelSize(10, 256)
		zoom, err := ResolveResolution(squareBound(px*256), 256, 256, 256)
		require.NoError(t, err)
		assert.Equal(t, 10, zoom)
	})

	t.Run("rounds to nearest zoom", func(t *testing.T) {
		px := PixelSize(12, 256) * 1.3
		zoom, err := ResolveResolution(squareBound(px*100), 100, 100, 256)
		require.NoError(t, err)
		assert.Equal(t, 12, zoom)
	})

	t.Run("clamps to max zoom for block size", func(t *testing.T) {
		zoom, err := ResolveResolution(squareBound(0.01), 1000, 1000, 256)
		require.NoError(t, err)
		assert.Equal(t, 18, zoom)
		assert.LessOrEqual(t, PixelResolution(zoom, 256), MaxResolution)
	})

	t.Run("clamps to zero for coarse rasters", func(t *testing.T) {
		zoom, err := ResolveResolution(squareBound(EarthCircumference*4), 2, 2, 256)
		require.NoError(t, err)
		assert.Equal(t, 0, zoom)
	})

	t.Run("rejects empty raster", func(t *testing.T) {
		_, err := ResolveResolution(squareBound(100), 0, 10, 256)
		assert.ErrorIs(t, err, ErrInvalidResolutionInput)
	})

	t.Run("rejects degenerate bounds", func(t *testing.T) {
		_, err := ResolveResolution(orb.Bound{}, 10, 10, 256)
		assert.ErrorIs(t, err, ErrInvalidResolutionInput)
	})
}

func TestResolveResolution_MonotonicInBlockSize(t *testing.T) {
	bounds := squareBound(25000)
	prev := -1
	for _, bs := range []int{1024, 512, 256, 128, 64, 32, 16} {
		zoom, err := ResolveResolution(bounds, 2000, 2000, bs)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, zoom, prev, "block size %d", bs)
		prev = zoom
	}
}

func TestEnumerateTiles(t *testing.T) {
	tests := map[string]struct {
		bound orb.Bound
		zoom  int
		want  []Tile
	}{
		"whole world at zoom 0": {
			bound: orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}},
			zoom:  0,
			want:  []Tile{{0, 0, 0}},
		},
		"whole world at zoom 1": {
			bound: orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}},
			zoom:  1,
			want:  []Tile{{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1}},
		},
		"north east quadrant": {
			bound: orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{20, 20}},
			zoom:  1,
			want:  []Tile{{1, 0, 1}},
		},
		"edge on tile boundary does not pull neighbour": {
			bound: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{90, 40}},
			zoom:  2,
			want:  []Tile{{2, 1, 2}},
		},
		"out of range input is clamped": {
			bound: orb.Bound{Min: orb.Point{-500, -100}, Max: orb.Point{500, 100}},
			zoom:  1,
			want:  []Tile{{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1}},
		},
		"point bound yields one tile": {
			bound: orb.Bound{Min: orb.Point{2.35, 48.85}, Max: orb.Point{2.35, 48.85}},
			zoom:  10,
			want:  []Tile{{518, 352, 10}},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, EnumerateTiles(tt.bound, tt.zoom))
		})
	}
}

func TestEnumerateTiles_Intersects(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{-3.7, 40.3}, Max: orb.Point{-3.6, 40.5}}
	tiles := EnumerateTiles(bound, 12)
	require.NotEmpty(t, tiles)
	for _, tile := range tiles {
		assert.True(t, tile.Valid())
		assert.True(t, tile.Bound().Intersects(bound), "tile %s", tile)
	}
}

func TestTile_MercatorBound(t *testing.T) {
	b := NewTile(0, 0, 0).MercatorBound()
	assert.InDelta(t, -originShift, b.Min[0], 1e-6)
	assert.InDelta(t, originShift, b.Max[1], 1e-6)
	assert.InDelta(t, EarthCircumference, b.Max[0]-b.Min[0], 1e-6)

	child := NewTile(1, 1, 1).MercatorBound()
	assert.InDelta(t, 0, child.Min[0], 1e-6)
	assert.InDelta(t, 0, child.Max[1], 1e-6)
	assert.InDelta(t, -originShift, child.Min[1], 1e-6)
}

func TestTilesBound(t *testing.T) {
	_, ok := TilesBound(nil)
	assert.False(t, ok)

	b, ok := TilesBound([]Tile{{0, 0, 1}, {1, 1, 1}})
	require.True(t, ok)
	assert.InDelta(t, -180, b.Min[0], 1e-9)
	assert.InDelta(t, 180, b.Max[0], 1e-9)
	assert.InDelta(t, MaxLatitude, b.Max[1], 1e-6)
}

func TestTileRange(t *testing.T) {
	minX, minY, maxX, maxY := TileRange([]Tile{{4, 7, 5}, {2, 9, 5}, {3, 8, 5}})
	assert.Equal(t, []int{2, 7, 4, 9}, []int{minX, minY, maxX, maxY})
}

func TestMercatorRoundTrip(t *testing.T) {
	ll := orb.Bound{Min: orb.Point{-10, -20}, Max: orb.Point{30, 40}}
	back := ToLonLat(ToMercator(ll))
	assert.InDelta(t, ll.Min[0], back.Min[0], 1e-9)
	assert.InDelta(t, ll.Min[1], back.Min[1], 1e-9)
	assert.InDelta(t, ll.Max[0], back.Max[0], 1e-9)
	assert.InDelta(t, ll.Max[1], back.Max[1], 1e-9)
}

func TestZoomForPixelSize(t *testing.T) {
	for _, z := range []int{0, 4, 10, 18} {
		got, err := ZoomForPixelSize(PixelSize(z, 256), 256)
		require.NoError(t, err)
		assert.Equal(t, z, got)
	}

	got, err := ZoomForPixelSize(0.001, 256)
	require.NoError(t, err)
	assert.Equal(t, MaxZoom(256), got)

	_, err = ZoomForPixelSize(0, 256)
	assert.ErrorIs(t, err, ErrInvalidResolutionInput)
}

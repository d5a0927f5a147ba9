// Package tiling implements the web-mercator power-of-two tiling scheme used to
// address raster blocks: zoom selection, tile enumeration over a bounding box,
// and tile footprints in both geographic and projected coordinates.
package tiling

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

const (
	// MaxResolution is the finest pixel resolution addressable by a cell
	// identifier: zoom + log2(block size) must never exceed it.
	MaxResolution = 26

	// MaxLatitude is the north/south limit of the web-mercator plane.
	MaxLatitude = 85.0511287798066

	// EarthCircumference is the edge length of the zoom 0 tile in meters.
	EarthCircumference = 2 * math.Pi * orb.EarthRadius

	originShift = math.Pi * orb.EarthRadius
)

var ErrInvalidResolutionInput = errors.New("invalid resolution input")

// Tile is one cell of the global grid at a zoom level. Y grows southwards.
type Tile struct {
	X int
	Y int
	Z int
}

// NewTile creates a tile from its coordinates.
func NewTile(x, y, z int) Tile {
	return Tile{X: x, Y: y, Z: z}
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid reports whether x and y are inside the grid for the tile's zoom.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > 31 || t.X < 0 || t.Y < 0 {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X < n && t.Y < n
}

// Bound returns the tile footprint in longitude/latitude.
func (t Tile) Bound() orb.Bound {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z)).Bound()
}

// MercatorBound returns the tile footprint in EPSG:3857 meters.
func (t Tile) MercatorBound() orb.Bound {
	size := TileSize(t.Z)
	minX := -originShift + float64(t.X)*size
	maxY := originShift - float64(t.Y)*size
	return orb.Bound{
		Min: orb.Point{minX, maxY - size},
		Max: orb.Point{minX + size, maxY},
	}
}

// TileSize returns the edge length in meters of a tile at zoom z.
func TileSize(z int) float64 {
	return EarthCircumference / float64(uint64(1)<<uint(z))
}

// PixelSize returns the edge length in meters of one block pixel at zoom z.
func PixelSize(z, blockSize int) float64 {
	return TileSize(z) / float64(blockSize)
}

// MaxZoom returns the finest zoom usable with the given block size.
func MaxZoom(blockSize int) int {
	z := int(math.Floor(MaxResolution - math.Log2(float64(blockSize))))
	if z < 0 {
		return 0
	}
	return z
}

// PixelResolution returns zoom + log2(blockSize).
func PixelResolution(zoom, blockSize int) int {
	return zoom + int(math.Floor(math.Log2(float64(blockSize))))
}

// ResolveResolution picks the zoom whose block pixel size best matches the
// source's native pixel size. bounds are projected (EPSG:3857) meters.
func ResolveResolution(bounds orb.Bound, pixelWidth, pixelHeight, blockSize int) (int, error) {
	if pixelWidth <= 0 || pixelHeight <= 0 {
		return 0, fmt.Errorf("%w: raster size %dx%d", ErrInvalidResolutionInput, pixelWidth, pixelHeight)
	}
	if blockSize <= 0 {
		return 0, fmt.Errorf("%w: block size %d", ErrInvalidResolutionInput, blockSize)
	}

	metersPerPixel := ((bounds.Max[0]-bounds.Min[0])/float64(pixelWidth) +
		(bounds.Max[1]-bounds.Min[1])/float64(pixelHeight)) / 2
	return ZoomForPixelSize(metersPerPixel, blockSize)
}

// ZoomForPixelSize returns the zoom whose block pixel edge is closest to
// metersPerPixel, clamped to [0, MaxZoom(blockSize)].
func ZoomForPixelSize(metersPerPixel float64, blockSize int) (int, error) {
	if blockSize <= 0 {
		return 0, fmt.Errorf("%w: block size %d", ErrInvalidResolutionInput, blockSize)
	}
	if metersPerPixel <= 0 || math.IsNaN(metersPerPixel) || math.IsInf(metersPerPixel, 0) {
		return 0, fmt.Errorf("%w: pixel size %v", ErrInvalidResolutionInput, metersPerPixel)
	}

	zoom := int(math.Round(math.Log2(EarthCircumference / (float64(blockSize) * metersPerPixel))))
	if zoom < 0 {
		zoom = 0
	}
	if limit := MaxZoom(blockSize); zoom > limit {
		zoom = limit
	}
	return zoom, nil
}

// EnumerateTiles returns every tile at zoom whose footprint intersects the
// longitude/latitude bound, ordered by row then column. Coordinates outside the
// valid range are clamped.
func EnumerateTiles(bound orb.Bound, zoom int) []Tile {
	west := clamp(bound.Min[0], -180, 180)
	east := clamp(bound.Max[0], -180, 180)
	south := clamp(bound.Min[1], -MaxLatitude, MaxLatitude)
	north := clamp(bound.Max[1], -MaxLatitude, MaxLatitude)
	if east < west {
		west, east = east, west
	}
	if north < south {
		north, south = south, north
	}

	n := 1 << uint(zoom)
	minX, maxX := span(fractionX(west, n), fractionX(east, n), n)
	minY, maxY := span(fractionY(north, n), fractionY(south, n), n)

	tiles := make([]Tile, 0, (maxX-minX+1)*(maxY-minY+1))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			tiles = append(tiles, Tile{X: x, Y: y, Z: zoom})
		}
	}
	return tiles
}

// TilesBound returns the union of the tiles' longitude/latitude footprints.
func TilesBound(tiles []Tile) (orb.Bound, bool) {
	if len(tiles) == 0 {
		return orb.Bound{}, false
	}
	b := tiles[0].Bound()
	for _, t := range tiles[1:] {
		b = b.Union(t.Bound())
	}
	return b, true
}

// TileRange returns the inclusive tile index bounding box of the tiles.
func TileRange(tiles []Tile) (minX, minY, maxX, maxY int) {
	if len(tiles) == 0 {
		return 0, 0, -1, -1
	}
	minX, minY = tiles[0].X, tiles[0].Y
	maxX, maxY = minX, minY
	for _, t := range tiles[1:] {
		minX = min(minX, t.X)
		minY = min(minY, t.Y)
		maxX = max(maxX, t.X)
		maxY = max(maxY, t.Y)
	}
	return minX, minY, maxX, maxY
}

// SortTiles orders tiles by zoom, row, column.
func SortTiles(tiles []Tile) {
	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i], tiles[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}

// ToLonLat converts an EPSG:3857 bound to longitude/latitude.
func ToLonLat(b orb.Bound) orb.Bound {
	return project.Bound(b, project.Mercator.ToWGS84)
}

// ToMercator converts a longitude/latitude bound to EPSG:3857, clamping latitude.
func ToMercator(b orb.Bound) orb.Bound {
	b.Min[1] = clamp(b.Min[1], -MaxLatitude, MaxLatitude)
	b.Max[1] = clamp(b.Max[1], -MaxLatitude, MaxLatitude)
	return project.Bound(b, project.WGS84.ToMercator)
}

func fractionX(lon float64, n int) float64 {
	return (lon + 180) / 360 * float64(n)
}

func fractionY(lat float64, n int) float64 {
	siny := math.Sin(lat * math.Pi / 180)
	return (0.5 - math.Log((1+siny)/(1-siny))/(4*math.Pi)) * float64(n)
}

// span maps a fractional [lo, hi] range to inclusive tile indices. An edge
// that falls exactly on a tile boundary does not pull in the next tile.
func span(lo, hi float64, n int) (int, int) {
	first := int(math.Floor(lo))
	last := int(math.Ceil(hi)) - 1
	first = clampInt(first, 0, n-1)
	last = clampInt(last, 0, n-1)
	if last < first {
		last = first
	}
	return first, last
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

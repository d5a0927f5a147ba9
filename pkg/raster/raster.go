// Package raster holds the in-memory raster grid exchanged between the codec
// and its file and reprojection collaborators.
package raster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb"
)

const (
	EPSG4326 = "EPSG:4326"
	EPSG3857 = "EPSG:3857"
)

var ErrNoBands = errors.New("raster has no bands")

// Affine maps pixel (col, row) to CRS coordinates:
//
//	x = C + col*A + row*B
//	y = F + col*D + row*E
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// NorthUp returns a transform with no rotation.
func NorthUp(originX, originY, pixelWidth, pixelHeight float64) Affine {
	return Affine{A: pixelWidth, C: originX, E: -pixelHeight, F: originY}
}

// Apply returns the CRS coordinates of the pixel corner (col, row).
func (a Affine) Apply(col, row float64) (float64, float64) {
	return a.C + col*a.A + row*a.B, a.F + col*a.D + row*a.E
}

// Inverse returns the transform mapping CRS coordinates back to pixels.
func (a Affine) Inverse() (Affine, error) {
	det := a.A*a.E - a.B*a.D
	if det == 0 || math.IsNaN(det) {
		return Affine{}, fmt.Errorf("affine transform is not invertible")
	}
	ia := a.E / det
	ib := -a.B / det
	id := -a.D / det
	ie := a.A / det
	return Affine{
		A: ia, B: ib, C: -a.C*ia - a.F*ib,
		D: id, E: ie, F: -a.C*id - a.F*ie,
	}, nil
}

// PixelSize returns the absolute pixel width and height.
func (a Affine) PixelSize() (float64, float64) {
	return math.Hypot(a.A, a.D), math.Hypot(a.B, a.E)
}

// Band is one plane of pixels stored row-major in little-endian order.
type Band struct {
	Name        string
	ColorInterp string
	ColorTable  map[int][4]uint8
	Data        []byte
}

// Grid is a georeferenced, band-stacked raster.
type Grid struct {
	Width     int
	Height    int
	DType     DType
	Bands     []Band
	Transform Affine
	CRS       string
	// Nodata is nil when the raster has no nodata sentinel.
	Nodata *float64
	// NodataText keeps the sentinel's original textual form when known.
	NodataText string
}

// NewGrid allocates a grid with count zeroed bands.
func NewGrid(width, height, count int, dtype DType) *Grid {
	g := &Grid{Width: width, Height: height, DType: dtype}
	for i := 0; i < count; i++ {
		g.Bands = append(g.Bands, Band{
			Name: BandName(i),
			Data: make([]byte, width*height*dtype.Size()),
		})
	}
	return g
}

// BandName returns the column name of the zero-based band index.
func BandName(i int) string {
	return "band_" + strconv.Itoa(i+1)
}

// Validate checks that the grid is internally consistent.
func (g *Grid) Validate() error {
	if len(g.Bands) == 0 {
		return ErrNoBands
	}
	if !g.DType.Valid() {
		return fmt.Errorf("%w: %v", ErrUnsupportedDType, g.DType)
	}
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", g.Width, g.Height)
	}
	want := g.Width * g.Height * g.DType.Size()
	for i, b := range g.Bands {
		if len(b.Data) != want {
			return fmt.Errorf("band %d has %d bytes, want %d", i+1, len(b.Data), want)
		}
	}
	return nil
}

// Bounds returns the footprint of the grid in its CRS.
func (g *Grid) Bounds() orb.Bound {
	b := orb.Bound{Min: orb.Point{math.Inf(1), math.Inf(1)}, Max: orb.Point{math.Inf(-1), math.Inf(-1)}}
	for _, c := range [][2]float64{{0, 0}, {float64(g.Width), 0}, {0, float64(g.Height)}, {float64(g.Width), float64(g.Height)}} {
		x, y := g.Transform.Apply(c[0], c[1])
		b = b.Extend(orb.Point{x, y})
	}
	return b
}

// At returns the value of band b at (col, row).
func (g *Grid) At(b, col, row int) float64 {
	return g.DType.Value(g.Bands[b].Data, row*g.Width+col)
}

// Set stores v in band b at (col, row).
func (g *Grid) Set(b, col, row int, v float64) {
	g.DType.PutValue(g.Bands[b].Data, row*g.Width+col, v)
}

// FillValue is the nodata sentinel, or 0 when none is defined.
func (g *Grid) FillValue() float64 {
	if g.Nodata != nil {
		return *g.Nodata
	}
	return 0
}

// NodataString returns the textual nodata form, or "" when undefined.
func (g *Grid) NodataString() string {
	if g.Nodata == nil {
		return ""
	}
	if g.NodataText != "" {
		return g.NodataText
	}
	return FormatValue(*g.Nodata)
}

// FormatValue renders v in its shortest exact decimal form.
func FormatValue(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Opener reads a raster file.
type Opener interface {
	Open(ctx context.Context, path string) (*Grid, error)
}

// Writer persists a raster file.
type Writer interface {
	Write(ctx context.Context, path string, g *Grid) error
}

// Target describes the grid a reprojection must produce.
type Target struct {
	CRS string
	// Bounds in the target CRS; the output origin is Bounds' top-left corner.
	Bounds     orb.Bound
	Resolution float64
}

// Reprojector resamples a grid into a target CRS and pixel grid.
type Reprojector interface {
	// TransformBounds returns the footprint of g expressed in crs.
	TransformBounds(g *Grid, crs string) (orb.Bound, error)
	Reproject(ctx context.Context, g *Grid, target Target) (*Grid, error)
}

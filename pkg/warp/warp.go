// Package warp resamples rasters between geographic (EPSG:4326) and web
// mercator (EPSG:3857) coordinates with nearest-neighbour sampling.
package warp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

var ErrUnsupportedCRS = errors.New("unsupported coordinate reference system")

var aliases = map[string]string{
	"4326":   raster.EPSG4326,
	"3857":   raster.EPSG3857,
	"900913": raster.EPSG3857,
	"3785":   raster.EPSG3857,
	"102100": raster.EPSG3857,
	"102113": raster.EPSG3857,
}

// NormalizeCRS maps the accepted spellings of a CRS to its canonical
// "EPSG:<code>" name.
func NormalizeCRS(crs string) (string, error) {
	code := strings.TrimSpace(strings.ToUpper(crs))
	code = strings.TrimPrefix(code, "EPSG:")
	code = strings.TrimPrefix(code, "ESRI:")
	if canonical, ok := aliases[code]; ok {
		return canonical, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCRS, crs)
}

// Warper implements raster.Reprojector.
type Warper struct{}

func New() *Warper {
	return &Warper{}
}

// transform returns the point mapping from src to dst.
func transform(src, dst string) (orb.Projection, error) {
	s, err := NormalizeCRS(src)
	if err != nil {
		return nil, err
	}
	d, err := NormalizeCRS(dst)
	if err != nil {
		return nil, err
	}
	switch {
	case s == d:
		return func(p orb.Point) orb.Point { return p }, nil
	case s == raster.EPSG4326:
		return func(p orb.Point) orb.Point {
			p[1] = math.Max(-tiling.MaxLatitude, math.Min(tiling.MaxLatitude, p[1]))
			return project.WGS84.ToMercator(p)
		}, nil
	default:
		return project.Mercator.ToWGS84, nil
	}
}

// TransformBounds returns the footprint of g in crs. Both supported
// projections are axis-separable, so the corners are sufficient.
func (w *Warper) TransformBounds(g *raster.Grid, crs string) (orb.Bound, error) {
	fn, err := transform(g.CRS, crs)
	if err != nil {
		return orb.Bound{}, err
	}
	return project.Bound(g.Bounds(), fn), nil
}

// Reproject resamples g onto the pixel grid whose top-left corner is the
// target bounds' top-left corner. Pixels with no source are set to the fill
// value.
func (w *Warper) Reproject(ctx context.Context, g *raster.Grid, target raster.Target) (*raster.Grid, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if target.Resolution <= 0 {
		return nil, fmt.Errorf("invalid target resolution %v", target.Resolution)
	}
	dstCRS, err := NormalizeCRS(target.CRS)
	if err != nil {
		return nil, err
	}
	toSource, err := transform(dstCRS, g.CRS)
	if err != nil {
		return nil, err
	}
	inv, err := g.Transform.Inverse()
	if err != nil {
		return nil, fmt.Errorf("source transform: %w", err)
	}

	res := target.Resolution
	width := int(math.Round((target.Bounds.Max[0] - target.Bounds.Min[0]) / res))
	height := int(math.Round((target.Bounds.Max[1] - target.Bounds.Min[1]) / res))
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty target grid %dx%d", width, height)
	}

	out := raster.NewGrid(width, height, len(g.Bands), g.DType)
	out.CRS = dstCRS
	out.Transform = raster.NorthUp(target.Bounds.Min[0], target.Bounds.Max[1], res, res)
	out.Nodata = g.Nodata
	out.NodataText = g.NodataText
	for i, b := range g.Bands {
		out.Bands[i].Name = b.Name
		out.Bands[i].ColorInterp = b.ColorInterp
		out.Bands[i].ColorTable = b.ColorTable
		g.DType.Fill(out.Bands[i].Data, g.FillValue())
	}

	esize := g.DType.Size()
	for row := 0; row < height; row++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for col := 0; col < width; col++ {
			x, y := out.Transform.Apply(float64(col)+0.5, float64(row)+0.5)
			src := toSource(orb.Point{x, y})
			fc, fr := inv.Apply(src[0], src[1])
			sc, sr := int(math.Floor(fc)), int(math.Floor(fr))
			if sc < 0 || sr < 0 || sc >= g.Width || sr >= g.Height {
				continue
			}
			so := (sr*g.Width + sc) * esize
			do := (row*width + col) * esize
			for b := range g.Bands {
				copy(out.Bands[b].Data[do:do+esize], g.Bands[b].Data[so:so+esize])
			}
		}
	}
	return out, nil
}

package imageserver

import (
	"context"
	"fmt"
	"math"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"

	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

// MetersPerDegree is the length of one degree of longitude at the equator.
const MetersPerDegree = 111319.49079327357

// SpatialReference is the service's declared coordinate system.
type SpatialReference struct {
	WKID       int    `json:"wkid"`
	LatestWKID int    `json:"latestWkid"`
	WKT        string `json:"wkt,omitempty"`
}

// Code returns the latest well-known id when present.
func (s SpatialReference) Code() int {
	if s.LatestWKID != 0 {
		return s.LatestWKID
	}
	return s.WKID
}

type Extent struct {
	XMin             float64           `json:"xmin"`
	YMin             float64           `json:"ymin"`
	XMax             float64           `json:"xmax"`
	YMax             float64           `json:"ymax"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

func (e Extent) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{e.XMin, e.YMin}, Max: orb.Point{e.XMax, e.YMax}}
}

// ServiceInfo is the subset of the ImageServer description the encoder needs.
type ServiceInfo struct {
	Name             string            `json:"name"`
	Extent           Extent            `json:"extent"`
	PixelSizeX       float64           `json:"pixelSizeX"`
	PixelSizeY       float64           `json:"pixelSizeY"`
	BandCount        int               `json:"bandCount"`
	PixelType        string            `json:"pixelType"`
	NoDataValue      *float64          `json:"noDataValue"`
	SpatialReference *SpatialReference `json:"spatialReference,omitempty"`
}

// CRSKind is the coordinate system family of a service.
type CRSKind int

const (
	CRSUnknown CRSKind = iota
	CRSGeographic
	CRSWebMercator
	CRSProjected
)

func (k CRSKind) String() string {
	switch k {
	case CRSGeographic:
		return "geographic"
	case CRSWebMercator:
		return "web-mercator"
	case CRSProjected:
		return "projected"
	}
	return "unknown"
}

// webMercatorAliases are legacy ids servers still report for EPSG:3857.
var webMercatorAliases = map[int]bool{
	3857:   true,
	900913: true,
	3785:   true,
	102100: true,
	102113: true,
}

// ClassifyWKID maps a well-known id to its coordinate system family. Ids in
// the EPSG geographic block 4000-4999 are geographic.
func ClassifyWKID(wkid int) CRSKind {
	switch {
	case wkid <= 0:
		return CRSUnknown
	case webMercatorAliases[wkid]:
		return CRSWebMercator
	case wkid >= 4000 && wkid < 5000:
		return CRSGeographic
	}
	return CRSProjected
}

// Kind classifies the service from its spatial reference, falling back to
// the extent's.
func (s *ServiceInfo) Kind() CRSKind {
	if s.SpatialReference != nil {
		if k := ClassifyWKID(s.SpatialReference.Code()); k != CRSUnknown {
			return k
		}
	}
	if s.Extent.SpatialReference != nil {
		return ClassifyWKID(s.Extent.SpatialReference.Code())
	}
	return CRSUnknown
}

// DType maps the ArcGIS pixel type to a band element kind.
func (s *ServiceInfo) DType() (raster.DType, error) {
	switch s.PixelType {
	case "U8", "U1", "U2", "U4":
		return raster.Uint8, nil
	case "S8":
		return raster.Int8, nil
	case "U16":
		return raster.Uint16, nil
	case "S16":
		return raster.Int16, nil
	case "U32":
		return raster.Uint32, nil
	case "S32":
		return raster.Int32, nil
	case "F32":
		return raster.Float32, nil
	case "F64":
		return raster.Float64, nil
	}
	return 0, fmt.Errorf("%w: pixel type %q", raster.ErrUnsupportedDType, s.PixelType)
}

// LonLatExtent returns the service extent in longitude/latitude.
func (s *ServiceInfo) LonLatExtent() (orb.Bound, error) {
	switch s.Kind() {
	case CRSGeographic:
		return s.Extent.Bound(), nil
	case CRSWebMercator:
		return tiling.ToLonLat(s.Extent.Bound()), nil
	}
	return orb.Bound{}, fmt.Errorf("%w: cannot derive a longitude/latitude extent from wkid %d",
		ErrMalformedResponse, s.wkid())
}

func (s *ServiceInfo) wkid() int {
	if s.SpatialReference != nil {
		return s.SpatialReference.Code()
	}
	if s.Extent.SpatialReference != nil {
		return s.Extent.SpatialReference.Code()
	}
	return 0
}

// MetersPerPixel returns the native pixel size in meters. Geographic pixel
// sizes are converted at the centre latitude of bbox, which is only an
// approximation over large extents.
func (s *ServiceInfo) MetersPerPixel(bbox orb.Bound) float64 {
	size := (s.PixelSizeX + s.PixelSizeY) / 2
	if s.PixelSizeY == 0 {
		size = s.PixelSizeX
	}
	if s.Kind() != CRSGeographic {
		return size
	}
	lat := (bbox.Min[1] + bbox.Max[1]) / 2
	return size * MetersPerDegree * math.Cos(lat*math.Pi/180)
}

// NativeSize returns the pixel dimensions bbox (longitude/latitude) covers at
// the service's native resolution.
func (s *ServiceInfo) NativeSize(bbox orb.Bound) (int, int) {
	px, py := s.PixelSizeX, s.PixelSizeY
	if py == 0 {
		py = px
	}
	if px <= 0 {
		return 0, 0
	}
	span := bbox
	if s.Kind() != CRSGeographic {
		span = tiling.ToMercator(bbox)
	}
	w := int(math.Round((span.Max[0] - span.Min[0]) / px))
	h := int(math.Round((span.Max[1] - span.Min[1]) / py))
	return max(w, 1), max(h, 1)
}

// Zoom picks the tile zoom matching the native resolution over bbox.
func (s *ServiceInfo) Zoom(bbox orb.Bound, blockSize int) (int, error) {
	return tiling.ZoomForPixelSize(s.MetersPerPixel(bbox), blockSize)
}

// Info fetches the service description.
func (c *Client) Info(ctx context.Context) (*ServiceInfo, error) {
	data, err := c.get(ctx, c.base+"?f=json")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch service info: %w", err)
	}
	var info ServiceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: service info: %v", ErrMalformedResponse, err)
	}
	if info.BandCount <= 0 {
		return nil, fmt.Errorf("%w: service reports %d bands", ErrMalformedResponse, info.BandCount)
	}
	if info.PixelSizeX <= 0 {
		return nil, fmt.Errorf("%w: service reports pixel size %v", ErrMalformedResponse, info.PixelSizeX)
	}
	return &info, nil
}

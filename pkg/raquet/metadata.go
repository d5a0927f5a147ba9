package raquet

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/stats"
)

// Version is the metadata format version written by this package.
const Version = "0.1.0"

var requiredKeys = []string{
	"version", "compression", "block_resolution", "minresolution", "maxresolution",
	"nodata", "bounds", "center", "width", "height", "block_width", "block_height",
	"num_blocks", "num_pixels", "pixel_resolution", "bands",
}

var requiredBandKeys = []string{"type", "name"}

// Nodata is an optional numeric sentinel. NaN and infinities are written as
// the strings "nan", "inf" and "-inf".
type Nodata struct {
	Value float64
	Valid bool
}

// NewNodata wraps an optional value.
func NewNodata(v *float64) Nodata {
	if v == nil {
		return Nodata{}
	}
	return Nodata{Value: *v, Valid: true}
}

// Ptr returns the value or nil.
func (n Nodata) Ptr() *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Value
	return &v
}

func (n Nodata) MarshalJSON() ([]byte, error) {
	switch {
	case !n.Valid:
		return []byte("null"), nil
	case math.IsNaN(n.Value):
		return []byte(`"nan"`), nil
	case math.IsInf(n.Value, 1):
		return []byte(`"inf"`), nil
	case math.IsInf(n.Value, -1):
		return []byte(`"-inf"`), nil
	}
	return []byte(strconv.FormatFloat(n.Value, 'g', -1, 64)), nil
}

func (n *Nodata) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*n = Nodata{}
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid nodata %s: %w", data, err)
	}
	*n = Nodata{Value: v, Valid: true}
	return nil
}

// BandInfo describes one band column. Nodata keeps the exact textual form of
// the sentinel.
type BandInfo struct {
	Type        string            `json:"type"`
	Name        string            `json:"name"`
	ColorInterp *string           `json:"colorinterp"`
	Nodata      *string           `json:"nodata"`
	Stats       *stats.Record     `json:"stats"`
	ColorTable  map[string][4]int `json:"colortable"`
}

// DType parses the band's element type.
func (b BandInfo) DType() (raster.DType, error) {
	return raster.ParseDType(b.Type)
}

// NodataValue parses the band's nodata text.
func (b BandInfo) NodataValue() (*float64, error) {
	if b.Nodata == nil {
		return nil, nil
	}
	v, err := strconv.ParseFloat(*b.Nodata, 64)
	if err != nil {
		return nil, fmt.Errorf("band %s: invalid nodata %q: %w", b.Name, *b.Nodata, err)
	}
	return &v, nil
}

// Metadata is the dataset description stored in the metadata row.
type Metadata struct {
	Version         string     `json:"version"`
	Compression     *string    `json:"compression"`
	BlockResolution int        `json:"block_resolution"`
	MinResolution   int        `json:"minresolution"`
	MaxResolution   int        `json:"maxresolution"`
	Nodata          Nodata     `json:"nodata"`
	Bounds          [4]float64 `json:"bounds"`
	Center          [3]float64 `json:"center"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	BlockWidth      int        `json:"block_width"`
	BlockHeight     int        `json:"block_height"`
	NumBlocks       int        `json:"num_blocks"`
	NumPixels       int64      `json:"num_pixels"`
	PixelResolution int        `json:"pixel_resolution"`
	Bands           []BandInfo `json:"bands"`
}

// CompressionMode returns the compression name, "none" when null.
func (m *Metadata) CompressionMode() string {
	if m.Compression == nil {
		return "none"
	}
	return *m.Compression
}

// Band returns the band named name and its index.
func (m *Metadata) Band(name string) (BandInfo, int, bool) {
	for i, b := range m.Bands {
		if b.Name == name {
			return b, i, true
		}
	}
	return BandInfo{}, -1, false
}

// Marshal encodes the metadata as the JSON string stored at cell 0.
func (m *Metadata) Marshal() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

// ParseMetadata decodes metadata JSON, rejecting documents that miss a
// required key or carry an unusable value.
func ParseMetadata(data []byte) (*Metadata, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRaquet, err)
	}
	if missing := missingKeys(raw, requiredKeys); len(missing) > 0 {
		return nil, fmt.Errorf("%w: metadata missing %s", ErrNotRaquet, strings.Join(missing, ", "))
	}

	var rawBands []map[string]json.RawMessage
	if err := json.Unmarshal(raw["bands"], &rawBands); err != nil {
		return nil, fmt.Errorf("%w: bands: %v", ErrNotRaquet, err)
	}
	for i, b := range rawBands {
		if missing := missingKeys(b, requiredBandKeys); len(missing) > 0 {
			return nil, fmt.Errorf("%w: band %d missing %s", ErrNotRaquet, i+1, strings.Join(missing, ", "))
		}
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRaquet, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metadata) validate() error {
	if m.BlockWidth <= 0 || m.BlockHeight <= 0 {
		return fmt.Errorf("%w: invalid block size %dx%d", ErrNotRaquet, m.BlockWidth, m.BlockHeight)
	}
	if m.MinResolution > m.MaxResolution {
		return fmt.Errorf("%w: minresolution %d above maxresolution %d", ErrNotRaquet, m.MinResolution, m.MaxResolution)
	}
	if c := m.CompressionMode(); c != "gzip" && c != "none" {
		return fmt.Errorf("%w: unknown compression %q", ErrNotRaquet, c)
	}
	for _, b := range m.Bands {
		if _, err := b.DType(); err != nil {
			return fmt.Errorf("%w: band %s: %v", ErrNotRaquet, b.Name, err)
		}
	}
	return nil
}

func missingKeys(obj map[string]json.RawMessage, keys []string) []string {
	var missing []string
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// ColorTableJSON converts a raster palette to its metadata form.
func ColorTableJSON(ct map[int][4]uint8) map[string][4]int {
	if len(ct) == 0 {
		return nil
	}
	out := make(map[string][4]int, len(ct))
	for k, c := range ct {
		out[strconv.Itoa(k)] = [4]int{int(c[0]), int(c[1]), int(c[2]), int(c[3])}
	}
	return out
}

// ColorTableRaster is the inverse of ColorTableJSON. Entries with a
// non-numeric key are ignored.
func ColorTableRaster(ct map[string][4]int) map[int][4]uint8 {
	if len(ct) == 0 {
		return nil
	}
	out := make(map[int][4]uint8, len(ct))
	for k, c := range ct {
		i, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out[i] = [4]uint8{uint8(c[0]), uint8(c[1]), uint8(c[2]), uint8(c[3])}
	}
	return out
}

// Package geotiff reads and writes the georeferenced TIFF files used as the
// raster input and output of the codec.
//
// The reader handles classic (non-BigTIFF) files in either byte order with
// strip or tile layout, chunky or planar samples, and no, LZW or deflate
// compression with an optional horizontal predictor. Georeferencing comes from
// ModelPixelScale plus ModelTiepoint or from ModelTransformation, the CRS from
// the GeoKey directory and nodata from the GDAL_NODATA tag.
//
// The writer produces uncompressed little-endian planar files carrying the
// same tags.
package geotiff

import (
	"encoding/binary"
	"errors"
	"math"
)

var ErrUnsupported = errors.New("unsupported tiff layout")

const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfig        = 284
	tagPredictor           = 317
	tagColorMap            = 320
	tagTileWidth           = 322
	tagTileLength          = 323
	tagTileOffsets         = 324
	tagTileByteCounts      = 325
	tagExtraSamples        = 338
	tagSampleFormat        = 339
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGDALNodata          = 42113
)

const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	planarChunky           = 1
	planarSeparate         = 2
	photometricWhiteIsZero = 0
	photometricBlackIsZero = 1
	photometricRGB         = 2
	photometricPalette     = 3
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatFloat      = 3
)

const (
	geoKeyModelType      = 1024
	geoKeyRasterType     = 1025
	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072

	modelTypeProjected  = 1
	modelTypeGeographic = 2
	rasterPixelIsArea   = 1
	rasterPixelIsPoint  = 2
	userDefined         = 32767
)

// field types
const (
	typeByte      = 1
	typeASCII     = 2
	typeShort     = 3
	typeLong      = 4
	typeRational  = 5
	typeSByte     = 6
	typeUndefined = 7
	typeSShort    = 8
	typeSLong     = 9
	typeSRational = 10
	typeFloat     = 11
	typeDouble    = 12
)

var typeSizes = map[uint16]int{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRational: 8,
	typeSByte: 1, typeUndefined: 1, typeSShort: 2, typeSLong: 4, typeSRational: 8,
	typeFloat: 4, typeDouble: 8,
}

// field is one decoded IFD entry with its raw value bytes.
type field struct {
	typ   uint16
	count uint32
	data  []byte
	order binary.ByteOrder
}

func (f field) uints() []uint64 {
	out := make([]uint64, 0, f.count)
	for i := 0; i < int(f.count); i++ {
		switch f.typ {
		case typeByte, typeUndefined, typeSByte:
			out = append(out, uint64(f.data[i]))
		case typeShort, typeSShort:
			out = append(out, uint64(f.order.Uint16(f.data[i*2:])))
		case typeLong, typeSLong:
			out = append(out, uint64(f.order.Uint32(f.data[i*4:])))
		default:
			return out
		}
	}
	return out
}

func (f field) uint() uint64 {
	if v := f.uints(); len(v) > 0 {
		return v[0]
	}
	return 0
}

func (f field) floats() []float64 {
	out := make([]float64, 0, f.count)
	for i := 0; i < int(f.count); i++ {
		switch f.typ {
		case typeDouble:
			out = append(out, math.Float64frombits(f.order.Uint64(f.data[i*8:])))
		case typeFloat:
			out = append(out, float64(math.Float32frombits(f.order.Uint32(f.data[i*4:]))))
		case typeRational:
			num, den := f.order.Uint32(f.data[i*8:]), f.order.Uint32(f.data[i*8+4:])
			out = append(out, float64(num)/float64(den))
		default:
			for _, v := range f.uints() {
				out = append(out, float64(v))
			}
			return out
		}
	}
	return out
}

func (f field) ascii() string {
	s := string(f.data)
	for len(s) > 0 && (s[len(s)-1] == 0 || s[len(s)-1] == ' ') {
		s = s[:len(s)-1]
	}
	return s
}

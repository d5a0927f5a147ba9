package geotiff

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/ssargent/raquet/pkg/raster"
)

const stripTargetBytes = 1 << 16

// Writer implements raster.Writer for GeoTIFF files.
type Writer struct{}

// Write stores g at path, replacing any existing file.
func (Writer) Write(ctx context.Context, path string, g *raster.Grid) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create raster: %w", err)
	}
	if err := Encode(f, g); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shorts(tag uint16, v ...uint16) entry {
	data := make([]byte, 2*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint16(data[i*2:], x)
	}
	return entry{tag: tag, typ: typeShort, count: uint32(len(v)), data: data}
}

func longs(tag uint16, v ...uint32) entry {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[i*4:], x)
	}
	return entry{tag: tag, typ: typeLong, count: uint32(len(v)), data: data}
}

func doubles(tag uint16, v ...float64) entry {
	data := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(x))
	}
	return entry{tag: tag, typ: typeDouble, count: uint32(len(v)), data: data}
}

func ascii(tag uint16, s string) entry {
	data := append([]byte(s), 0)
	return entry{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data}
}

// Encode writes g as an uncompressed little-endian planar TIFF.
func Encode(w io.Writer, g *raster.Grid) error {
	if err := g.Validate(); err != nil {
		return err
	}
	esize := g.DType.Size()
	bands := len(g.Bands)
	rowBytes := g.Width * esize

	rowsPerStrip := max(1, min(g.Height, stripTargetBytes/max(rowBytes, 1)))
	stripsPerBand := (g.Height + rowsPerStrip - 1) / rowsPerStrip
	stripCount := stripsPerBand * bands

	counts := make([]uint32, stripCount)
	for b := 0; b < bands; b++ {
		for s := 0; s < stripsPerBand; s++ {
			rows := min(rowsPerStrip, g.Height-s*rowsPerStrip)
			counts[b*stripsPerBand+s] = uint32(rows * rowBytes)
		}
	}

	bits := make([]uint16, bands)
	formats := make([]uint16, bands)
	for i := range bits {
		bits[i] = uint16(esize * 8)
		formats[i] = sampleFormat(g.DType)
	}

	photometric, extra := photometricFor(g)
	entries := []entry{
		longs(tagImageWidth, uint32(g.Width)),
		longs(tagImageLength, uint32(g.Height)),
		shorts(tagBitsPerSample, bits...),
		shorts(tagCompression, compressionNone),
		shorts(tagPhotometric, photometric),
		longs(tagStripOffsets, make([]uint32, stripCount)...),
		shorts(tagSamplesPerPixel, uint16(bands)),
		longs(tagRowsPerStrip, uint32(rowsPerStrip)),
		longs(tagStripByteCounts, counts...),
		shorts(tagPlanarConfig, planarSeparate),
		shorts(tagSampleFormat, formats...),
	}
	if photometric == photometricPalette {
		entries = append(entries, colorMap(g))
	}
	if len(extra) > 0 {
		entries = append(entries, shorts(tagExtraSamples, extra...))
	}
	entries = append(entries, geoEntries(g)...)
	if g.Nodata != nil {
		entries = append(entries, ascii(tagGDALNodata, g.NodataString()))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// header, IFD, out-of-line values, pixel data
	offset := uint32(8 + 2 + 12*len(entries) + 4)
	valueOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		if len(e.data) > 4 {
			valueOffsets[i] = offset
			offset += uint32(len(e.data) + len(e.data)%2)
		}
	}
	for i, e := range entries {
		if e.tag == tagStripOffsets {
			pos := offset
			for s := 0; s < stripCount; s++ {
				binary.LittleEndian.PutUint32(entries[i].data[s*4:], pos)
				pos += counts[s]
			}
		}
	}

	bw := bufio.NewWriter(w)
	header := []byte{'I', 'I', 42, 0, 8, 0, 0, 0}
	if _, err := bw.Write(header); err != nil {
		return err
	}

	buf := make([]byte, 12)
	binary.LittleEndian.PutUint16(buf, uint16(len(entries)))
	if _, err := bw.Write(buf[:2]); err != nil {
		return err
	}
	for i, e := range entries {
		clear(buf)
		binary.LittleEndian.PutUint16(buf, e.tag)
		binary.LittleEndian.PutUint16(buf[2:], e.typ)
		binary.LittleEndian.PutUint32(buf[4:], e.count)
		if len(e.data) > 4 {
			binary.LittleEndian.PutUint32(buf[8:], valueOffsets[i])
		} else {
			copy(buf[8:], e.data)
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	for _, e := range entries {
		if len(e.data) <= 4 {
			continue
		}
		if _, err := bw.Write(e.data); err != nil {
			return err
		}
		if len(e.data)%2 == 1 {
			if err := bw.WriteByte(0); err != nil {
				return err
			}
		}
	}

	for _, band := range g.Bands {
		if _, err := bw.Write(band.Data); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func sampleFormat(d raster.DType) uint16 {
	switch {
	case d.IsFloat():
		return sampleFormatFloat
	case d == raster.Int8 || d == raster.Int16 || d == raster.Int32 || d == raster.Int64:
		return sampleFormatInt
	}
	return sampleFormatUint
}

func photometricFor(g *raster.Grid) (uint16, []uint16) {
	bands := len(g.Bands)
	if bands == 1 && g.Bands[0].ColorTable != nil && (g.DType == raster.Uint8 || g.DType == raster.Uint16) {
		return photometricPalette, nil
	}
	if bands >= 3 && g.Bands[0].ColorInterp == "red" && g.Bands[1].ColorInterp == "green" && g.Bands[2].ColorInterp == "blue" {
		return photometricRGB, extraSamples(g.Bands[3:])
	}
	return photometricBlackIsZero, extraSamples(g.Bands[1:])
}

func extraSamples(bands []raster.Band) []uint16 {
	if len(bands) == 0 {
		return nil
	}
	out := make([]uint16, len(bands))
	for i, b := range bands {
		if b.ColorInterp == "alpha" {
			out[i] = 2
		}
	}
	return out
}

func colorMap(g *raster.Grid) entry {
	n := 1 << (g.DType.Size() * 8)
	cm := make([]uint16, 3*n)
	for i, c := range g.Bands[0].ColorTable {
		if i < 0 || i >= n {
			continue
		}
		cm[i] = uint16(c[0]) * 257
		cm[n+i] = uint16(c[1]) * 257
		cm[2*n+i] = uint16(c[2]) * 257
	}
	return shorts(tagColorMap, cm...)
}

func geoEntries(g *raster.Grid) []entry {
	var out []entry
	t := g.Transform
	if t.B == 0 && t.D == 0 {
		out = append(out,
			doubles(tagModelPixelScale, t.A, -t.E, 0),
			doubles(tagModelTiepoint, 0, 0, 0, t.C, t.F, 0),
		)
	} else {
		out = append(out, doubles(tagModelTransformation,
			t.A, t.B, 0, t.C,
			t.D, t.E, 0, t.F,
			0, 0, 0, 0,
			0, 0, 0, 1,
		))
	}

	keys := [][4]uint16{{geoKeyRasterType, 0, 1, rasterPixelIsArea}}
	if code, ok := epsgCode(g.CRS); ok {
		if code == 4326 {
			keys = append(keys,
				[4]uint16{geoKeyModelType, 0, 1, modelTypeGeographic},
				[4]uint16{geoKeyGeographicType, 0, 1, uint16(code)})
		} else {
			keys = append(keys,
				[4]uint16{geoKeyModelType, 0, 1, modelTypeProjected},
				[4]uint16{geoKeyProjectedType, 0, 1, uint16(code)})
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i][0] < keys[j][0] })

	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	return append(out, shorts(tagGeoKeyDirectory, dir...))
}

func epsgCode(crs string) (int, bool) {
	code, found := strings.CutPrefix(strings.ToUpper(crs), "EPSG:")
	if !found {
		return 0, false
	}
	v, err := strconv.Atoi(code)
	if err != nil || v <= 0 || v >= userDefined {
		return 0, false
	}
	return v, true
}

package geotiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"

	"github.com/ssargent/raquet/pkg/raster"
)

// Reader implements raster.Opener for GeoTIFF files.
type Reader struct{}

// Open reads the first image of the file at path.
func (Reader) Open(ctx context.Context, path string) (*raster.Grid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open raster: %w", err)
	}
	defer f.Close()

	g, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

type decoder struct {
	r     io.ReaderAt
	order binary.ByteOrder
	ifd   map[uint16]field

	width, height int
	spp           int
	dtype         raster.DType
	planar        int
	compression   int
	predictor     int
}

// Decode reads the first image of a TIFF stream.
func Decode(r io.ReaderAt) (*raster.Grid, error) {
	d := &decoder{r: r}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	if err := d.readLayout(); err != nil {
		return nil, err
	}

	g := raster.NewGrid(d.width, d.height, d.spp, d.dtype)
	if err := d.readPixels(g); err != nil {
		return nil, err
	}
	if err := d.readGeo(g); err != nil {
		return nil, err
	}
	d.readBandInfo(g)
	return g, nil
}

func (d *decoder) readHeader() error {
	head := make([]byte, 8)
	if _, err := d.r.ReadAt(head, 0); err != nil {
		return fmt.Errorf("read tiff header: %w", err)
	}
	switch string(head[:2]) {
	case "II":
		d.order = binary.LittleEndian
	case "MM":
		d.order = binary.BigEndian
	default:
		return fmt.Errorf("%w: not a tiff file", ErrUnsupported)
	}
	switch magic := d.order.Uint16(head[2:]); magic {
	case 42:
	case 43:
		return fmt.Errorf("%w: bigtiff", ErrUnsupported)
	default:
		return fmt.Errorf("%w: bad magic %d", ErrUnsupported, magic)
	}

	offset := int64(d.order.Uint32(head[4:]))
	countBuf := make([]byte, 2)
	if _, err := d.r.ReadAt(countBuf, offset); err != nil {
		return fmt.Errorf("read ifd: %w", err)
	}
	n := int(d.order.Uint16(countBuf))
	entries := make([]byte, n*12)
	if _, err := d.r.ReadAt(entries, offset+2); err != nil {
		return fmt.Errorf("read ifd entries: %w", err)
	}

	d.ifd = make(map[uint16]field, n)
	for i := 0; i < n; i++ {
		e := entries[i*12 : (i+1)*12]
		tag := d.order.Uint16(e)
		typ := d.order.Uint16(e[2:])
		count := d.order.Uint32(e[4:])
		size, ok := typeSizes[typ]
		if !ok {
			continue
		}
		total := size * int(count)
		var data []byte
		if total <= 4 {
			data = append([]byte(nil), e[8:8+total]...)
		} else {
			data = make([]byte, total)
			if _, err := d.r.ReadAt(data, int64(d.order.Uint32(e[8:]))); err != nil {
				return fmt.Errorf("read tag %d: %w", tag, err)
			}
		}
		d.ifd[tag] = field{typ: typ, count: count, data: data, order: d.order}
	}
	return nil
}

func (d *decoder) uintTag(tag uint16, def uint64) uint64 {
	if f, ok := d.ifd[tag]; ok {
		return f.uint()
	}
	return def
}

func (d *decoder) readLayout() error {
	d.width = int(d.uintTag(tagImageWidth, 0))
	d.height = int(d.uintTag(tagImageLength, 0))
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("%w: image size %dx%d", ErrUnsupported, d.width, d.height)
	}
	d.spp = int(d.uintTag(tagSamplesPerPixel, 1))
	d.planar = int(d.uintTag(tagPlanarConfig, planarChunky))
	d.compression = int(d.uintTag(tagCompression, compressionNone))
	d.predictor = int(d.uintTag(tagPredictor, predictorNone))

	bits := []uint64{1}
	if f, ok := d.ifd[tagBitsPerSample]; ok {
		bits = f.uints()
	}
	formats := []uint64{sampleFormatUint}
	if f, ok := d.ifd[tagSampleFormat]; ok {
		formats = f.uints()
	}
	for _, b := range bits {
		if b != bits[0] {
			return fmt.Errorf("%w: mixed bits per sample", ErrUnsupported)
		}
	}

	dtype, err := sampleType(int(bits[0]), int(formats[0]))
	if err != nil {
		return err
	}
	d.dtype = dtype

	switch d.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("%w: compression %d", ErrUnsupported, d.compression)
	}
	if d.predictor != predictorNone && (d.predictor != predictorHorizontal || d.dtype.IsFloat()) {
		return fmt.Errorf("%w: predictor %d for %s", ErrUnsupported, d.predictor, d.dtype)
	}
	if d.planar != planarChunky && d.planar != planarSeparate {
		return fmt.Errorf("%w: planar configuration %d", ErrUnsupported, d.planar)
	}
	return nil
}

func sampleType(bits, format int) (raster.DType, error) {
	switch format {
	case sampleFormatUint:
		switch bits {
		case 8:
			return raster.Uint8, nil
		case 16:
			return raster.Uint16, nil
		case 32:
			return raster.Uint32, nil
		case 64:
			return raster.Uint64, nil
		}
	case sampleFormatInt:
		switch bits {
		case 8:
			return raster.Int8, nil
		case 16:
			return raster.Int16, nil
		case 32:
			return raster.Int32, nil
		case 64:
			return raster.Int64, nil
		}
	case sampleFormatFloat:
		switch bits {
		case 32:
			return raster.Float32, nil
		case 64:
			return raster.Float64, nil
		}
	}
	return 0, fmt.Errorf("%w: %d-bit samples with format %d", raster.ErrUnsupportedDType, bits, format)
}

// chunkLayout describes the strips or tiles of the image.
type chunkLayout struct {
	width, height int
	across, down  int
	offsets       []uint64
	counts        []uint64
}

func (d *decoder) chunks() (chunkLayout, error) {
	var c chunkLayout
	if _, tiled := d.ifd[tagTileWidth]; tiled {
		c.width = int(d.uintTag(tagTileWidth, 0))
		c.height = int(d.uintTag(tagTileLength, 0))
		c.offsets = d.ifd[tagTileOffsets].uints()
		c.counts = d.ifd[tagTileByteCounts].uints()
	} else {
		c.width = d.width
		c.height = int(d.uintTag(tagRowsPerStrip, uint64(d.height)))
		if c.height > d.height || c.height <= 0 {
			c.height = d.height
		}
		c.offsets = d.ifd[tagStripOffsets].uints()
		c.counts = d.ifd[tagStripByteCounts].uints()
	}
	if c.width <= 0 || c.height <= 0 {
		return c, fmt.Errorf("%w: chunk size %dx%d", ErrUnsupported, c.width, c.height)
	}
	c.across = (d.width + c.width - 1) / c.width
	c.down = (d.height + c.height - 1) / c.height

	want := c.across * c.down
	if d.planar == planarSeparate {
		want *= d.spp
	}
	if len(c.offsets) < want || len(c.counts) < want {
		return c, fmt.Errorf("%w: %d chunks listed, %d needed", ErrUnsupported, len(c.offsets), want)
	}
	return c, nil
}

func (d *decoder) readPixels(g *raster.Grid) error {
	layout, err := d.chunks()
	if err != nil {
		return err
	}
	esize := d.dtype.Size()
	perPlane := layout.across * layout.down
	planes := 1
	samples := d.spp
	if d.planar == planarSeparate {
		planes = d.spp
		samples = 1
	}

	for plane := 0; plane < planes; plane++ {
		for ci := 0; ci < perPlane; ci++ {
			idx := plane*perPlane + ci
			cx, cy := ci%layout.across, ci/layout.across
			x0, y0 := cx*layout.width, cy*layout.height
			rows := layout.height
			if _, tiled := d.ifd[tagTileWidth]; !tiled && y0+rows > d.height {
				rows = d.height - y0
			}

			want := layout.width * rows * samples * esize
			chunk, err := d.readChunk(layout.offsets[idx], layout.counts[idx], want)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", idx, err)
			}
			d.toLittleEndian(chunk)
			if d.predictor == predictorHorizontal {
				undoPredictor(chunk, layout.width, rows, samples, esize)
			}

			for r := 0; r < rows && y0+r < d.height; r++ {
				for c := 0; c < layout.width && x0+c < d.width; c++ {
					src := ((r*layout.width + c) * samples) * esize
					dst := ((y0+r)*d.width + x0 + c) * esize
					for s := 0; s < samples; s++ {
						band := s
						if planes > 1 {
							band = plane
						}
						copy(g.Bands[band].Data[dst:dst+esize], chunk[src+s*esize:src+(s+1)*esize])
					}
				}
			}
		}
	}
	return nil
}

func (d *decoder) readChunk(offset, count uint64, want int) ([]byte, error) {
	raw := make([]byte, count)
	if _, err := d.r.ReadAt(raw, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}

	var out []byte
	switch d.compression {
	case compressionNone:
		out = raw
	case compressionLZW:
		rc := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil && len(data) < want {
			return nil, fmt.Errorf("lzw: %w", err)
		}
		out = data
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		data, err := io.ReadAll(zr)
		if err != nil && len(data) < want {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		out = data
	}
	if len(out) < want {
		return nil, fmt.Errorf("%w: chunk has %d bytes, want %d", ErrUnsupported, len(out), want)
	}
	return out[:want], nil
}

func (d *decoder) toLittleEndian(data []byte) {
	if d.order == binary.LittleEndian {
		return
	}
	size := d.dtype.Size()
	if size == 1 {
		return
	}
	for i := 0; i+size <= len(data); i += size {
		for a, b := i, i+size-1; a < b; a, b = a+1, b-1 {
			data[a], data[b] = data[b], data[a]
		}
	}
}

// undoPredictor reverses horizontal differencing on little-endian integer samples.
func undoPredictor(data []byte, width, rows, samples, esize int) {
	stride := samples * esize
	for r := 0; r < rows; r++ {
		row := data[r*width*stride : (r+1)*width*stride]
		for i := stride; i < len(row); i += esize {
			prev := i - stride
			switch esize {
			case 1:
				row[i] += row[prev]
			case 2:
				binary.LittleEndian.PutUint16(row[i:], binary.LittleEndian.Uint16(row[i:])+binary.LittleEndian.Uint16(row[prev:]))
			case 4:
				binary.LittleEndian.PutUint32(row[i:], binary.LittleEndian.Uint32(row[i:])+binary.LittleEndian.Uint32(row[prev:]))
			case 8:
				binary.LittleEndian.PutUint64(row[i:], binary.LittleEndian.Uint64(row[i:])+binary.LittleEndian.Uint64(row[prev:]))
			}
		}
	}
}

func (d *decoder) readGeo(g *raster.Grid) error {
	keys := d.geoKeys()
	pixelIsPoint := keys[geoKeyRasterType] == rasterPixelIsPoint

	if f, ok := d.ifd[tagModelTransformation]; ok {
		m := f.floats()
		if len(m) < 8 {
			return fmt.Errorf("%w: short model transformation", ErrUnsupported)
		}
		g.Transform = raster.Affine{A: m[0], B: m[1], C: m[3], D: m[4], E: m[5], F: m[7]}
	} else {
		scale, sok := d.ifd[tagModelPixelScale]
		tie, tok := d.ifd[tagModelTiepoint]
		if !sok || !tok {
			g.Transform = raster.NorthUp(0, 0, 1, 1)
		} else {
			s := scale.floats()
			tp := tie.floats()
			if len(s) < 2 || len(tp) < 6 {
				return fmt.Errorf("%w: short georeferencing tags", ErrUnsupported)
			}
			g.Transform = raster.Affine{
				A: s[0], C: tp[3] - tp[0]*s[0],
				E: -s[1], F: tp[4] + tp[1]*s[1],
			}
		}
	}
	if pixelIsPoint {
		g.Transform.C -= (g.Transform.A + g.Transform.B) / 2
		g.Transform.F -= (g.Transform.D + g.Transform.E) / 2
	}

	switch {
	case keys[geoKeyProjectedType] != 0 && keys[geoKeyProjectedType] != userDefined:
		g.CRS = "EPSG:" + strconv.Itoa(keys[geoKeyProjectedType])
	case keys[geoKeyGeographicType] != 0 && keys[geoKeyGeographicType] != userDefined:
		g.CRS = "EPSG:" + strconv.Itoa(keys[geoKeyGeographicType])
	case keys[geoKeyModelType] == modelTypeGeographic:
		g.CRS = raster.EPSG4326
	}

	if f, ok := d.ifd[tagGDALNodata]; ok {
		text := strings.TrimSpace(f.ascii())
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("invalid GDAL_NODATA %q: %w", text, err)
		}
		g.Nodata = &v
		g.NodataText = text
	}
	return nil
}

// geoKeys returns the short-valued keys of the GeoKey directory.
func (d *decoder) geoKeys() map[int]int {
	keys := map[int]int{}
	f, ok := d.ifd[tagGeoKeyDirectory]
	if !ok {
		return keys
	}
	dir := f.uints()
	if len(dir) < 4 {
		return keys
	}
	n := int(dir[3])
	for i := 0; i < n && 4+i*4+3 < len(dir); i++ {
		e := dir[4+i*4 : 4+i*4+4]
		if e[1] != 0 {
			continue
		}
		keys[int(e[0])] = int(e[3])
	}
	return keys
}

func (d *decoder) readBandInfo(g *raster.Grid) {
	photometric := int(d.uintTag(tagPhotometric, photometricBlackIsZero))
	extra := map[int]uint64{}
	if f, ok := d.ifd[tagExtraSamples]; ok {
		for i, v := range f.uints() {
			extra[d.spp-int(f.count)+i] = v
		}
	}

	for i := range g.Bands {
		switch {
		case photometric == photometricRGB && i < 3:
			g.Bands[i].ColorInterp = [...]string{"red", "green", "blue"}[i]
		case photometric == photometricPalette && i == 0:
			g.Bands[i].ColorInterp = "palette"
			g.Bands[i].ColorTable = d.colorTable()
		case extra[i] == 1 || extra[i] == 2:
			g.Bands[i].ColorInterp = "alpha"
		case (photometric == photometricBlackIsZero || photometric == photometricWhiteIsZero) && i == 0:
			g.Bands[i].ColorInterp = "gray"
		default:
			g.Bands[i].ColorInterp = "undefined"
		}
	}
}

func (d *decoder) colorTable() map[int][4]uint8 {
	f, ok := d.ifd[tagColorMap]
	if !ok {
		return nil
	}
	cm := f.uints()
	n := len(cm) / 3
	ct := make(map[int][4]uint8, n)
	for i := 0; i < n; i++ {
		ct[i] = [4]uint8{uint8(cm[i] >> 8), uint8(cm[n+i] >> 8), uint8(cm[2*n+i] >> 8), 255}
	}
	return ct
}

package imageserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/cellindex"
	"github.com/ssargent/raquet/pkg/encoder"
	"github.com/ssargent/raquet/pkg/geotiff"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/tiling"
)

const servicePath = "/arcgis/rest/services/Test/ImageServer"

var paris = tiling.NewTile(518, 352, 10)

type recorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func newTestClient(t *testing.T, h http.Handler) (*Client, *recorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rec := &recorder{}
	return NewClient(srv.URL+servicePath, DefaultConfig(), WithSleeper(rec.sleep)), rec
}

func tileImage(t *testing.T, tile tiling.Tile, size int) (*raster.Grid, []byte) {
	t.Helper()
	g := raster.NewGrid(size, size, 1, raster.Uint8)
	g.CRS = raster.EPSG3857
	b := tile.MercatorBound()
	px := tiling.PixelSize(tile.Z, size)
	g.Transform = raster.NorthUp(b.Min[0], b.Max[1], px, px)
	for r := 0; r < size; r++ {
		for c := 0; c < size; c++ {
			g.Set(0, c, r, float64((r*3+c)%200+1))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, geotiff.Encode(&buf, g))
	return g, buf.Bytes()
}

func serviceJSON(t *testing.T, tile tiling.Tile, size int) []byte {
	t.Helper()
	b := tile.MercatorBound()
	px := tiling.PixelSize(tile.Z, size)
	info := ServiceInfo{
		Name:             "Test",
		Extent:           Extent{XMin: b.Min[0], YMin: b.Min[1], XMax: b.Max[0], YMax: b.Max[1]},
		PixelSizeX:       px,
		PixelSizeY:       px,
		BandCount:        1,
		PixelType:        "U8",
		SpatialReference: &SpatialReference{WKID: 102100, LatestWKID: 3857},
	}
	data, err := json.Marshal(info)
	require.NoError(t, err)
	return data
}

// inset shrinks a longitude/latitude bound so it stays inside one tile.
func inset(b orb.Bound) *orb.Bound {
	const eps = 1e-6
	out := orb.Bound{
		Min: orb.Point{b.Min[0] + eps, b.Min[1] + eps},
		Max: orb.Point{b.Max[0] - eps, b.Max[1] - eps},
	}
	return &out
}

func TestClient_NotFoundIsNotRetried(t *testing.T) {
	var calls int
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.NotFound(w, r)
	}))

	_, err := c.Info(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestRetryable(t *testing.T) {
	wrap := func(err error) error { return &url.Error{Op: "Get", URL: "http://example.com", Err: err} }
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"503", &statusError{code: http.StatusServiceUnavailable}, true},
		{"timeout", wrap(timeoutError{}), true},
		{"connection refused", wrap(&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}), true},
		{"connection reset", wrap(&net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}), true},
		{"closed mid response", wrap(io.ErrUnexpectedEOF), true},
		{"unsupported scheme", wrap(errors.New(`unsupported protocol scheme "ftp"`)), false},
		{"certificate", wrap(&tls.CertificateVerificationError{Err: errors.New("unknown authority")}), false},
		{"redirects", wrap(errors.New("stopped after 10 redirects")), false},
		{"not found", ErrNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestClient_UnsupportedSchemeIsNotRetried(t *testing.T) {
	rec := &recorder{}
	c := NewClient("ftp://example.com"+servicePath, DefaultConfig(), WithSleeper(rec.sleep))

	_, err := c.Info(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Empty(t, rec.delays)
}

func TestClient_ConnectionRefusedIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	rec := &recorder{}
	c := NewClient(addr+servicePath, DefaultConfig(), WithSleeper(rec.sleep))

	_, err := c.Info(context.Background())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Len(t, rec.delays, 2)
}

func TestClient_FatalStatuses(t *testing.T) {
	tests := []struct {
		status int
		err    error
	}{
		{http.StatusUnauthorized, ErrAuthRequired},
		{http.StatusForbidden, ErrAccessDenied},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls int
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
			}))
			_, err := c.Info(context.Background())
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestClient_ServiceUnavailableIsRetried(t *testing.T) {
	var calls int
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.Info(context.Background())
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, 3, calls)
	require.Len(t, rec.delays, 2)
	assert.Greater(t, rec.delays[1], rec.delays[0])
}

func TestClient_RetryAfter(t *testing.T) {
	var calls int
	c, rec := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(serviceJSON(t, paris, 256))
	}))

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, info.BandCount)
	assert.Equal(t, []time.Duration{7 * time.Second}, rec.delays)
}

func TestClient_ErrorEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":403,"message":"You do not have permissions"}}`))
	}))

	_, err := c.Info(context.Background())
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestClient_CanceledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(srv.URL, DefaultConfig(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}))

	_, err := c.Info(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyWKID(t *testing.T) {
	tests := []struct {
		wkid int
		want CRSKind
	}{
		{0, CRSUnknown},
		{4326, CRSGeographic},
		{4269, CRSGeographic},
		{3857, CRSWebMercator},
		{102100, CRSWebMercator},
		{102113, CRSWebMercator},
		{900913, CRSWebMercator},
		{3785, CRSWebMercator},
		{32633, CRSProjected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyWKID(tt.wkid), "wkid %d", tt.wkid)
	}
}

func TestServiceInfo_MetersPerPixel(t *testing.T) {
	geo := &ServiceInfo{PixelSizeX: 0.001, PixelSizeY: 0.001, SpatialReference: &SpatialReference{WKID: 4326}}
	equator := orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{1, 1}}
	north := orb.Bound{Min: orb.Point{-1, 59}, Max: orb.Point{1, 61}}

	assert.InDelta(t, 111.319, geo.MetersPerPixel(equator), 0.01)
	assert.InDelta(t, 55.66, geo.MetersPerPixel(north), 0.01)

	merc := &ServiceInfo{PixelSizeX: 30, PixelSizeY: 30, SpatialReference: &SpatialReference{WKID: 102100}}
	assert.Equal(t, 30.0, merc.MetersPerPixel(north))
}

func TestServiceInfo_DType(t *testing.T) {
	info := &ServiceInfo{PixelType: "F32"}
	dt, err := info.DType()
	require.NoError(t, err)
	assert.Equal(t, raster.Float32, dt)

	info.PixelType = "C64"
	_, err = info.DType()
	assert.ErrorIs(t, err, raster.ErrUnsupportedDType)
}

func TestClient_Encode(t *testing.T) {
	want, image := tileImage(t, paris, 256)
	var exports []string

	mux := http.NewServeMux()
	mux.HandleFunc(servicePath, func(w http.ResponseWriter, r *http.Request) {
		w.Write(serviceJSON(t, paris, 256))
	})
	mux.HandleFunc(servicePath+"/exportImage", func(w http.ResponseWriter, r *http.Request) {
		exports = append(exports, r.URL.RawQuery)
		w.Write(image)
	})
	c, _ := newTestClient(t, mux)

	res, err := c.Encode(context.Background(), inset(paris.Bound()), encoder.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 10, res.Zoom)
	assert.Equal(t, 1, res.Blocks)
	assert.Zero(t, res.MissingRemote)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, exports, 1)
	q := exports[0]
	assert.Contains(t, q, "bboxSR=3857")
	assert.Contains(t, q, "size=256%2C256")
	assert.Contains(t, q, "f=image")

	rows := res.Table.DataRows()
	require.Len(t, rows, 1)
	cell, err := cellindex.Default.Encode(paris)
	require.NoError(t, err)
	assert.Equal(t, cell, rows[0].Block)

	data, err := block.Decompress(rows[0].Bands[0], block.Gzip, 256*256)
	require.NoError(t, err)
	assert.Equal(t, want.Bands[0].Data, data)

	md := res.Metadata
	assert.Equal(t, 10, md.BlockResolution)
	assert.Equal(t, 1, md.NumBlocks)
	require.Len(t, md.Bands, 1)
	assert.Equal(t, "uint8", md.Bands[0].Type)
	require.NotNil(t, md.Bands[0].Stats)
	assert.Equal(t, 1.0, md.Bands[0].Stats.Min)
}

func TestClient_EncodeSkipsTinyResponses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(servicePath, func(w http.ResponseWriter, r *http.Request) {
		w.Write(serviceJSON(t, paris, 256))
	})
	mux.HandleFunc(servicePath+"/exportImage", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("empty"))
	})
	c, rec := newTestClient(t, mux)

	res, err := c.Encode(context.Background(), inset(paris.Bound()), encoder.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingRemote)
	assert.Zero(t, res.Blocks)
	assert.Empty(t, rec.delays)
	assert.Len(t, res.Table.Rows, 1)
}

func TestClient_EncodeAbortsOnFatalTile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(servicePath, func(w http.ResponseWriter, r *http.Request) {
		w.Write(serviceJSON(t, paris, 256))
	})
	mux.HandleFunc(servicePath+"/exportImage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	c, _ := newTestClient(t, mux)

	res, err := c.Encode(context.Background(), inset(paris.Bound()), encoder.DefaultOptions())
	assert.ErrorIs(t, err, ErrAuthRequired)
	assert.Nil(t, res)
}

func TestExportURL(t *testing.T) {
	c := NewClient("https://example.com/ImageServer/", DefaultConfig())
	u := c.ExportURL(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10.5, 20}}, 512)
	assert.True(t, strings.HasPrefix(u, "https://example.com/ImageServer/exportImage?"))
	assert.Contains(t, u, "bbox=0%2C0%2C10.5%2C20")
	assert.Contains(t, u, "size=512%2C512")
	assert.Contains(t, u, "interpolation=RSP_NearestNeighbor")
}

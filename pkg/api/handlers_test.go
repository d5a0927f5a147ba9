package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/raquet/pkg/encoder"
	"github.com/ssargent/raquet/pkg/raster"
	"github.com/ssargent/raquet/pkg/store"
	"github.com/ssargent/raquet/pkg/tiling"
	"github.com/ssargent/raquet/pkg/warp"
)

var testTile = tiling.NewTile(518, 352, 10)

// newTestTable encodes a two band raster covering testTile into a table
// file. The second band is all nodata.
func newTestTable(t *testing.T) *store.TableFile {
	t.Helper()
	ctx := context.Background()

	b := testTile.MercatorBound()
	px := tiling.PixelSize(10, 256)
	src := raster.NewGrid(256, 256, 2, raster.Uint16)
	src.CRS = raster.EPSG3857
	src.Transform = raster.NorthUp(b.Min[0], b.Max[1], px, px)
	nodata := 0.0
	src.Nodata = &nodata
	for r := 0; r < src.Height; r++ {
		for c := 0; c < src.Width; c++ {
			src.Set(0, c, r, float64(r+c+1))
		}
	}

	opts := encoder.DefaultOptions()
	opts.Reprojector = warp.New()
	enc, err := encoder.New(opts)
	require.NoError(t, err)
	res, err := enc.Encode(ctx, src)
	require.NoError(t, err)
	require.Equal(t, 1, res.Blocks)

	tf := store.NewTableFile(filepath.Join(t.TempDir(), "test"+store.Extension))
	require.NoError(t, tf.WriteTable(ctx, res.Table))
	t.Cleanup(func() { tf.Close() })
	return tf
}

func setupTestServer(t *testing.T, config ServerConfig) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	server, err := NewServer(context.Background(), newTestTable(t), config, metrics, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(NewRouter(server, metrics, reg))
	t.Cleanup(ts.Close)
	return ts
}

func scrape(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := get(t, ts.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func get(t *testing.T, url string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, data interface{}) APIResponse {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return APIResponse{Success: raw.Success, Error: raw.Error}
}

func blockURL(ts *httptest.Server, tile tiling.Tile, band string) string {
	u := fmt.Sprintf("%s/api/v1/blocks/%d/%d/%d", ts.URL, tile.Z, tile.X, tile.Y)
	if band != "" {
		u += "/" + band
	}
	return u
}

func TestServer_handleHealth(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{})

	resp := get(t, ts.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var data map[string]string
	out := decodeResponse(t, resp, &data)
	assert.True(t, out.Success)
	assert.Equal(t, "healthy", data["status"])
}

func TestServer_handleMetadata(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{})

	resp := get(t, ts.URL+"/api/v1/metadata", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var md struct {
		BlockWidth int `json:"block_width"`
		NumBlocks  int `json:"num_blocks"`
		Bands      []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"bands"`
	}
	decodeResponse(t, resp, &md)
	assert.Equal(t, 256, md.BlockWidth)
	assert.Equal(t, 1, md.NumBlocks)
	require.Len(t, md.Bands, 2)
	assert.Equal(t, "band_1", md.Bands[0].Name)
	assert.Equal(t, "uint16", md.Bands[0].Type)
}

func TestServer_handleBlock(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{})

	resp := get(t, blockURL(ts, testTile, ""), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var block BlockResponse
	decodeResponse(t, resp, &block)
	assert.Equal(t, testTile.X, block.X)
	assert.Equal(t, testTile.Y, block.Y)
	assert.Equal(t, testTile.Z, block.Z)
	require.Len(t, block.Bands, 2)
	assert.True(t, block.Bands[0].Available)
	assert.Greater(t, block.Bands[0].Bytes, 0)
	assert.False(t, block.Bands[1].Available)

	resp = get(t, blockURL(ts, tiling.NewTile(0, 0, 10), ""), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	text := scrape(t, ts)
	assert.Contains(t, text, `raquet_block_lookups_total{result="hit"} 1`)
	assert.Contains(t, text, `raquet_block_lookups_total{result="miss"} 1`)
}

func TestServer_handleBlockBand(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{})

	t.Run("decompressed band", func(t *testing.T) {
		resp := get(t, blockURL(ts, testTile, "band_1"), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "uint16", resp.Header.Get(HeaderDType))
		assert.Equal(t, "256", resp.Header.Get(HeaderBlockWidth))
		assert.Equal(t, "256", resp.Header.Get(HeaderBlockHeight))

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Len(t, body, 256*256*2)
		assert.Equal(t, 1.0, raster.Uint16.Value(body, 0))
		assert.Equal(t, 2.0, raster.Uint16.Value(body, 256))
		assert.Equal(t, 511.0, raster.Uint16.Value(body, 256*256-1))
	})

	t.Run("null band", func(t *testing.T) {
		resp := get(t, blockURL(ts, testTile, "band_2"), nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("unknown band", func(t *testing.T) {
		resp := get(t, blockURL(ts, testTile, "band_9"), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		out := decodeResponse(t, resp, nil)
		assert.Contains(t, out.Error, "band_9")
	})

	t.Run("missing tile", func(t *testing.T) {
		resp := get(t, blockURL(ts, tiling.NewTile(519, 352, 10), "band_1"), nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad coordinates", func(t *testing.T) {
		resp := get(t, ts.URL+"/api/v1/blocks/10/abc/352/band_1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = get(t, blockURL(ts, tiling.NewTile(5000, 0, 10), "band_1"), nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	text := scrape(t, ts)
	assert.Contains(t, text, "raquet_block_bytes_served_total 131072")
	assert.Contains(t, text, `raquet_block_lookups_total{result="null_band"} 1`)
}

func TestServer_APIKey(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{APIKey: "test-key"})

	resp := get(t, ts.URL+"/api/v1/health", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, ts.URL+"/api/v1/health", map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = get(t, ts.URL+"/api/v1/health", map[string]string{"X-API-Key": "test-key"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// metrics stay open for scraping
	text := scrape(t, ts)
	assert.Contains(t, text, `raquet_auth_requests_total{status="success"} 1`)
	assert.Contains(t, text, `raquet_auth_requests_total{status="error"} 1`)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t, ServerConfig{})
	get(t, blockURL(ts, testTile, "band_1"), nil)

	text := scrape(t, ts)
	assert.Contains(t, text, "raquet_http_requests_total")
	assert.Contains(t, text, `endpoint="/api/v1/blocks/{z}/{x}/{y}/{band}"`)
	assert.Contains(t, text, "raquet_table_blocks 1")
}

func TestNewServer_NotRaquet(t *testing.T) {
	tf := store.NewTableFile(filepath.Join(t.TempDir(), "empty"+store.Extension))
	_, err := NewServer(context.Background(), tf, ServerConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestStartServer_StopsOnCancel(t *testing.T) {
	tf := newTestTable(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := StartServer(ctx, tf, ServerConfig{Bind: "127.0.0.1", Port: 0}, nil)
	assert.NoError(t, err)
}

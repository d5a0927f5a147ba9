package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ssargent/raquet/pkg/block"
	"github.com/ssargent/raquet/pkg/cellindex"
	"github.com/ssargent/raquet/pkg/raquet"
	"github.com/ssargent/raquet/pkg/tiling"
)

// Response headers describing a raw block body.
const (
	HeaderDType       = "X-Raquet-Dtype"
	HeaderBlockWidth  = "X-Raquet-Block-Width"
	HeaderBlockHeight = "X-Raquet-Block-Height"
)

// Server holds the API server state
type Server struct {
	table   raquet.TableReader
	md      *raquet.Metadata
	index   cellindex.Index
	config  ServerConfig
	metrics *Metrics
	log     *slog.Logger
}

// NewServer loads the table metadata and returns a server over table.
func NewServer(ctx context.Context, table raquet.TableReader, config ServerConfig, metrics *Metrics, log *slog.Logger) (*Server, error) {
	md, err := raquet.LoadMetadata(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load table metadata: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	if metrics != nil {
		metrics.SetTableBlocks(md.NumBlocks)
	}
	return &Server{
		table:   table,
		md:      md,
		index:   cellindex.Default,
		config:  config,
		metrics: metrics,
		log:     log,
	}, nil
}

func (s *Server) recordLookup(result string) {
	if s.metrics != nil {
		s.metrics.RecordBlockLookup(result)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.metrics != nil {
		s.metrics.RecordHealthCheck(true)
	}
	sendSuccess(w, map[string]string{"status": "healthy"})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	sendSuccess(w, s.md)
}

// tileParams parses {z}/{x}/{y} and returns the tile's cell.
func (s *Server) tileParams(r *http.Request) (tiling.Tile, uint64, error) {
	var coords [3]int
	for i, name := range []string{"z", "x", "y"} {
		v, err := strconv.Atoi(chi.URLParam(r, name))
		if err != nil {
			return tiling.Tile{}, 0, fmt.Errorf("invalid %s: %q", name, chi.URLParam(r, name))
		}
		coords[i] = v
	}
	tile := tiling.NewTile(coords[1], coords[2], coords[0])
	cell, err := s.index.Encode(tile)
	if err != nil {
		return tiling.Tile{}, 0, err
	}
	return tile, cell, nil
}

// lookup returns the row at the requested tile, writing the error response
// itself when there is none.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (tiling.Tile, *raquet.Row, bool) {
	tile, cell, err := s.tileParams(r)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return tile, nil, false
	}
	row, err := s.table.GetRow(r.Context(), cell)
	if errors.Is(err, raquet.ErrRowNotFound) {
		s.recordLookup(lookupMiss)
		sendError(w, fmt.Sprintf("no block at %s", tile), http.StatusNotFound)
		return tile, nil, false
	}
	if err != nil {
		s.log.Error("block lookup failed", "tile", tile.String(), "error", err)
		sendError(w, "Failed to read block", http.StatusInternalServerError)
		return tile, nil, false
	}
	return tile, row, true
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	tile, row, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.recordLookup(lookupHit)

	resp := BlockResponse{Cell: row.Block, Z: tile.Z, X: tile.X, Y: tile.Y}
	for i, band := range s.md.Bands {
		var payload []byte
		if i < len(row.Bands) {
			payload = row.Bands[i]
		}
		resp.Bands = append(resp.Bands, BandAvailability{
			Name:      band.Name,
			Available: payload != nil,
			Bytes:     len(payload),
		})
	}
	sendSuccess(w, resp)
}

func (s *Server) handleBlockBand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "band")
	band, idx, found := s.md.Band(name)
	if !found {
		sendError(w, fmt.Sprintf("band %q not found", name), http.StatusNotFound)
		return
	}
	dtype, err := band.DType()
	if err != nil {
		sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tile, row, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if idx >= len(row.Bands) || row.Bands[idx] == nil {
		s.recordLookup(lookupNullBand)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.recordLookup(lookupHit)

	size := s.md.BlockWidth * s.md.BlockHeight * dtype.Size()
	data, err := block.Decompress(row.Bands[idx], block.Compression(s.md.CompressionMode()), size)
	if err != nil {
		s.log.Error("block decompress failed", "tile", tile.String(), "band", name, "error", err)
		sendError(w, "Failed to decompress block", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderDType, dtype.String())
	w.Header().Set(HeaderBlockWidth, strconv.Itoa(s.md.BlockWidth))
	w.Header().Set(HeaderBlockHeight, strconv.Itoa(s.md.BlockHeight))
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(data)
	if s.metrics != nil {
		s.metrics.RecordBlockBytes(n)
	}
}

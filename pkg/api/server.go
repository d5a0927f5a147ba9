// Package api serves the blocks of a tiled raster table over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssargent/raquet/pkg/raquet"
)

const shutdownTimeout = 10 * time.Second

// NewRouter wires the API routes, middleware and the metrics endpoint.
func NewRouter(server *Server, metrics *Metrics, gatherer prometheus.Gatherer) http.Handler {
	origins := server.config.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{HeaderDType, HeaderBlockWidth, HeaderBlockHeight},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Prometheus metrics endpoint (unprotected for scraping)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(metrics.InstrumentAuthMiddleware(apiKeyMiddleware(server.config.APIKey)))

		r.Get("/health", metrics.InstrumentHandler("GET", "/api/v1/health", server.handleHealth))
		r.Get("/metadata", metrics.InstrumentHandler("GET", "/api/v1/metadata", server.handleMetadata))
		r.Get("/blocks/{z}/{x}/{y}", metrics.InstrumentHandler("GET", "/api/v1/blocks/{z}/{x}/{y}", server.handleBlock))
		r.Get("/blocks/{z}/{x}/{y}/{band}", metrics.InstrumentHandler("GET", "/api/v1/blocks/{z}/{x}/{y}/{band}", server.handleBlockBand))
	})

	return r
}

// StartServer serves table until ctx is cancelled, then shuts down
// gracefully.
func StartServer(ctx context.Context, table raquet.TableReader, config ServerConfig, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	server, err := NewServer(ctx, table, config, metrics, log)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", config.Bind, config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(server, metrics, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting raquet block server", "addr", addr, "blocks", server.md.NumBlocks)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("shutting down raquet block server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

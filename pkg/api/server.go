// Package api serves the latest-value snapshot and pipeline health over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/illmade-knight/go-weather/pkg/runner"
	"github.com/illmade-knight/go-weather/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// SnapshotSource is the read side of the latest-value reader.
type SnapshotSource interface {
	Snapshot() types.Snapshot
	PolledAt() time.Time
	LastError() error
}

type HistorySource interface {
	Recent(ctx context.Context, sourceID string, window time.Duration, limit int) ([]types.MeasurementRecord, error)
}

type ReadyChecker interface {
	Ready(ctx context.Context) error
}

type StatsSource interface {
	Stats() runner.Stats
}

// Server wires the handlers onto a chi router. History, Ready and Stats are optional.
type Server struct {
	router  chi.Router
	handler *handler
}

type Options struct {
	Snapshots SnapshotSource
	History   HistorySource
	Ready     ReadyChecker
	Stats     StatsSource
	// MaxAge marks the snapshot stale in /readyz once it has not been refreshed for this long.
	MaxAge time.Duration
}

func NewServer(opts Options, logger zerolog.Logger) *Server {
	h := &handler{
		opts:   opts,
		logger: logger.With().Str("component", "HTTPServer").Logger(),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	registerRoutes(router, h)

	return &Server{router: router, handler: h}
}

func registerRoutes(router chi.Router, h *handler) {
	router.Get("/healthz", h.handleHealth)
	router.Get("/readyz", h.handleReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Get("/latest", h.handleLatest)
		r.Get("/latest/{sourceID}", h.handleLatestBySource)
		r.Get("/history/{sourceID}", h.handleHistory)
		r.Get("/stats", h.handleStats)
	})
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe runs an http.Server on addr until ctx is cancelled, then shuts it down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.handler.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.handler.logger.Info().Msg("Shutting down HTTP server")
	return srv.Shutdown(shutdownCtx)
}

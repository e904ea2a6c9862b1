package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewRouter wires the read API routes.
func NewRouter(r Reader, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "api").Logger()

	router := chi.NewRouter()
	router.Use(Recover(logger))
	router.Use(Logger(logger))
	router.Use(Metrics())

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", Health())
	router.Get("/readyz", Ready(r))

	router.Route("/api", func(api chi.Router) {
		api.Get("/metrics", ListMetrics(r))
		api.Get("/metrics/{name}", GetMetric(r))
		api.Get("/metrics/{name}/history", GetHistory(r))
		api.Get("/sources/health", SourceHealth(r))
	})
	return router
}

// Server runs the HTTP API until its context ends.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	logger          zerolog.Logger
}

// NewServer constructs a server listening on addr.
func NewServer(addr string, handler http.Handler, shutdownTimeout time.Duration, logger zerolog.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger.With().Str("component", "http").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("server starting")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

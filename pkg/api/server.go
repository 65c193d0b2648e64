// Package api exposes aggregation and deaggregation over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssargent/kinesisagg/pkg/deaggregator"
	"github.com/ssargent/kinesisagg/pkg/logging"
	"github.com/ssargent/kinesisagg/pkg/metrics"
	"github.com/ssargent/kinesisagg/pkg/spool"
)

// maxRequestBytes bounds request bodies. A deaggregation event carries
// base64 containers of up to 1 MiB each.
const maxRequestBytes = 32 << 20

// Server serves the HTTP API.
type Server struct {
	config       ServerConfig
	logger       logging.Logger
	registry     *prometheus.Registry
	metrics      *Metrics
	recorder     metrics.Recorder
	deaggregator *deaggregator.Deaggregator
	spool        *spool.Spool
}

// NewServer builds a Server. sp may be nil, in which case spooling requests
// are rejected.
func NewServer(config ServerConfig, logger logging.Logger, sp *spool.Spool) *Server {
	logger = logging.OrNop(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewMetrics(reg)

	return &Server{
		config:   config,
		logger:   logger,
		registry: reg,
		metrics:  NewMetrics(reg),
		recorder: recorder,
		deaggregator: deaggregator.New(
			deaggregator.WithVerifyChecksum(config.VerifyChecksum),
			deaggregator.WithLogger(logger),
			deaggregator.WithMetrics(recorder),
		),
		spool: sp,
	}
}

// Router returns the HTTP handler with all routes configured
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// unprotected for health checks and scraping
	r.Get("/health", s.metrics.InstrumentHandler("GET", "/health", s.handleHealth))
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.metrics.InstrumentAuthMiddleware(requireAPIKey(s.config.APIKey)))
		r.Use(middleware.RequestSize(maxRequestBytes))

		r.Post("/aggregate", s.metrics.InstrumentHandler("POST", "/api/v1/aggregate", s.handleAggregate))
		r.Post("/deaggregate", s.metrics.InstrumentHandler("POST", "/api/v1/deaggregate", s.handleDeaggregate))
	})

	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Bind, s.config.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr, "auth", s.config.APIKey != "", "spool", s.spool != nil)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

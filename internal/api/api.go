// Package api provides the operational HTTP surface of GroupPulse.
//
// It exposes health, Prometheus metrics, the worker registry and history scan
// submission.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/GroupPulse/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Supervisor is the worker registry the API reports on.
type Supervisor interface {
	ActiveCount() int
	Uptime() time.Duration
	OwnerID() string
	Workers() []models.WorkerInfo
	SubmitScan(requestID, groupID string)
}

// Store is what the scan endpoints read and write.
type Store interface {
	GetGroup(ctx context.Context, groupID string) (*models.Group, error)
	CreateScanRequest(ctx context.Context, groupID string) (string, error)
	GetScanRequest(ctx context.Context, id string) (*models.ScanRequest, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr     string
	Gatherer prometheus.Gatherer
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) {
		o.Gatherer = g
	}
}

// Server serves the operational endpoints.
type Server struct {
	sup    Supervisor
	store  Store
	opts   Opts
	router chi.Router
	srv    *http.Server
}

// NewServer builds the router. Call Start to listen.
func NewServer(sup Supervisor, st Store, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, Gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{sup: sup, store: st, opts: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/workers", s.workersHandler)
	r.Route("/scans", func(r chi.Router) {
		r.Post("/", s.createScanHandler)
		r.Get("/{id}", s.getScanHandler)
	})
	s.router = r
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	slog.Info("Server.Start: API listening", "addr", s.opts.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	slog.Info("Server.Shutdown: stopping API")
	return s.srv.Shutdown(ctx)
}

// Package api exposes synchronous ingestion over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dlcs/protagonist-sub004/pkg/engine"
)

// maxRequestBytes bounds the size of an ingest request body.
const maxRequestBytes = 1 << 20

// Ingester ingests a raw request body in either wire shape.
type Ingester interface {
	IngestMessage(ctx context.Context, body []byte) engine.IngestResult
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the ingest and health endpoints.
type Server struct {
	ingester       Ingester
	pinger         Pinger
	tokenAuth      *jwtauth.JWTAuth
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithIngester sets the ingester requests are handed to.
func WithIngester(ingester Ingester) Option {
	return func(s *Server) {
		s.ingester = ingester
	}
}

// WithReadinessCheck sets the dependency pinged by /healthz/ready.
func WithReadinessCheck(pinger Pinger) Option {
	return func(s *Server) {
		s.pinger = pinger
	}
}

// WithJWTSecret requires an HS256 bearer token signed with secret on /ingest.
// An empty secret leaves the endpoint open.
func WithJWTSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.tokenAuth = jwtauth.New("HS256", []byte(secret), nil)
		}
	}
}

// WithRequestTimeout bounds how long a single ingest request may run.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server.
func New(options ...Option) (*Server, error) {
	s := &Server{
		requestTimeout: 5 * time.Minute,
		logger:         slog.Default(),
	}
	for _, option := range options {
		option(s)
	}
	if s.ingester == nil {
		return nil, errors.New("ingester is required")
	}
	return s, nil
}

// Routes returns the HTTP handler for the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/healthz/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.tokenAuth != nil {
			r.Use(jwtauth.Verifier(s.tokenAuth))
			r.Use(jwtauth.Authenticator)
		}
		if s.requestTimeout > 0 {
			r.Use(middleware.Timeout(s.requestTimeout))
		}
		r.Post("/ingest", s.handleIngest)
	})

	return r
}

// IngestResponse is the response body for an ingest request
type IngestResponse struct {
	Status string        `json:"status"`
	Asset  *engine.Asset `json:"asset,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// StatusCode maps an ingest status to the HTTP status returned to the caller.
func StatusCode(status engine.IngestResultStatus) int {
	switch status {
	case engine.StatusSuccess:
		return http.StatusOK
	case engine.StatusQueuedForProcessing:
		return http.StatusAccepted
	case engine.StatusStorageLimitExceeded:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	result := s.ingester.IngestMessage(r.Context(), body)

	resp := IngestResponse{Status: result.Status.String(), Asset: result.Asset}
	if result.Asset != nil {
		resp.Error = result.Asset.Error
	}

	s.logger.Info("Ingest request handled",
		"request_id", middleware.GetReqID(r.Context()),
		"status", resp.Status,
	)

	render.Status(r, StatusCode(result.Status))
	render.JSON(w, r, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Warn("Readiness check failed", "err", err)
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]string{"status": "unavailable"})
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ready"})
}

// Package server provides the HTTP server for the paste cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/paste-cache/allocator"
	"github.com/wolfeidau/paste-cache/expiry"
	"github.com/wolfeidau/paste-cache/paste"
	"github.com/wolfeidau/paste-cache/sweep"
	"github.com/wolfeidau/paste-cache/telemetry"
	"golang.org/x/net/netutil"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8000")
	Address string

	// PublicURL is the base URL paste links are built from. When empty the
	// request Host is used.
	PublicURL string

	// MaxConnections caps concurrent connections. Zero means unlimited.
	MaxConnections int

	// AdminToken guards deletion, stats and sweep endpoints with Bearer
	// authentication. Empty disables authentication.
	AdminToken string

	// Logger for the server
	Logger *slog.Logger
}

// Components are the paste lifecycle parts the server exposes.
type Components struct {
	Pastes    *paste.Service
	Cache     *expiry.Cache
	Allocator *allocator.Allocator

	// Sweeper is optional; without it the sweep endpoints return 503.
	Sweeper *sweep.Scheduler
}

// Server is the HTTP server for the paste cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	pastes  *paste.Service
	cache   *expiry.Cache
	alloc   *allocator.Allocator
	sweeper *sweep.Scheduler
}

// New creates a new server with the given configuration.
func New(cfg Config, c Components) (*Server, error) {
	if c.Pastes == nil {
		return nil, errors.New("server: paste service is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		pastes:  c.Pastes,
		cache:   c.Cache,
		alloc:   c.Allocator,
		sweeper: c.Sweeper,
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// ReservedIDs are single-segment paths served by fixed routes. A paste with
// one of these identifiers could never be retrieved, so the allocator must
// not issue them.
var ReservedIDs = []string{"admin", "health", "metrics", "stats"}

// Handler returns the server's routes wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(mux)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Operator endpoints
	mux.Handle("GET /stats", s.adminOnly(s.handleStats))
	mux.Handle("POST /admin/sweep", s.adminOnly(s.handleSweep))
	mux.Handle("GET /admin/sweep", s.adminOnly(s.handleSweepHistory))

	// Paste endpoints
	mux.HandleFunc("GET /{$}", s.handleUsage)
	mux.HandleFunc("POST /{$}", s.handleUpload)
	mux.HandleFunc("POST /{ttl}", s.handleUpload)
	mux.HandleFunc("GET /{id}", s.handleGet)
	mux.Handle("DELETE /{id}", s.adminOnly(s.handleDelete))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r.WithContext(telemetry.WithRequestID(r.Context(), requestID)))
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.PasteID != "" {
			attrs = append(attrs, "paste_id", tags.PasteID)
		}
		if tags.CacheResult != telemetry.CacheNA {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, capped at MaxConnections.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConnections)
	}

	s.logger.Info("starting server",
		"address", ln.Addr().String(),
		"max_connections", s.config.MaxConnections,
		"public_url", s.config.PublicURL,
	)
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

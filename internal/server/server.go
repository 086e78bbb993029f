// Package server is the dispatcher's HTTP status server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/framefarm/internal/errors"
	"github.com/3leaps/framefarm/internal/observability"
	"github.com/3leaps/framefarm/internal/server/handlers"
	"github.com/3leaps/framefarm/internal/server/middleware"
)

// Default timeouts.
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Server serves health, version and dispatch status endpoints.
type Server struct {
	host   string
	port   int
	status handlers.StatusProvider

	readTimeout  time.Duration
	writeTimeout time.Duration

	router *chi.Mux
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithStatus exposes a dispatcher on /status and /nodes.
func WithStatus(p handlers.StatusProvider) Option {
	return func(s *Server) { s.status = p }
}

// WithTimeouts sets the HTTP read and write timeouts. Zero keeps the default.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// New builds a server bound to host:port. It does not listen until Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = chi.NewRouter()
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery)
	s.router.NotFound(apperrors.NotFound)
	s.router.MethodNotAllowed(apperrors.MethodNotAllowed)
	s.routes()

	s.http = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)
	r.Get("/status", handlers.StatusHandler(s.status))
	r.Get("/nodes", handlers.NodesHandler(s.status))
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.Addr(), err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	observability.CLILogger.Info("Status server listening", zap.String("addr", ln.Addr().String()))

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Package server exposes the controller status over HTTP
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/thalesfsp/protein/controller"
	"github.com/thalesfsp/protein/internal/metrics"
)

// StatusSource is satisfied by *controller.AdaptiveController
type StatusSource interface {
	Status() controller.Status
}

// Server serves GET /health, GET /status and GET /metrics
type Server struct {
	srv    *http.Server
	status StatusSource
	check  func(context.Context) error
	log    logr.Logger
}

// Option configures a Server
type Option func(*Server)

// WithHealthCheck makes /health answer 503 while check fails
func WithHealthCheck(check func(context.Context) error) Option {
	return func(s *Server) {
		s.check = check
	}
}

// New creates a server listening on addr. m may be nil, in which case
// /metrics answers 404.
func New(addr string, status StatusSource, m *metrics.Metrics, log logr.Logger, opts ...Option) *Server {
	s := &Server{status: status, log: log}
	for _, opt := range opts {
		opt(s)
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.health).Methods("GET")
	router.HandleFunc("/status", s.statusHandler).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start binds the address and serves in the background. The bind error, if
// any, is returned synchronously.
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}

	go func() {
		s.log.Info("Status server listening", "addr", ln.Addr().String())

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(err, "Status server stopped")
		}
	}()

	return ln.Addr(), nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.check != nil {
		if err := s.check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})

			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(v)
}

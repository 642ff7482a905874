// Package http serves the operator surface of the monitoring runtime:
// health, Prometheus metrics, asset status and the monitor/stop/hedge
// commands.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

type ctxKey int

const requestIDKey ctxKey = iota

// Server represents the operator HTTP server
type Server struct {
	router *mux.Router
	server *http.Server
	config ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	Version        string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           "127.0.0.1:8080", // local-only by default
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators behind the routes. Venues and Metrics may be nil.
type Deps struct {
	Control Controller
	Venues  VenueChecker
	Metrics http.Handler
}

// NewServer creates a new HTTP server instance
func NewServer(config ServerConfig, deps Deps) (*Server, error) {
	if deps.Control == nil {
		return nil, errors.New("http server needs a controller")
	}
	defaults := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	s := &Server{router: mux.NewRouter(), config: config}
	s.setupRoutes(deps)
	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(deps Deps) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.Handle("/health", NewHealthHandler(deps.Venues, deps.Control, s.config.Version)).Methods(http.MethodGet)
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	a := &api{control: deps.Control}
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/assets", a.listAssets).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{asset}", a.getAsset).Methods(http.MethodGet)
	v1.HandleFunc("/assets/{asset}", a.stopAsset).Methods(http.MethodDelete)
	v1.HandleFunc("/assets/{asset}/monitor", a.monitorAsset).Methods(http.MethodPost)
	v1.HandleFunc("/assets/{asset}/hedge", a.hedgeAsset).Methods(http.MethodPost)
	v1.HandleFunc("/assets/{asset}/thresholds", a.putThresholds).Methods(http.MethodPut)
	v1.HandleFunc("/assets/{asset}/history", a.history).Methods(http.MethodGet)
	v1.HandleFunc("/events", a.events).Methods(http.MethodGet)
	v1.HandleFunc("/portfolio", a.portfolio).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(notFound)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler { return s.router }

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("request_id", requestID(r)).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start listens on the configured address and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Address returns the configured listen address
func (s *Server) Address() string { return s.config.Addr }

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

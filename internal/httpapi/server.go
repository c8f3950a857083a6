// Package httpapi exposes the REST and websocket surface over the
// service registry.
package httpapi

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/metrics"
	"github.com/tickd/tickd/internal/service"
	"github.com/tickd/tickd/internal/storage"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// Server is the HTTP listener over the service registry.
type Server struct {
	router   *mux.Router
	server   *http.Server
	registry *service.Registry
	store    storage.Store
	cache    cache.Cache
	wsCfg    config.WSConfig
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewServer wires routes and middleware. store and cache feed /health
// and may be nil in tests.
func NewServer(cfg config.ServerConfig, wsCfg config.WSConfig, registry *service.Registry, store storage.Store, c cache.Cache) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		registry: registry,
		store:    store,
		cache:    c,
		wsCfg:    wsCfg,
		timeout:  time.Duration(cfg.WriteTimeoutSec) * time.Second,
		logger:   log.With().Str("component", "httpapi").Logger(),
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router,
		ReadTimeout: time.Duration(cfg.ReadTimeoutSec) * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	// The websocket endpoint manages its own lifetime; everything else is
	// JSON with a request timeout.
	s.router.HandleFunc("/ws", s.handleWS)
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(s.jsonContentTypeMiddleware)
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/ohlcv", s.handleOHLCV).Methods("GET")
	api.HandleFunc("/symbols", s.handleSymbols).Methods("GET")
	api.HandleFunc("/providers", s.handleProviders).Methods("GET")
}

// Handler exposes the router; used by httptest.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving requests until shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timeout := s.timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusWriter captures the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade reach the underlying connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

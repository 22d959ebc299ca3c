package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/ordersync/internal/config"
	"github.com/marcus/ordersync/internal/sse"
)

// Server is syncd's HTTP API server.
type Server struct {
	config      config.ServerConfig
	http        *http.Server
	store       *Store
	broadcaster *sse.Broadcaster
	metrics     *Metrics
	rateLimiter *RateLimiter
}

// NewServer wires a Server around an already-opened Store.
func NewServer(cfg config.ServerConfig, store *Store) *Server {
	s := &Server{
		config:      cfg,
		store:       store,
		broadcaster: sse.NewBroadcaster(),
		metrics:     NewMetrics(),
		rateLimiter: NewRateLimiter(),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream handler manages its own lifetime
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests (non-blocking).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the HTTP server, then closes the store.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /v1/sync/push", s.withRateLimit(s.handleSyncPush, s.config.RateLimitPush))
	mux.HandleFunc("GET /v1/sync/pull", s.withRateLimit(s.handleSyncPull, s.config.RateLimitPull))
	mux.HandleFunc("GET /v1/sync/snapshot", s.withRateLimit(s.handleSyncSnapshot, s.config.RateLimitOther))
	mux.HandleFunc("GET /v1/sync/events", s.handleSyncEvents) // long-lived stream, not rate-limited per request

	mux.HandleFunc("GET /v1/partners", s.withRateLimit(s.handlePartners, s.config.RateLimitOther))
	mux.HandleFunc("GET /v1/products", s.withRateLimit(s.handleProducts, s.config.RateLimitOther))
	mux.HandleFunc("GET /v1/units", s.withRateLimit(s.handleUnits, s.config.RateLimitOther))

	return chain(mux,
		recoveryMiddleware,
		requestIDMiddleware,
		loggerMiddleware,
		metricsMiddleware(s.metrics),
		loggingMiddleware,
		maxBytesMiddleware(10<<20),
	)
}

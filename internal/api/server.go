// Package api serves the node's HTTP surface: health, metrics, record and
// peer inspection, and a WebSocket event feed.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/zde37/kadvault/internal/metrics"
	"github.com/zde37/kadvault/internal/peers"
	"github.com/zde37/kadvault/internal/quorum"
	"github.com/zde37/kadvault/internal/record"
	"github.com/zde37/kadvault/internal/replication"
	"github.com/zde37/kadvault/internal/routing"
	"github.com/zde37/kadvault/internal/store"
	"github.com/zde37/kadvault/pkg"
	"github.com/zde37/kadvault/pkg/hash"
)

// Node is what the HTTP surface reads from and drives.
type Node interface {
	Self() routing.Peer
	StoreStats() store.Stats
	LocalRecord(ctx context.Context, key hash.Key) (record.StoredRecord, error)
	Fetch(ctx context.Context, key hash.Key, policy quorum.Policy) (quorum.Result, error)
	Upload(ctx context.Context, rec record.StoredRecord, policy quorum.Policy) (quorum.PutResult, error)
	Quote(ctx context.Context, key hash.Key) (record.Quote, error)
	Peers() []routing.Peer
	BadPeers() []peers.Violation
	Replication() replication.Stats
}

// Config holds the HTTP server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// MaxUpload bounds request bodies on record uploads
	MaxUpload int64
}

// DefaultConfig returns the server timeouts.
func DefaultConfig(addr string) *Config {
	return &Config{
		Addr:         addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxUpload:    64 * 1024,
	}
}

// Server represents the HTTP API server.
type Server struct {
	cfg        *Config
	node       Node
	metrics    *metrics.Metrics
	router     *mux.Router
	handler    http.Handler
	httpServer *http.Server
	wsHub      *WebSocketHub
	listener   net.Listener
	logger     *pkg.Logger
}

// NewServer creates a new HTTP API server. hub may be shared with the node
// as its event broadcaster.
func NewServer(cfg *Config, node Node, m *metrics.Metrics, hub *WebSocketHub, logger *pkg.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if hub == nil {
		hub = NewWebSocketHub(logger)
	}

	s := &Server{
		cfg:     cfg,
		node:    node,
		metrics: m,
		router:  mux.NewRouter(),
		wsHub:   hub,
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
	}
	s.setupRoutes()
	s.handler = corsMiddleware(s.router)

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.wsHub.HandleWebSocket)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/node", s.nodeHandler).Methods(http.MethodGet)
	api.HandleFunc("/records", s.uploadHandler).Methods(http.MethodPost)
	api.HandleFunc("/records/{key}", s.recordHandler).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{key}", s.quoteHandler).Methods(http.MethodGet)
	api.HandleFunc("/peers", s.peersHandler).Methods(http.MethodGet)
	api.HandleFunc("/peers/bad", s.badPeersHandler).Methods(http.MethodGet)
	api.HandleFunc("/replication", s.replicationHandler).Methods(http.MethodGet)

	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = notAllowed
	api.MethodNotAllowedHandler = notAllowed
}

// Handler returns the full handler chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the hub and the HTTP server.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	go s.wsHub.Run()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("address", listener.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}

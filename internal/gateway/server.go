// Package gateway is the WebSocket edge of the sync engine. Each accepted
// connection gets its own engine session and its own read goroutine; pushes
// from the chat-list and message subscriptions are written back on the same
// connection, serialized by a per-connection write mutex.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/huddle/chat-sync/internal/engine"
	"github.com/huddle/chat-sync/internal/metrics"
)

// Config holds tunable parameters for the gateway server.
type Config struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		WriteTimeout:   10 * time.Second,
	}
}

// Server upgrades HTTP connections to WebSocket and bridges them to engine
// sessions.
type Server struct {
	config     Config
	engine     *engine.Engine
	httpServer *http.Server

	mu    sync.Mutex
	conns map[*conn]struct{}

	startedAt time.Time
}

// NewServer creates a gateway over the given engine.
func NewServer(config Config, eng *engine.Engine) *Server {
	return &Server{
		config: config,
		engine: eng,
		conns:  make(map[*conn]struct{}),
	}
}

// Start configures the HTTP server and begins accepting WebSocket
// connections. It blocks on ListenAndServe.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("[gateway] listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to WebSocket, and
// hands the connection to its own client goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed: %v", err)
		return
	}

	c := &conn{
		userID:       userID,
		netConn:      netConn,
		createdAt:    time.Now(),
		writeTimeout: s.config.WriteTimeout,
	}
	s.add(c)
	log.Printf("[gateway] new connection user=%s (total=%d)", userID, s.count())

	go s.serveClient(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) add(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.close()
}

func (s *Server) count() int {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return n
}

// Shutdown stops the HTTP listener and closes every active connection; the
// per-connection goroutines then tear their sessions down.
func (s *Server) Shutdown() error {
	log.Println("[gateway] shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[gateway] http shutdown error: %v", err)
		}
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.close()
	}

	log.Printf("[gateway] stopped, all connections closed")
	return nil
}

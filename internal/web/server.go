// Package web exposes the orchestrator over HTTP: a small REST API for
// session lifecycle and one WebSocket per session for the event stream.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okapilab/keeper/internal/orchestrator"
)

// Server serves the session API. Create with New, then Start; stop with
// Shutdown.
type Server struct {
	addr   string
	orch   *orchestrator.Orchestrator
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
}

// New creates a server listening on addr (host:port) once started.
func New(addr string, orch *orchestrator.Orchestrator, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		orch:   orch,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API is localhost-only; browser origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionDetail)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	host, _, _ := net.SplitHostPort(s.addr)
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		ln = newLocalhostListener(ln, s.logger)
	}
	s.listener = ln

	if s.logger != nil {
		s.logger.Info("web server listening", "addr", ln.Addr().String())
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("web server failed", "error", err)
			}
		}
	}()
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, waiting up to the context deadline for open
// requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

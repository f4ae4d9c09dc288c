package server

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/transport"
)

// StartWebSocket binds the WebSocket listener and serves /ws. Each upgraded
// connection carries the same framed envelopes as the TCP transport, one
// frame per binary message.
func (s *Server) StartWebSocket() error {
	ln, err := net.Listen("tcp", s.cfg.WebSocketAddr)
	if err != nil {
		return fmt.Errorf("server: listen websocket: %w", err)
	}
	s.mu.Lock()
	s.wsLn = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc(transport.WebSocketPath, s.handleWebSocket)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.group.Go(func() error {
		return s.serveHTTP(srv, ln, "websocket")
	})
	return nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.trackConn() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.conns.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.metrics.WebSocketUpgrades.Inc()

	conn := transport.NewWebSocketConn(ws)
	conn.SetReadLimit(int64(s.cfg.MaxFrameSize) + protocol.FrameHeaderSize)
	s.ServeConn(conn)
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
)

// Start binds every configured listener and starts background work. It
// does not block; a bind failure is returned before anything is served.
func (s *Server) Start() error {
	if s.cfg.GroupsFile != "" {
		if err := LoadGroupsFromYAML(s.cfg.GroupsFile, s.groups); err != nil {
			slog.Error("failed to load groups config", "err", err)
		}
	}

	if s.cfg.ListenAddr != "" {
		if err := s.StartControl(); err != nil {
			return err
		}
	}
	if s.cfg.WebSocketAddr != "" {
		if err := s.StartWebSocket(); err != nil {
			s.closeListeners()
			return err
		}
	}
	if s.cfg.MetricsAddr != "" {
		if err := s.StartMetricsHTTP(); err != nil {
			s.closeListeners()
			return err
		}
	}

	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	slog.Info("chat server running",
		"control", addrString(s.Addr()),
		"websocket", addrString(s.WebSocketAddr()),
		"metrics", addrString(s.MetricsAddr()),
	)
	return nil
}

// Run starts the server and blocks until a shutdown signal arrives or a
// listener fails. It closes the store on return.
func (s *Server) Run() error {
	defer func() {
		if err := s.store.Close(); err != nil {
			slog.Error("close store", "err", err)
		}
	}()

	if err := s.Start(); err != nil {
		s.cancel()
		return err
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down...", "signal", sig.String())
	case <-s.groupCtx.Done():
		slog.Error("listener stopped, shutting down")
	}

	s.Shutdown()
	if err := s.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, sends every live session the
// shutdown notice and closes them once the notice is flushed or
// ShutdownGrace has passed. It is safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.cancel()
		s.closeListeners()

		sessions := s.sessions.CloseAll()
		s.broadcast(sessions, protocol.ShutdownNotice)

		var wg sync.WaitGroup
		for _, sess := range sessions {
			wg.Add(1)
			go func() {
				defer wg.Done()
				sess.CloseGracefully(s.cfg.ShutdownGrace)
			}()
		}
		wg.Wait()
		slog.Info("closed sessions", "count", len(sessions))
	})
}

// Wait blocks until every listener goroutine and connection handler has
// returned. It reports the first listener error.
func (s *Server) Wait() error {
	err := s.group.Wait()
	s.conns.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// trackConn registers a connection handler with Wait. It refuses once
// shutdown has begun; s.mu orders it against closeListeners, which Shutdown
// runs before Wait.
func (s *Server) trackConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range []net.Listener{s.controlLn, s.wsLn, s.metricsLn} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

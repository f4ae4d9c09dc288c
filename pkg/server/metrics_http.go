package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler serves /metrics from the server's private registry and a
// plain /healthz probe.
func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// StartMetricsHTTP exposes /metrics in Prometheus text exposition format.
// Bind address is :8889 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() error {
	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("server: listen metrics: %w", err)
	}
	s.mu.Lock()
	s.metricsLn = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.group.Go(func() error {
		return s.serveHTTP(srv, ln, "metrics HTTP")
	})
	return nil
}

// serveHTTP runs srv on ln until the server context is cancelled.
func (s *Server) serveHTTP(srv *http.Server, ln net.Listener, what string) error {
	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()

	slog.Info(what+" listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error(what+" error", "err", err)
		return err
	}
	return nil
}

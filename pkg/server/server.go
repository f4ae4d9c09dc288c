// Package server implements the chat server: session handling, command
// dispatch and message routing over TCP and WebSocket transports.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/crypto"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/datastore"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/registry"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/transport"
)

// Dependencies holds external dependencies for the server.
// Run assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.SnapshotStore
}

// Server is the main chat server.
type Server struct {
	cfg       Config
	sessions  *SessionManager
	groups    *registry.GroupRegistry
	creds     *registry.CredentialStore
	snapshots *registry.Snapshotter
	metrics   *Metrics
	store     datastore.SnapshotStore

	mu        sync.Mutex
	controlLn net.Listener
	wsLn      net.Listener
	metricsLn net.Listener
	upgrader  *websocket.Upgrader

	group        *errgroup.Group
	groupCtx     context.Context
	conns        sync.WaitGroup
	shutdownOnce sync.Once
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates a server and loads persisted state from deps.Store. A
// missing snapshot means empty state; an unreadable one is an error.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hasher, err := crypto.NewHasher(cfg.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	snapshots := registry.NewSnapshotter(deps.Store)

	groups, err := snapshots.LoadGroups(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: load groups: %w", err)
	}
	creds, err := snapshots.LoadCredentials(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("server: load credentials: %w", err)
	}
	slog.Info("loaded state", "groups", len(groups), "users", len(creds))
	logSnapshots(ctx, deps.Store)

	group, groupCtx := errgroup.WithContext(ctx)
	return &Server{
		cfg:       cfg,
		sessions:  NewSessionManager(),
		groups:    registry.NewGroupRegistry(snapshots, groups),
		creds:     registry.NewCredentialStore(hasher, snapshots, creds),
		snapshots: snapshots,
		metrics:   NewMetrics(),
		store:     deps.Store,
		upgrader:  transport.NewUpgrader(1024, 1024),
		group:     group,
		groupCtx:  groupCtx,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Groups returns the group registry.
func (s *Server) Groups() *registry.GroupRegistry {
	return s.groups
}

// Credentials returns the credential store.
func (s *Server) Credentials() *registry.CredentialStore {
	return s.creds
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the bound TCP address, or nil before StartControl.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.controlLn == nil {
		return nil
	}
	return s.controlLn.Addr()
}

// WebSocketAddr returns the bound WebSocket address, or nil if disabled.
func (s *Server) WebSocketAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wsLn == nil {
		return nil
	}
	return s.wsLn.Addr()
}

// MetricsAddr returns the bound metrics address, or nil if disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// logSnapshots records the size and age of each stored snapshot.
func logSnapshots(ctx context.Context, st datastore.SnapshotStore) {
	infos, err := st.ListSnapshots(ctx)
	if err != nil {
		slog.Warn("list snapshots", "err", err)
		return
	}
	for _, info := range infos {
		slog.Info("snapshot", "name", info.Name, "bytes", info.Size, "updated_at", info.UpdatedAt)
	}
}

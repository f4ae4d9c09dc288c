package server

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
)

// Conn is the transport a Session runs over. net.Conn satisfies it, and so
// does the WebSocket adapter.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

var (
	errQueueFull     = errors.New("outbound queue full")
	errSessionClosed = errors.New("session closed")
)

// Session is one live client connection. Outbound envelopes go through a
// bounded queue drained by the session's own writer goroutine, so a slow
// reader only ever stalls itself.
type Session struct {
	ID     uint32
	conn   Conn
	remote string

	enc          *protocol.Encoder
	send         chan protocol.Envelope
	closing      chan struct{} // flush the queue, then close
	done         chan struct{} // closed once the session is closed
	closingOnce  sync.Once
	closeOnce    sync.Once
	writeTimeout time.Duration
	metrics      *Metrics

	mu       sync.RWMutex
	identity string
	state    model.SessionState
}

func newSession(id uint32, conn Conn, cfg Config, metrics *Metrics) *Session {
	enc := protocol.NewEncoder(conn)
	enc.SetMaxFrameSize(cfg.MaxFrameSize)
	return &Session{
		ID:           id,
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		enc:          enc,
		send:         make(chan protocol.Envelope, cfg.OutboundQueueSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		metrics:      metrics,
		state:        model.SessionConnected,
	}
}

// Identity returns the bound identity, or "" before the session is named.
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// State returns the lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Remote returns the peer address.
func (s *Session) Remote() string {
	return s.remote
}

// named returns the identity and whether the session is Named.
func (s *Session) named() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.state == model.SessionNamed
}

// bind sets the identity. It reports true when this moved the session from
// Connected to Named.
func (s *Session) bind(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == model.SessionClosed {
		return false
	}
	first := s.state == model.SessionConnected
	s.identity = identity
	s.state = model.SessionNamed
	return first
}

// Send queues env for delivery without blocking. When the queue is full
// the envelope is dropped for this recipient and an error wrapping
// protocol.ErrWrite is returned.
func (s *Session) Send(env protocol.Envelope) error {
	select {
	case <-s.done:
		s.metrics.DeliveriesDropped.Inc()
		return fmt.Errorf("%w: %w", protocol.ErrWrite, errSessionClosed)
	default:
	}
	select {
	case s.send <- env:
		s.metrics.Deliveries.Inc()
		return nil
	default:
		s.metrics.DeliveriesDropped.Inc()
		return fmt.Errorf("%w: %w", protocol.ErrWrite, errQueueFull)
	}
}

// writeLoop drains the outbound queue until the session closes. A write
// failure closes the connection, which ends the read loop as well.
func (s *Session) writeLoop() {
	defer s.Close()
	for {
		select {
		case env := <-s.send:
			if !s.write(env) {
				return
			}
		case <-s.closing:
			for {
				select {
				case env := <-s.send:
					if !s.write(env) {
						return
					}
				default:
					return
				}
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) write(env protocol.Envelope) bool {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.enc.Encode(env); err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			// Rejected before anything was written; the stream is intact.
			s.metrics.DeliveriesDropped.Inc()
			slog.Warn("dropping unencodable envelope", "session", s.ID, "user", s.Identity(), "err", err)
			return true
		}
		if protocol.IsClosedErr(err) {
			slog.Debug("write to closed session", "session", s.ID, "err", err)
		} else {
			slog.Warn("session write failed", "session", s.ID, "user", s.Identity(), "err", err)
		}
		return false
	}
	return true
}

// Close closes the connection immediately. Queued envelopes are discarded.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = model.SessionClosed
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

// CloseGracefully lets the writer flush what is already queued, waiting at
// most grace before closing the connection.
func (s *Session) CloseGracefully(grace time.Duration) {
	s.closingOnce.Do(func() { close(s.closing) })
	select {
	case <-s.done:
	case <-time.After(grace):
		s.Close()
	}
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SessionManager manages live client sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session // sessionID -> session
	closed   bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uint32]*Session),
	}
}

// Add creates and registers a session for conn. It returns false once the
// manager has been closed for shutdown.
func (sm *SessionManager) Add(conn Conn, cfg Config, metrics *Metrics) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return nil, false
	}

	// Generate random session ID
	var id uint32
	for {
		b := make([]byte, 4)
		if _, err := rand.Read(b); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		id = binary.BigEndian.Uint32(b)
		if id != 0 {
			if _, exists := sm.sessions[id]; !exists {
				break
			}
		}
	}

	sess := newSession(id, conn, cfg, metrics)
	sm.sessions[id] = sess
	return sess, true
}

// Get retrieves a session by ID.
func (sm *SessionManager) Get(id uint32) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Remove removes a session.
func (sm *SessionManager) Remove(id uint32) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.sessions, id)
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// All returns all live sessions (snapshot).
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return lo.Values(sm.sessions)
}

// Named returns the live sessions bound to identity.
func (sm *SessionManager) Named(identity string) []*Session {
	return lo.Filter(sm.All(), func(s *Session, _ int) bool {
		id, ok := s.named()
		return ok && id == identity
	})
}

// NamedIn returns the live named sessions whose identity is in identities.
func (sm *SessionManager) NamedIn(identities []string) []*Session {
	set := lo.Keyify(identities)
	return lo.Filter(sm.All(), func(s *Session, _ int) bool {
		id, ok := s.named()
		if !ok {
			return false
		}
		_, member := set[id]
		return member
	})
}

// NamedIdentities returns the distinct identities of all named sessions,
// sorted.
func (sm *SessionManager) NamedIdentities() []string {
	named := lo.FilterMap(sm.All(), func(s *Session, _ int) (string, bool) {
		return s.named()
	})
	named = lo.Uniq(named)
	slices.Sort(named)
	return named
}

// CloseAll stops accepting new sessions and returns the live ones.
func (sm *SessionManager) CloseAll() []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closed = true
	return lo.Values(sm.sessions)
}

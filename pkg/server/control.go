package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/samber/lo"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/registry"
)

// StartControl binds the TCP listener and starts the accept loop.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.mu.Lock()
	s.controlLn = ln
	s.mu.Unlock()

	slog.Info("control plane listening", "addr", ln.Addr().String())

	s.group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return nil
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				slog.Error("accept error", "err", err)
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if !s.trackConn() {
				_ = conn.Close()
				return nil
			}
			go func() {
				defer s.conns.Done()
				s.ServeConn(conn)
			}()
		}
	})
	return nil
}

// ServeConn runs a session over conn until the peer goes away, the
// connection idles past IdleTimeout, or the server shuts down. It blocks.
func (s *Server) ServeConn(conn Conn) {
	sess, ok := s.sessions.Add(conn, s.cfg, s.metrics)
	if !ok {
		_ = conn.Close()
		return
	}

	s.metrics.TotalConnections.Inc()
	s.metrics.ActiveConnections.Inc()
	slog.Debug("new connection", "session", sess.ID, "remote", sess.Remote())

	go sess.writeLoop()
	defer func() {
		// Cleanup on disconnect
		s.sessions.Remove(sess.ID)
		sess.Close()
		s.metrics.ActiveConnections.Dec()
		s.metrics.TotalDisconnects.Inc()
		slog.Info("client disconnected", "user", sess.Identity(), "session", sess.ID)

		s.broadcastClientCount()
	}()

	s.broadcastClientCount()

	dec := protocol.NewDecoder(conn)
	dec.SetMaxFrameSize(s.cfg.MaxFrameSize)

	// Message loop
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		env, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrProtocol):
				s.metrics.ProtocolErrors.Inc()
				slog.Warn("dropping connection", "session", sess.ID, "remote", sess.Remote(), "err", err)
			case protocol.IsTimeout(err):
				slog.Info("idle timeout", "session", sess.ID, "user", sess.Identity())
			default:
				slog.Debug("connection closed", "session", sess.ID, "err", err)
			}
			return
		}
		s.handleEnvelope(sess, env)
	}
}

// handleEnvelope dispatches an inbound envelope to the appropriate handler.
func (s *Server) handleEnvelope(sess *Session, env protocol.Envelope) {
	switch {
	case env.Message != nil && env.Message.IsControl():
		s.handleCommand(sess, *env.Message)

	case env.Message != nil:
		s.routeMessage(sess, *env.Message)

	case env.Group != nil:
		s.routeGroup(sess, *env.Group)
	}
}

// handleCommand executes a control command addressed to the server.
func (s *Server) handleCommand(sess *Session, msg model.Message) {
	switch cmd := protocol.ParseCommand(msg.Text).(type) {
	case protocol.Register:
		ok := !cmd.Malformed && model.ValidateIdentity(cmd.Username) == nil
		if ok {
			if err := s.creds.Register(cmd.Username, cmd.Password); err != nil {
				if errors.Is(err, registry.ErrPersistence) {
					s.persistFailed(err)
				} else {
					slog.Error("register failed", "user", cmd.Username, "err", err)
					ok = false
				}
			}
		}
		if ok {
			s.metrics.Registrations.Inc()
			slog.Info("user registered", "user", cmd.Username, "session", sess.ID)
		}
		s.reply(sess, cmd.Username, protocol.LoginResult(ok))

	case protocol.Login:
		ok := !cmd.Malformed &&
			model.ValidateIdentity(cmd.Username) == nil &&
			s.creds.Validate(cmd.Username, cmd.Password)
		if !ok {
			s.metrics.FailedAuths.Inc()
			slog.Info("login failed", "user", cmd.Username, "session", sess.ID)
			s.reply(sess, cmd.Username, protocol.LoginFailed)
			return
		}
		first := sess.bind(cmd.Username)
		s.metrics.SuccessfulAuths.Inc()
		slog.Info("client authenticated", "user", cmd.Username, "session", sess.ID)
		s.reply(sess, cmd.Username, protocol.LoginSuccess)
		if first {
			s.syncGroups(sess, cmd.Username)
		}

	case protocol.Bind:
		if err := model.ValidateIdentity(cmd.Name); err != nil {
			slog.Warn("rejected client name", "name", cmd.Name, "session", sess.ID, "err", err)
			return
		}
		slog.Info("client named", "user", cmd.Name, "session", sess.ID)
		if sess.bind(cmd.Name) {
			s.syncGroups(sess, cmd.Name)
		}

	case protocol.ListUsers:
		s.reply(sess, msg.Sender, protocol.ClientNames(s.sessions.NamedIdentities()))

	case protocol.Unknown:
		slog.Debug("ignoring unknown command", "text", cmd.Text, "session", sess.ID)
	}
}

// routeMessage delivers a chat message to a group's members or, failing
// that, directly to the named recipient.
func (s *Server) routeMessage(sess *Session, msg model.Message) {
	if err := msg.Validate(); err != nil {
		s.metrics.MessagesRouted.WithLabelValues(routeDropped).Inc()
		slog.Warn("dropping invalid message", "session", sess.ID, "err", err)
		return
	}

	env := protocol.MessageEnvelope(msg)
	found, err := s.groups.RouteMessage(msg, func(recipients []string) {
		s.deliver(s.sessions.NamedIn(recipients), env)
	})
	if err != nil {
		s.persistFailed(err)
	}
	if found {
		s.metrics.MessagesRouted.WithLabelValues(routeGroup).Inc()
		return
	}

	targets := lo.Reject(s.sessions.Named(msg.Recipient), func(t *Session, _ int) bool {
		return t == sess
	})
	if len(targets) == 0 {
		s.metrics.MessagesRouted.WithLabelValues(routeDropped).Inc()
		slog.Debug("no live recipient", "from", msg.Sender, "to", msg.Recipient)
		return
	}
	s.deliver(targets, env)
	s.metrics.MessagesRouted.WithLabelValues(routeDirect).Inc()
}

// routeGroup registers a new group and announces it to every member
// except its creator.
func (s *Server) routeGroup(sess *Session, g model.GroupDescriptor) {
	if err := s.groups.Add(g); err != nil {
		if !errors.Is(err, registry.ErrPersistence) {
			slog.Warn("rejected group", "name", g.Name, "session", sess.ID, "err", err)
			return
		}
		s.persistFailed(err)
	}
	s.metrics.GroupsCreated.Inc()
	slog.Info("group created", "name", g.Name, "kind", g.Kind, "creator", g.Creator, "members", len(g.Members))

	recipients := lo.Without(g.Members, g.Creator)
	s.deliver(s.sessions.NamedIn(recipients), s.groupEnvelope(g))
}

// syncGroups sends a newly named session every group it belongs to.
func (s *Server) syncGroups(sess *Session, identity string) {
	groups := s.groups.ForMember(identity)
	for _, g := range groups {
		if err := sess.Send(s.groupEnvelope(g)); err != nil {
			slog.Debug("group sync dropped", "session", sess.ID, "group", g.Name, "err", err)
		}
	}
	if len(groups) > 0 {
		slog.Debug("synced groups", "user", identity, "count", len(groups))
	}
}

// groupEnvelope wraps g for sending, keeping only as much recent history
// as fits in one frame.
func (s *Server) groupEnvelope(g model.GroupDescriptor) protocol.Envelope {
	fitted, cut := protocol.FitGroup(g, s.cfg.MaxFrameSize)
	if cut > 0 {
		slog.Debug("trimmed group history", "group", g.Name, "kept", len(fitted.History), "cut", cut)
	}
	return protocol.GroupEnvelope(fitted)
}

// deliver queues env on every target. A failure affects only that target.
func (s *Server) deliver(targets []*Session, env protocol.Envelope) {
	for _, t := range targets {
		if err := t.Send(env); err != nil {
			slog.Debug("delivery dropped", "session", t.ID, "user", t.Identity(), "err", err)
		}
	}
}

// reply sends a server-originated message to one session.
func (s *Server) reply(sess *Session, to, text string) {
	if err := sess.Send(protocol.MessageEnvelope(model.ServerReply(to, text))); err != nil {
		slog.Debug("reply dropped", "session", sess.ID, "err", err)
	}
}

// broadcast sends a server-originated text to every live session.
func (s *Server) broadcast(sessions []*Session, text string) {
	for _, sess := range sessions {
		s.reply(sess, sess.Identity(), text)
	}
}

// broadcastClientCount announces the live connection count.
func (s *Server) broadcastClientCount() {
	if !s.cfg.BroadcastClientCount || s.ctx.Err() != nil {
		return
	}
	sessions := s.sessions.All()
	s.broadcast(sessions, protocol.ClientCount(len(sessions)))
}

func (s *Server) persistFailed(err error) {
	s.metrics.PersistenceErrors.Inc()
	slog.Error("persist state", "err", err)
}

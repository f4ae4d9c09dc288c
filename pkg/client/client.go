// Package client implements the chat client networking: a framed
// connection to the server plus a small engine that tracks chats.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/transport"
)

// EnvelopeHandler is a callback for incoming envelopes.
type EnvelopeHandler func(env protocol.Envelope)

// Client manages one connection to the chat server.
type Client struct {
	conn io.ReadWriteCloser
	enc  *protocol.Encoder

	mu      sync.Mutex
	handler EnvelopeHandler
	onLost  func(err error)
	started bool
	closed  bool

	done chan struct{}
}

// Dial connects to addr. A ws:// or wss:// URL selects the WebSocket
// transport; anything else is a TCP host:port.
func Dial(ctx context.Context, addr string) (*Client, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, err := transport.DialWebSocket(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("client: connect: %w", err)
		}
		return New(conn), nil
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn io.ReadWriteCloser) *Client {
	return &Client{
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		done: make(chan struct{}),
	}
}

// OnEnvelope sets the callback for incoming envelopes. It must be set
// before Start.
func (c *Client) OnEnvelope(handler EnvelopeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// OnConnectionLost sets the callback run once when the connection ends for
// any reason other than Close.
func (c *Client) OnConnectionLost(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// Start starts a goroutine that reads incoming envelopes and dispatches
// them to the handler. Calling it again has no effect.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	handler := c.handler
	c.mu.Unlock()

	go c.receive(handler)
}

func (c *Client) receive(handler EnvelopeHandler) {
	defer close(c.done)
	dec := protocol.NewDecoder(c.conn)
	for {
		env, err := dec.Next()
		if err != nil {
			c.lost(err)
			return
		}
		if handler != nil {
			handler(env)
		}
	}
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	closed, fn := c.closed, c.onLost
	c.mu.Unlock()

	if closed {
		slog.Debug("connection closed", "err", err)
		return
	}
	if protocol.IsClosedErr(err) {
		slog.Info("server closed the connection")
	} else {
		slog.Error("read error", "err", err)
	}
	if fn != nil {
		fn(err)
	}
}

// Send writes one envelope. It is safe for concurrent use.
func (c *Client) Send(env protocol.Envelope) error {
	if err := c.enc.Encode(env); err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	return nil
}

// SendMessage sends a chat or control message.
func (c *Client) SendMessage(m model.Message) error {
	return c.Send(protocol.MessageEnvelope(m))
}

// SendGroup announces a new group to the server.
func (c *Client) SendGroup(g model.GroupDescriptor) error {
	return c.Send(protocol.GroupEnvelope(g))
}

// Register asks the server to store credentials. The result arrives as a
// LoginResult message addressed to username.
func (c *Client) Register(username, password string) error {
	return c.command(username, protocol.RegisterText(username, password))
}

// Login asks the server to authenticate and name this connection.
func (c *Client) Login(username, password string) error {
	return c.command(username, protocol.LoginText(username, password))
}

// Bind names this connection without a password.
func (c *Client) Bind(name string) error {
	return c.command(name, protocol.BindText(name))
}

// ListUsers asks for the identities of every named connection.
func (c *Client) ListUsers(sender string) error {
	return c.command(sender, protocol.ListUsersText)
}

func (c *Client) command(sender, text string) error {
	return c.SendMessage(model.NewMessage(sender, model.ServerIdentity, text))
}

// Close closes the connection. The connection-lost callback is not run.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Done returns a channel that's closed when the receive loop has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

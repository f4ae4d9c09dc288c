// Package transport adapts non-TCP transports to the byte stream the
// envelope codec reads and writes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketPath is the HTTP path the server upgrades.
const WebSocketPath = "/ws"

// WebSocketConn presents a WebSocket as a byte stream. Each Write sends one
// binary message; Read concatenates the payloads of incoming binary
// messages. Text messages are ignored.
type WebSocketConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

var _ net.Conn = (*WebSocketConn)(nil)

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string) (*WebSocketConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial websocket: %w", err)
	}
	return NewWebSocketConn(ws), nil
}

// NewUpgrader returns the upgrader used by the server. Any origin is
// accepted; clients are not browsers sharing cookies with another site.
func NewUpgrader(readBuffer, writeBuffer int) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  readBuffer,
		WriteBufferSize: writeBuffer,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				return 0, readError(err)
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}
		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// readError maps close frames to io.EOF so callers see an ordinary end of
// stream.
func readError(err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return io.EOF
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}

func (c *WebSocketConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame, best effort, and closes the connection.
func (c *WebSocketConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// SetDeadline sets both read and write deadlines.
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
func (c *WebSocketConn) RemoteAddr() net.Addr               { return c.ws.RemoteAddr() }
func (c *WebSocketConn) LocalAddr() net.Addr                { return c.ws.LocalAddr() }

// SetReadLimit bounds the size of a single incoming WebSocket message.
func (c *WebSocketConn) SetReadLimit(n int64) { c.ws.SetReadLimit(n) }

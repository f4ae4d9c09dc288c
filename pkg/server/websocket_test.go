package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/datastore"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/protocol"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/transport"
)

func TestWebSocketAndTCPClientsChat(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.WebSocketAddr = "127.0.0.1:0"
	})

	url := "ws://" + srv.WebSocketAddr().String() + transport.WebSocketPath
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	wsConn, err := transport.DialWebSocket(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wsConn.Close() })

	ws := newTestClient(t, wsConn)
	tcp := dial(t, srv)

	ws.register("web", "pw")
	ws.login("web", "pw")
	tcp.bind("native")

	tcp.send(model.NewMessage("native", "web", "over tcp"))
	require.Equal(t, "over tcp", ws.expectMessage().Text)

	ws.send(model.NewMessage("web", "native", "over websocket"))
	require.Equal(t, "over websocket", tcp.expectMessage().Text)

	require.Equal(t, 1.0, srv.Metrics().Values()["chatting_websocket_upgrades_total"])
}

func TestWebSocketRejectsPost(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.WebSocketAddr = "127.0.0.1:0"
	})
	resp, err := http.Post("http://"+srv.WebSocketAddr().String()+transport.WebSocketPath, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketRefusedAfterShutdown(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.WebSocketAddr = "127.0.0.1:0"
	})
	srv.Shutdown()
	require.NoError(t, srv.Wait())

	rec := httptest.NewRecorder()
	srv.handleWebSocket(rec, httptest.NewRequest(http.MethodGet, transport.WebSocketPath, nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Zero(t, srv.Metrics().Values()["chatting_websocket_upgrades_total"])
	require.NoError(t, srv.Wait())
}

func TestWebSocketIgnoresTextMessages(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.WebSocketAddr = "127.0.0.1:0"
	})
	url := "ws://" + srv.WebSocketAddr().String() + transport.WebSocketPath
	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("hello")))
	frame, err := protocol.AppendFrame(nil, protocol.MessageEnvelope(
		model.NewMessage("x", model.ServerIdentity, protocol.ListUsersText)))
	require.NoError(t, err)
	require.NoError(t, raw.WriteMessage(websocket.BinaryMessage, frame))

	typ, r, err := raw.NextReader()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, typ)
	env, err := protocol.NewDecoder(r).Next()
	require.NoError(t, err)
	require.NotNil(t, env.Message)
	_, ok := protocol.ParseClientNames(env.Message.Text)
	require.True(t, ok)
	_, _ = io.Copy(io.Discard, r)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := startServer(t, datastore.NewMemory(), func(c *Config) {
		c.MetricsAddr = "127.0.0.1:0"
	})
	c := dial(t, srv)
	c.bind("alice")

	resp, err := http.Get("http://" + srv.MetricsAddr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "chatting_connections_total 1")
	require.Contains(t, string(body), `chatting_messages_routed_total{route="direct"} 0`)

	health, err := http.Get("http://" + srv.MetricsAddr().String() + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestStartFailsOnBusyPort(t *testing.T) {
	first := startServer(t, datastore.NewMemory())
	cfg := testConfig()
	cfg.ListenAddr = first.Addr().String()
	srv, err := New(cfg, Dependencies{Store: datastore.NewMemory()})
	require.NoError(t, err)
	require.Error(t, srv.Start())
}

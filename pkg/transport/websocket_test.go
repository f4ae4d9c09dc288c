package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// serve upgrades every request and hands the connection to fn.
func serve(t *testing.T, fn func(*websocket.Conn)) string {
	t.Helper()
	up := NewUpgrader(1024, 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fn(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + WebSocketPath
}

func dialTest(t *testing.T, url string) *WebSocketConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialWebSocket(ctx, url)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestReadConcatenatesBinaryMessages(t *testing.T) {
	url := serve(t, func(ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("hel"))
		_ = ws.WriteMessage(websocket.TextMessage, []byte("ignored"))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("lo"))
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()
	})
	conn := dialTest(t, url)

	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read %q, want %q", got, "hello")
	}
}

func TestWriteSendsOneBinaryMessage(t *testing.T) {
	received := make(chan []byte, 1)
	url := serve(t, func(ws *websocket.Conn) {
		typ, data, err := ws.ReadMessage()
		if err == nil && typ == websocket.BinaryMessage {
			received <- data
		}
		_ = ws.Close()
	})
	conn := dialTest(t, url)

	n, err := conn.Write([]byte("frame"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	select {
	case data := <-received:
		if string(data) != "frame" {
			t.Fatalf("server got %q", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server received nothing")
	}
}

func TestReadDeadline(t *testing.T) {
	url := serve(t, func(ws *websocket.Conn) {
		time.Sleep(time.Second)
		_ = ws.Close()
	})
	conn := dialTest(t, url)

	if err := conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	_, err := conn.Read(make([]byte, 1))
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("Read error = %v, want timeout", err)
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := DialWebSocket(ctx, "ws://127.0.0.1:1/ws"); err == nil {
		t.Fatal("expected dial error")
	}
}

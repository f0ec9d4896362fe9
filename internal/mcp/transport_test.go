package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportDispatch(t *testing.T) {
	stdio, err := NewTransport(TransportSpec{Type: TransportStdio, Command: "cat"})
	require.NoError(t, err)
	assert.Equal(t, TransportStdio, stdio.Kind())

	httpT, err := NewTransport(TransportSpec{Type: TransportHTTP, URL: "http://x"})
	require.NoError(t, err)
	assert.Equal(t, TransportHTTP, httpT.Kind())

	ws, err := NewTransport(TransportSpec{Type: TransportWebSocket, URL: "ws://x"})
	require.NoError(t, err)
	assert.Equal(t, TransportWebSocket, ws.Kind())

	_, err = NewTransport(TransportSpec{Type: "carrier-pigeon"})
	require.Error(t, err)
}

// cat echoes stdin to stdout line by line, which is exactly the framing
// the stdio transport promises.
func TestStdioTransportEcho(t *testing.T) {
	transport := newStdioTransport(TransportSpec{Type: TransportStdio, Command: "cat"})

	received := make(chan []byte, 4)
	closed := make(chan error, 1)
	require.NoError(t, transport.Start(context.Background(),
		func(msg []byte) { received <- msg },
		func(err error) { closed <- err },
	))

	require.NoError(t, transport.Send(context.Background(), []byte(`{"id":1}`)))
	require.NoError(t, transport.Send(context.Background(), []byte(`{"id":2}`)))

	assert.Equal(t, `{"id":1}`, string(<-received))
	assert.Equal(t, `{"id":2}`, string(<-received))

	require.NoError(t, transport.Close())
	select {
	case err := <-closed:
		assert.NoError(t, err, "local close reports no error")
	case <-time.After(5 * time.Second):
		t.Fatal("onClose not invoked after Close")
	}

	// Close is idempotent.
	require.NoError(t, transport.Close())
}

func TestStdioTransportProcessExit(t *testing.T) {
	transport := newStdioTransport(TransportSpec{Type: TransportStdio, Command: "true"})

	closed := make(chan error, 1)
	require.NoError(t, transport.Start(context.Background(),
		func([]byte) {},
		func(err error) { closed <- err },
	))

	select {
	case err := <-closed:
		require.Error(t, err, "unexpected process exit surfaces through onClose")
	case <-time.After(5 * time.Second):
		t.Fatal("onClose not invoked after process exit")
	}
}

func TestStdioTransportStartFailure(t *testing.T) {
	transport := newStdioTransport(TransportSpec{Type: TransportStdio, Command: "/nonexistent-server"})
	err := transport.Start(context.Background(), func([]byte) {}, func(error) {})
	require.Error(t, err)
}

func TestHTTPTransportReplyDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	transport := newHTTPTransport(TransportSpec{
		Type:    TransportHTTP,
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "tok"},
	})

	received := make(chan []byte, 1)
	require.NoError(t, transport.Start(context.Background(),
		func(msg []byte) { received <- msg },
		func(error) {},
	))
	require.NoError(t, transport.Send(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))

	select {
	case msg := <-received:
		assert.Contains(t, string(msg), `"id":1`)
	case <-time.After(5 * time.Second):
		t.Fatal("reply body not delivered")
	}
}

func TestHTTPTransportNotificationHasNoReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport := newHTTPTransport(TransportSpec{Type: TransportHTTP, URL: srv.URL})

	received := make(chan []byte, 1)
	require.NoError(t, transport.Start(context.Background(),
		func(msg []byte) { received <- msg },
		func(error) {},
	))
	require.NoError(t, transport.Send(context.Background(), []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))

	select {
	case <-received:
		t.Fatal("empty reply body must not reach the handler")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHTTPTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	transport := newHTTPTransport(TransportSpec{Type: TransportHTTP, URL: srv.URL})
	require.NoError(t, transport.Start(context.Background(), func([]byte) {}, func(error) {}))

	err := transport.Send(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestWebSocketTransportEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := newWebSocketTransport(TransportSpec{Type: TransportWebSocket, URL: url})

	received := make(chan []byte, 1)
	closed := make(chan error, 1)
	require.NoError(t, transport.Start(context.Background(),
		func(msg []byte) { received <- msg },
		func(err error) { closed <- err },
	))

	require.NoError(t, transport.Send(context.Background(), []byte(`{"id":7}`)))
	select {
	case msg := <-received:
		assert.Equal(t, `{"id":7}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("echo frame not delivered")
	}

	require.NoError(t, transport.Close())
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("onClose not invoked after Close")
	}
}

func TestWebSocketTransportOutlivesDialContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, msg, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := newWebSocketTransport(TransportSpec{Type: TransportWebSocket, URL: url})

	received := make(chan []byte, 1)
	closed := make(chan error, 1)

	dialCtx, cancelDial := context.WithCancel(context.Background())
	require.NoError(t, transport.Start(dialCtx,
		func(msg []byte) { received <- msg },
		func(err error) { closed <- err },
	))

	// Ending the dial context must not kill the established connection.
	cancelDial()

	require.NoError(t, transport.Send(context.Background(), []byte(`{"id":9}`)))
	select {
	case msg := <-received:
		assert.Equal(t, `{"id":9}`, string(msg))
	case <-time.After(5 * time.Second):
		t.Fatal("connection died with its dial context")
	}
	select {
	case err := <-closed:
		t.Fatalf("read loop stopped after dial context cancel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, transport.Close())
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	transport := newWebSocketTransport(TransportSpec{Type: TransportWebSocket, URL: "ws://127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := transport.Start(ctx, func([]byte) {}, func(error) {})
	require.Error(t, err)
}

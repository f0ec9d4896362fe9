package mcp

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/orchestra-dev/orchestra/internal/core"
)

// wsTransport holds a single long-lived WebSocket connection; each frame
// carries one JSON value in either direction.
type wsTransport struct {
	spec TransportSpec

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

var _ Transport = (*wsTransport)(nil)

func newWebSocketTransport(spec TransportSpec) *wsTransport {
	return &wsTransport{spec: spec}
}

func (t *wsTransport) Kind() TransportKind { return TransportWebSocket }

func (t *wsTransport) Start(ctx context.Context, handler MessageHandler, onClose CloseHandler) error {
	opts := &websocket.DialOptions{Subprotocols: t.spec.Protocols}
	if len(t.spec.Headers) > 0 {
		header := http.Header{}
		for k, v := range t.spec.Headers {
			header.Set(k, v)
		}
		opts.HTTPHeader = header
	}

	conn, _, err := websocket.Dial(ctx, t.spec.URL, opts)
	if err != nil {
		return &core.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.mu.Unlock()

	// The dial context governs the handshake only. The read loop lives
	// until Close tears the connection down, so it must not inherit the
	// caller's cancellation.
	go t.readLoop(context.WithoutCancel(ctx), conn, handler, onClose)
	return nil
}

func (t *wsTransport) readLoop(ctx context.Context, conn *websocket.Conn, handler MessageHandler, onClose CloseHandler) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			closedLocally := t.closed
			t.mu.Unlock()
			if closedLocally {
				onClose(nil)
			} else {
				onClose(&core.TransportError{Op: "read", Err: err})
			}
			return
		}
		handler(msg)
	}
}

func (t *wsTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if conn == nil || closed {
		return &core.TransportError{Op: "send", Err: errNotConnected}
	}
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		return &core.TransportError{Op: "send", Err: err}
	}
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		return t.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

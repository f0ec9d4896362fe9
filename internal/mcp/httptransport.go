package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/orchestra-dev/orchestra/internal/core"
)

// httpTransport POSTs one JSON value per send; the response body is the
// correlated reply, delivered through the same inbound handler as the
// other transports. There are no server-to-client notifications on this
// transport.
type httpTransport struct {
	spec   TransportSpec
	client *resty.Client

	mu      sync.Mutex
	handler MessageHandler
	onClose CloseHandler
	closed  bool
}

var _ Transport = (*httpTransport)(nil)

func newHTTPTransport(spec TransportSpec) *httpTransport {
	client := resty.New()
	if len(spec.Headers) > 0 {
		client.SetHeaders(spec.Headers)
	}
	client.SetHeader("Content-Type", "application/json")
	return &httpTransport{spec: spec, client: client}
}

func (t *httpTransport) Kind() TransportKind { return TransportHTTP }

func (t *httpTransport) Start(_ context.Context, handler MessageHandler, onClose CloseHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
	t.onClose = onClose
	t.closed = false
	return nil
}

func (t *httpTransport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	handler := t.handler
	closed := t.closed
	t.mu.Unlock()
	if closed || handler == nil {
		return &core.TransportError{Op: "send", Err: errors.New("transport not started")}
	}

	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(msg).
		Post(t.spec.URL)
	if err != nil {
		return &core.TransportError{Op: "send", Err: err}
	}
	if resp.IsError() {
		return &core.TransportError{Op: "send", Err: fmt.Errorf("server returned %d: %s", resp.StatusCode(), resp.String())}
	}

	// Notifications have no reply body.
	if body := resp.Body(); len(body) > 0 {
		go handler(body)
	}
	return nil
}

func (t *httpTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.onClose != nil {
		go t.onClose(nil)
	}
	return nil
}

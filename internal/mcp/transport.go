package mcp

import (
	"context"
	"fmt"
)

// MessageHandler receives one inbound JSON value.
type MessageHandler func(msg []byte)

// CloseHandler is invoked exactly once when the transport stops, with the
// error that caused the stop (nil for a clean local close).
type CloseHandler func(err error)

// Transport is the bidirectional byte stream beneath the protocol client.
// One JSON value per message in either direction; framing is
// transport-specific (line-delimited for stdio, one frame per message for
// websocket, one POST body/response pair for http).
type Transport interface {
	// Start connects the transport and begins delivering inbound messages
	// to handler. onClose fires once when the transport stops.
	Start(ctx context.Context, handler MessageHandler, onClose CloseHandler) error

	// Send writes one JSON value.
	Send(ctx context.Context, msg []byte) error

	// Close tears the transport down. Idempotent.
	Close() error

	// Kind reports the transport kind for logging.
	Kind() TransportKind
}

// NewTransport instantiates a transport from a persisted descriptor.
func NewTransport(spec TransportSpec) (Transport, error) {
	switch spec.Type {
	case TransportStdio:
		return newStdioTransport(spec), nil
	case TransportHTTP:
		return newHTTPTransport(spec), nil
	case TransportWebSocket:
		return newWebSocketTransport(spec), nil
	default:
		return nil, fmt.Errorf("unsupported transport type %q", spec.Type)
	}
}

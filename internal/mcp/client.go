package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/common/pending"
	"github.com/orchestra-dev/orchestra/internal/core"
)

var (
	// ErrConnectionClosed rejects outstanding requests when the transport
	// goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout rejects a request whose deadline fired.
	ErrRequestTimeout = errors.New("request timed out")

	errNotConnected = errors.New("not connected")
)

// DefaultRequestTimeout bounds each outgoing request.
const DefaultRequestTimeout = 30 * time.Second

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NotificationHandler receives server-initiated notifications that are not
// cache-refresh triggers.
type NotificationHandler func(method string, params json.RawMessage)

// Client speaks JSON-RPC 2.0 request/response and notifications over a
// Transport. Request ids are client-generated, unique within the
// connection lifetime, and correlate responses through a pending table.
type Client struct {
	transport Transport
	timeout   time.Duration
	nextID    atomic.Int64
	inFlight  *pending.Table[json.RawMessage]

	mu            sync.RWMutex
	onListChanged func(method string)
	onClose       func(err error)
	subscribers   []NotificationHandler
	started       bool
}

// NewClient wraps a transport. The caller owns the transport's lifetime
// through the client: Close closes both.
func NewClient(transport Transport, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{
		transport: transport,
		timeout:   timeout,
		inFlight:  pending.NewTable[json.RawMessage](),
	}
}

// OnListChanged registers the callback for `*_changed` notifications.
// It receives the notification method name.
func (c *Client) OnListChanged(fn func(method string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onListChanged = fn
}

// OnClose registers a callback fired once when the transport stops with
// an error (an unexpected close). Local Close does not fire it.
func (c *Client) OnClose(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// Subscribe adds a handler for other notifications. Unsubscribed
// notifications are dropped.
func (c *Client) Subscribe(fn NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Start connects the underlying transport.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	return c.transport.Start(ctx, c.handleMessage, c.handleClose)
}

// Close tears down the transport; every outstanding request rejects with
// ErrConnectionClosed.
func (c *Client) Close() error {
	err := c.transport.Close()
	c.inFlight.RejectAll(&core.TransportError{Op: "close", Err: ErrConnectionClosed})
	return err
}

// Request issues one request and waits for the correlated response, the
// per-request deadline, or context cancellation.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	msg := rpcMessage{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	key := strconv.FormatInt(id, 10)
	waiter, err := c.inFlight.Register(key, c.timeout)
	if err != nil {
		return nil, err
	}

	if err := c.transport.Send(ctx, payload); err != nil {
		c.inFlight.Reject(key, err)
		return nil, err
	}

	result, err := waiter.Wait(ctx)
	if err != nil {
		// Deregister on context cancellation; resolve/reject paths have
		// already removed the entry.
		c.inFlight.Reject(key, err)
		if errors.Is(err, pending.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s (after %s)", ErrRequestTimeout, method, c.timeout)
		}
		return nil, err
	}
	return result, nil
}

// Notify sends a notification (no id, no reply).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	msg := rpcMessage{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, payload)
}

func (c *Client) handleMessage(raw []byte) {
	var msg rpcMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn(context.Background(), "Dropping unparseable protocol message", tag.Error, err)
		return
	}

	switch {
	case msg.ID != nil && msg.Method == "":
		// Response: resolve the correlated request.
		key := strconv.FormatInt(*msg.ID, 10)
		if msg.Error != nil {
			var data any
			if len(msg.Error.Data) > 0 {
				_ = json.Unmarshal(msg.Error.Data, &data)
			}
			perr := &core.ProtocolError{Code: msg.Error.Code, Message: msg.Error.Message, Data: data}
			if !c.inFlight.Reject(key, perr) {
				logger.Warn(context.Background(), "Dropping response with unknown id", tag.RequestID, key)
			}
			return
		}
		if !c.inFlight.Resolve(key, msg.Result) {
			logger.Warn(context.Background(), "Dropping response with unknown id", tag.RequestID, key)
		}

	case msg.ID == nil && msg.Method != "":
		c.handleNotification(msg.Method, msg.Params)

	default:
		// Server-initiated requests are not part of the dialect we consume.
		logger.Warn(context.Background(), "Dropping unexpected protocol message", tag.Method, msg.Method)
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case NotificationToolsChanged, NotificationPromptsChanged, NotificationResourcesChanged:
		c.mu.RLock()
		fn := c.onListChanged
		c.mu.RUnlock()
		if fn != nil {
			go fn(method)
		}
	default:
		c.mu.RLock()
		subs := c.subscribers
		c.mu.RUnlock()
		for _, fn := range subs {
			fn(method, params)
		}
	}
}

func (c *Client) handleClose(err error) {
	if err != nil {
		logger.Warn(context.Background(), "Transport closed", tag.Error, err)
	}
	c.inFlight.RejectAll(&core.TransportError{Op: "close", Err: ErrConnectionClosed})

	c.mu.RLock()
	fn := c.onClose
	c.mu.RUnlock()
	if err != nil && fn != nil {
		fn(err)
	}
}

// initializeParams is the payload of the initialize request.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// Initialize performs the handshake: the initialize request followed by
// the initialized notification. Returns the server's info.
func (c *Client) Initialize(ctx context.Context, clientInfo Implementation) (*ServerInfo, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      clientInfo,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
	}
	raw, err := c.Request(ctx, MethodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
		Capabilities    map[string]any
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if result.ServerInfo.Capabilities == nil {
		result.ServerInfo.Capabilities = result.Capabilities
	}

	if err := c.Notify(ctx, NotificationInitialized, nil); err != nil {
		return nil, err
	}
	return &result.ServerInfo, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Request(ctx, MethodPing, nil)
	return err
}

// Shutdown notifies the server that the client is going away.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.Notify(ctx, NotificationShutdown, nil)
}

// ListTools fetches the server's tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.Request(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes one tool.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := map[string]any{"name": name, "arguments": arguments}
	raw, err := c.Request(ctx, MethodToolsCall, params)
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return &result, nil
}

// ListPrompts fetches the server's prompt catalogue.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	raw, err := c.Request(ctx, MethodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Prompts []Prompt `json:"prompts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt fetches one prompt by name.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]any) (json.RawMessage, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}
	return c.Request(ctx, MethodPromptsGet, params)
}

// ListResources fetches the server's resource catalogue.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.Request(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.Request(ctx, MethodResourcesRead, map[string]any{"uri": uri})
}

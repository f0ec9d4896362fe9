// Package mcp implements the tool-server connection manager: registration
// and lifecycle of external tool servers, the JSON-RPC 2.0 protocol client
// with request correlation, and the stdio, HTTP and WebSocket transports
// beneath it.
package mcp

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is the protocol revision sent in the initialize
// handshake.
const ProtocolVersion = "2024-11-05"

// Canonical JSON-RPC error codes, plus the tool-server extensions.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeServerError        = -32000
	CodeToolNotFound       = -32001
	CodeToolExecutionError = -32002
)

// Protocol methods and notifications.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodPromptsList   = "prompts/list"
	MethodPromptsGet    = "prompts/get"
	MethodResourcesList = "resources/list"
	MethodResourcesRead = "resources/read"

	NotificationInitialized      = "initialized"
	NotificationShutdown         = "shutdown"
	NotificationToolsChanged     = "notifications/tools/list_changed"
	NotificationPromptsChanged   = "notifications/prompts/list_changed"
	NotificationResourcesChanged = "notifications/resources/list_changed"
)

// TransportKind selects one of the three supported transports.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// TransportSpec is the persisted transport descriptor, a tagged union
// discriminated by Type.
type TransportSpec struct {
	Type TransportKind `json:"type"`

	// stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// http / websocket
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Protocols []string          `json:"protocols,omitempty"`
}

// ServerStatus is the lifecycle state of a registered server.
// error is sticky: it is entered from connecting or connected and cleared
// only by a new connect.
type ServerStatus string

const (
	ServerDisconnected ServerStatus = "disconnected"
	ServerConnecting   ServerStatus = "connecting"
	ServerConnected    ServerStatus = "connected"
	ServerError        ServerStatus = "error"
)

// Implementation identifies a protocol peer.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is populated from the initialize handshake reply.
type ServerInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// Tool is one entry of a server's tools/list reply.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Prompt is one entry of a server's prompts/list reply.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Resource is one entry of a server's resources/list reply.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Description string `json:"description,omitempty"`
}

// ContentBlock is one element of a tool-call result's content list.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallResult is the reply to tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// RegisteredServer is the persisted record of a tool server. The manager
// exclusively owns the transport and protocol client behind it; external
// callers hold only the id.
type RegisteredServer struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenantId"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Transport   TransportSpec `json:"transport"`
	Status      ServerStatus  `json:"status"`
	ServerInfo  *ServerInfo   `json:"serverInfo,omitempty"`
	Tools       []Tool        `json:"tools,omitempty"`
	Error       string        `json:"error,omitempty"`
	AutoConnect bool          `json:"autoConnect,omitempty"`
	ConnectedAt *time.Time    `json:"connectedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

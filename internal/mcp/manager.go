package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
)

var (
	// ErrServerNotFound is returned for an unknown server id.
	ErrServerNotFound = errors.New("server not registered")

	// ErrServerNotConnected is returned when a call requires the connected
	// state.
	ErrServerNotConnected = errors.New("server not connected")

	// ErrToolNotFound is returned when auto-discovery finds no match.
	ErrToolNotFound = errors.New("tool not found on any connected server")
)

// ServerStore is the slice of the persistence layer the manager consumes.
type ServerStore interface {
	SaveServer(ctx context.Context, s *RegisteredServer) error
	DeleteServer(ctx context.Context, id string) error
	LoadServers(ctx context.Context) ([]*RegisteredServer, error)
}

// serverConn pairs a persisted record with the live transport and protocol
// client the manager exclusively owns.
type serverConn struct {
	record    *RegisteredServer
	transport Transport
	client    *Client

	// prompt/resource caches live beside the tool cache on the record
	prompts   []Prompt
	resources []Resource
}

// Manager maintains the registry of tool servers and their lifecycles:
// register -> connect -> discover -> call -> disconnect -> unregister.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverConn
	order   []string // registration order; findTool tie-breaking

	store          ServerStore
	clientInfo     Implementation
	requestTimeout time.Duration

	// transportFactory is replaceable in tests.
	transportFactory func(TransportSpec) (Transport, error)
}

// NewManager creates a manager backed by the given store.
func NewManager(store ServerStore, clientInfo Implementation, requestTimeout time.Duration) *Manager {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if clientInfo.Name == "" {
		clientInfo = Implementation{Name: "orchestra", Version: "dev"}
	}
	return &Manager{
		servers:          make(map[string]*serverConn),
		store:            store,
		clientInfo:       clientInfo,
		requestTimeout:   requestTimeout,
		transportFactory: NewTransport,
	}
}

// Register creates a server record in the disconnected state and persists
// it. With autoConnect the connect is triggered immediately.
func (m *Manager) Register(ctx context.Context, server *RegisteredServer) error {
	if server.ID == "" {
		return errors.New("server id is required")
	}
	now := time.Now()
	server.Status = ServerDisconnected
	server.CreatedAt = now
	server.UpdatedAt = now

	m.mu.Lock()
	if _, exists := m.servers[server.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %q already registered", server.ID)
	}
	m.servers[server.ID] = &serverConn{record: server}
	m.order = append(m.order, server.ID)
	m.mu.Unlock()

	if err := m.persist(ctx, server); err != nil {
		return err
	}

	if server.AutoConnect {
		return m.Connect(ctx, server.ID)
	}
	return nil
}

// Connect establishes the transport, performs the initialize handshake,
// and populates the capability cache. Any step failure transitions the
// server to error, closes the transport, and propagates the error.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	conn, err := m.conn(serverID)
	if err != nil {
		return err
	}

	m.setStatus(ctx, conn, ServerConnecting, "")
	// A new connect clears the previous capability caches.
	m.mu.Lock()
	conn.record.Tools = nil
	conn.record.ServerInfo = nil
	conn.prompts = nil
	conn.resources = nil
	m.mu.Unlock()

	transport, err := m.transportFactory(conn.record.Transport)
	if err != nil {
		m.setStatus(ctx, conn, ServerError, err.Error())
		return err
	}

	client := NewClient(transport, m.requestTimeout)
	client.OnListChanged(func(method string) {
		m.refreshCache(context.Background(), serverID, method)
	})
	client.OnClose(func(err error) {
		logger.Warn(context.Background(), "Tool server connection lost", tag.Server, serverID, tag.Error, err)
		m.markDisconnected(context.Background(), serverID)
	})

	if err := client.Start(ctx); err != nil {
		m.setStatus(ctx, conn, ServerError, err.Error())
		return err
	}

	info, err := client.Initialize(ctx, m.clientInfo)
	if err != nil {
		_ = client.Close()
		m.setStatus(ctx, conn, ServerError, err.Error())
		return fmt.Errorf("initialize %s: %w", serverID, err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		m.setStatus(ctx, conn, ServerError, err.Error())
		return fmt.Errorf("tools/list %s: %w", serverID, err)
	}

	now := time.Now()
	m.mu.Lock()
	conn.transport = transport
	conn.client = client
	conn.record.ServerInfo = info
	conn.record.Tools = tools
	conn.record.ConnectedAt = &now
	m.mu.Unlock()

	m.setStatus(ctx, conn, ServerConnected, "")
	logger.Info(ctx, "Tool server connected",
		tag.Server, serverID,
		tag.Transport, string(transport.Kind()),
		tag.Count, len(tools),
	)
	return nil
}

// Disconnect closes the transport and rejects pending requests. The cached
// tool list is left untouched for diagnostics; the registration survives.
func (m *Manager) Disconnect(ctx context.Context, serverID string) error {
	conn, err := m.conn(serverID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	client := conn.client
	conn.client = nil
	conn.transport = nil
	conn.record.ConnectedAt = nil
	m.mu.Unlock()

	if client != nil {
		_ = client.Shutdown(ctx)
		_ = client.Close()
	}
	m.setStatus(ctx, conn, ServerDisconnected, "")
	return nil
}

// Unregister disconnects and removes the registration.
func (m *Manager) Unregister(ctx context.Context, serverID string) error {
	if _, err := m.conn(serverID); err != nil {
		return err
	}
	_ = m.Disconnect(ctx, serverID)

	m.mu.Lock()
	delete(m.servers, serverID)
	for i, id := range m.order {
		if id == serverID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	return m.store.DeleteServer(ctx, serverID)
}

// CallTool invokes a tool on a connected server.
func (m *Manager) CallTool(ctx context.Context, serverID, name string, arguments map[string]any) (*ToolCallResult, error) {
	conn, err := m.conn(serverID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	client := conn.client
	status := conn.record.Status
	m.mu.RUnlock()

	if status != ServerConnected || client == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrServerNotConnected, serverID, status)
	}
	return client.CallTool(ctx, name, arguments)
}

// FindTool scans connected servers of the tenant in registration order and
// returns the first advertising the named tool.
func (m *Manager) FindTool(name, tenantID string) (string, *Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		conn := m.servers[id]
		if conn.record.Status != ServerConnected {
			continue
		}
		if tenantID != "" && conn.record.TenantID != tenantID {
			continue
		}
		for i := range conn.record.Tools {
			if conn.record.Tools[i].Name == name {
				tool := conn.record.Tools[i]
				return id, &tool, true
			}
		}
	}
	return "", nil, false
}

// Server returns a snapshot of the persisted record.
func (m *Manager) Server(serverID string) (*RegisteredServer, error) {
	conn, err := m.conn(serverID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := *conn.record
	return &snapshot, nil
}

// Servers returns snapshots of all registrations in registration order.
func (m *Manager) Servers() []*RegisteredServer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*RegisteredServer, 0, len(m.order))
	for _, id := range m.order {
		snapshot := *m.servers[id].record
		out = append(out, &snapshot)
	}
	return out
}

// Prompts returns the cached prompt catalogue of a server.
func (m *Manager) Prompts(serverID string) ([]Prompt, error) {
	conn, err := m.conn(serverID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Prompt(nil), conn.prompts...), nil
}

// Resources returns the cached resource catalogue of a server.
func (m *Manager) Resources(serverID string) ([]Resource, error) {
	conn, err := m.conn(serverID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Resource(nil), conn.resources...), nil
}

// Recover loads all persisted server records and re-connects, in the
// background, every server whose persisted status was connected. Reconnect
// failures land the server in error; they never fail process start.
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.store.LoadServers(ctx)
	if err != nil {
		return fmt.Errorf("load servers: %w", err)
	}

	var reconnect []string
	m.mu.Lock()
	for _, record := range records {
		if _, exists := m.servers[record.ID]; exists {
			continue
		}
		wasConnected := record.Status == ServerConnected
		record.Status = ServerDisconnected
		record.ConnectedAt = nil
		m.servers[record.ID] = &serverConn{record: record}
		m.order = append(m.order, record.ID)
		if wasConnected {
			reconnect = append(reconnect, record.ID)
		}
	}
	m.mu.Unlock()

	for _, id := range reconnect {
		go func(id string) {
			if err := m.Connect(ctx, id); err != nil {
				logger.Warn(ctx, "Tool server reconnect failed", tag.Server, id, tag.Error, err)
			}
		}(id)
	}
	return nil
}

// refreshCache re-fetches the catalogue named by a `*_changed`
// notification.
func (m *Manager) refreshCache(ctx context.Context, serverID, method string) {
	conn, err := m.conn(serverID)
	if err != nil {
		return
	}
	m.mu.RLock()
	client := conn.client
	m.mu.RUnlock()
	if client == nil {
		return
	}

	switch method {
	case NotificationToolsChanged:
		tools, err := client.ListTools(ctx)
		if err != nil {
			logger.Warn(ctx, "Tool cache refresh failed", tag.Server, serverID, tag.Error, err)
			return
		}
		m.mu.Lock()
		conn.record.Tools = tools
		m.mu.Unlock()
	case NotificationPromptsChanged:
		prompts, err := client.ListPrompts(ctx)
		if err != nil {
			logger.Warn(ctx, "Prompt cache refresh failed", tag.Server, serverID, tag.Error, err)
			return
		}
		m.mu.Lock()
		conn.prompts = prompts
		m.mu.Unlock()
	case NotificationResourcesChanged:
		resources, err := client.ListResources(ctx)
		if err != nil {
			logger.Warn(ctx, "Resource cache refresh failed", tag.Server, serverID, tag.Error, err)
			return
		}
		m.mu.Lock()
		conn.resources = resources
		m.mu.Unlock()
	}
	_ = m.persistCurrent(ctx, serverID)
}

// markDisconnected handles an unexpected transport close.
func (m *Manager) markDisconnected(ctx context.Context, serverID string) {
	conn, err := m.conn(serverID)
	if err != nil {
		return
	}
	m.mu.Lock()
	conn.client = nil
	conn.transport = nil
	conn.record.ConnectedAt = nil
	m.mu.Unlock()
	m.setStatus(ctx, conn, ServerDisconnected, "")
}

func (m *Manager) conn(serverID string) (*serverConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.servers[serverID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}
	return conn, nil
}

func (m *Manager) setStatus(ctx context.Context, conn *serverConn, status ServerStatus, lastError string) {
	m.mu.Lock()
	conn.record.Status = status
	conn.record.Error = lastError
	conn.record.UpdatedAt = time.Now()
	m.mu.Unlock()
	_ = m.persistCurrent(ctx, conn.record.ID)
}

func (m *Manager) persistCurrent(ctx context.Context, serverID string) error {
	m.mu.RLock()
	conn, ok := m.servers[serverID]
	if !ok {
		m.mu.RUnlock()
		return nil
	}
	snapshot := *conn.record
	m.mu.RUnlock()
	return m.persist(ctx, &snapshot)
}

func (m *Manager) persist(ctx context.Context, record *RegisteredServer) error {
	if err := m.store.SaveServer(ctx, record); err != nil {
		// Persistence failures must not cascade into the lifecycle.
		logger.Error(ctx, "Failed to persist server record", tag.Server, record.ID, tag.Error, err)
		return nil
	}
	return nil
}

package filestore

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sort"
	"time"

	"github.com/orchestra-dev/orchestra/internal/mcp"
	"github.com/orchestra-dev/orchestra/internal/persistence"
)

// SaveServer writes the full server record, transport tagged union
// included.
func (s *Store) SaveServer(_ context.Context, server *mcp.RegisteredServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	server.UpdatedAt = time.Now().UTC()
	return writeJSON(s.serverPath(server.ID), server)
}

// UpdateServerStatus rewrites only the status and error of a record.
func (s *Store) UpdateServerStatus(_ context.Context, id string, status mcp.ServerStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var server mcp.RegisteredServer
	if err := readJSON(s.serverPath(id), &server, persistence.ErrServerNotFound); err != nil {
		return err
	}
	server.Status = status
	server.Error = lastError
	server.UpdatedAt = time.Now().UTC()
	return writeJSON(s.serverPath(id), &server)
}

// DeleteServer removes a record; deleting an unknown id is a no-op.
func (s *Store) DeleteServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.serverPath(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadServers reads every persisted server record, ordered by creation
// time so startup recovery preserves registration order.
func (s *Store) LoadServers(_ context.Context) ([]*mcp.RegisteredServer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir + "/servers")
	if err != nil {
		return nil, err
	}
	var out []*mcp.RegisteredServer
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var server mcp.RegisteredServer
		if err := readJSON(s.baseDir+"/servers/"+e.Name(), &server, persistence.ErrServerNotFound); err != nil {
			continue
		}
		out = append(out, &server)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

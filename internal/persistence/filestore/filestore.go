// Package filestore persists the engine's records as JSON files under a
// base directory:
//
//	<base>/workflows/<workflowId>.json
//	<base>/runs/<runId>/run.json
//	<base>/runs/<runId>/nodes/<nodeId>.json
//	<base>/servers/<serverId>.json
//
// Writes go through a temp file and rename so readers never observe a
// partial record.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orchestra-dev/orchestra/internal/persistence"
)

// Store is a file-backed Repository.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

var _ persistence.Repository = (*Store)(nil)

// New creates a store rooted at baseDir, creating the directory layout on
// first use.
func New(baseDir string) (*Store, error) {
	for _, dir := range []string{"workflows", "runs", "servers"} {
		if err := os.MkdirAll(filepath.Join(baseDir, dir), 0o750); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", dir, err)
		}
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) workflowPath(id string) string {
	return filepath.Join(s.baseDir, "workflows", sanitize(id)+".json")
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.baseDir, "runs", sanitize(runID))
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) nodePath(runID, nodeID string) string {
	return filepath.Join(s.runDir(runID), "nodes", sanitize(nodeID)+".json")
}

func (s *Store) serverPath(id string) string {
	return filepath.Join(s.baseDir, "servers", sanitize(id)+".json")
}

// sanitize keeps ids usable as file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any, notFound error) error {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

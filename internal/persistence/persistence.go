// Package persistence defines the repository consumed by the run manager
// and the tool-server connection manager, with file-backed and
// Postgres-backed implementations in subpackages.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/mcp"
)

var (
	// ErrRunNotFound is returned for an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrWorkflowNotFound is returned for an unknown workflow id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrServerNotFound is returned for an unknown server id.
	ErrServerNotFound = errors.New("server not found")
)

// Repository is the durable store behind the engine. Implementations must
// be safe for concurrent use.
//
// Run status transitions are compare-and-set: UpdateRunStatus on a run
// that already reached a terminal status returns ErrRunAlreadyTerminal
// without modifying the row. This makes cancel a no-op when racing with
// natural termination.
type Repository interface {
	// Workflows.
	SaveWorkflow(ctx context.Context, wf *core.Workflow) error
	LoadWorkflow(ctx context.Context, id string) (*core.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*core.Workflow, error)

	// Runs.
	CreateRun(ctx context.Context, run *core.Run) error
	LoadRun(ctx context.Context, runID string) (*core.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status core.RunStatus, endedAt *time.Time) error
	UpdateRunResult(ctx context.Context, runID string, outputs map[string]any, errMsg string) error
	ListInterruptedRuns(ctx context.Context) ([]*core.Run, error)

	// Run nodes: one row per (runId, nodeId), created on the first
	// transition and updated in place afterwards.
	UpsertRunNode(ctx context.Context, runID string, update *core.NodeStateUpdate) error
	LoadRunNodes(ctx context.Context, runID string) ([]*core.RunNode, error)

	// Tool servers. The method set is a superset of mcp.ServerStore.
	SaveServer(ctx context.Context, s *mcp.RegisteredServer) error
	UpdateServerStatus(ctx context.Context, id string, status mcp.ServerStatus, lastError string) error
	DeleteServer(ctx context.Context, id string) error
	LoadServers(ctx context.Context) ([]*mcp.RegisteredServer, error)
}

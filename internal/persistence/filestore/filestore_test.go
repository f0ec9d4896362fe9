package filestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/mcp"
	"github.com/orchestra-dev/orchestra/internal/persistence"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestWorkflowRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	wf := &core.Workflow{
		ID:      "wf-1",
		Name:    "deploy",
		Version: 2,
		Nodes: []core.Node{
			{ID: "build", Type: core.NodeTypeTool, Config: map[string]any{"command": "make"}},
			{ID: "ship", Type: core.NodeTypeTool, Config: map[string]any{"command": "make push"}, Dependencies: []string{"build"}},
		},
	}
	require.NoError(t, s.SaveWorkflow(ctx, wf))

	got, err := s.LoadWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "deploy", got.Name)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, []string{"build"}, got.Nodes[1].Dependencies)

	_, err = s.LoadWorkflow(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := &core.Run{
		ID:         "run-1",
		WorkflowID: "wf-1",
		TenantID:   "t1",
		Status:     core.RunQueued,
		Inputs:     map[string]any{"env": "staging"},
	}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", core.RunRunning, nil))

	got, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunRunning, got.Status)
	assert.False(t, got.StartedAt.IsZero())

	ended := time.Now().UTC()
	require.NoError(t, s.UpdateRunStatus(ctx, "run-1", core.RunCompleted, &ended))

	// Terminal status is sticky: cancel after completion is refused.
	err = s.UpdateRunStatus(ctx, "run-1", core.RunCancelled, &ended)
	require.ErrorIs(t, err, core.ErrRunAlreadyTerminal)

	got, err = s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, core.RunCompleted, got.Status)

	err = s.UpdateRunStatus(ctx, "missing", core.RunRunning, nil)
	require.ErrorIs(t, err, persistence.ErrRunNotFound)
}

func TestListInterruptedRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	mk := func(id string, status core.RunStatus) {
		require.NoError(t, s.CreateRun(ctx, &core.Run{ID: id, WorkflowID: "wf", Status: status}))
	}
	mk("r-done", core.RunCompleted)
	mk("r-running", core.RunRunning)
	mk("r-waiting", core.RunWaiting)
	mk("r-failed", core.RunFailed)

	got, err := s.ListInterruptedRuns(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"r-running", "r-waiting"}, ids)
}

func TestUpsertRunNode(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	started := time.Now().UTC()
	require.NoError(t, s.UpsertRunNode(ctx, "run-1", &core.NodeStateUpdate{
		NodeID:    "build",
		Type:      core.NodeTypeTool,
		Status:    core.NodeRunning,
		Inputs:    map[string]any{"command": "make build"},
		StartedAt: started,
	}))

	completed := started.Add(2 * time.Second)
	require.NoError(t, s.UpsertRunNode(ctx, "run-1", &core.NodeStateUpdate{
		NodeID:      "build",
		Type:        core.NodeTypeTool,
		Status:      core.NodeCompleted,
		Output:      map[string]any{"exitCode": 0},
		StartedAt:   started,
		CompletedAt: &completed,
	}))

	nodes, err := s.LoadRunNodes(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "build", nodes[0].NodeID)
	assert.Equal(t, core.NodeCompleted, nodes[0].Status)
	assert.NotEmpty(t, nodes[0].ID)
	assert.Equal(t, 0, nodes[0].Retries)
	require.NotNil(t, nodes[0].EndedAt)
	// The terminal update carried no inputs; the running record's survive.
	assert.Equal(t, map[string]any{"command": "make build"}, nodes[0].Inputs)

	// Re-entering running on an existing record counts as a retry.
	require.NoError(t, s.UpsertRunNode(ctx, "run-1", &core.NodeStateUpdate{
		NodeID:    "build",
		Type:      core.NodeTypeTool,
		Status:    core.NodeRunning,
		StartedAt: time.Now().UTC(),
	}))
	nodes, err = s.LoadRunNodes(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, nodes[0].Retries)

	// A run with no node records loads empty.
	nodes, err = s.LoadRunNodes(ctx, "run-2")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestServerRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	server := &mcp.RegisteredServer{
		ID:       "srv-1",
		TenantID: "t1",
		Name:     "files",
		Transport: mcp.TransportSpec{
			Type:    mcp.TransportStdio,
			Command: "mcp-files",
			Args:    []string{"--root", "/data"},
		},
		Status:      mcp.ServerDisconnected,
		AutoConnect: true,
	}
	require.NoError(t, s.SaveServer(ctx, server))
	require.NoError(t, s.UpdateServerStatus(ctx, "srv-1", mcp.ServerError, "dial refused"))

	servers, err := s.LoadServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, mcp.ServerError, servers[0].Status)
	assert.Equal(t, "dial refused", servers[0].Error)
	assert.Equal(t, mcp.TransportStdio, servers[0].Transport.Type)
	assert.Equal(t, "mcp-files", servers[0].Transport.Command)

	require.NoError(t, s.DeleteServer(ctx, "srv-1"))
	require.NoError(t, s.DeleteServer(ctx, "srv-1")) // idempotent

	servers, err = s.LoadServers(ctx)
	require.NoError(t, err)
	assert.Empty(t, servers)

	err = s.UpdateServerStatus(ctx, "missing", mcp.ServerConnected, "")
	require.ErrorIs(t, err, persistence.ErrServerNotFound)
}

package run

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/executor"
	"github.com/orchestra-dev/orchestra/internal/persistence/filestore"
	"github.com/orchestra-dev/orchestra/internal/workflow"
)

type recordingExecutor struct {
	mu       sync.Mutex
	executed []string
	output   func(node *core.Node) any
}

func (f *recordingExecutor) Execute(_ context.Context, node *core.Node, _ *core.Context) (*executor.Result, error) {
	f.mu.Lock()
	f.executed = append(f.executed, node.ID)
	f.mu.Unlock()
	out := any(node.ID)
	if f.output != nil {
		out = f.output(node)
	}
	return &executor.Result{Output: out}, nil
}

func (f *recordingExecutor) RetryPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 1, BaseInterval: time.Millisecond}
}

func (f *recordingExecutor) nodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type fixture struct {
	repo    *filestore.Store
	manager *Manager
	human   *executor.HumanExecutor
	stub    *recordingExecutor
}

func newFixture(t *testing.T, dir string) *fixture {
	t.Helper()
	repo, err := filestore.New(dir)
	require.NoError(t, err)

	stub := &recordingExecutor{}
	human := executor.NewHumanExecutor()
	registry := executor.NewRegistry(0)
	registry.Register(core.NodeTypeLLM, stub)
	registry.Register(core.NodeTypeTool, stub)
	registry.Register(core.NodeTypeHuman, human)

	manager := NewManager(repo, registry, human, workflow.NewEventBus(), Options{})
	return &fixture{repo: repo, manager: manager, human: human, stub: stub}
}

func saveApprovalWorkflow(t *testing.T, f *fixture) {
	t.Helper()
	wf := &core.Workflow{
		ID:      "wf-approve",
		Name:    "gated deploy",
		Version: 1,
		Nodes: []core.Node{
			{ID: "a", Type: core.NodeTypeLLM, Config: map[string]any{
				"model":    "gpt-4",
				"messages": []any{map[string]any{"role": "user", "content": "plan"}},
			}},
			{ID: "gate", Type: core.NodeTypeHuman, Config: map[string]any{"message": "ship?"}, Dependencies: []string{"a"}},
			{ID: "b", Type: core.NodeTypeTool, Config: map[string]any{"command": "deploy"}, Dependencies: []string{"gate"}},
		},
	}
	require.NoError(t, f.repo.SaveWorkflow(context.Background(), wf))
}

func waitEvent(t *testing.T, ch <-chan core.ExecutionEvent, typ core.EventType) core.ExecutionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("bus closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func waitRunStatus(t *testing.T, f *fixture, runID string, status core.RunStatus) *core.Run {
	t.Helper()
	var run *core.Run
	require.Eventually(t, func() bool {
		r, err := f.repo.LoadRun(context.Background(), runID)
		if err != nil {
			return false
		}
		run = r
		return r.Status == status
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestStartCompletesLinearRun(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()

	wf := &core.Workflow{
		ID:      "wf-1",
		Name:    "pipeline",
		Version: 1,
		Inputs: map[string]core.InputSpec{
			"env": {Type: "string", Required: false, Default: "staging"},
		},
		Nodes: []core.Node{
			{ID: "a", Type: core.NodeTypeTool, Config: map[string]any{"command": "build"}},
			{ID: "b", Type: core.NodeTypeTool, Config: map[string]any{"command": "test"}, Dependencies: []string{"a"}},
		},
	}
	require.NoError(t, f.repo.SaveWorkflow(ctx, wf))

	run, err := f.manager.Start(ctx, "wf-1", "t1", nil)
	require.NoError(t, err)
	assert.Equal(t, "staging", run.Inputs["env"])

	got := waitRunStatus(t, f, run.ID, core.RunCompleted)
	assert.Equal(t, []string{"a", "b"}, f.stub.nodes())
	assert.Equal(t, "a", got.Outputs["a"])
	assert.NotNil(t, got.EndedAt)

	nodes, err := f.repo.LoadRunNodes(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		assert.Equal(t, core.NodeCompleted, n.Status)
	}
}

func TestStartMissingRequiredInput(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()

	wf := &core.Workflow{
		ID:      "wf-req",
		Version: 1,
		Inputs: map[string]core.InputSpec{
			"target": {Type: "string", Required: true},
		},
		Nodes: []core.Node{
			{ID: "a", Type: core.NodeTypeTool, Config: map[string]any{"command": "x"}},
		},
	}
	require.NoError(t, f.repo.SaveWorkflow(ctx, wf))

	_, err := f.manager.Start(ctx, "wf-req", "t1", nil)
	require.ErrorIs(t, err, core.ErrMissingRequiredInput)
}

func TestApprovalInterruptThenResume(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First process: run up to the approval gate, then "crash".
	f1 := newFixture(t, dir)
	saveApprovalWorkflow(t, f1)

	ch1, cancel1 := f1.manager.Events().Subscribe(64)
	defer cancel1()

	run, err := f1.manager.Start(ctx, "wf-approve", "t1", nil)
	require.NoError(t, err)
	waitEvent(t, ch1, core.EventWaitingApproval)
	waitRunStatus(t, f1, run.ID, core.RunWaiting)

	// Second process over the same data directory.
	f2 := newFixture(t, dir)
	ch2, cancel2 := f2.manager.Events().Subscribe(64)
	defer cancel2()

	require.NoError(t, f2.manager.RecoverInterrupted(ctx))
	waitEvent(t, ch2, core.EventWaitingApproval)

	// a completed before the interruption and is not re-executed.
	assert.Empty(t, f2.stub.nodes())

	require.NoError(t, f2.manager.Approve(ctx, run.ID, "gate", "alice", "lgtm"))
	waitEvent(t, ch2, core.EventWorkflowCompleted)

	got := waitRunStatus(t, f2, run.ID, core.RunCompleted)
	gate, ok := got.Outputs["gate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, gate["approved"])
	assert.Equal(t, "alice", gate["approver"])
	assert.Equal(t, []string{"b"}, f2.stub.nodes())
}

func TestRejectFailsRun(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()
	saveApprovalWorkflow(t, f)

	ch, cancel := f.manager.Events().Subscribe(64)
	defer cancel()

	run, err := f.manager.Start(ctx, "wf-approve", "t1", nil)
	require.NoError(t, err)
	waitEvent(t, ch, core.EventWaitingApproval)

	require.NoError(t, f.manager.Reject(ctx, run.ID, "gate", "bob", "not today"))
	waitEvent(t, ch, core.EventWorkflowFailed)

	got := waitRunStatus(t, f, run.ID, core.RunFailed)
	assert.Contains(t, got.Error, "gate")

	// b never ran: only a executed.
	assert.Equal(t, []string{"a"}, f.stub.nodes())
}

func TestCancelDuringApprovalWait(t *testing.T) {
	f := newFixture(t, t.TempDir())
	ctx := context.Background()
	saveApprovalWorkflow(t, f)

	ch, cancel := f.manager.Events().Subscribe(64)
	defer cancel()

	run, err := f.manager.Start(ctx, "wf-approve", "t1", nil)
	require.NoError(t, err)
	waitEvent(t, ch, core.EventWaitingApproval)

	require.NoError(t, f.manager.Cancel(ctx, run.ID))
	waitRunStatus(t, f, run.ID, core.RunCancelled)

	// Cancelling again is a no-op.
	require.NoError(t, f.manager.Cancel(ctx, run.ID))
}

package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/resolver"
	"github.com/orchestra-dev/orchestra/internal/executor"
)

type fakeNodeExecutor struct {
	fn     func(ctx context.Context, node *core.Node, runCtx *core.Context) (*executor.Result, error)
	policy backoff.Policy
}

func (f *fakeNodeExecutor) Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*executor.Result, error) {
	return f.fn(ctx, node, runCtx)
}

func (f *fakeNodeExecutor) RetryPolicy() backoff.Policy {
	if f.policy.MaxAttempts == 0 {
		return backoff.Policy{MaxAttempts: 1, BaseInterval: time.Millisecond}
	}
	return f.policy
}

func toolNode(id string, deps ...string) core.Node {
	return core.Node{
		ID:           id,
		Type:         core.NodeTypeTool,
		Config:       map[string]any{"command": "true"},
		Dependencies: deps,
	}
}

func registryWith(fake *fakeNodeExecutor) *executor.Registry {
	r := executor.NewRegistry(0)
	r.Register(core.NodeTypeTool, fake)
	return r
}

func collectEvents(t *testing.T, bus *EventBus) func() []core.ExecutionEvent {
	t.Helper()
	ch, cancel := bus.Subscribe(256)
	var (
		mu     sync.Mutex
		events []core.ExecutionEvent
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []core.ExecutionEvent {
		cancel()
		<-done
		mu.Lock()
		defer mu.Unlock()
		return events
	}
}

func eventIndex(events []core.ExecutionEvent, typ core.EventType, nodeID string) int {
	for i, ev := range events {
		if ev.Type == typ && ev.NodeID == nodeID {
			return i
		}
	}
	return -1
}

func TestExecuteLinearDAG(t *testing.T) {
	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, node *core.Node, runCtx *core.Context) (*executor.Result, error) {
			switch node.ID {
			case "a":
				return &executor.Result{Output: map[string]any{"text": "hello"}}, nil
			case "b":
				text := resolver.ResolveString("${outputs.a.text} world", runCtx)
				return &executor.Result{Output: map[string]any{"text": text}}, nil
			default:
				text := resolver.ResolveString("${outputs.b.text}!", runCtx)
				return &executor.Result{Output: map[string]any{"text": text}}, nil
			}
		},
	}
	bus := NewEventBus()
	exec := NewExecutor(registryWith(fake), Options{Bus: bus})

	wf := wfOf(toolNode("a"), toolNode("b", "a"), toolNode("c", "b"))
	runCtx := core.NewContext("run-1", "t1", nil)

	drain := collectEvents(t, bus)
	require.NoError(t, exec.Execute(context.Background(), wf, runCtx))
	events := drain()

	want := []struct {
		typ  core.EventType
		node string
	}{
		{core.EventNodeStarted, "a"},
		{core.EventNodeCompleted, "a"},
		{core.EventNodeStarted, "b"},
		{core.EventNodeCompleted, "b"},
		{core.EventNodeStarted, "c"},
		{core.EventNodeCompleted, "c"},
		{core.EventWorkflowCompleted, ""},
	}
	require.Len(t, events, len(want))
	for i, w := range want {
		assert.Equal(t, w.typ, events[i].Type, "event %d", i)
		assert.Equal(t, w.node, events[i].NodeID, "event %d", i)
	}

	out, ok := runCtx.Output("c")
	require.True(t, ok)
	assert.Equal(t, "hello world!", out.(map[string]any)["text"])
}

func TestExecuteDiamondParallelism(t *testing.T) {
	var (
		inFlight atomic.Int32
		peak     atomic.Int32
		barrier  sync.WaitGroup
	)
	barrier.Add(2) // b and c must be in flight together

	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, node *core.Node, _ *core.Context) (*executor.Result, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			if node.ID == "b" || node.ID == "c" {
				barrier.Done()
				barrier.Wait()
			}
			return &executor.Result{Output: node.ID}, nil
		},
	}
	bus := NewEventBus()
	exec := NewExecutor(registryWith(fake), Options{Bus: bus, MaxConcurrent: 2})

	wf := wfOf(toolNode("a"), toolNode("b", "a"), toolNode("c", "a"), toolNode("d", "b", "c"))
	drain := collectEvents(t, bus)
	require.NoError(t, exec.Execute(context.Background(), wf, core.NewContext("run-1", "t1", nil)))
	events := drain()

	assert.Equal(t, int32(2), peak.Load())

	dStarted := eventIndex(events, core.EventNodeStarted, "d")
	require.NotEqual(t, -1, dStarted)
	assert.Less(t, eventIndex(events, core.EventNodeCompleted, "b"), dStarted)
	assert.Less(t, eventIndex(events, core.EventNodeCompleted, "c"), dStarted)
}

func TestExecuteFailureCascade(t *testing.T) {
	attempts := 0
	fake := &fakeNodeExecutor{
		policy: backoff.Policy{MaxAttempts: 3, BaseInterval: time.Millisecond},
		fn: func(_ context.Context, node *core.Node, _ *core.Context) (*executor.Result, error) {
			if node.ID == "a" {
				attempts++
				return nil, errors.New("gateway unreachable")
			}
			return &executor.Result{Output: node.ID}, nil
		},
	}
	bus := NewEventBus()

	var (
		mu      sync.Mutex
		updates []*core.NodeStateUpdate
	)
	persist := func(_ context.Context, _ string, u *core.NodeStateUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
		return nil
	}
	exec := NewExecutor(registryWith(fake), Options{Bus: bus, Persist: persist})

	wf := wfOf(toolNode("a"), toolNode("b", "a"), toolNode("c", "b"))
	drain := collectEvents(t, bus)
	err := exec.Execute(context.Background(), wf, core.NewContext("run-1", "t1", nil))
	events := drain()

	require.ErrorIs(t, err, core.ErrRunStuck)
	assert.Contains(t, err.Error(), "a")
	assert.Equal(t, 3, attempts)

	assert.NotEqual(t, -1, eventIndex(events, core.EventNodeFailed, "a"))
	assert.Equal(t, -1, eventIndex(events, core.EventNodeStarted, "b"))
	assert.Equal(t, -1, eventIndex(events, core.EventNodeStarted, "c"))
	assert.NotEqual(t, -1, eventIndex(events, core.EventWorkflowFailed, ""))

	// Only a left any trace: one running and one failed transition.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, "a", updates[0].NodeID)
	assert.Equal(t, core.NodeRunning, updates[0].Status)
	assert.Equal(t, "a", updates[1].NodeID)
	assert.Equal(t, core.NodeFailed, updates[1].Status)
	assert.Contains(t, updates[1].Error, "gateway unreachable")
}

func TestExecuteRunningUpdateCarriesResolvedInputs(t *testing.T) {
	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, _ *core.Node, _ *core.Context) (*executor.Result, error) {
			return &executor.Result{Output: "ok"}, nil
		},
	}

	var (
		mu      sync.Mutex
		updates []*core.NodeStateUpdate
	)
	persist := func(_ context.Context, _ string, u *core.NodeStateUpdate) error {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
		return nil
	}
	exec := NewExecutor(registryWith(fake), Options{Persist: persist})

	node := toolNode("deploy")
	node.Config = map[string]any{"command": "deploy --env ${variables.env}"}
	wf := wfOf(node)
	runCtx := core.NewContext("run-1", "t1", map[string]any{"env": "staging"})
	require.NoError(t, exec.Execute(context.Background(), wf, runCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 2)
	assert.Equal(t, core.NodeRunning, updates[0].Status)
	assert.Equal(t, map[string]any{"command": "deploy --env staging"}, updates[0].Inputs)
	assert.Equal(t, core.NodeCompleted, updates[1].Status)
	assert.Nil(t, updates[1].Inputs)
}

func TestExecuteCyclicWorkflowFails(t *testing.T) {
	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, _ *core.Node, _ *core.Context) (*executor.Result, error) {
			t.Fatal("no node should execute")
			return nil, nil
		},
	}
	bus := NewEventBus()
	exec := NewExecutor(registryWith(fake), Options{Bus: bus})

	wf := wfOf(toolNode("x", "y"), toolNode("y", "z"), toolNode("z", "x"))
	drain := collectEvents(t, bus)
	err := exec.Execute(context.Background(), wf, core.NewContext("run-1", "t1", nil))
	events := drain()

	require.ErrorIs(t, err, core.ErrCycleDetected)
	require.Len(t, events, 1)
	assert.Equal(t, core.EventWorkflowFailed, events[0].Type)
	payload := events[0].Payload.(string)
	found := false
	for _, id := range []string{"x", "y", "z"} {
		if strings.Contains(payload, id) {
			found = true
		}
	}
	assert.True(t, found, "failure message names a cycle member: %s", payload)
}

func TestResumeSkipsCompletedNodes(t *testing.T) {
	var executed []string
	var mu sync.Mutex
	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, node *core.Node, _ *core.Context) (*executor.Result, error) {
			mu.Lock()
			executed = append(executed, node.ID)
			mu.Unlock()
			return &executor.Result{Output: node.ID}, nil
		},
	}
	bus := NewEventBus()
	exec := NewExecutor(registryWith(fake), Options{Bus: bus})

	wf := wfOf(toolNode("a"), toolNode("b", "a"), toolNode("c", "b"))
	runCtx := core.NewContext("run-1", "t1", nil)
	runCtx.SetOutput("a", "restored")

	drain := collectEvents(t, bus)
	require.NoError(t, exec.Resume(context.Background(), wf, runCtx, []string{"a"}))
	events := drain()

	mu.Lock()
	assert.Equal(t, []string{"b", "c"}, executed)
	mu.Unlock()
	assert.Equal(t, -1, eventIndex(events, core.EventNodeStarted, "a"))
	assert.NotEqual(t, -1, eventIndex(events, core.EventNodeCompleted, "b"))
	assert.NotEqual(t, -1, eventIndex(events, core.EventWorkflowCompleted, ""))
}

func TestApprovalFlow(t *testing.T) {
	human := executor.NewHumanExecutor()
	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, node *core.Node, _ *core.Context) (*executor.Result, error) {
			return &executor.Result{Output: node.ID}, nil
		},
	}
	registry := registryWith(fake)
	registry.Register(core.NodeTypeHuman, human)

	bus := NewEventBus()
	exec := NewExecutor(registry, Options{Bus: bus, Approvals: human})

	wf := wfOf(
		toolNode("a"),
		core.Node{ID: "gate", Type: core.NodeTypeHuman, Config: map[string]any{"message": "ship it?"}, Dependencies: []string{"a"}},
		toolNode("b", "gate"),
	)
	runCtx := core.NewContext("run-1", "t1", nil)

	ch, cancel := bus.Subscribe(64)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- exec.Execute(context.Background(), wf, runCtx) }()

	waitForEvent(t, ch, core.EventWaitingApproval)
	require.NoError(t, human.Approve("run-1", "gate", "alice", "lgtm"))

	require.NoError(t, <-done)
	out, ok := runCtx.Output("gate")
	require.True(t, ok)
	assert.Equal(t, "alice", out.(map[string]any)["approver"])
}

func TestCancelDuringApproval(t *testing.T) {
	human := executor.NewHumanExecutor()
	fake := &fakeNodeExecutor{
		fn: func(_ context.Context, node *core.Node, _ *core.Context) (*executor.Result, error) {
			return &executor.Result{Output: node.ID}, nil
		},
	}
	registry := registryWith(fake)
	registry.Register(core.NodeTypeHuman, human)

	bus := NewEventBus()
	exec := NewExecutor(registry, Options{Bus: bus, Approvals: human})

	wf := wfOf(
		core.Node{ID: "gate", Type: core.NodeTypeHuman, Config: map[string]any{}},
		toolNode("after", "gate"),
	)

	ch, cancel := bus.Subscribe(64)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- exec.Execute(context.Background(), wf, core.NewContext("run-1", "t1", nil)) }()

	waitForEvent(t, ch, core.EventWaitingApproval)
	exec.Cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
}

func waitForEvent(t *testing.T, ch <-chan core.ExecutionEvent, typ core.EventType) core.ExecutionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", typ)
			}
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

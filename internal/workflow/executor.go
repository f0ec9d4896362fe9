package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/resolver"
	"github.com/orchestra-dev/orchestra/internal/executor"
)

// DefaultMaxConcurrent bounds simultaneously running nodes per run.
const DefaultMaxConcurrent = 5

// PersistFunc receives node state transitions. It must not block the
// scheduler indefinitely; its errors are logged and swallowed.
type PersistFunc func(ctx context.Context, runID string, update *core.NodeStateUpdate) error

// ApprovalCanceller cancels all pending approval waits of a run.
// Implemented by *executor.HumanExecutor.
type ApprovalCanceller interface {
	CancelRun(runID string)
}

// Options configures an Executor.
type Options struct {
	MaxConcurrent int
	Bus           *EventBus
	Persist       PersistFunc
	Approvals     ApprovalCanceller
}

// Executor drives one workflow run: it repeatedly dispatches runnable
// nodes up to the concurrency bound, records outputs into the run context,
// and emits execution events. One Executor serves one run at a time.
type Executor struct {
	registry      *executor.Registry
	maxConcurrent int
	bus           *EventBus
	persist       PersistFunc
	approvals     ApprovalCanceller

	mu              sync.Mutex
	cond            *sync.Cond
	running         map[string]struct{}
	completed       map[string]struct{}
	failed          map[string]struct{}
	cancelRequested bool
	runID           string
}

// NewExecutor creates a run executor over the given node executor registry.
func NewExecutor(registry *executor.Registry, opts Options) *Executor {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	e := &Executor{
		registry:      registry,
		maxConcurrent: opts.MaxConcurrent,
		bus:           opts.Bus,
		persist:       opts.Persist,
		approvals:     opts.Approvals,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Execute runs the workflow from scratch.
func (e *Executor) Execute(ctx context.Context, wf *core.Workflow, runCtx *core.Context) error {
	return e.run(ctx, wf, runCtx, nil)
}

// Resume re-enters the scheduling loop with the given nodes already
// completed. The caller rebuilds the run context from persisted outputs
// beforehand. Previously failed nodes are eligible again.
func (e *Executor) Resume(ctx context.Context, wf *core.Workflow, runCtx *core.Context, completedNodeIDs []string) error {
	return e.run(ctx, wf, runCtx, completedNodeIDs)
}

// Cancel stops dispatching new nodes and cancels the run's pending
// approvals. In-flight nodes run to completion under their own timeouts.
func (e *Executor) Cancel() {
	e.mu.Lock()
	e.cancelRequested = true
	runID := e.runID
	e.cond.Broadcast()
	e.mu.Unlock()

	if e.approvals != nil && runID != "" {
		e.approvals.CancelRun(runID)
	}
}

func (e *Executor) run(ctx context.Context, wf *core.Workflow, runCtx *core.Context, completedNodeIDs []string) error {
	e.mu.Lock()
	e.running = make(map[string]struct{})
	e.completed = make(map[string]struct{}, len(completedNodeIDs))
	e.failed = make(map[string]struct{})
	e.cancelRequested = false
	e.runID = runCtx.RunID
	for _, id := range completedNodeIDs {
		e.completed[id] = struct{}{}
	}
	e.mu.Unlock()

	if err := Validate(wf); err != nil {
		e.emit(runCtx.RunID, core.EventWorkflowFailed, "", err.Error())
		return err
	}
	for i := range wf.Nodes {
		if err := executor.ValidateConfig(&wf.Nodes[i]); err != nil {
			e.emit(runCtx.RunID, core.EventWorkflowFailed, "", err.Error())
			return err
		}
	}

	// Wake the loop if the caller's context goes away mid-run.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			e.Cancel()
		case <-watchDone:
		}
	}()

	total := len(wf.Nodes)

	e.mu.Lock()
	for len(e.completed) < total && !e.cancelRequested {
		candidates := e.dispatchable(wf)
		if len(candidates) == 0 {
			if len(e.running) == 0 {
				break // stuck: failed dependencies leave no progress
			}
			e.cond.Wait()
			continue
		}

		capacity := e.maxConcurrent - len(e.running)
		if capacity <= 0 {
			e.cond.Wait()
			continue
		}
		if len(candidates) > capacity {
			candidates = candidates[:capacity]
		}
		for _, id := range candidates {
			node := wf.NodeByID(id)
			e.running[id] = struct{}{}
			go e.executeNode(ctx, node, runCtx)
		}
	}

	for len(e.running) > 0 {
		e.cond.Wait()
	}
	done := len(e.completed) == total
	cancelled := e.cancelRequested
	e.mu.Unlock()

	switch {
	case cancelled:
		// The caller sets the run's terminal status; no workflow event here.
		return context.Canceled
	case done:
		e.emit(runCtx.RunID, core.EventWorkflowCompleted, "", runCtx.Outputs())
		return nil
	default:
		err := e.stuckError(wf)
		e.emit(runCtx.RunID, core.EventWorkflowFailed, "", err.Error())
		return err
	}
}

// dispatchable is runnable minus running and failed. Caller holds e.mu.
func (e *Executor) dispatchable(wf *core.Workflow) []string {
	var out []string
	for _, id := range Runnable(wf, e.completed) {
		if _, ok := e.running[id]; ok {
			continue
		}
		if _, ok := e.failed[id]; ok {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (e *Executor) executeNode(ctx context.Context, node *core.Node, runCtx *core.Context) {
	if _, ok := e.registry.Lookup(node.Type); !ok {
		logger.Error(ctx, "No executor registered for node type",
			tag.Node, node.ID,
			tag.Type, node.Type,
		)
		e.mu.Lock()
		delete(e.running, node.ID)
		e.failed[node.ID] = struct{}{}
		e.cond.Broadcast()
		e.mu.Unlock()
		return
	}

	startedAt := time.Now()
	e.emit(runCtx.RunID, core.EventNodeStarted, node.ID, nil)
	if node.Type == core.NodeTypeHuman {
		e.emit(runCtx.RunID, core.EventWaitingApproval, node.ID, node.Config)
	}
	// The running record carries the node's resolved config so the row
	// shows what the executor actually received.
	e.persistUpdate(ctx, runCtx.RunID, &core.NodeStateUpdate{
		NodeID:    node.ID,
		Type:      node.Type,
		Status:    core.NodeRunning,
		Inputs:    resolver.Resolve(node.Config, runCtx),
		StartedAt: startedAt,
	})

	result, err := e.registry.Execute(ctx, node, runCtx)
	completedAt := time.Now()

	// The node stays in running until its terminal event is out: the
	// scheduler must not dispatch a dependent whose node_started could
	// precede this node's terminal event.
	if err != nil {
		logger.Error(ctx, "Node execution failed",
			tag.RunID, runCtx.RunID,
			tag.Node, node.ID,
			tag.Error, err,
		)
		e.persistUpdate(ctx, runCtx.RunID, &core.NodeStateUpdate{
			NodeID:      node.ID,
			Type:        node.Type,
			Status:      core.NodeFailed,
			Error:       err.Error(),
			StartedAt:   startedAt,
			CompletedAt: &completedAt,
		})
		e.emit(runCtx.RunID, core.EventNodeFailed, node.ID, err.Error())

		e.mu.Lock()
		delete(e.running, node.ID)
		e.failed[node.ID] = struct{}{}
		e.cond.Broadcast()
		e.mu.Unlock()
		return
	}

	runCtx.SetOutput(node.ID, result.Output)
	e.persistUpdate(ctx, runCtx.RunID, &core.NodeStateUpdate{
		NodeID:      node.ID,
		Type:        node.Type,
		Status:      core.NodeCompleted,
		Output:      result.Output,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
	})
	e.emit(runCtx.RunID, core.EventNodeCompleted, node.ID, result.Output)

	e.mu.Lock()
	delete(e.running, node.ID)
	e.completed[node.ID] = struct{}{}
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Executor) persistUpdate(ctx context.Context, runID string, update *core.NodeStateUpdate) {
	if e.persist == nil {
		return
	}
	if err := e.persist(ctx, runID, update); err != nil {
		logger.Error(ctx, "Persisting node state failed",
			tag.RunID, runID,
			tag.Node, update.NodeID,
			tag.Status, update.Status,
			tag.Error, err,
		)
	}
}

func (e *Executor) emit(runID string, typ core.EventType, nodeID string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(core.ExecutionEvent{
		RunID:     runID,
		Type:      typ,
		NodeID:    nodeID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// stuckError names the failed nodes and the remainder they block.
// Caller must not hold e.mu.
func (e *Executor) stuckError(wf *core.Workflow) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var failed, blocked []string
	for i := range wf.Nodes {
		id := wf.Nodes[i].ID
		if _, ok := e.failed[id]; ok {
			failed = append(failed, id)
			continue
		}
		if _, ok := e.completed[id]; !ok {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(failed)
	sort.Strings(blocked)
	return fmt.Errorf("%w: failed [%s] blocking [%s]",
		core.ErrRunStuck, strings.Join(failed, ", "), strings.Join(blocked, ", "))
}

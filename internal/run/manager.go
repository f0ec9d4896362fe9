// Package run coordinates workflow runs end to end: it creates and
// persists the run record, drives the scheduler, maps its outcome onto
// the run's status, and relays approvals and cancellation. It also
// resumes runs interrupted by a process restart.
package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/loader"
	"github.com/orchestra-dev/orchestra/internal/executor"
	"github.com/orchestra-dev/orchestra/internal/persistence"
	"github.com/orchestra-dev/orchestra/internal/workflow"
)

// Options configures a Manager.
type Options struct {
	MaxConcurrent int
}

// Manager owns the in-process lifecycle of workflow runs.
type Manager struct {
	repo     persistence.Repository
	registry *executor.Registry
	human    *executor.HumanExecutor
	bus      *workflow.EventBus
	opts     Options

	mu     sync.Mutex
	active map[string]*workflow.Executor
}

// NewManager creates a run manager. The human executor must be the one
// registered in the registry so approvals reach the waiting nodes.
func NewManager(repo persistence.Repository, registry *executor.Registry, human *executor.HumanExecutor, bus *workflow.EventBus, opts Options) *Manager {
	if bus == nil {
		bus = workflow.NewEventBus()
	}
	return &Manager{
		repo:     repo,
		registry: registry,
		human:    human,
		bus:      bus,
		opts:     opts,
		active:   make(map[string]*workflow.Executor),
	}
}

// Events exposes the execution event bus.
func (m *Manager) Events() *workflow.EventBus { return m.bus }

// Start creates a run for the workflow and executes it in the background.
// Required inputs must be present; declared defaults fill the gaps.
func (m *Manager) Start(ctx context.Context, workflowID, tenantID string, inputs map[string]any) (*core.Run, error) {
	wf, err := m.repo.LoadWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	seeded, err := seedInputs(wf, inputs)
	if err != nil {
		return nil, err
	}
	if err := loader.ValidateInputs(wf, seeded); err != nil {
		return nil, err
	}

	run := &core.Run{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		TenantID:   tenantID,
		Status:     core.RunQueued,
		Inputs:     seeded,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	go m.executeRun(context.WithoutCancel(ctx), wf, run, nil)
	return run, nil
}

// Resume re-executes a run from its persisted node records. Nodes that
// completed before the interruption are never re-executed; failed nodes
// are eligible again.
func (m *Manager) Resume(ctx context.Context, runID string) (*core.Run, error) {
	run, err := m.repo.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == core.RunCompleted || run.Status == core.RunCancelled {
		return nil, core.ErrRunAlreadyTerminal
	}
	wf, err := m.repo.LoadWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}

	nodes, err := m.repo.LoadRunNodes(ctx, runID)
	if err != nil {
		return nil, err
	}
	var completed []string
	outputs := make(map[string]any)
	for _, n := range nodes {
		if n.Status == core.NodeCompleted {
			completed = append(completed, n.NodeID)
			outputs[n.NodeID] = n.Output
		}
	}

	go m.executeRun(context.WithoutCancel(ctx), wf, run, &resumeState{
		completed: completed,
		outputs:   outputs,
	})
	return run, nil
}

// RecoverInterrupted resumes every run whose persisted status is still
// active. Individual failures are logged, never fatal to startup.
func (m *Manager) RecoverInterrupted(ctx context.Context) error {
	runs, err := m.repo.ListInterruptedRuns(ctx)
	if err != nil {
		return fmt.Errorf("list interrupted runs: %w", err)
	}
	for _, run := range runs {
		if _, err := m.Resume(ctx, run.ID); err != nil {
			logger.Error(ctx, "Resuming interrupted run failed",
				tag.RunID, run.ID,
				tag.Error, err,
			)
		}
	}
	if len(runs) > 0 {
		logger.Info(ctx, "Resumed interrupted runs", tag.Count, len(runs))
	}
	return nil
}

// Cancel requests cooperative cancellation. Cancelling a run that already
// reached a terminal status is a no-op.
func (m *Manager) Cancel(ctx context.Context, runID string) error {
	run, err := m.repo.LoadRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}

	m.mu.Lock()
	exec := m.active[runID]
	m.mu.Unlock()
	if exec != nil {
		exec.Cancel()
		return nil
	}

	// Not executing here (e.g. interrupted and not resumed); settle the
	// record directly.
	now := time.Now().UTC()
	err = m.repo.UpdateRunStatus(ctx, runID, core.RunCancelled, &now)
	if errors.Is(err, core.ErrRunAlreadyTerminal) {
		return nil
	}
	return err
}

// Approve resolves a pending approval wait.
func (m *Manager) Approve(_ context.Context, runID, nodeID, approver, comment string) error {
	return m.human.Approve(runID, nodeID, approver, comment)
}

// Reject rejects a pending approval wait; the node fails with the
// approver's comment.
func (m *Manager) Reject(_ context.Context, runID, nodeID, approver, comment string) error {
	return m.human.Reject(runID, nodeID, approver, comment)
}

type resumeState struct {
	completed []string
	outputs   map[string]any
}

func (m *Manager) executeRun(ctx context.Context, wf *core.Workflow, run *core.Run, resume *resumeState) {
	ctx = logger.WithValues(ctx, tag.RunID, run.ID, tag.Workflow, wf.ID)

	if err := m.repo.UpdateRunStatus(ctx, run.ID, core.RunRunning, nil); err != nil {
		if errors.Is(err, core.ErrRunAlreadyTerminal) {
			return
		}
		logger.Error(ctx, "Marking run running failed", tag.Error, err)
	}

	runCtx := core.NewContext(run.ID, run.TenantID, run.Inputs)
	for name, val := range wf.Vars {
		runCtx.SetVariable(name, val)
	}
	if resume != nil {
		for nodeID, output := range resume.outputs {
			runCtx.SetOutput(nodeID, output)
		}
	}

	exec := workflow.NewExecutor(m.registry, workflow.Options{
		MaxConcurrent: m.opts.MaxConcurrent,
		Bus:           m.bus,
		Persist:       m.persistNodeState,
		Approvals:     m.human,
	})

	m.mu.Lock()
	m.active[run.ID] = exec
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, run.ID)
		m.mu.Unlock()
	}()

	var err error
	if resume != nil {
		err = exec.Resume(ctx, wf, runCtx, resume.completed)
	} else {
		err = exec.Execute(ctx, wf, runCtx)
	}

	now := time.Now().UTC()
	switch {
	case err == nil:
		if perr := m.repo.UpdateRunResult(ctx, run.ID, runCtx.Outputs(), ""); perr != nil {
			logger.Error(ctx, "Persisting run outputs failed", tag.Error, perr)
		}
		m.settleStatus(ctx, run.ID, core.RunCompleted, now)
	case errors.Is(err, context.Canceled):
		m.settleStatus(ctx, run.ID, core.RunCancelled, now)
	default:
		if perr := m.repo.UpdateRunResult(ctx, run.ID, runCtx.Outputs(), err.Error()); perr != nil {
			logger.Error(ctx, "Persisting run error failed", tag.Error, perr)
		}
		m.settleStatus(ctx, run.ID, core.RunFailed, now)
	}
}

// settleStatus applies the terminal transition; losing the CAS race to a
// concurrent cancel is expected and not an error.
func (m *Manager) settleStatus(ctx context.Context, runID string, status core.RunStatus, endedAt time.Time) {
	err := m.repo.UpdateRunStatus(ctx, runID, status, &endedAt)
	if err != nil && !errors.Is(err, core.ErrRunAlreadyTerminal) {
		logger.Error(ctx, "Persisting run status failed",
			tag.RunID, runID,
			tag.Status, status,
			tag.Error, err,
		)
	}
}

// persistNodeState is the scheduler's persistence hook. Human nodes also
// flip the run between waiting and running.
func (m *Manager) persistNodeState(ctx context.Context, runID string, update *core.NodeStateUpdate) error {
	if err := m.repo.UpsertRunNode(ctx, runID, update); err != nil {
		return err
	}
	if update.Type == core.NodeTypeHuman {
		switch update.Status {
		case core.NodeRunning:
			_ = m.repo.UpdateRunStatus(ctx, runID, core.RunWaiting, nil)
		case core.NodeCompleted, core.NodeFailed:
			_ = m.repo.UpdateRunStatus(ctx, runID, core.RunRunning, nil)
		}
	}
	return nil
}

// seedInputs validates required inputs and applies declared defaults.
func seedInputs(wf *core.Workflow, inputs map[string]any) (map[string]any, error) {
	seeded := make(map[string]any, len(inputs))
	for k, v := range inputs {
		seeded[k] = v
	}
	for name, spec := range wf.Inputs {
		if _, ok := seeded[name]; ok {
			continue
		}
		if spec.Default != nil {
			seeded[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("%w: %q", core.ErrMissingRequiredInput, name)
		}
	}
	return seeded, nil
}

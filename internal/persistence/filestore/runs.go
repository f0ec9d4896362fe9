package filestore

import (
	"context"
	"errors"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/persistence"
)

// SaveWorkflow writes the workflow definition.
func (s *Store) SaveWorkflow(_ context.Context, wf *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.workflowPath(wf.ID), wf)
}

// LoadWorkflow reads one workflow definition.
func (s *Store) LoadWorkflow(_ context.Context, id string) (*core.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wf core.Workflow
	if err := readJSON(s.workflowPath(id), &wf, persistence.ErrWorkflowNotFound); err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListWorkflows reads every stored workflow definition.
func (s *Store) ListWorkflows(_ context.Context) ([]*core.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir + "/workflows")
	if err != nil {
		return nil, err
	}
	var out []*core.Workflow
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var wf core.Workflow
		if err := readJSON(s.baseDir+"/workflows/"+e.Name(), &wf, persistence.ErrWorkflowNotFound); err != nil {
			continue
		}
		out = append(out, &wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateRun writes a new run record.
func (s *Store) CreateRun(_ context.Context, run *core.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	return writeJSON(s.runPath(run.ID), run)
}

// LoadRun reads one run record.
func (s *Store) LoadRun(_ context.Context, runID string) (*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadRunLocked(runID)
}

func (s *Store) loadRunLocked(runID string) (*core.Run, error) {
	var run core.Run
	if err := readJSON(s.runPath(runID), &run, persistence.ErrRunNotFound); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatus transitions a run's status. The transition is
// compare-and-set: a run already in a terminal status is left untouched
// and ErrRunAlreadyTerminal is returned.
func (s *Store) UpdateRunStatus(_ context.Context, runID string, status core.RunStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.loadRunLocked(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return core.ErrRunAlreadyTerminal
	}
	run.Status = status
	if endedAt != nil {
		run.EndedAt = endedAt
	}
	if status == core.RunRunning && run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	return writeJSON(s.runPath(runID), run)
}

// UpdateRunResult stores the run's final outputs and error message.
func (s *Store) UpdateRunResult(_ context.Context, runID string, outputs map[string]any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.loadRunLocked(runID)
	if err != nil {
		return err
	}
	run.Outputs = outputs
	run.Error = errMsg
	return writeJSON(s.runPath(runID), run)
}

// ListInterruptedRuns returns every run whose persisted status is still
// active; on process restart these are the candidates for resume.
func (s *Store) ListInterruptedRuns(_ context.Context) ([]*core.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.baseDir + "/runs")
	if err != nil {
		return nil, err
	}
	var out []*core.Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		run, err := s.loadRunLocked(e.Name())
		if err != nil {
			continue
		}
		if run.Status.IsActive() {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertRunNode creates or updates the (runId, nodeId) record.
func (s *Store) UpsertRunNode(_ context.Context, runID string, update *core.NodeStateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.nodePath(runID, update.NodeID)
	node := &core.RunNode{}
	existed := true
	if err := readJSON(path, node, errNodeRecordNew); err != nil {
		if !errors.Is(err, errNodeRecordNew) {
			return err
		}
		existed = false
		node = &core.RunNode{
			ID:        uuid.NewString(),
			RunID:     runID,
			NodeID:    update.NodeID,
			Type:      update.Type,
			CreatedAt: time.Now().UTC(),
		}
	}

	// A re-entry of an existing record (retry after resume) bumps the
	// counter.
	if existed && update.Status == core.NodeRunning {
		node.Retries++
	}
	node.Status = update.Status
	node.StartedAt = update.StartedAt
	node.EndedAt = update.CompletedAt
	if update.Inputs != nil {
		node.Inputs = update.Inputs
	}
	if update.Output != nil {
		node.Output = update.Output
	}
	node.Error = update.Error
	return writeJSON(path, node)
}

var errNodeRecordNew = errors.New("run node record does not exist yet")

// LoadRunNodes reads every node record of a run, ordered by node id.
func (s *Store) LoadRunNodes(_ context.Context, runID string) ([]*core.RunNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.runDir(runID) + "/nodes"
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*core.RunNode
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var node core.RunNode
		if err := readJSON(dir+"/"+e.Name(), &node, persistence.ErrRunNotFound); err != nil {
			continue
		}
		out = append(out, &node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

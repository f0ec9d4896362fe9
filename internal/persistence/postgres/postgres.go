// Package postgres persists the engine's records in PostgreSQL. Records
// keep their JSON shape in jsonb columns; the schema is bootstrapped on
// first connect.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/mcp"
	"github.com/orchestra-dev/orchestra/internal/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id          TEXT PRIMARY KEY,
	definition  JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	tenant_id   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	inputs      JSONB,
	outputs     JSONB,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status);
CREATE TABLE IF NOT EXISTS run_nodes (
	id          TEXT NOT NULL,
	run_id      TEXT NOT NULL,
	node_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	status      TEXT NOT NULL,
	inputs      JSONB,
	output      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	retries     INT NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, node_id)
);
CREATE TABLE IF NOT EXISTS servers (
	id          TEXT PRIMARY KEY,
	record      JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store is a Postgres-backed Repository.
type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Repository = (*Store)(nil)

// New connects to the database and ensures the schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveWorkflow upserts a workflow definition.
func (s *Store) SaveWorkflow(ctx context.Context, wf *core.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflows (id, definition, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = now()`,
		wf.ID, def)
	return err
}

// LoadWorkflow reads one workflow definition.
func (s *Store) LoadWorkflow(ctx context.Context, id string) (*core.Workflow, error) {
	var def []byte
	err := s.pool.QueryRow(ctx, `SELECT definition FROM workflows WHERE id = $1`, id).Scan(&def)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persistence.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, err
	}
	var wf core.Workflow
	if err := json.Unmarshal(def, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &wf, nil
}

// ListWorkflows reads every stored workflow definition.
func (s *Store) ListWorkflows(ctx context.Context) ([]*core.Workflow, error) {
	rows, err := s.pool.Query(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.Workflow
	for rows.Next() {
		var def []byte
		if err := rows.Scan(&def); err != nil {
			return nil, err
		}
		var wf core.Workflow
		if err := json.Unmarshal(def, &wf); err != nil {
			return nil, err
		}
		out = append(out, &wf)
	}
	return out, rows.Err()
}

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, run *core.Run) error {
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO runs (id, workflow_id, tenant_id, status, inputs, error, started_at, ended_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.WorkflowID, run.TenantID, run.Status, inputs, run.Error,
		nullTime(run.StartedAt), run.EndedAt, run.CreatedAt)
	return err
}

// LoadRun reads one run row.
func (s *Store) LoadRun(ctx context.Context, runID string) (*core.Run, error) {
	var (
		run     core.Run
		inputs  []byte
		outputs []byte
		started *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, workflow_id, tenant_id, status, inputs, outputs, error, started_at, ended_at, created_at
		FROM runs WHERE id = $1`, runID).
		Scan(&run.ID, &run.WorkflowID, &run.TenantID, &run.Status, &inputs, &outputs,
			&run.Error, &started, &run.EndedAt, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, persistence.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if started != nil {
		run.StartedAt = *started
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &run.Inputs); err != nil {
			return nil, err
		}
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &run.Outputs); err != nil {
			return nil, err
		}
	}
	return &run, nil
}

// UpdateRunStatus transitions a run's status with terminal-status
// compare-and-set semantics.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, status core.RunStatus, endedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs
		SET status = $2,
		    ended_at = COALESCE($3, ended_at),
		    started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		runID, status, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the run does not exist or it already reached a terminal
		// status; tell the caller which.
		var current core.RunStatus
		err := s.pool.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, runID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.ErrRunNotFound
		}
		if err != nil {
			return err
		}
		return core.ErrRunAlreadyTerminal
	}
	return nil
}

// UpdateRunResult stores the run's final outputs and error message.
func (s *Store) UpdateRunResult(ctx context.Context, runID string, outputs map[string]any, errMsg string) error {
	data, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET outputs = $2, error = $3 WHERE id = $1`, runID, data, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrRunNotFound
	}
	return nil
}

// ListInterruptedRuns returns every run still in an active status.
func (s *Store) ListInterruptedRuns(ctx context.Context) ([]*core.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM runs
		WHERE status IN ('queued', 'running', 'waiting')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*core.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.LoadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullJSON marshals v, mapping a nil value to SQL NULL so a partial
// update leaves the stored column untouched under COALESCE.
func nullJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// UpsertRunNode creates or updates the (runId, nodeId) row. Re-entering
// the running status on an existing row bumps the retry counter.
func (s *Store) UpsertRunNode(ctx context.Context, runID string, update *core.NodeStateUpdate) error {
	inputs, err := nullJSON(update.Inputs)
	if err != nil {
		return err
	}
	output, err := nullJSON(update.Output)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO run_nodes (id, run_id, node_id, type, status, inputs, output, error, started_at, ended_at)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, node_id) DO UPDATE SET
			status     = EXCLUDED.status,
			inputs     = COALESCE(EXCLUDED.inputs, run_nodes.inputs),
			output     = COALESCE(EXCLUDED.output, run_nodes.output),
			error      = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			ended_at   = EXCLUDED.ended_at,
			retries    = run_nodes.retries + CASE WHEN EXCLUDED.status = 'running' THEN 1 ELSE 0 END`,
		runID, update.NodeID, update.Type, update.Status, inputs, output, update.Error,
		nullTime(update.StartedAt), update.CompletedAt)
	return err
}

// LoadRunNodes reads every node row of a run.
func (s *Store) LoadRunNodes(ctx context.Context, runID string) ([]*core.RunNode, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, node_id, type, status, inputs, output, error, retries, started_at, ended_at, created_at
		FROM run_nodes WHERE run_id = $1 ORDER BY node_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.RunNode
	for rows.Next() {
		var (
			node    core.RunNode
			inputs  []byte
			output  []byte
			started *time.Time
		)
		if err := rows.Scan(&node.ID, &node.RunID, &node.NodeID, &node.Type, &node.Status,
			&inputs, &output, &node.Error, &node.Retries, &started, &node.EndedAt, &node.CreatedAt); err != nil {
			return nil, err
		}
		if started != nil {
			node.StartedAt = *started
		}
		if len(inputs) > 0 {
			if err := json.Unmarshal(inputs, &node.Inputs); err != nil {
				return nil, err
			}
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &node.Output); err != nil {
				return nil, err
			}
		}
		out = append(out, &node)
	}
	return out, rows.Err()
}

// SaveServer upserts the full server record as a jsonb document.
func (s *Store) SaveServer(ctx context.Context, server *mcp.RegisteredServer) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	server.UpdatedAt = time.Now().UTC()
	record, err := json.Marshal(server)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO servers (id, record, created_at, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record, updated_at = now()`,
		server.ID, record, server.CreatedAt)
	return err
}

// UpdateServerStatus patches only the status and error of a record.
func (s *Store) UpdateServerStatus(ctx context.Context, id string, status mcp.ServerStatus, lastError string) error {
	patch, err := json.Marshal(map[string]any{
		"status":    status,
		"error":     lastError,
		"updatedAt": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE servers SET record = record || $2::jsonb, updated_at = now() WHERE id = $1`,
		id, patch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return persistence.ErrServerNotFound
	}
	return nil
}

// DeleteServer removes a record; deleting an unknown id is a no-op.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM servers WHERE id = $1`, id)
	return err
}

// LoadServers reads every server record in creation order.
func (s *Store) LoadServers(ctx context.Context) ([]*mcp.RegisteredServer, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*mcp.RegisteredServer
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var server mcp.RegisteredServer
		if err := json.Unmarshal(record, &server); err != nil {
			return nil, err
		}
		out = append(out, &server)
	}
	return out, rows.Err()
}

// Package executor implements the per-kind node executors (llm, tool,
// human, mcp) and the registry the scheduler selects them from.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
)

// DefaultNodeTimeout bounds any single execution attempt.
const DefaultNodeTimeout = 300 * time.Second

// Result is a successful node execution.
type Result struct {
	Output   any
	Metadata map[string]any
}

// NodeExecutor executes one node kind. Executors never mutate the run
// context; the scheduler records outputs.
type NodeExecutor interface {
	Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*Result, error)
}

// retryPolicied is implemented by executors that override the default
// retry policy.
type retryPolicied interface {
	RetryPolicy() backoff.Policy
}

// retriablity is implemented by executors that distinguish retriable
// failures.
type retriablity interface {
	IsRetriable(err error) bool
}

// attemptTimeouter is implemented by executors that override the
// per-attempt timeout. A non-positive value leaves the attempt unbounded;
// the executor governs its own deadline.
type attemptTimeouter interface {
	AttemptTimeout() time.Duration
}

// Registry maps node kinds to executors.
type Registry struct {
	executors   map[core.NodeType]NodeExecutor
	nodeTimeout time.Duration
}

// NewRegistry creates an empty registry. nodeTimeout bounds each attempt;
// zero means DefaultNodeTimeout.
func NewRegistry(nodeTimeout time.Duration) *Registry {
	if nodeTimeout <= 0 {
		nodeTimeout = DefaultNodeTimeout
	}
	return &Registry{
		executors:   make(map[core.NodeType]NodeExecutor),
		nodeTimeout: nodeTimeout,
	}
}

// Register adds an executor for a node kind.
func (r *Registry) Register(kind core.NodeType, exec NodeExecutor) {
	r.executors[kind] = exec
}

// Lookup returns the executor for a node kind.
func (r *Registry) Lookup(kind core.NodeType) (NodeExecutor, bool) {
	exec, ok := r.executors[kind]
	return exec, ok
}

// Execute runs a node through its executor with the retry wrapper: an
// outer loop of maxAttempts (inclusive of the first) with exponential
// backoff of 2^attempt seconds between attempts, each attempt bounded by
// the node timeout. On exhaustion the last error is returned.
func (r *Registry) Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*Result, error) {
	exec, ok := r.executors[node.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownNodeType, node.Type)
	}

	policy := backoff.DefaultPolicy
	if p, ok := exec.(retryPolicied); ok {
		policy = p.RetryPolicy()
	}
	if node.Retries > 0 {
		policy.MaxAttempts = node.Retries + 1
	}

	var isRetriable backoff.IsRetriableFunc
	if rr, ok := exec.(retriablity); ok {
		isRetriable = rr.IsRetriable
	}

	timeout := r.nodeTimeout
	if at, ok := exec.(attemptTimeouter); ok {
		timeout = at.AttemptTimeout()
	}

	var result *Result
	attempt := 0
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.Debug(ctx, "Retrying node execution",
				tag.Node, node.ID,
				tag.Attempt, attempt,
			)
		}
		attemptCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		res, execErr := exec.Execute(attemptCtx, node, runCtx)
		if execErr != nil {
			return execErr
		}
		result = res
		return nil
	}, policy, isRetriable)
	if err != nil {
		return nil, err
	}
	return result, nil
}

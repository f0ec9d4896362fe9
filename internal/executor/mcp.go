package executor

import (
	"context"
	"fmt"

	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/resolver"
	"github.com/orchestra-dev/orchestra/internal/mcp"
)

// ToolCaller is the slice of the connection manager the mcp executor
// consumes. Implemented by *mcp.Manager.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, name string, arguments map[string]any) (*mcp.ToolCallResult, error)
	FindTool(name, tenantID string) (string, *mcp.Tool, bool)
}

// MCPExecutor calls a tool on a connected tool server, either by explicit
// server id or by name-based discovery across the tenant's servers.
// A single attempt; callers wanting retries wrap at the workflow level.
type MCPExecutor struct {
	caller ToolCaller
}

var _ NodeExecutor = (*MCPExecutor)(nil)

func NewMCPExecutor(caller ToolCaller) *MCPExecutor {
	return &MCPExecutor{caller: caller}
}

// RetryPolicy: a single attempt.
func (e *MCPExecutor) RetryPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 1, BaseInterval: backoff.DefaultPolicy.BaseInterval}
}

func (e *MCPExecutor) Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*Result, error) {
	var cfg MCPConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	serverID := cfg.ServerID
	if serverID == "" {
		id, _, ok := e.caller.FindTool(cfg.Tool, runCtx.TenantID)
		if !ok {
			return nil, &core.ExecutionError{
				NodeID: node.ID,
				Err:    fmt.Errorf("%w: %q", mcp.ErrToolNotFound, cfg.Tool),
			}
		}
		serverID = id
	}

	args, _ := resolver.Resolve(cfg.Inputs, runCtx).(map[string]any)

	logger.Debug(ctx, "Calling server tool",
		tag.Node, node.ID,
		tag.Server, serverID,
		tag.Tool, cfg.Tool,
	)
	result, err := e.caller.CallTool(ctx, serverID, cfg.Tool, args)
	if err != nil {
		return nil, &core.ExecutionError{NodeID: node.ID, Err: err}
	}

	return &Result{
		Output: map[string]any{
			"content": result.Content,
			"isError": result.IsError,
		},
		Metadata: map[string]any{"serverId": serverID},
	}, nil
}

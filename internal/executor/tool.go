package executor

import (
	"context"

	"github.com/orchestra-dev/orchestra/internal/cmdexec"
	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/resolver"
)

// ToolExecutor runs tool nodes through the shell/container collaborator.
// A non-zero exit code is a successful execution carrying a non-zero
// status in its output, not a node failure.
type ToolExecutor struct {
	client cmdexec.Client
}

var _ NodeExecutor = (*ToolExecutor)(nil)

func NewToolExecutor(client cmdexec.Client) *ToolExecutor {
	return &ToolExecutor{client: client}
}

// RetryPolicy allows one retry after a collaborator failure.
func (e *ToolExecutor) RetryPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 2, BaseInterval: backoff.DefaultPolicy.BaseInterval}
}

func (e *ToolExecutor) Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*Result, error) {
	var cfg ToolConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	req := &cmdexec.ExecuteRequest{
		Executor:   cfg.Executor,
		Command:    resolver.ResolveString(cfg.Command, runCtx),
		WorkingDir: resolver.ResolveString(cfg.WorkingDir, runCtx),
		Env:        resolver.ResolveStringMap(cfg.Env, runCtx),
		Timeout:    cfg.Timeout,
		Image:      cfg.Image,
	}

	logger.Debug(ctx, "Executing command",
		tag.Node, node.ID,
		tag.RunID, runCtx.RunID,
		tag.Command, req.Command,
	)
	resp, err := e.client.Execute(ctx, req)
	if err != nil {
		return nil, &core.ExecutionError{NodeID: node.ID, Err: err}
	}
	if resp.ExitCode != 0 {
		logger.Info(ctx, "Command finished with non-zero status",
			tag.Node, node.ID,
			tag.ExitCode, resp.ExitCode,
		)
	}

	return &Result{
		Output: map[string]any{
			"exitCode": resp.ExitCode,
			"stdout":   resp.Stdout,
			"stderr":   resp.Stderr,
			"duration": resp.Duration,
		},
	}, nil
}

package executor

import (
	"context"

	"github.com/orchestra-dev/orchestra/internal/common/backoff"
	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/common/logger/tag"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/resolver"
	"github.com/orchestra-dev/orchestra/internal/llm"
)

// LLMExecutor runs llm nodes: it resolves message templates against the
// run context and forwards the request to the LLM gateway. The gateway's
// response is the node output, verbatim.
type LLMExecutor struct {
	client llm.Client
}

var _ NodeExecutor = (*LLMExecutor)(nil)

func NewLLMExecutor(client llm.Client) *LLMExecutor {
	return &LLMExecutor{client: client}
}

// RetryPolicy allows three attempts total.
func (e *LLMExecutor) RetryPolicy() backoff.Policy {
	return backoff.Policy{MaxAttempts: 3, BaseInterval: backoff.DefaultPolicy.BaseInterval}
}

func (e *LLMExecutor) Execute(ctx context.Context, node *core.Node, runCtx *core.Context) (*Result, error) {
	var cfg LLMConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	messages := make([]llm.Message, len(cfg.Messages))
	for i, m := range cfg.Messages {
		messages[i] = llm.Message{
			Role:    m.Role,
			Content: resolver.ResolveString(m.Content, runCtx),
		}
	}

	logger.Debug(ctx, "Calling LLM gateway",
		tag.Node, node.ID,
		tag.RunID, runCtx.RunID,
	)
	resp, err := e.client.Complete(ctx, &llm.CompletionRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return nil, &core.ExecutionError{NodeID: node.ID, Err: err}
	}

	return &Result{
		Output: map[string]any{
			"id":           resp.ID,
			"model":        resp.Model,
			"content":      resp.Content,
			"finishReason": resp.FinishReason,
			"usage": map[string]any{
				"promptTokens":     resp.Usage.PromptTokens,
				"completionTokens": resp.Usage.CompletionTokens,
				"totalTokens":      resp.Usage.TotalTokens,
			},
		},
	}, nil
}

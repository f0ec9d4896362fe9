// Package llm provides the client for the LLM gateway collaborator. The
// engine treats the gateway as an opaque "chat-complete a model" service.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a single chat-completion request.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"maxTokens,omitempty"`
	Tools       []any     `json:"tools,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResponse is the gateway's reply, returned verbatim as the
// node's output.
type CompletionResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finishReason"`
}

// Client issues completion requests.
type Client interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// HTTPClient talks to the gateway over HTTP.
type HTTPClient struct {
	client  *resty.Client
	baseURL string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPClient{client: client, baseURL: baseURL}
}

// Complete implements Client.
func (c *HTTPClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	var result CompletionResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post(c.baseURL + "/v1/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("llm gateway returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// Package cmdexec provides the client for the shell/container execution
// collaborator: an opaque "execute a command, return exit code + output"
// service.
package cmdexec

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// ExecuteRequest describes one command execution.
type ExecuteRequest struct {
	Executor   string            `json:"executor,omitempty"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"workingDir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Timeout    int               `json:"timeout,omitempty"`
	Image      string            `json:"image,omitempty"`
}

// ExecuteResponse is the collaborator's reply. A non-zero ExitCode is a
// successful execution with a non-zero status, not an error.
type ExecuteResponse struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Duration int64  `json:"duration"`
}

// Client executes commands.
type Client interface {
	Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error)
}

// HTTPClient talks to the command runner over HTTP.
type HTTPClient struct {
	client  *resty.Client
	baseURL string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a command runner client for the given base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	client := resty.New()
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPClient{client: client, baseURL: baseURL}
}

// Execute implements Client.
func (c *HTTPClient) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	var result ExecuteResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post(c.baseURL + "/v1/execute")
	if err != nil {
		return nil, fmt.Errorf("execute request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("command runner returned %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

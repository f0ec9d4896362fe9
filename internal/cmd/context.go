// Package cmd implements the orchestra command line interface, a thin
// layer over the run manager and the tool-server connection manager.
package cmd

import (
	"context"

	"github.com/orchestra-dev/orchestra/internal/cmdexec"
	"github.com/orchestra-dev/orchestra/internal/common/logger"
	"github.com/orchestra-dev/orchestra/internal/config"
	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/executor"
	"github.com/orchestra-dev/orchestra/internal/llm"
	"github.com/orchestra-dev/orchestra/internal/mcp"
	"github.com/orchestra-dev/orchestra/internal/persistence"
	"github.com/orchestra-dev/orchestra/internal/persistence/filestore"
	"github.com/orchestra-dev/orchestra/internal/persistence/postgres"
	"github.com/orchestra-dev/orchestra/internal/run"
	"github.com/orchestra-dev/orchestra/internal/workflow"
)

// Version is stamped by the build.
var Version = "0.0.0"

// Context carries the wired application for one command invocation.
type Context struct {
	context.Context

	Config  *config.Config
	Repo    persistence.Repository
	Manager *run.Manager
	MCP     *mcp.Manager

	cleanup func()
}

// Close releases the backing store.
func (c *Context) Close() {
	if c.cleanup != nil {
		c.cleanup()
	}
}

// setup loads configuration and wires the repository, executors, and
// managers a command needs.
func setup(ctx context.Context) (*Context, error) {
	cfg := config.Get()

	opts := []logger.Option{logger.WithFormat(cfg.LogFormat)}
	if cfg.Debug {
		opts = append(opts, logger.WithDebug())
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	var (
		repo    persistence.Repository
		cleanup func()
	)
	if cfg.PostgresDSN != "" {
		store, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		repo = store
		cleanup = store.Close
	} else {
		store, err := filestore.New(cfg.DataDir)
		if err != nil {
			return nil, err
		}
		repo = store
	}

	mcpManager := mcp.NewManager(repo, mcp.Implementation{
		Name:    "orchestra",
		Version: Version,
	}, cfg.MCPRequestTimeout)

	human := executor.NewHumanExecutor()
	registry := executor.NewRegistry(cfg.NodeTimeout)
	registry.Register(core.NodeTypeLLM, executor.NewLLMExecutor(
		llm.NewHTTPClient(cfg.LLMGatewayURL, cfg.LLMTimeout)))
	registry.Register(core.NodeTypeTool, executor.NewToolExecutor(
		cmdexec.NewHTTPClient(cfg.CommandRunnerURL, cfg.CommandTimeout)))
	registry.Register(core.NodeTypeHuman, human)
	registry.Register(core.NodeTypeMCP, executor.NewMCPExecutor(mcpManager))

	manager := run.NewManager(repo, registry, human, workflow.NewEventBus(), run.Options{
		MaxConcurrent: cfg.MaxConcurrent,
	})

	return &Context{
		Context: ctx,
		Config:  cfg,
		Repo:    repo,
		Manager: manager,
		MCP:     mcpManager,
		cleanup: cleanup,
	}, nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/orchestra-dev/orchestra/internal/cmd"
)

var version = "0.0.0"

var rootCmd = &cobra.Command{
	Use:   "orchestra",
	Short: "Orchestra executes DAG workflows of LLM, tool, human, and MCP nodes",
	Long: `Orchestra is a workflow engine for automation pipelines.

A workflow is a DAG of nodes. LLM nodes call a model gateway, tool nodes
run commands, human nodes wait for an approval decision, and mcp nodes
invoke tools on registered MCP servers over stdio, HTTP, or WebSocket.
`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.CmdRun())
	rootCmd.AddCommand(cmd.CmdResume())
	rootCmd.AddCommand(cmd.CmdValidate())
	rootCmd.AddCommand(cmd.CmdServers())

	cmd.Version = version
}

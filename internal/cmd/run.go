package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/orchestra-dev/orchestra/internal/core"
	"github.com/orchestra-dev/orchestra/internal/core/loader"
)

// CmdRun creates the run command. It loads a workflow definition,
// starts a run, and streams execution events to stdout as JSON lines
// until the run reaches a terminal state.
func CmdRun() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] <workflow file>",
		Short: "Execute a workflow definition",
		Long: `Load a workflow definition, register it, and execute a run.

Inputs are passed with repeated --input key=value flags; values are
parsed as YAML scalars, so --input replicas=3 yields an integer.

When a human node is reached the command prompts for the approval
decision on stderr. With --no-prompt the run stays waiting and can be
resolved later with "orchestra resume".`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().StringArrayP("input", "i", nil, "workflow input as key=value (repeatable)")
	cmd.Flags().String("tenant", "", "tenant id for the run")
	cmd.Flags().String("approver", "", "approver identity for interactive approvals (defaults to $USER)")
	cmd.Flags().Bool("no-prompt", false, "do not prompt for approvals; leave the run waiting")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer ctx.Close()

	wf, err := loader.LoadFile(args[0])
	if err != nil {
		return err
	}
	if err := ctx.Repo.SaveWorkflow(ctx, wf); err != nil {
		return err
	}

	rawInputs, _ := cmd.Flags().GetStringArray("input")
	inputs, err := parseInputs(rawInputs)
	if err != nil {
		return err
	}
	tenant, _ := cmd.Flags().GetString("tenant")

	// Tool servers registered in an earlier session reconnect before any
	// mcp node can need them.
	if err := ctx.MCP.Recover(ctx); err != nil {
		return err
	}

	ch, unsubscribe := ctx.Manager.Events().Subscribe(64)
	defer unsubscribe()

	r, err := ctx.Manager.Start(ctx, wf.ID, tenant, inputs)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "run %s started\n", r.ID)

	return streamRun(ctx, cmd, ch, r.ID)
}

// streamRun prints the run's events as JSON lines until a terminal
// workflow event arrives. Human approvals are prompted inline.
func streamRun(ctx *Context, cmd *cobra.Command, ch <-chan core.ExecutionEvent, runID string) error {
	noPrompt, _ := cmd.Flags().GetBool("no-prompt")
	enc := json.NewEncoder(os.Stdout)

	for {
		select {
		case <-ctx.Done():
			_ = ctx.Manager.Cancel(ctx, runID)
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.RunID != runID {
				continue
			}
			_ = enc.Encode(ev)

			switch ev.Type {
			case core.EventWaitingApproval:
				if noPrompt {
					fmt.Fprintf(os.Stderr, "run waiting for approval; resolve with: orchestra resume %s\n", runID)
					return nil
				}
				if err := promptApproval(ctx, cmd, runID, ev); err != nil {
					return err
				}
			case core.EventWorkflowCompleted:
				return nil
			case core.EventWorkflowFailed:
				return fmt.Errorf("run %s failed: %v", runID, ev.Payload)
			}
		}
	}
}

func promptApproval(ctx *Context, cmd *cobra.Command, runID string, ev core.ExecutionEvent) error {
	if payload, ok := ev.Payload.(map[string]any); ok {
		if msg, ok := payload["message"].(string); ok && msg != "" {
			fmt.Fprintf(os.Stderr, "%s\n", msg)
		}
	}
	fmt.Fprintf(os.Stderr, "approve node %q? [y/N]: ", ev.NodeID)

	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	answer := strings.ToLower(strings.TrimSpace(line))

	approver, _ := cmd.Flags().GetString("approver")
	if approver == "" {
		approver = os.Getenv("USER")
	}

	if answer == "y" || answer == "yes" {
		return ctx.Manager.Approve(ctx, runID, ev.NodeID, approver, "")
	}
	return ctx.Manager.Reject(ctx, runID, ev.NodeID, approver, "rejected from cli")
}

// parseInputs splits key=value pairs; values parse as YAML scalars so
// numbers and booleans keep their type.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		inputs[key] = value
	}
	return inputs, nil
}

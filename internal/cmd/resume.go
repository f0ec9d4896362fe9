package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CmdResume creates the resume command. It re-executes an interrupted
// run from its persisted node records and streams events like run does.
func CmdResume() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume [flags] <run id>",
		Short: "Resume an interrupted run",
		Long: `Resume a run that was interrupted before reaching a terminal state.

Nodes that completed before the interruption are not re-executed; their
persisted outputs seed the resumed run.`,
		Args: cobra.ExactArgs(1),
		RunE: runResume,
	}
	cmd.Flags().String("approver", "", "approver identity for interactive approvals (defaults to $USER)")
	cmd.Flags().Bool("no-prompt", false, "do not prompt for approvals; leave the run waiting")
	return cmd
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer ctx.Close()

	if err := ctx.MCP.Recover(ctx); err != nil {
		return err
	}

	ch, unsubscribe := ctx.Manager.Events().Subscribe(64)
	defer unsubscribe()

	r, err := ctx.Manager.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "run %s resumed\n", r.ID)

	return streamRun(ctx, cmd, ch, r.ID)
}

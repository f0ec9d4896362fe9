package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestra-dev/orchestra/internal/core/loader"
)

// CmdValidate creates the validate command: parse a workflow definition
// and report structural problems without executing anything.
func CmdValidate() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow file>",
		Short: "Validate a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := loader.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid (%d nodes)\n", wf.ID, len(wf.Nodes))
			return nil
		},
	}
}

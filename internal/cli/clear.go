package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewClearCommand(root *RootOptions) *cobra.Command {
	opts := &StackOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the unreachable history of a stack",
		Long:  "Remove undone undo actions and pending redo actions. Redo is no longer possible afterwards.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.handler.ClearHistory(cmd.Context(), opts.ObjectType, opts.StackID)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]int64{"removed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d actions from %s/%d\n", n, opts.ObjectType, opts.StackID)
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

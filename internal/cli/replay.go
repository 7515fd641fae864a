package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mickamy/sqlundo"
)

// ReplayOptions holds flags for the undo and redo commands.
type ReplayOptions struct {
	StackOptions
	Steps int
}

func NewUndoCommand(root *RootOptions) *cobra.Command {
	return newReplayCommand(root, "undo", "Reverse the latest capture groups of a stack",
		func(ctx context.Context, e *env, o *ReplayOptions) (sqlundo.Counts, error) {
			return e.handler.Undo(ctx, e.db, o.ObjectType, o.StackID)
		},
		func(c sqlundo.Counts) int { return c.Undo })
}

func NewRedoCommand(root *RootOptions) *cobra.Command {
	return newReplayCommand(root, "redo", "Reapply the earliest undone capture groups of a stack",
		func(ctx context.Context, e *env, o *ReplayOptions) (sqlundo.Counts, error) {
			return e.handler.Redo(ctx, e.db, o.ObjectType, o.StackID)
		},
		func(c sqlundo.Counts) int { return c.Redo })
}

// newReplayCommand builds undo or redo. remaining reports the actions left on the side
// being consumed; replay stops early once it reaches zero.
func newReplayCommand(
	root *RootOptions,
	use, short string,
	step func(context.Context, *env, *ReplayOptions) (sqlundo.Counts, error),
	remaining func(sqlundo.Counts) int,
) *cobra.Command {
	opts := &ReplayOptions{StackOptions: StackOptions{RootOptions: root}}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Steps < 1 {
				return WrapExitError(ExitCommandError, "invalid --steps", fmt.Errorf("must be at least 1, got %d", opts.Steps))
			}
			ctx := cmd.Context()
			e, err := opts.open(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			c, err := e.handler.Status(ctx, opts.ObjectType, opts.StackID)
			if err != nil {
				return err
			}
			for i := 0; i < opts.Steps && remaining(c) > 0; i++ {
				if c, err = step(ctx, e, opts); err != nil {
					return err
				}
			}
			return opts.printCounts(cmd.OutOrStdout(), c)
		},
	}
	opts.bind(cmd)
	cmd.Flags().IntVarP(&opts.Steps, "steps", "n", 1, "number of capture groups to replay")
	return cmd
}

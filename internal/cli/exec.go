package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/mickamy/sqlundo"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	StackOptions
	Operator string
	Reason   string
}

func NewExecCommand(root *RootOptions) *cobra.Command {
	opts := &ExecOptions{StackOptions: StackOptions{RootOptions: root}}
	cmd := &cobra.Command{
		Use:   "exec STATEMENT...",
		Short: "Run statements against the data store as one capture group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.open(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			if opts.Operator != "" {
				ctx = sqlundo.WithOperator(ctx, opts.Operator)
			}
			if opts.Reason != "" {
				ctx = sqlundo.WithReason(ctx, opts.Reason)
			}
			err = e.handler.Do(ctx, e.db, opts.ObjectType, opts.StackID, func(ctx context.Context) error {
				for _, q := range args {
					if _, err := e.db.ExecContext(ctx, q); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}

			c, err := e.handler.Status(ctx, opts.ObjectType, opts.StackID)
			if err != nil {
				return err
			}
			return opts.printCounts(cmd.OutOrStdout(), c)
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator recorded with the actions")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "reason recorded with the actions")
	return cmd
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the history schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			if opts.Format == "json" {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"status": "ok"})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "history schema is up to date")
			return nil
		},
	}
}

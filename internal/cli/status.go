package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mickamy/sqlundo"
)

func NewStatusCommand(root *RootOptions) *cobra.Command {
	opts := &StackOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the undo and redo counts of a stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			c, err := e.handler.Status(cmd.Context(), opts.ObjectType, opts.StackID)
			if err != nil {
				return err
			}
			return opts.printCounts(cmd.OutOrStdout(), c)
		},
	}
	opts.bind(cmd)
	return cmd
}

func (o *StackOptions) printCounts(w io.Writer, c sqlundo.Counts) error {
	if o.Format == "json" {
		return writeJSON(w, countsJSON{ObjectType: o.ObjectType, StackID: o.StackID, Undo: c.Undo, Redo: c.Redo})
	}
	fmt.Fprintf(w, "%s/%d undo=%s redo=%s\n", o.ObjectType, o.StackID,
		color.GreenString("%d", c.Undo), color.YellowString("%d", c.Redo))
	return nil
}

type groupJSON struct {
	CaptureID  int64     `json:"capture_id"`
	Applied    bool      `json:"applied"`
	Actions    int       `json:"actions"`
	OperatedBy string    `json:"operated_by,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func NewHistoryCommand(root *RootOptions) *cobra.Command {
	opts := &StackOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List the reachable capture groups of a stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			groups, err := e.handler.History(cmd.Context(), opts.ObjectType, opts.StackID)
			if err != nil {
				return err
			}

			if opts.Format == "json" {
				out := make([]groupJSON, len(groups))
				for i, g := range groups {
					out[i] = groupJSON{
						CaptureID:  g.CaptureID,
						Applied:    g.Applied,
						Actions:    g.Actions,
						OperatedBy: g.OperatedBy,
						Reason:     g.Reason,
						CreatedAt:  g.CreatedAt,
					}
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}

			if len(groups) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history.")
				return nil
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Capture", "State", "Actions", "Operator", "Reason", "Created"})
			for _, g := range groups {
				state := "undone"
				if g.Applied {
					state = "applied"
				}
				t.AppendRow(table.Row{g.CaptureID, state, g.Actions, g.OperatedBy, g.Reason,
					g.CreatedAt.Local().Format(time.DateTime)})
			}
			t.Render()
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

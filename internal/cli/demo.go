package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mickamy/sqlundo"
	"github.com/mickamy/sqlundo/internal/config"
)

const demoObjectType = "widget"

func NewDemoCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Walk through capture, undo, redo and clear on throwaway SQLite databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := root.LogLevel
			if level == "" {
				level = "warn"
			}
			log := newLogger(config.LoggingConfig{Level: level, Format: "text"}, cmd.ErrOrStderr())

			dir, err := os.MkdirTemp("", "sqlundo-demo-*")
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to create demo directory", err)
			}
			defer os.RemoveAll(dir)

			data, err := openDB(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(dir, "data.db")})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open data store", err)
			}
			defer data.Close()
			hist, err := openDB(config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "history.db")})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open history store", err)
			}
			defer hist.Close()

			return runDemo(cmd.Context(), cmd.OutOrStdout(), data, hist, sqlundo.Config{Logger: log})
		},
	}
}

func runDemo(ctx context.Context, w io.Writer, data, hist *sql.DB, cfg sqlundo.Config) error {
	h := sqlundo.New(hist, cfg)
	if err := h.Migrate(ctx); err != nil {
		return err
	}
	db := h.WrapDB(data)
	if _, err := db.ExecContext(ctx, `CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`); err != nil {
		return err
	}

	title := color.New(color.Bold).SprintFunc()
	show := func(label string, c sqlundo.Counts) error {
		names, err := widgetNames(ctx, data)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "  %-10s widgets=[%s] undo=%s redo=%s\n", label, strings.Join(names, " "),
			color.GreenString("%d", c.Undo), color.YellowString("%d", c.Redo))
		return nil
	}

	fmt.Fprintln(w, title("capture"))
	ctx = sqlundo.WithOperator(ctx, "demo")
	for _, name := range []string{"A", "B", "C"} {
		err := h.Do(sqlundo.WithReason(ctx, "add "+name), db, demoObjectType, 1, func(ctx context.Context) error {
			_, err := db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES (?)`, name)
			return err
		})
		if err != nil {
			return err
		}
		c, err := h.Status(ctx, demoObjectType, 1)
		if err != nil {
			return err
		}
		if err := show("insert "+name, c); err != nil {
			return err
		}
	}

	steps := []struct {
		title string
		label string
		n     int
		run   func() (sqlundo.Counts, error)
	}{
		{"undo", "undo", 3, func() (sqlundo.Counts, error) { return h.Undo(ctx, db, demoObjectType, 1) }},
		{"redo", "redo", 3, func() (sqlundo.Counts, error) { return h.Redo(ctx, db, demoObjectType, 1) }},
		{"undo then clear", "undo", 1, func() (sqlundo.Counts, error) { return h.Undo(ctx, db, demoObjectType, 1) }},
	}
	for _, s := range steps {
		fmt.Fprintln(w, title(s.title))
		for range s.n {
			c, err := s.run()
			if err != nil {
				return err
			}
			if err := show(s.label, c); err != nil {
				return err
			}
		}
	}

	n, err := h.ClearHistory(ctx, demoObjectType, 1)
	if err != nil {
		return err
	}
	c, err := h.Redo(ctx, db, demoObjectType, 1)
	if err != nil {
		return err
	}
	if err := show(fmt.Sprintf("clear(%d)", n), c); err != nil {
		return err
	}
	return nil
}

func widgetNames(ctx context.Context, data *sql.DB) ([]string, error) {
	rows, err := data.QueryContext(ctx, `SELECT name FROM widgets ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

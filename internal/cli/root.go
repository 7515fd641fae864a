// Package cli implements the sqlundo command.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/mickamy/sqlundo"
	"github.com/mickamy/sqlundo/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath    string
	DataDriver    string
	DataDSN       string
	HistoryDriver string
	HistoryDSN    string
	LogLevel      string
	Format        string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the sqlundo CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sqlundo",
		Short: "Multi-step undo and redo for SQL data changes",
		Long: "sqlundo records how to reverse the INSERT, UPDATE and DELETE statements issued " +
			"through it and replays them as undo and redo against independent stacks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&opts.ConfigPath, "config", "", "config file (default $XDG_CONFIG_HOME/sqlundo/config.yaml)")
	f.StringVar(&opts.DataDriver, "data-driver", "", "data store driver (sqlite3|sqlite|pgx)")
	f.StringVar(&opts.DataDSN, "data-dsn", "", "data store data source name")
	f.StringVar(&opts.HistoryDriver, "history-driver", "", "history store driver (sqlite3|sqlite|pgx)")
	f.StringVar(&opts.HistoryDSN, "history-dsn", "", "history store data source name")
	f.StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	f.StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewUndoCommand(opts))
	cmd.AddCommand(NewRedoCommand(opts))
	cmd.AddCommand(NewExecCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))

	return cmd
}

// config loads the configuration file and applies flag overrides.
func (o *RootOptions) config() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Data.Driver, o.DataDriver)
	override(&cfg.Data.DSN, o.DataDSN)
	override(&cfg.History.Driver, o.HistoryDriver)
	override(&cfg.History.DSN, o.HistoryDSN)
	override(&cfg.Logging.Level, o.LogLevel)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// env is what a command needs to work on a stack.
type env struct {
	handler *sqlundo.Handler
	history *sql.DB
	data    *sql.DB // nil when no data store is configured
	db      *sqlundo.DB
}

func (e *env) Close() {
	if e.data != nil {
		_ = e.data.Close()
	}
	_ = e.history.Close()
}

// open connects to the configured stores. withData requires a data store.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command, withData bool) (*env, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	log := newLogger(cfg.Logging, cmd.ErrOrStderr())

	hdb, err := openDB(cfg.History)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open history store", err)
	}
	if err := hdb.PingContext(ctx); err != nil {
		_ = hdb.Close()
		return nil, WrapExitError(ExitCommandError, "failed to connect to history store", err)
	}
	e := &env{
		history: hdb,
		handler: sqlundo.New(hdb, sqlundo.Config{
			Logger:        log,
			PrimaryKeys:   cfg.PrimaryKeys,
			HistoryDriver: cfg.History.Driver,
		}),
	}
	if err := e.handler.Migrate(ctx); err != nil {
		e.Close()
		return nil, WrapExitError(ExitFailure, "failed to migrate history store", err)
	}

	if !withData {
		return e, nil
	}
	if cfg.Data.DSN == "" {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "data store is not configured", fmt.Errorf("set data.dsn or --data-dsn"))
	}
	ddb, err := openDB(cfg.Data)
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open data store", err)
	}
	e.data = ddb
	e.db = e.handler.WrapDB(ddb)
	return e, nil
}

func openDB(c config.DatabaseConfig) (*sql.DB, error) {
	if c.Driver == "sqlite" || c.Driver == "sqlite3" {
		if err := ensureDir(c.DSN); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(c.Driver, c.DSN)
	if err != nil {
		return nil, err
	}
	if c.Driver == "sqlite" || c.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// ensureDir creates the parent directory of a SQLite database file.
func ensureDir(dsn string) error {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(dsn), 0o755)
}

// StackOptions selects one stack.
type StackOptions struct {
	*RootOptions
	ObjectType string
	StackID    int64
}

func (o *StackOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.ObjectType, "object", "o", "", "object type of the stack")
	cmd.Flags().Int64VarP(&o.StackID, "stack", "s", 0, "stack id")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("stack")
}

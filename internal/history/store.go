// Package history persists undo and redo actions grouped by stack and capture.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/mickamy/sqlundo/internal/history/migrations"
	"github.com/mickamy/sqlundo/internal/query"
)

// MigrationsTable is where golang-migrate tracks the history schema version.
const MigrationsTable = "undoredo_schema_migrations"

// Driver names the database/sql driver behind the history connection.
type Driver string

const (
	SQLite   Driver = "sqlite"  // modernc.org/sqlite
	SQLite3  Driver = "sqlite3" // github.com/mattn/go-sqlite3
	Postgres Driver = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// Kind tells undo actions from redo actions.
type Kind string

const (
	Undo Kind = "undo"
	Redo Kind = "redo"
)

// Sibling returns the opposite kind.
func (k Kind) Sibling() Kind {
	if k == Undo {
		return Redo
	}
	return Undo
}

// Key identifies a stack.
type Key struct {
	ObjectType string
	StackID    int64
}

func (k Key) String() string {
	return k.ObjectType + "/" + strconv.FormatInt(k.StackID, 10)
}

// Action is one persisted, replayable statement.
type Action struct {
	ID         string
	Key        Key
	CaptureID  int64
	Kind       Kind
	Step       int // statement order within the capture
	Seq        int // capture order within the capture
	Statement  string
	Parameters string // codec-encoded arguments
	Active     bool
	OperatedBy string
	Reason     string
	CreatedAt  time.Time
}

// Counts holds the number of active actions of each kind in a stack.
type Counts struct {
	Undo int
	Redo int
}

// Group summarizes one reachable capture group.
type Group struct {
	CaptureID  int64
	Applied    bool // true when its undo actions are active
	Actions    int
	OperatedBy string
	Reason     string
	CreatedAt  time.Time
}

// Store reads and writes actions over its own connection pool.
type Store struct {
	db     *sql.DB
	driver Driver
}

func New(db *sql.DB, driver Driver) *Store {
	return &Store{db: db, driver: driver}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate creates or upgrades the history schema.
func (s *Store) Migrate() error {
	var (
		drv database.Driver
		err error
	)
	switch s.driver {
	case SQLite:
		drv, err = migratesqlite.WithInstance(s.db, &migratesqlite.Config{MigrationsTable: MigrationsTable})
	case SQLite3:
		drv, err = migratesqlite3.WithInstance(s.db, &migratesqlite3.Config{MigrationsTable: MigrationsTable})
	case Postgres:
		drv, err = migratepgx.WithInstance(s.db, &migratepgx.Config{MigrationsTable: MigrationsTable})
	default:
		return fmt.Errorf("history: unsupported driver %q", s.driver)
	}
	if err != nil {
		return fmt.Errorf("history: failed to initialise migrate driver: %w", err)
	}

	src, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("history: failed to load embedded migrations: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	m, err := migrate.NewWithInstance("iofs", src, string(s.driver), drv)
	if err != nil {
		return fmt.Errorf("history: failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: failed to apply migrations: %w", err)
	}
	return nil
}

func (s *Store) q(stmt string) string {
	if s.driver != Postgres {
		return stmt
	}
	return query.Rebind(stmt, func(n int) string { return "$" + strconv.Itoa(n) })
}

// BeginTx starts a transaction on the history connection.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("history: failed to begin transaction: %w", err)
	}
	return tx, nil
}

// MaxCaptureID returns the highest capture id recorded for the stack, or 0.
func (s *Store) MaxCaptureID(ctx context.Context, key Key) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT COALESCE(MAX(capture_id), 0) FROM undoredo_action
WHERE stack_id = ? AND object_type = ?`), key.StackID, key.ObjectType).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("history: failed to read max capture id for %s: %w", key, err)
	}
	return id, nil
}

// Insert writes actions in a single transaction.
func (s *Store) Insert(ctx context.Context, actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	stmt := s.q(`
INSERT INTO undoredo_action
    (id, stack_id, object_type, capture_id, kind, step, seq, statement, parameters, active, operated_by, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, stmt,
			a.ID,
			a.Key.StackID,
			a.Key.ObjectType,
			a.CaptureID,
			string(a.Kind),
			a.Step,
			a.Seq,
			a.Statement,
			a.Parameters,
			a.Active,
			a.OperatedBy,
			a.Reason,
			a.CreatedAt.UnixMilli(),
		); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("history: failed to insert action: %w (rollback error: %w)", err, rbErr)
			}
			return fmt.Errorf("history: failed to insert action: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: failed to commit actions: %w", err)
	}
	return nil
}

// Latest returns the active group of kind with the highest capture id.
func (s *Store) Latest(ctx context.Context, key Key, kind Kind) ([]Action, error) {
	return s.group(ctx, key, kind, "MAX")
}

// Earliest returns the active group of kind with the lowest capture id.
func (s *Store) Earliest(ctx context.Context, key Key, kind Kind) ([]Action, error) {
	return s.group(ctx, key, kind, "MIN")
}

// group returns the actions in replay order: undo groups run their statements
// last-first, redo groups first-last; rows keep capture order either way.
func (s *Store) group(ctx context.Context, key Key, kind Kind, agg string) ([]Action, error) {
	order := "step ASC, seq ASC"
	if kind == Undo {
		order = "step DESC, seq ASC"
	}
	rows, err := s.db.QueryContext(ctx, s.q(fmt.Sprintf(`
SELECT id, capture_id, step, seq, statement, parameters, operated_by, reason, created_at
FROM undoredo_action
WHERE stack_id = ? AND object_type = ? AND kind = ? AND active = ?
  AND capture_id = (
    SELECT %s(capture_id) FROM undoredo_action
    WHERE stack_id = ? AND object_type = ? AND kind = ? AND active = ?
  )
ORDER BY %s`, agg, order)),
		key.StackID, key.ObjectType, string(kind), true,
		key.StackID, key.ObjectType, string(kind), true,
	)
	if err != nil {
		return nil, fmt.Errorf("history: failed to query %s group for %s: %w", kind, key, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []Action
	for rows.Next() {
		a := Action{Key: key, Kind: kind, Active: true}
		var created int64
		if err := rows.Scan(&a.ID, &a.CaptureID, &a.Step, &a.Seq, &a.Statement, &a.Parameters, &a.OperatedBy, &a.Reason, &created); err != nil {
			return nil, fmt.Errorf("history: failed to scan action: %w", err)
		}
		a.CreatedAt = time.UnixMilli(created)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: failed to read %s group for %s: %w", kind, key, err)
	}
	return out, nil
}

// Flip marks the from group of a capture inactive and its sibling group active, inside tx.
func (s *Store) Flip(ctx context.Context, tx *sql.Tx, key Key, captureID int64, from Kind) error {
	if err := s.setActive(ctx, tx, key, captureID, from, false); err != nil {
		return err
	}
	return s.setActive(ctx, tx, key, captureID, from.Sibling(), true)
}

func (s *Store) setActive(ctx context.Context, tx *sql.Tx, key Key, captureID int64, kind Kind, active bool) error {
	_, err := tx.ExecContext(ctx, s.q(`
UPDATE undoredo_action SET active = ?
WHERE stack_id = ? AND object_type = ? AND capture_id = ? AND kind = ?`),
		active, key.StackID, key.ObjectType, captureID, string(kind))
	if err != nil {
		return fmt.Errorf("history: failed to mark %s group %d of %s active=%t: %w", kind, captureID, key, active, err)
	}
	return nil
}

// Truncate removes the unreachable part of a stack: undone undo actions and pending redo actions.
func (s *Store) Truncate(ctx context.Context, key Key) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
DELETE FROM undoredo_action
WHERE stack_id = ? AND object_type = ?
  AND ((kind = ? AND active = ?) OR (kind = ? AND active = ?))`),
		key.StackID, key.ObjectType, string(Undo), false, string(Redo), true)
	if err != nil {
		return 0, fmt.Errorf("history: failed to truncate %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: failed to count truncated actions: %w", err)
	}
	return n, nil
}

// Count returns the number of active actions of each kind in the stack.
func (s *Store) Count(ctx context.Context, key Key) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT kind, COUNT(*) FROM undoredo_action
WHERE stack_id = ? AND object_type = ? AND active = ?
GROUP BY kind`), key.StackID, key.ObjectType, true)
	if err != nil {
		return Counts{}, fmt.Errorf("history: failed to count actions of %s: %w", key, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var c Counts
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return Counts{}, fmt.Errorf("history: failed to scan count: %w", err)
		}
		switch Kind(kind) {
		case Undo:
			c.Undo = n
		case Redo:
			c.Redo = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("history: failed to count actions of %s: %w", key, err)
	}
	return c, nil
}

// Groups lists the reachable capture groups of a stack in capture order.
func (s *Store) Groups(ctx context.Context, key Key) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT capture_id, kind, COUNT(*), MAX(operated_by), MAX(reason), MIN(created_at)
FROM undoredo_action
WHERE stack_id = ? AND object_type = ? AND active = ?
GROUP BY capture_id, kind
ORDER BY capture_id`), key.StackID, key.ObjectType, true)
	if err != nil {
		return nil, fmt.Errorf("history: failed to list groups of %s: %w", key, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var out []Group
	for rows.Next() {
		var g Group
		var kind string
		var created int64
		if err := rows.Scan(&g.CaptureID, &kind, &g.Actions, &g.OperatedBy, &g.Reason, &created); err != nil {
			return nil, fmt.Errorf("history: failed to scan group: %w", err)
		}
		g.Applied = Kind(strings.TrimSpace(kind)) == Undo
		g.CreatedAt = time.UnixMilli(created)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: failed to list groups of %s: %w", key, err)
	}
	return out, nil
}

package sqlundo_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/mickamy/sqlundo"
)

const schema = `
CREATE TABLE widgets (
    id    INTEGER PRIMARY KEY AUTOINCREMENT,
    name  TEXT NOT NULL,
    size  INTEGER NOT NULL DEFAULT 1,
    color TEXT NOT NULL DEFAULT 'red',
    note  TEXT
);
CREATE TABLE parts (
    widget_id INTEGER NOT NULL,
    slot      INTEGER NOT NULL,
    label     TEXT,
    PRIMARY KEY (widget_id, slot)
);
CREATE TABLE logs (line TEXT);
CREATE TABLE samples (
    id    INTEGER PRIMARY KEY,
    at    DATETIME,
    day   DATE,
    ts    TIMESTAMP,
    flag  BOOLEAN,
    ratio REAL,
    data  BLOB,
    label TEXT,
    tag   TEXT DEFAULT 'dflt'
);
CREATE TABLE lines (
    id    INTEGER PRIMARY KEY,
    a     INTEGER NOT NULL,
    b     INTEGER NOT NULL,
    total INTEGER GENERATED ALWAYS AS (a + b) VIRTUAL
);
`

const (
	widget = "widget"
	stack  = int64(1)
)

type env struct {
	h  *sqlundo.Handler
	db *sqlundo.DB
}

func setup(t *testing.T) env {
	t.Helper()
	return setupDriver(t, "sqlite3")
}

// setupDriver opens the data store with driverName ("sqlite3" or "sqlite").
func setupDriver(t *testing.T, driverName string) env {
	t.Helper()
	dir := t.TempDir()

	data, err := sql.Open(driverName, filepath.Join(dir, "data.db"))
	require.NoError(t, err)
	data.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = data.Close() })
	_, err = data.Exec(schema)
	require.NoError(t, err)

	hist, err := sql.Open("sqlite", filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	hist.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = hist.Close() })

	h := sqlundo.New(hist, sqlundo.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, h.Migrate(context.Background()))
	return env{h: h, db: h.WrapDB(data)}
}

func (e env) do(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	require.NoError(t, e.h.Do(context.Background(), e.db, widget, stack, fn))
}

func (e env) exec(q string, args ...any) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := e.db.ExecContext(ctx, q, args...)
		return err
	}
}

func (e env) undo(t *testing.T) sqlundo.Counts {
	t.Helper()
	c, err := e.h.Undo(context.Background(), e.db, widget, stack)
	require.NoError(t, err)
	return c
}

func (e env) redo(t *testing.T) sqlundo.Counts {
	t.Helper()
	c, err := e.h.Redo(context.Background(), e.db, widget, stack)
	require.NoError(t, err)
	return c
}

func (e env) names(t *testing.T) []string {
	t.Helper()
	rows, err := e.db.Query(`SELECT name FROM widgets ORDER BY id`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		out = append(out, n)
	}
	require.NoError(t, rows.Err())
	return out
}

type widgetRow struct {
	ID    int64
	Name  string
	Size  int64
	Color string
	Note  sql.NullString
}

func (e env) widgets(t *testing.T) []widgetRow {
	t.Helper()
	rows, err := e.db.Query(`SELECT id, name, size, color, note FROM widgets ORDER BY id`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []widgetRow
	for rows.Next() {
		var w widgetRow
		require.NoError(t, rows.Scan(&w.ID, &w.Name, &w.Size, &w.Color, &w.Note))
		out = append(out, w)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestInsertUndoRedoRoundTrip(t *testing.T) {
	e := setup(t)

	for _, n := range []string{"A", "B", "C"} {
		e.do(t, e.exec(`INSERT INTO widgets (name) VALUES (?)`, n))
	}
	before := e.widgets(t)

	assert.Equal(t, sqlundo.Counts{Undo: 2, Redo: 1}, e.undo(t))
	assert.Equal(t, []string{"A", "B"}, e.names(t), "undo targets the latest capture")
	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 2}, e.undo(t))
	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 3}, e.undo(t))
	assert.Empty(t, e.names(t))

	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 3}, e.undo(t), "empty undo history is a no-op")

	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 2}, e.redo(t))
	assert.Equal(t, []string{"A"}, e.names(t), "redo restores chronological order")
	e.redo(t)
	assert.Equal(t, sqlundo.Counts{Undo: 3, Redo: 0}, e.redo(t))

	assert.Equal(t, before, e.widgets(t), "redo restores generated keys and defaults")
	assert.Equal(t, sqlundo.Counts{Undo: 3, Redo: 0}, e.redo(t), "empty redo history is a no-op")
}

func TestNewCaptureDiscardsRedoBranch(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.do(t, e.exec(`INSERT INTO widgets (name) VALUES (?)`, "A"))
	e.do(t, e.exec(`INSERT INTO widgets (name) VALUES (?)`, "B"))
	e.undo(t)

	s, err := e.h.Capture(ctx, e.db, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, int64(3), s.CaptureID(), "capture ids are never reused")
	_, err = e.db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES (?)`, "C")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.Equal(t, sqlundo.Counts{Undo: 2, Redo: 0}, e.redo(t))
	assert.Equal(t, []string{"A", "C"}, e.names(t))

	gs, err := e.h.History(ctx, widget, stack)
	require.NoError(t, err)
	require.Len(t, gs, 2)
	assert.Equal(t, int64(1), gs[0].CaptureID)
	assert.Equal(t, int64(3), gs[1].CaptureID)
}

func TestClearHistoryAfterPartialUndo(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	for _, n := range []string{"A", "B", "C"} {
		e.do(t, e.exec(`INSERT INTO widgets (name) VALUES (?)`, n))
	}
	e.undo(t)

	n, err := e.h.ClearHistory(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.Equal(t, sqlundo.Counts{Undo: 2, Redo: 0}, e.redo(t))
	assert.Equal(t, []string{"A", "B"}, e.names(t))

	n, err = e.h.ClearHistory(ctx, widget, stack)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpdateRestoresOnlyAssignedColumns(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name, size) VALUES (?, ?), (?, ?)`, "Foo", 1, "Bar", 2)
	require.NoError(t, err)

	e.do(t, e.exec(`UPDATE widgets AS w SET name = upper(name) || ?, color = ? WHERE w.size >= ?`, "!", "blue", 1))
	// untracked change to another column
	_, err = e.db.ExecContext(ctx, `UPDATE widgets SET size = size + 10`)
	require.NoError(t, err)

	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 1}, e.undo(t))
	got := e.widgets(t)
	require.Len(t, got, 2)
	assert.Equal(t, widgetRow{ID: 1, Name: "Foo", Size: 11, Color: "red"}, got[0])
	assert.Equal(t, widgetRow{ID: 2, Name: "Bar", Size: 12, Color: "red"}, got[1])

	e.redo(t)
	assert.Equal(t, []string{"FOO!", "BAR!"}, e.names(t))
}

func TestDeleteRestoresRows(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name, size, note) VALUES ('Foo', 1, NULL), ('Bar', 5, 'x'), ('Baz', 7, '')`)
	require.NoError(t, err)
	before := e.widgets(t)

	e.do(t, e.exec(`DELETE FROM widgets WHERE size > ?`, 2))
	assert.Equal(t, []string{"Foo"}, e.names(t))

	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 1}, e.undo(t))
	assert.Equal(t, before, e.widgets(t))

	assert.Equal(t, sqlundo.Counts{Undo: 2, Redo: 0}, e.redo(t))
	assert.Equal(t, []string{"Foo"}, e.names(t))
}

func TestStatementThatChangesNothingRecordsNothing(t *testing.T) {
	e := setup(t)

	e.do(t, e.exec(`DELETE FROM widgets WHERE id = ?`, 42))

	c, err := e.h.Status(context.Background(), widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{}, c)
}

func TestMultiStatementScope(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('Foo'), ('Bar')`)
	require.NoError(t, err)
	before := e.widgets(t)

	e.do(t, func(ctx context.Context) error {
		if _, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name, size) VALUES (?, ?)`, "Baz", 3); err != nil {
			return err
		}
		if _, err := e.db.ExecContext(ctx, `UPDATE widgets SET name = name || '2' WHERE size = 3`); err != nil {
			return err
		}
		_, err := e.db.ExecContext(ctx, `DELETE FROM widgets WHERE name = ?`, "Foo")
		return err
	})
	after := e.widgets(t)
	assert.Equal(t, []string{"Bar", "Baz2"}, e.names(t))

	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 3}, e.undo(t))
	assert.Equal(t, before, e.widgets(t))

	e.redo(t)
	assert.Equal(t, after, e.widgets(t))
}

func TestCompositePrimaryKey(t *testing.T) {
	e := setup(t)

	e.do(t, e.exec(`INSERT INTO parts (widget_id, slot, label) VALUES (1, 1, 'a'), (1, 2, NULL)`))
	e.do(t, e.exec(`UPDATE parts SET label = ? WHERE widget_id = ?`, "z", 1))

	e.undo(t)
	var label sql.NullString
	require.NoError(t, e.db.QueryRow(`SELECT label FROM parts WHERE widget_id = 1 AND slot = 2`).Scan(&label))
	assert.False(t, label.Valid)

	e.undo(t)
	var n int
	require.NoError(t, e.db.QueryRow(`SELECT count(*) FROM parts`).Scan(&n))
	assert.Zero(t, n)
}

func TestReplayFailureLeavesFlagsUnchanged(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'Foo')`)
	require.NoError(t, err)
	e.do(t, e.exec(`DELETE FROM widgets WHERE id = ?`, 1))
	// an untracked row takes the deleted key
	_, err = e.db.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'Other')`)
	require.NoError(t, err)

	_, err = e.h.Undo(ctx, e.db, widget, stack)

	require.ErrorIs(t, err, sqlundo.ErrReplay)
	var re *sqlundo.ReplayError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, int64(1), re.CaptureID)
	assert.Equal(t, "undo", re.Kind)

	c, err := e.h.Status(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 0}, c)
	assert.Equal(t, []string{"Other"}, e.names(t))

	_, err = e.db.ExecContext(ctx, `DELETE FROM widgets`)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 1}, e.undo(t), "retry succeeds once the conflict is gone")
	assert.Equal(t, []string{"Foo"}, e.names(t))
}

func TestScopeRules(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	s, err := e.h.Capture(ctx, e.db, widget, stack)
	require.NoError(t, err)

	_, err = e.h.Capture(ctx, e.db, widget, stack)
	require.ErrorIs(t, err, sqlundo.ErrScopeOpen)
	_, err = e.h.Undo(ctx, e.db, widget, stack)
	require.ErrorIs(t, err, sqlundo.ErrScopeOpen)
	_, err = e.h.Redo(ctx, e.db, widget, stack)
	require.ErrorIs(t, err, sqlundo.ErrScopeOpen)
	_, err = e.h.ClearHistory(ctx, widget, stack)
	require.ErrorIs(t, err, sqlundo.ErrScopeOpen)

	other, err := e.h.Capture(ctx, e.db, "gadget", stack)
	require.NoError(t, err, "other stacks are independent")
	require.NoError(t, other.Close())

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Close(), sqlundo.ErrScopeClosed)

	s, err = e.h.Capture(ctx, e.db, widget, stack)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = e.h.Capture(ctx, e.db, " ", stack)
	require.Error(t, err)
}

func TestDoClosesOnErrorAndPanic(t *testing.T) {
	e := setup(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := e.h.Do(ctx, e.db, widget, stack, func(ctx context.Context) error {
		if _, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('A')`); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	c, err := e.h.Status(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 0}, c, "executed statements are recorded")

	assert.Panics(t, func() {
		_ = e.h.Do(ctx, e.db, widget, stack, func(context.Context) error { panic("boom") })
	})

	// hooks were removed: nothing below is captured
	_, err = e.db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('B')`)
	require.NoError(t, err)
	c, err = e.h.Status(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 0}, c)

	s, err := e.h.Capture(ctx, e.db, widget, stack)
	require.NoError(t, err, "stack was released")
	require.NoError(t, s.Close())
}

func TestTransactions(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.do(t, func(ctx context.Context) error {
		tx, err := e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('lost')`); err != nil {
			return err
		}
		if err := tx.Rollback(); err != nil {
			return err
		}

		tx, err = e.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('kept')`); err != nil {
			return err
		}
		return tx.Commit()
	})

	c, err := e.h.Status(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 0}, c, "rolled back statements are discarded")

	e.undo(t)
	assert.Empty(t, e.names(t))
}

func TestExecBatch(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.do(t, func(ctx context.Context) error {
		res, err := e.db.ExecBatch(ctx, `INSERT INTO widgets (name) VALUES (?)`, [][]any{{"A"}, {"B"}})
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		assert.Equal(t, int64(2), n)
		return nil
	})
	c, err := e.h.Status(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 2, Redo: 0}, c, "insert batches are captured per execution")

	e.do(t, func(ctx context.Context) error {
		_, err := e.db.ExecBatch(ctx, `UPDATE widgets SET size = ? WHERE id = ?`, [][]any{{5, 1}, {6, 2}})
		return err
	})
	c, err = e.h.Status(ctx, widget, stack)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 2, Redo: 0}, c, "pre-bound bulk updates are not captured")

	var size int
	require.NoError(t, e.db.QueryRow(`SELECT size FROM widgets WHERE id = 2`).Scan(&size))
	assert.Equal(t, 6, size)
}

func TestUnsupportedStatementsAreRejected(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO widgets (id, name) VALUES (1, 'A')`)
	require.NoError(t, err)

	s, err := e.h.Capture(ctx, e.db, widget, stack)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	tcs := []struct {
		name string
		sql  string
		args []any
	}{
		{name: "upsert", sql: `INSERT INTO widgets (id, name) VALUES (1, 'B') ON CONFLICT (id) DO UPDATE SET name = excluded.name`},
		{name: "insert or replace", sql: `INSERT OR REPLACE INTO widgets (id, name) VALUES (1, 'B')`},
		{name: "assigns primary key", sql: `UPDATE widgets SET id = 2 WHERE id = 1`},
		{name: "limit", sql: `DELETE FROM widgets WHERE id > 0 LIMIT 1`},
		{name: "table without primary key", sql: `INSERT INTO logs (line) VALUES ('x')`},
		{name: "update without primary key", sql: `UPDATE logs SET line = 'y'`},
		{name: "named argument", sql: `DELETE FROM widgets WHERE id = :id`, args: []any{sql.Named("id", 1)}},
		{name: "cte", sql: `WITH d AS (SELECT 1) DELETE FROM widgets WHERE id IN (SELECT * FROM d)`},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.db.ExecContext(ctx, tc.sql, tc.args...)
			require.ErrorIs(t, err, sqlundo.ErrUnsupportedStatement)
		})
	}

	_, err = e.db.QueryContext(ctx, `DELETE FROM widgets RETURNING id`)
	require.ErrorIs(t, err, sqlundo.ErrUnsupportedStatement)

	assert.Equal(t, []string{"A"}, e.names(t), "rejected statements were not executed")

	_, err = e.db.ExecContext(sqlundo.WithSkip(ctx), `INSERT INTO logs (line) VALUES ('skipped')`)
	require.NoError(t, err)
}

func TestDeleteWithoutPrimaryKey(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO logs (line) VALUES ('a'), ('b')`)
	require.NoError(t, err)

	e.do(t, e.exec(`DELETE FROM logs`))
	e.undo(t)

	var n int
	require.NoError(t, e.db.QueryRow(`SELECT count(*) FROM logs`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestInsertResult(t *testing.T) {
	e := setup(t)

	e.do(t, func(ctx context.Context) error {
		res, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('A'), ('B') RETURNING id`)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		id, err := res.LastInsertId()
		require.NoError(t, err)
		assert.Equal(t, int64(2), id)
		return nil
	})
}

func TestMetadataIsRecorded(t *testing.T) {
	e := setup(t)
	ctx := sqlundo.WithReason(sqlundo.WithOperator(context.Background(), "alice"), "fix typo")

	require.NoError(t, e.h.Do(ctx, e.db, widget, stack, e.exec(`INSERT INTO widgets (name) VALUES ('A')`)))

	gs, err := e.h.History(ctx, widget, stack)
	require.NoError(t, err)
	require.Len(t, gs, 1)
	assert.Equal(t, "alice", gs[0].OperatedBy)
	assert.Equal(t, "fix typo", gs[0].Reason)
	assert.True(t, gs[0].Applied)
}

type Color string

func TestEnumerationParametersRoundTrip(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_, err := e.db.ExecContext(ctx, `INSERT INTO widgets (name) VALUES ('A')`)
	require.NoError(t, err)

	e.do(t, e.exec(`UPDATE widgets SET color = ? WHERE id = ?`, Color("green"), 1))
	e.undo(t)
	e.redo(t)

	var color string
	require.NoError(t, e.db.QueryRow(`SELECT color FROM widgets WHERE id = 1`).Scan(&color))
	assert.Equal(t, "green", color)
}

func TestStacksAreIndependent(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	e.do(t, e.exec(`INSERT INTO widgets (name) VALUES ('A')`))
	require.NoError(t, e.h.Do(ctx, e.db, widget, 2, e.exec(`INSERT INTO widgets (name) VALUES ('B')`)))

	assert.Equal(t, sqlundo.Counts{Undo: 0, Redo: 1}, e.undo(t))
	assert.Equal(t, []string{"B"}, e.names(t))

	c, err := e.h.Status(ctx, widget, 2)
	require.NoError(t, err)
	assert.Equal(t, sqlundo.Counts{Undo: 1, Redo: 0}, c)
}

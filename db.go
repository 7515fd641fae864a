package sqlundo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mickamy/sqlundo/internal/ident"
	"github.com/mickamy/sqlundo/internal/query"
	"github.com/mickamy/sqlundo/internal/synth"
)

// DB wraps a *sql.DB so that data-changing statements can be observed by registered hooks.
// Reads and anything not intercepted pass through to the embedded *sql.DB.
type DB struct {
	*sql.DB
	h       *Handler
	dialect Dialect
	tables  sync.Map // normalized table -> tableInfo

	mu    sync.RWMutex
	next  Token
	hooks map[Token]Hooks
	order []Token
	txSeq atomic.Uint64
	evSeq atomic.Uint64
}

// WrapDB attaches sqlundo to a data store connection.
func (h *Handler) WrapDB(db *sql.DB) *DB {
	d := h.cfg.Dialect
	if d == nil {
		var ok bool
		if d, ok = detectDialect(db.Driver()); !ok {
			h.log.Warn("unknown driver, assuming sqlite dialect", "driver", fmt.Sprintf("%T", db.Driver()))
			d = SQLite
		}
	}
	return &DB{DB: db, h: h, dialect: d, hooks: map[Token]Hooks{}}
}

// Dialect returns the dialect used for synthesized statements.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Register grants hooks until the returned token is unregistered.
func (db *DB) Register(hs Hooks) (Token, error) {
	if hs.Before == nil && hs.After == nil && hs.Rollback == nil {
		return 0, errors.New("sqlundo: register requires at least one hook")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.next++
	db.hooks[db.next] = hs
	db.order = append(db.order, db.next)
	return db.next, nil
}

// Unregister removes a registration. Unknown tokens are ignored.
func (db *DB) Unregister(t Token) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.hooks[t]; !ok {
		return
	}
	delete(db.hooks, t)
	db.order = slices.DeleteFunc(db.order, func(o Token) bool { return o == t })
}

func (db *DB) snapshot() []Hooks {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if len(db.order) == 0 {
		return nil
	}
	out := make([]Hooks, len(db.order))
	for i, t := range db.order {
		out[i] = db.hooks[t]
	}
	return out
}

// intercept parses q when hooks are registered and ctx is not marked with WithSkip.
// It returns nil hooks when the statement passes through untouched.
func (db *DB) intercept(ctx context.Context, q string) (query.Statement, []Hooks, error) {
	if extractSkip(ctx) {
		return query.Statement{}, nil, nil
	}
	hooks := db.snapshot()
	if hooks == nil {
		return query.Statement{}, nil, nil
	}
	st, err := query.Parse(q)
	if err != nil {
		return query.Statement{}, nil, fmt.Errorf("%w: %w", ErrUnsupportedStatement, err)
	}
	if st.Kind == query.None {
		return st, nil, nil
	}
	return st, hooks, nil
}

type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// exec runs one intercepted statement on qe, which must be the connection or
// transaction that both reads the pre-image and executes the statement.
func (db *DB) exec(ctx context.Context, qe queryExecer, txID uint64, hooks []Hooks, st query.Statement, args []any) (sql.Result, error) {
	ev, err := db.prepare(ctx, qe, txID, st, args)
	if err != nil {
		return nil, err
	}
	for _, hk := range hooks {
		if hk.Before == nil {
			continue
		}
		if err := hk.Before(ctx, ev); err != nil {
			return nil, err
		}
	}

	var res sql.Result
	if st.Kind == query.Insert {
		rows, err := qe.QueryContext(ctx, st.WithReturning(ev.table().AllColumns()), args...)
		if err != nil {
			return nil, err
		}
		if ev.Rows, err = scanRows(rows); err != nil {
			return nil, fmt.Errorf("sqlundo: failed to scan inserted rows: %w", err)
		}
		ev.RowsAffected = int64(len(ev.Rows))
		res = newInsertResult(ev.Table, ev.PrimaryKey, ev.Rows)
	} else {
		if res, err = qe.ExecContext(ctx, st.SQL, args...); err != nil {
			return nil, err
		}
		if ev.RowsAffected, err = res.RowsAffected(); err != nil {
			ev.RowsAffected = int64(len(ev.Rows))
		}
	}

	for _, hk := range hooks {
		if hk.After == nil {
			continue
		}
		if err := hk.After(ctx, ev); err != nil {
			return nil, err
		}
	}
	db.h.log.Debug("statement intercepted",
		"kind", st.Kind.String(), "table", ev.Table, "rows", ev.RowsAffected, "tx", txID)
	return res, nil
}

// prepare resolves the primary key and, for UPDATE and DELETE, reads the rows the
// statement is about to change.
func (db *DB) prepare(ctx context.Context, qe queryExecer, txID uint64, st query.Statement, args []any) (Event, error) {
	if err := checkArgs(args); err != nil {
		return Event{}, err
	}
	if n := st.NumInput(); n > len(args) {
		return Event{}, fmt.Errorf("sqlundo: statement references %d arguments, got %d", n, len(args))
	}
	info, err := db.tableInfo(ctx, qe, st)
	if err != nil {
		return Event{}, err
	}
	pk := info.pk
	ev := Event{
		ID:         db.evSeq.Add(1),
		TxID:       txID,
		Kind:       st.Kind,
		Table:      st.Table,
		PrimaryKey: pk,
		SQL:        st.SQL,
		Args:       args,
		stmt:       st,
		cols:       info.cols,
		ph:         db.dialect.Placeholder,
		raw:        db.dialect.Raw,
	}

	switch st.Kind {
	case query.Insert:
		if len(pk) == 0 {
			return Event{}, unsupported("INSERT into %s: table has no primary key", st.Table)
		}
	case query.Update, query.Delete:
		pre, preArgs, err := synth.PreImage(st, args, ev.table(), ev.ph)
		if err != nil {
			if errors.Is(err, synth.ErrNoPrimaryKey) || errors.Is(err, synth.ErrPrimaryKeyAssigned) {
				return Event{}, unsupported("%s %s: %v", st.Kind, st.Table, err)
			}
			return Event{}, fmt.Errorf("sqlundo: failed to build pre-image query: %w", err)
		}
		rows, err := qe.QueryContext(ctx, pre, preArgs...)
		if err != nil {
			return Event{}, fmt.Errorf("sqlundo: failed to read pre-image of %s: %w", st.Table, err)
		}
		if ev.Rows, err = scanRows(rows); err != nil {
			return Event{}, fmt.Errorf("sqlundo: failed to scan pre-image of %s: %w", st.Table, err)
		}
	}
	return ev, nil
}

func checkArgs(args []any) error {
	for _, a := range args {
		if _, ok := a.(sql.NamedArg); ok {
			return unsupported("named arguments")
		}
	}
	return nil
}

type tableInfo struct {
	pk   []string
	cols []Column
}

// tableInfo resolves the primary key and columns of the statement's table. Config.PrimaryKeys
// overrides the introspected key. Tables that do not exist yet are not cached.
func (db *DB) tableInfo(ctx context.Context, q Querier, st query.Statement) (tableInfo, error) {
	cacheKey := ident.Normalize(st.Table)
	if v, ok := db.tables.Load(cacheKey); ok {
		return v.(tableInfo), nil
	}

	var info tableInfo
	var err error
	if pk, ok := db.h.cfg.PrimaryKeys[strings.Join(st.TableParts, ".")]; ok {
		info.pk = pk
	} else if info.pk, err = db.dialect.PrimaryKey(ctx, q, st.TableParts); err != nil {
		return tableInfo{}, fmt.Errorf("sqlundo: failed to resolve primary key of %s: %w", st.Table, err)
	}
	if info.cols, err = db.dialect.Columns(ctx, q, st.TableParts); err != nil {
		return tableInfo{}, fmt.Errorf("sqlundo: failed to resolve columns of %s: %w", st.Table, err)
	}
	if len(info.cols) > 0 {
		db.tables.Store(cacheKey, info)
	}
	return info, nil
}

// inTx runs fn in a transaction of its own so that the pre-image read, the statement
// and the hooks observe the same connection. Rollback hooks learn about failures.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx, id uint64) error) error {
	tx, err := db.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	id := db.txSeq.Add(1)
	if err := fn(tx, id); err != nil {
		rbErr := tx.Rollback()
		db.rolledBack(id)
		if rbErr != nil {
			return fmt.Errorf("%w (rollback error: %w)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		db.rolledBack(id)
		return err
	}
	return nil
}

func (db *DB) rolledBack(txID uint64) {
	for _, hk := range db.snapshot() {
		if hk.Rollback != nil {
			hk.Rollback(txID)
		}
	}
}

// ExecContext intercepts data-changing statements while hooks are registered.
// An intercepted statement runs in an implicit transaction that is rolled back when
// an After hook fails.
func (db *DB) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	st, hooks, err := db.intercept(ctx, q)
	if err != nil {
		return nil, err
	}
	if hooks == nil {
		return db.DB.ExecContext(ctx, q, args...)
	}
	var res sql.Result
	err = db.inTx(ctx, func(tx *sql.Tx, id uint64) error {
		var err error
		res, err = db.exec(ctx, tx, id, hooks, st, args)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Exec is ExecContext with a background context.
func (db *DB) Exec(q string, args ...any) (sql.Result, error) {
	return db.ExecContext(context.Background(), q, args...)
}

// ExecBatch executes q once per argument set on a single connection and reports the
// total number of affected rows. INSERT batches are captured per execution; UPDATE and
// DELETE batches bind their rows explicitly and are executed without capture.
func (db *DB) ExecBatch(ctx context.Context, q string, argSets [][]any) (sql.Result, error) {
	var res sql.Result
	err := db.inTx(ctx, func(tx *sql.Tx, id uint64) error {
		var err error
		res, err = db.execBatch(ctx, tx, id, q, argSets)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (db *DB) execBatch(ctx context.Context, tx *sql.Tx, txID uint64, q string, argSets [][]any) (sql.Result, error) {
	st, hooks, err := db.intercept(ctx, q)
	if err != nil {
		return nil, err
	}
	var n int64
	if hooks != nil && st.Kind == query.Insert {
		for _, args := range argSets {
			r, err := db.exec(ctx, tx, txID, hooks, st, args)
			if err != nil {
				return nil, err
			}
			ra, _ := r.RowsAffected()
			n += ra
		}
		return affectedResult{n: n}, nil
	}
	if hooks != nil {
		db.h.log.Warn("bulk statement executed without capture",
			"kind", st.Kind.String(), "table", st.Table, "executions", len(argSets))
	}

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmt)
	for _, args := range argSets {
		r, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, err
		}
		ra, err := r.RowsAffected()
		if err != nil {
			return nil, err
		}
		n += ra
	}
	return affectedResult{n: n}, nil
}

// guardQuery rejects data-changing statements sent through QueryContext while capturing,
// since their effect could not be recorded.
func (db *DB) guardQuery(ctx context.Context, q string) error {
	st, hooks, err := db.intercept(ctx, q)
	if err != nil {
		return err
	}
	if hooks != nil {
		return unsupported("%s through QueryContext is not captured, use ExecContext", st.Kind)
	}
	return nil
}

// QueryContext passes reads through. While hooks are registered it rejects INSERT,
// UPDATE and DELETE statements with ErrUnsupportedStatement, since rows changed
// through a query cannot be captured.
func (db *DB) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if err := db.guardQuery(ctx, q); err != nil {
		return nil, err
	}
	return db.DB.QueryContext(ctx, q, args...)
}

func (db *DB) Query(q string, args ...any) (*sql.Rows, error) {
	return db.QueryContext(context.Background(), q, args...)
}

// Tx wraps a *sql.Tx; statements are intercepted on the transaction itself.
type Tx struct {
	*sql.Tx
	db *DB
	id uint64
}

// BeginTx starts a wrapped transaction.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	t, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: t, db: db, id: db.txSeq.Add(1)}, nil
}

func (db *DB) Begin() (*Tx, error) {
	return db.BeginTx(context.Background(), nil)
}

// ID identifies the transaction in Event.TxID and Hooks.Rollback.
func (t *Tx) ID() uint64 {
	return t.id
}

// ExecContext is DB.ExecContext within the transaction. Captured statements run on
// the caller's transaction; Rollback hooks learn when it is rolled back.
func (t *Tx) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	st, hooks, err := t.db.intercept(ctx, q)
	if err != nil {
		return nil, err
	}
	if hooks == nil {
		return t.Tx.ExecContext(ctx, q, args...)
	}
	return t.db.exec(ctx, t.Tx, t.id, hooks, st, args)
}

func (t *Tx) Exec(q string, args ...any) (sql.Result, error) {
	return t.ExecContext(context.Background(), q, args...)
}

// ExecBatch is DB.ExecBatch within the transaction.
func (t *Tx) ExecBatch(ctx context.Context, q string, argSets [][]any) (sql.Result, error) {
	return t.db.execBatch(ctx, t.Tx, t.id, q, argSets)
}

// QueryContext is DB.QueryContext within the transaction.
func (t *Tx) QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	if err := t.db.guardQuery(ctx, q); err != nil {
		return nil, err
	}
	return t.Tx.QueryContext(ctx, q, args...)
}

func (t *Tx) Query(q string, args ...any) (*sql.Rows, error) {
	return t.QueryContext(context.Background(), q, args...)
}

// Commit commits the transaction. A failed commit is reported to Rollback hooks.
func (t *Tx) Commit() error {
	if err := t.Tx.Commit(); err != nil {
		if !errors.Is(err, sql.ErrTxDone) {
			t.db.rolledBack(t.id)
		}
		return err
	}
	return nil
}

// Rollback rolls the transaction back and notifies Rollback hooks.
func (t *Tx) Rollback() error {
	err := t.Tx.Rollback()
	if !errors.Is(err, sql.ErrTxDone) {
		t.db.rolledBack(t.id)
	}
	return err
}

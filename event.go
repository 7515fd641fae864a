package sqlundo

import (
	"context"

	"github.com/mickamy/sqlundo/internal/query"
	"github.com/mickamy/sqlundo/internal/synth"
)

// Kind is the kind of an intercepted data-changing statement.
type Kind = query.Kind

const (
	Insert = query.Insert
	Update = query.Update
	Delete = query.Delete
)

// Row is one row image with its columns in result order.
type Row = synth.Row

// Event describes one intercepted INSERT, UPDATE or DELETE.
type Event struct {
	ID         uint64 // unique per DB, shared by the Before and After call of a statement
	TxID       uint64 // the Tx, or the implicit transaction of DB.ExecContext
	Kind       Kind
	Table      string   // quoted, schema-qualified when written so
	PrimaryKey []string // empty for tables without one
	SQL        string   // as issued
	Args       []any

	// Rows holds the pre-image for UPDATE and DELETE (Before and After) and the
	// inserted rows for INSERT (After only).
	Rows []Row
	// RowsAffected is set for After hooks.
	RowsAffected int64

	stmt query.Statement
	cols []Column
	ph   synth.Placeholder
	raw  func(col string) string
}

func (ev Event) table() synth.Table {
	return synth.Table{Name: ev.Table, PrimaryKey: ev.PrimaryKey, Columns: ev.cols, Raw: ev.raw}
}

// HookFunc observes an intercepted statement. An error returned by a Before hook
// prevents execution; an error returned by an After hook is returned to the caller
// and rolls back the implicit transaction of DB.ExecContext.
type HookFunc func(ctx context.Context, ev Event) error

// Hooks is the set of callbacks granted by DB.Register.
type Hooks struct {
	Before HookFunc
	After  HookFunc
	// Rollback is called with the id of a transaction that was rolled back.
	Rollback func(txID uint64)
}

// Token identifies a registration.
type Token uint64

// meta carries operational context stored with every action of a capture.
type meta struct {
	operator string
	reason   string
}

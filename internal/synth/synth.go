// Package synth derives compensating statements for INSERT, UPDATE and DELETE.
//
// Every function here is pure: it receives the intercepted statement, its arguments and
// the row images read around its execution, and returns the statements that reverse
// (undo) and replay (redo) it. Values are never inlined; each draft carries its own
// argument list bound through the dialect placeholder.
package synth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mickamy/sqlundo/internal/ident"
	"github.com/mickamy/sqlundo/internal/query"
)

var (
	ErrNoPrimaryKey        = errors.New("table has no primary key")
	ErrPrimaryKeyAssigned  = errors.New("statement assigns a primary key column")
	ErrMissingPrimaryKey   = errors.New("row image lacks a primary key value")
	ErrUnexpectedStatement = errors.New("unexpected statement kind")
)

// Placeholder renders the n-th (1-based) bind parameter of a statement.
type Placeholder func(n int) string

// Row is one row image with its columns in result order.
type Row struct {
	Columns []string
	Values  []any
}

// Get returns the value of col, matching case-insensitively when no exact match exists.
func (r Row) Get(col string) (any, bool) {
	for i, c := range r.Columns {
		if c == col {
			return r.Values[i], true
		}
	}
	for i, c := range r.Columns {
		if strings.EqualFold(c, col) {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Column describes one column of the mutated table.
type Column struct {
	Name      string
	Generated bool // computed by the store, never written
}

// Table is what synthesis needs to know about the mutated table.
type Table struct {
	Name       string // quoted, schema-qualified when applicable
	PrimaryKey []string
	Columns    []Column // in table order; empty when unknown
	// Raw renders a select-list expression reading the quoted column as stored,
	// bypassing driver conversions keyed on the declared type. Nil reads the column itself.
	Raw func(col string) string
}

// SelectList renders cols as a select list, each item read through t.Raw and named after its column.
func (t Table) SelectList(cols []string) string {
	items := make([]string, len(cols))
	for i, c := range cols {
		q := ident.Quote(c)
		if t.Raw == nil {
			items[i] = q
			continue
		}
		items[i] = t.Raw(q) + " AS " + q
	}
	return strings.Join(items, ", ")
}

// AllColumns returns the select list of every column, or "*" when the columns are unknown.
func (t Table) AllColumns() string {
	if len(t.Columns) == 0 {
		return "*"
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
	}
	return t.SelectList(cols)
}

func (t Table) generated(col string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, col) {
			return c.Generated
		}
	}
	return false
}

// Draft is one executable statement with its bound arguments.
type Draft struct {
	SQL  string
	Args []any
}

// Plan holds the drafts derived from one intercepted statement.
// An empty plan means the statement changed nothing.
type Plan struct {
	Undo []Draft
	Redo []Draft
}

func (p Plan) Empty() bool {
	return len(p.Undo) == 0 && len(p.Redo) == 0
}

// PreImage builds the query reading the rows an UPDATE or DELETE is about to change.
// DELETE reads full rows; UPDATE reads the primary key followed by the assigned columns.
func PreImage(st query.Statement, args []any, t Table, ph Placeholder) (string, []any, error) {
	var cols string
	switch st.Kind {
	case query.Delete:
		cols = t.AllColumns()
	case query.Update:
		if err := CheckUpdate(st, t); err != nil {
			return "", nil, err
		}
		cols = t.SelectList(append(append([]string{}, t.PrimaryKey...), st.Columns...))
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnexpectedStatement, st.Kind)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, t.Name)
	if st.Alias != "" {
		b.WriteString(" ")
		b.WriteString(st.Alias)
	}
	where, whereArgs, err := st.Where(args, ph)
	if err != nil {
		return "", nil, err
	}
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	return b.String(), whereArgs, nil
}

// CheckUpdate reports whether an UPDATE can be reversed row by row.
func CheckUpdate(st query.Statement, t Table) error {
	if len(t.PrimaryKey) == 0 {
		return fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.Name)
	}
	for _, c := range st.Columns {
		for _, k := range t.PrimaryKey {
			if strings.EqualFold(c, k) {
				return fmt.Errorf("%w: %s", ErrPrimaryKeyAssigned, k)
			}
		}
	}
	return nil
}

// Delete reverses a DELETE with one INSERT per removed row, values taken from the full
// row image, and replays the original statement.
func Delete(st query.Statement, args []any, t Table, rows []Row, ph Placeholder) Plan {
	if len(rows) == 0 {
		return Plan{}
	}
	p := Plan{Redo: []Draft{{SQL: st.SQL, Args: args}}}
	for _, r := range rows {
		p.Undo = append(p.Undo, insertRow(t, r, ph))
	}
	return p
}

// Update restores the assigned columns of every pre-image row by primary key and
// replays the original statement. rows must come from PreImage.
func Update(st query.Statement, args []any, t Table, rows []Row, ph Placeholder) (Plan, error) {
	if err := CheckUpdate(st, t); err != nil {
		return Plan{}, err
	}
	if len(rows) == 0 {
		return Plan{}, nil
	}
	p := Plan{Redo: []Draft{{SQL: st.SQL, Args: args}}}
	nk := len(t.PrimaryKey)
	for _, r := range rows {
		if len(r.Values) != nk+len(st.Columns) {
			return Plan{}, fmt.Errorf("pre-image has %d columns, want %d", len(r.Values), nk+len(st.Columns))
		}
		var b strings.Builder
		d := Draft{}
		fmt.Fprintf(&b, "UPDATE %s SET ", t.Name)
		for i, c := range st.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			d.Args = append(d.Args, r.Values[nk+i])
			fmt.Fprintf(&b, "%s = %s", ident.Quote(c), ph(len(d.Args)))
		}
		b.WriteString(" WHERE ")
		b.WriteString(keyPredicate(t.PrimaryKey, r.Values[:nk], &d.Args, ph))
		d.SQL = b.String()
		p.Undo = append(p.Undo, d)
	}
	return p, nil
}

// Insert reverses an INSERT with a DELETE by resolved primary key and replays it as an
// INSERT whose generated key and defaulted columns are explicit. rows are the inserted
// rows as returned by the store. NULLs are bound explicitly so that a column left NULL
// on purpose does not pick up its default on redo.
func Insert(t Table, rows []Row, ph Placeholder) (Plan, error) {
	if len(t.PrimaryKey) == 0 {
		return Plan{}, fmt.Errorf("%w: %s", ErrNoPrimaryKey, t.Name)
	}
	if len(rows) == 0 {
		return Plan{}, nil
	}

	keys := make([][]any, len(rows))
	for i, r := range rows {
		for _, k := range t.PrimaryKey {
			v, ok := r.Get(k)
			if !ok || v == nil {
				return Plan{}, fmt.Errorf("%w: %s", ErrMissingPrimaryKey, k)
			}
			keys[i] = append(keys[i], v)
		}
	}

	var cols []string
	seen := map[string]bool{}
	for _, r := range rows {
		for i, c := range r.Columns {
			if !seen[c] && !t.generated(c) {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}

	redo := Draft{}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", t.Name, strings.Join(ident.QuoteAll(cols), ", "))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, c := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			v, _ := r.Get(c)
			redo.Args = append(redo.Args, v)
			b.WriteString(ph(len(redo.Args)))
		}
		b.WriteString(")")
	}
	redo.SQL = b.String()

	undo := Draft{}
	b.Reset()
	fmt.Fprintf(&b, "DELETE FROM %s WHERE ", t.Name)
	for i, k := range keys {
		pred := keyPredicate(t.PrimaryKey, k, &undo.Args, ph)
		if len(keys) == 1 {
			b.WriteString(pred)
			break
		}
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(" + pred + ")")
	}
	undo.SQL = b.String()

	return Plan{Undo: []Draft{undo}, Redo: []Draft{redo}}, nil
}

// insertRow re-inserts a deleted row with every writable column. NULLs are bound
// explicitly so that columns with a default come back NULL.
func insertRow(t Table, r Row, ph Placeholder) Draft {
	d := Draft{}
	var cols, marks []string
	for i, c := range r.Columns {
		if t.generated(c) {
			continue
		}
		d.Args = append(d.Args, r.Values[i])
		cols = append(cols, ident.Quote(c))
		marks = append(marks, ph(len(d.Args)))
	}
	if len(cols) == 0 {
		d.SQL = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES", t.Name)
		return d
	}
	d.SQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Name, strings.Join(cols, ", "), strings.Join(marks, ", "))
	return d
}

func keyPredicate(pk []string, values []any, args *[]any, ph Placeholder) string {
	parts := make([]string, len(pk))
	for i, k := range pk {
		*args = append(*args, values[i])
		parts[i] = fmt.Sprintf("%s = %s", ident.Quote(k), ph(len(*args)))
	}
	return strings.Join(parts, " AND ")
}

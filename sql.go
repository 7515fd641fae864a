package sqlundo

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/mickamy/sqlundo/internal/ident"
)

// affectedResult implements sql.Result for intercepted INSERTs.
type affectedResult struct {
	n     int64
	id    int64
	hasID bool
}

func (r affectedResult) LastInsertId() (int64, error) {
	if !r.hasID {
		return 0, errors.New("sqlundo: LastInsertId is not available for this table")
	}
	return r.id, nil
}

func (r affectedResult) RowsAffected() (int64, error) {
	return r.n, nil
}

func newInsertResult(table string, pk []string, rows []Row) sql.Result {
	res := affectedResult{n: int64(len(rows))}
	if len(rows) == 0 {
		return res
	}
	last := rows[len(rows)-1]
	var v any
	var ok bool
	if len(pk) == 1 {
		v, ok = last.Get(pk[0])
	} else {
		v, ok = pickID(table, last)
	}
	if id, isInt := v.(int64); ok && isInt {
		res.id, res.hasID = id, true
	}
	return res
}

// pickID attempts to choose a sensible key column from a row: "id" first, then "<singular>_id".
func pickID(table string, r Row) (any, bool) {
	if v, ok := r.Get("id"); ok {
		return v, true
	}
	base := ident.BaseTableName(table)
	singular := inflection.Singular(base)
	return r.Get(fmt.Sprintf("%s_id", singular))
}

// scanRows consumes rows into row images. Byte slices are returned as strings when the
// column declares a non-binary type. Columns read through Dialect.Raw declare none and
// keep whatever the driver returned, which for SQLite follows the storage class.
func scanRows(rows *sql.Rows) ([]Row, error) {
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	text := make([]bool, len(cols))
	for i, t := range types {
		switch strings.ToUpper(t.DatabaseTypeName()) {
		case "", "BLOB", "BYTEA":
		default:
			text[i] = true
		}
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			b, ok := v.([]byte)
			switch {
			case !ok:
			case text[i]:
				vals[i] = string(b)
			case b == nil:
				// NULL scans as an untyped nil; a nil slice is an empty BLOB.
				vals[i] = []byte{}
			}
		}
		out = append(out, Row{Columns: cols, Values: vals})
	}
	return out, rows.Err()
}

package sqlundo

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mickamy/sqlundo/internal/ident"
	"github.com/mickamy/sqlundo/internal/synth"
)

// Column describes one column of a data store table.
type Column = synth.Column

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Dialect describes what differs between supported data stores.
type Dialect interface {
	Name() string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// PrimaryKey returns the primary key columns of table in key order, or none.
	PrimaryKey(ctx context.Context, q Querier, table []string) ([]string, error)
	// Columns returns the columns of table in table order, or none when it does not exist.
	Columns(ctx context.Context, q Querier, table []string) ([]Column, error)
	// Raw renders a select-list expression that reads the quoted column col exactly as
	// stored, so that captured values replay unchanged.
	Raw(col string) string
}

var (
	SQLite   Dialect = sqliteDialect{}
	Postgres Dialect = postgresDialect{}
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) PrimaryKey(ctx context.Context, q Querier, table []string) ([]string, error) {
	from, args, err := sqlitePragma("pragma_table_info", table)
	if err != nil {
		return nil, err
	}
	return queryColumns(ctx, q, `SELECT name FROM `+from+` WHERE pk > 0 ORDER BY pk`, args...)
}

// Columns reads pragma_table_xinfo, where hidden is 2 or 3 for generated columns
// and 1 for hidden columns of virtual tables, which SELECT * leaves out.
func (sqliteDialect) Columns(ctx context.Context, q Querier, table []string) ([]Column, error) {
	from, args, err := sqlitePragma("pragma_table_xinfo", table)
	if err != nil {
		return nil, err
	}
	return queryColumnInfo(ctx, q, `SELECT name, hidden IN (2, 3) FROM `+from+` WHERE hidden <> 1 ORDER BY cid`, args...)
}

// Raw applies unary plus: the value and its storage class are unchanged, but the result
// column loses its declared type, so drivers no longer turn DATETIME text or BOOLEAN
// integers into time.Time and bool.
func (sqliteDialect) Raw(col string) string { return "+" + col }

func sqlitePragma(fn string, table []string) (string, []any, error) {
	switch len(table) {
	case 1:
		return fn + `(?)`, []any{table[0]}, nil
	case 2:
		return fn + `(?, ?)`, []any{table[1], table[0]}, nil
	default:
		return "", nil, fmt.Errorf("sqlundo: unsupported table identifier %q", strings.Join(table, "."))
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) PrimaryKey(ctx context.Context, q Querier, table []string) ([]string, error) {
	if len(table) == 0 || len(table) > 2 {
		return nil, fmt.Errorf("sqlundo: unsupported table identifier %q", strings.Join(table, "."))
	}
	stmt := fmt.Sprintf(`
SELECT a.attname
FROM pg_index i
JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
WHERE i.indrelid = to_regclass(%s) AND i.indisprimary
ORDER BY array_position(i.indkey::int2[], a.attnum)`, ident.QualifiedRegclassLiteral(table))
	return queryColumns(ctx, q, stmt)
}

func (postgresDialect) Columns(ctx context.Context, q Querier, table []string) ([]Column, error) {
	if len(table) == 0 || len(table) > 2 {
		return nil, fmt.Errorf("sqlundo: unsupported table identifier %q", strings.Join(table, "."))
	}
	stmt := fmt.Sprintf(`
SELECT a.attname, a.attgenerated <> ''
FROM pg_attribute a
WHERE a.attrelid = to_regclass(%s) AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`, ident.QualifiedRegclassLiteral(table))
	return queryColumnInfo(ctx, q, stmt)
}

func (postgresDialect) Raw(col string) string { return col }

func queryColumns(ctx context.Context, q Querier, stmt string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func queryColumnInfo(ctx context.Context, q Querier, stmt string, args ...any) ([]Column, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.Generated); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// detectDialect picks a Dialect from the package of the registered driver.
func detectDialect(d driver.Driver) (Dialect, bool) {
	t := reflect.TypeOf(d)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch pkg := t.PkgPath(); {
	case strings.Contains(pkg, "sqlite"):
		return SQLite, true
	case strings.Contains(pkg, "pgx"), strings.HasSuffix(pkg, "lib/pq"):
		return Postgres, true
	default:
		return nil, false
	}
}

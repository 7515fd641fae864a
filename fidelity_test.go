package sqlundo_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sampleColumns = []string{"id", "at", "day", "ts", "flag", "ratio", "data", "label", "tag"}

// seedSamples writes rows without capturing them. The last row holds text in a DATETIME
// column that no driver can parse as a time.
const seedSamples = `
INSERT INTO samples (id, at, day, ts, flag, ratio, data, label, tag) VALUES
    (1, '2024-01-02 03:04:05', '2024-01-02', 1704164645, 1, 0.1, X'00FF10', 'text', NULL),
    (2, '2024-01-02T03:04:05.123456789Z', NULL, '2024-01-02 03:04:05+09:00', 0, 1e-7, X'', '0012', 'x'),
    (3, 'not a date', 20240102, 1704164645123, 'yes', 3, 'blob as text', NULL, 'dflt')`

// dump renders every row of table as "typeof:quote" per column, so storage class
// changes show up as well as value changes.
func (e env) dump(t *testing.T, table string, cols []string) []string {
	t.Helper()
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = fmt.Sprintf("typeof(%s) || ':' || quote(%s)", c, c)
	}
	q := fmt.Sprintf("SELECT %s FROM %s ORDER BY id", strings.Join(exprs, " || ' | ' || "), table)
	rows, err := e.db.Query(q)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		out = append(out, s)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestReplayPreservesStoredValues(t *testing.T) {
	stamp := time.Date(2030, 5, 6, 7, 8, 9, 123, time.UTC)

	tcs := []struct {
		name    string
		capture func(e env) func(ctx context.Context) error
	}{
		{
			name: "update",
			capture: func(e env) func(ctx context.Context) error {
				return e.exec(`UPDATE samples SET at = ?, day = ?, ts = ?, flag = ?, ratio = ?, data = ?, label = ?, tag = ?`,
					stamp, "2030-05-06", stamp, true, 2.5, []byte("new"), nil, "changed")
			},
		},
		{
			name: "delete",
			capture: func(e env) func(ctx context.Context) error {
				return e.exec(`DELETE FROM samples WHERE id > ?`, 0)
			},
		},
		{
			name: "insert with explicit null over a default",
			capture: func(e env) func(ctx context.Context) error {
				return e.exec(`INSERT INTO samples (id, at, ts, flag, data, tag) VALUES (?, ?, ?, ?, ?, NULL)`,
					4, stamp, "2030-05-06 07:08:09", false, []byte{})
			},
		},
	}

	for _, driverName := range []string{"sqlite3", "sqlite"} {
		for _, tc := range tcs {
			t.Run(driverName+"/"+tc.name, func(t *testing.T) {
				e := setupDriver(t, driverName)
				_, err := e.db.DB.Exec(seedSamples)
				require.NoError(t, err)

				before := e.dump(t, "samples", sampleColumns)
				e.do(t, tc.capture(e))
				after := e.dump(t, "samples", sampleColumns)
				require.NotEqual(t, before, after)

				e.undo(t)
				assert.Equal(t, before, e.dump(t, "samples", sampleColumns), "after undo")
				e.redo(t)
				assert.Equal(t, after, e.dump(t, "samples", sampleColumns), "after redo")
				e.undo(t)
				assert.Equal(t, before, e.dump(t, "samples", sampleColumns), "after second undo")
			})
		}
	}
}

func TestInsertRedoKeepsExplicitNull(t *testing.T) {
	e := setup(t)

	e.do(t, e.exec(`INSERT INTO samples (id, tag) VALUES (?, ?)`, 1, nil))
	e.undo(t)
	e.redo(t)

	var tag *string
	require.NoError(t, e.db.QueryRow(`SELECT tag FROM samples WHERE id = 1`).Scan(&tag))
	assert.Nil(t, tag)
}

func TestGeneratedColumnsAreRecomputed(t *testing.T) {
	e := setup(t)
	cols := []string{"id", "a", "b", "total"}

	e.do(t, e.exec(`INSERT INTO lines (a, b) VALUES (?, ?), (?, ?)`, 1, 2, 10, 20))
	inserted := e.dump(t, "lines", cols)
	require.Equal(t, []string{
		"integer:1 | integer:1 | integer:2 | integer:3",
		"integer:2 | integer:10 | integer:20 | integer:30",
	}, inserted)

	e.undo(t)
	assert.Empty(t, e.dump(t, "lines", cols))
	e.redo(t)
	assert.Equal(t, inserted, e.dump(t, "lines", cols))

	e.do(t, e.exec(`DELETE FROM lines WHERE a < ?`, 5))
	assert.Len(t, e.dump(t, "lines", cols), 1)
	e.undo(t)
	assert.Equal(t, inserted, e.dump(t, "lines", cols))
	e.redo(t)
	assert.Len(t, e.dump(t, "lines", cols), 1)
}

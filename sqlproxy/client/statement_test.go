package client

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// firstRow returns a function reading the first row of a result.
func firstRow(t *testing.T) func(*Result, error) []any {
	return func(res *Result, err error) []any {
		t.Helper()
		require.NoError(t, err)
		defer res.Close()
		ctx := testContext(t)
		require.True(t, res.Next(ctx), "no row: %v", res.Err())
		return res.Row()
	}
}

func TestPreparedMatchesDirectExecution(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)

	cases := []struct {
		name string
		sql  string
		args []any
		want []any
	}{
		{"no params", "SELECT 1, 'a'", nil, []any{int64(1), "a"}},
		{"positional", "SELECT ? + ?, ?", []any{40, 2, "x"}, []any{int64(42), "x"}},
		{"numbered", "SELECT ?2, ?1", []any{"one", "two"}, []any{"two", "one"}},
		{"named", "SELECT :a * 2, @b", []any{sql.Named("a", 21), sql.Named("b", 1.5)}, []any{int64(42), 1.5}},
		{"unset is null", "SELECT ?, ?", []any{7}, []any{int64(7), nil}},
		{"bytes and bools", "SELECT ?, ?", []any{[]byte("raw"), true}, []any{[]byte("raw"), int64(1)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			direct := firstRow(t)(conn.Execute(ctx, tc.sql, tc.args...))
			assert.Equal(t, tc.want, direct)

			stmt, err := conn.Prepare(ctx, tc.sql)
			require.NoError(t, err)
			defer stmt.Close()
			prepared := firstRow(t)(stmt.Execute(ctx, tc.args...))
			assert.Equal(t, tc.want, prepared)
		})
	}
}

func TestStatementBindAndReset(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)

	stmt, err := conn.Prepare(ctx, "SELECT :greeting || ' ' || :name")
	require.NoError(t, err)
	defer stmt.Close()
	assert.Equal(t, 2, stmt.ParamCount())
	assert.Equal(t, "SELECT :greeting || ' ' || :name", stmt.Query())

	require.NoError(t, stmt.Bind("greeting", "hello"))
	require.NoError(t, stmt.Bind(":name", "world"))
	assert.Equal(t, []any{"hello world"}, firstRow(t)(stmt.Execute(ctx)))

	// Call arguments override bound values for one execution.
	assert.Equal(t, []any{"hello you"}, firstRow(t)(stmt.Execute(ctx, sql.Named("name", "you"))))
	assert.Equal(t, []any{"hello world"}, firstRow(t)(stmt.Execute(ctx)))

	require.NoError(t, stmt.Reset(ctx))
	assert.Equal(t, []any{nil}, firstRow(t)(stmt.Execute(ctx)))

	text, err := stmt.SQL(ctx)
	require.NoError(t, err)
	assert.Equal(t, stmt.Query(), text)

	assert.Error(t, stmt.Bind(0, 1))
	assert.Error(t, stmt.Bind("", 1))
	assert.Error(t, stmt.Bind(1.5, 1))
}

func TestUnsignedArgumentRange(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)

	assert.Equal(t, []any{int64(math.MaxInt64)}, firstRow(t)(conn.Execute(ctx, "SELECT ?", uint64(math.MaxInt64))))
	assert.Equal(t, []any{int64(5)}, firstRow(t)(conn.Execute(ctx, "SELECT ?", uint(5))))

	_, err := conn.Execute(ctx, "SELECT ?", uint64(math.MaxUint64))
	assert.ErrorContains(t, err, "overflows int64")
	_, err = conn.Execute(ctx, "SELECT :n", sql.Named("n", uint64(1)<<63))
	assert.ErrorContains(t, err, "overflows int64")

	stmt, err := conn.Prepare(ctx, "SELECT ?")
	require.NoError(t, err)
	defer stmt.Close()
	assert.ErrorContains(t, stmt.Bind(1, uint64(math.MaxUint64)), "overflows int64")
	_, err = stmt.Execute(ctx, uint64(math.MaxUint64))
	assert.ErrorContains(t, err, "overflows int64")
}

func TestStatementOutlivesClose(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)
	conn.fetchSize = 1

	stmt, err := conn.Prepare(ctx, "WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n WHERE x < 3) SELECT x FROM n")
	require.NoError(t, err)
	res, err := stmt.Execute(ctx)
	require.NoError(t, err)
	// A second execution while the first result is open.
	res2, err := stmt.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, stmt.Close())
	require.NoError(t, stmt.Close())

	_, err = stmt.Execute(ctx)
	assert.ErrorIs(t, err, ErrStatementClosed)
	assert.ErrorIs(t, stmt.Bind(1, 1), ErrStatementClosed)

	for _, r := range []*Result{res, res2} {
		var got []any
		for row, err := range r.All(ctx) {
			require.NoError(t, err)
			got = append(got, row[0])
		}
		assert.Equal(t, []any{int64(1), int64(2), int64(3)}, got)
	}
}

func TestResultCloseEarly(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)
	conn.fetchSize = 2

	res, err := conn.Query(ctx, "WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n WHERE x < 100) SELECT x FROM n")
	require.NoError(t, err)
	require.True(t, res.Next(ctx))
	require.NoError(t, res.Close())
	require.NoError(t, res.Close())
	assert.False(t, res.Next(ctx))
	assert.ErrorIs(t, res.Err(), ErrResultClosed)

	// The worker dropped the result; the connection is still usable.
	assert.Equal(t, []any{int64(1)}, firstRow(t)(conn.Query(ctx, "SELECT 1")))
}

func TestResultScanConversions(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)

	res, err := conn.Query(ctx, "SELECT 7, 2.5, 'text', X'6869', 1, '2024-03-01 12:30:00', NULL")
	require.NoError(t, err)
	defer res.Close()
	require.True(t, res.Next(ctx))

	var (
		i    int
		f    float64
		s    string
		b    []byte
		ok   bool
		when time.Time
		null sql.NullString
	)
	require.NoError(t, res.Scan(&i, &f, &s, &b, &ok, &when, &null))
	assert.Equal(t, 7, i)
	assert.Equal(t, 2.5, f)
	assert.Equal(t, "text", s)
	assert.Equal(t, []byte("hi"), b)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), when)
	assert.False(t, null.Valid)

	assert.Error(t, res.Scan(&i))
	var n int64
	assert.Error(t, convertAssign(&n, nil))
	assert.Error(t, convertAssign(&n, "abc"))
}

func TestConnectionClosedHandles(t *testing.T) {
	conn := connectTest(t)
	ctx := testContext(t)

	stmt, err := conn.Prepare(ctx, "SELECT 1")
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.False(t, conn.proc.IsClosed())

	_, err = conn.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, err = conn.BeginTransaction(ctx, Deferred)
	assert.ErrorIs(t, err, ErrConnectionClosed)

	// The statement keeps the worker alive until it is closed.
	assert.Equal(t, []any{int64(1)}, firstRow(t)(stmt.Execute(ctx)))
	require.NoError(t, stmt.Close())
	assert.True(t, conn.proc.IsClosed())
}

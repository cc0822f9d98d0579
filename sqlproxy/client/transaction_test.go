package client

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCounter(t *testing.T) (*Connection, context.Context) {
	t.Helper()
	conn := connectTest(t)
	ctx := testContext(t)
	_, err := conn.Execute(ctx, "CREATE TABLE c (v INTEGER)")
	require.NoError(t, err)
	return conn, ctx
}

func insert(t *testing.T, ctx context.Context, tx *Transaction, v int) {
	t.Helper()
	_, err := tx.Execute(ctx, "INSERT INTO c VALUES (?)", v)
	require.NoError(t, err)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	conn, ctx := setupCounter(t)

	tx, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	assert.Equal(t, Deferred, tx.Isolation())
	assert.False(t, tx.IsNested())
	assert.Empty(t, tx.SavepointID())
	insert(t, ctx, tx, 1)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, TxCommitted, tx.State())

	tx, err = conn.BeginTransaction(ctx, Exclusive)
	require.NoError(t, err)
	insert(t, ctx, tx, 2)
	assert.Equal(t, int64(2), countRows(t, ctx, tx, "c"))
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, TxRolledBack, tx.State())

	assert.Equal(t, int64(1), countRows(t, ctx, conn, "c"))
}

func TestTransactionConcludesOnce(t *testing.T) {
	conn, ctx := setupCounter(t)

	tx, err := conn.BeginTransaction(ctx, Immediate)
	require.NoError(t, err)
	var commits, rollbacks int
	tx.OnCommit(func() { commits++ })
	tx.OnRollback(func() { rollbacks++ })

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx))
	assert.Equal(t, TxCommitted, tx.State())
	assert.False(t, tx.IsActive())
	assert.Equal(t, 1, commits)
	assert.Equal(t, 0, rollbacks)

	// Late registrations run at once when they match the outcome.
	tx.OnCommit(func() { commits++ })
	tx.OnRollback(func() { rollbacks++ })
	assert.Equal(t, 2, commits)
	assert.Equal(t, 0, rollbacks)

	_, err = tx.Query(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrTransactionInactive)
	_, err = tx.Prepare(ctx, "SELECT 1")
	assert.ErrorIs(t, err, ErrTransactionInactive)
	_, err = tx.BeginTransaction(ctx)
	assert.ErrorIs(t, err, ErrTransactionInactive)
}

func TestNestedTransactions(t *testing.T) {
	conn, ctx := setupCounter(t)

	root, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	insert(t, ctx, root, 1)

	kept, err := root.BeginTransaction(ctx)
	require.NoError(t, err)
	assert.True(t, kept.IsNested())
	assert.True(t, strings.HasPrefix(kept.SavepointID(), "sp"))
	insert(t, ctx, kept, 2)
	require.NoError(t, kept.Commit(ctx))

	discarded, err := root.BeginTransaction(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, kept.SavepointID(), discarded.SavepointID())
	insert(t, ctx, discarded, 3)

	inner, err := discarded.BeginTransaction(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(inner.SavepointID(), discarded.SavepointID()))
	insert(t, ctx, inner, 4)
	require.NoError(t, inner.Commit(ctx))
	require.NoError(t, discarded.Rollback(ctx))

	assert.Equal(t, int64(2), countRows(t, ctx, root, "c"))
	require.NoError(t, root.Commit(ctx))
	assert.Equal(t, int64(2), countRows(t, ctx, conn, "c"))
}

func TestParentWaitsForChild(t *testing.T) {
	conn, ctx := setupCounter(t)

	root, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	child, err := root.BeginTransaction(ctx)
	require.NoError(t, err)

	parentDone := make(chan error, 1)
	go func() {
		_, err := root.Execute(ctx, "INSERT INTO c VALUES (?)", 10)
		parentDone <- err
	}()
	commitDone := make(chan error, 1)
	go func() {
		// Queued behind the insert above.
		time.Sleep(10 * time.Millisecond)
		commitDone <- root.Commit(ctx)
	}()

	select {
	case err := <-parentDone:
		t.Fatalf("parent ran while child was active: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// The child still runs its own commands.
	insert(t, ctx, child, 20)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = root.Query(short, "SELECT 1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, child.Rollback(ctx))
	require.NoError(t, <-parentDone)
	require.NoError(t, <-commitDone)

	res, err := conn.Query(ctx, "SELECT v FROM c")
	require.NoError(t, err)
	var got []int64
	for res.Next(ctx) {
		var v int64
		require.NoError(t, res.Scan(&v))
		got = append(got, v)
	}
	assert.Equal(t, []int64{10}, got)
}

func TestChildCommandsSerialized(t *testing.T) {
	conn, ctx := setupCounter(t)

	tx, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	errs := make(chan error, 20)
	for i := range 20 {
		go func() {
			_, err := tx.Execute(ctx, "INSERT INTO c VALUES (?)", i)
			errs <- err
		}()
	}
	for range 20 {
		require.NoError(t, <-errs)
	}
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(20), countRows(t, ctx, conn, "c"))
}

func TestFailedCommitRollsBack(t *testing.T) {
	conn, ctx := setupCounter(t)
	_, err := conn.Execute(ctx, "CREATE TABLE parent (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = conn.Execute(ctx, "CREATE TABLE child (pid INTEGER REFERENCES parent(id) DEFERRABLE INITIALLY DEFERRED)")
	require.NoError(t, err)

	tx, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	var rolledBack bool
	tx.OnRollback(func() { rolledBack = true })
	_, err = tx.Execute(ctx, "INSERT INTO child VALUES (42)")
	require.NoError(t, err)

	var engine *EngineError
	require.ErrorAs(t, tx.Commit(ctx), &engine)
	assert.Equal(t, 19, engine.Code)
	assert.Equal(t, TxRolledBack, tx.State())
	assert.True(t, rolledBack)
	assert.Equal(t, int64(0), countRows(t, ctx, conn, "child"))

	// No transaction is left open on the connection.
	next, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	require.NoError(t, next.Rollback(ctx))
}

func TestTransactionStatements(t *testing.T) {
	conn, ctx := setupCounter(t)

	tx, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	stmt, err := tx.Prepare(ctx, "INSERT INTO c VALUES (?)")
	require.NoError(t, err)
	for i := range 3 {
		_, err := stmt.Execute(ctx, i)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))

	_, err = stmt.Execute(ctx, 4)
	assert.ErrorIs(t, err, ErrTransactionInactive)
	require.NoError(t, stmt.Close())
	assert.Equal(t, int64(3), countRows(t, ctx, conn, "c"))
}

func TestConnectionOutlivedByTransaction(t *testing.T) {
	conn, ctx := setupCounter(t)
	proc := conn.proc

	tx, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	assert.False(t, proc.IsClosed())

	insert(t, ctx, tx, 1)
	require.NoError(t, tx.Commit(ctx))
	assert.True(t, proc.IsClosed())
}

func TestAbandonedTransactionRollsBack(t *testing.T) {
	conn, ctx := setupCounter(t)

	func() {
		tx, err := conn.BeginTransaction(ctx, Deferred)
		require.NoError(t, err)
		insert(t, ctx, tx, 1)
	}()

	// The connection stays held until the cleanup rolls the transaction
	// back.
	require.Eventually(t, func() bool {
		runtime.GC()
		short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		tx, err := conn.BeginTransaction(short, Deferred)
		if err != nil {
			return false
		}
		defer tx.Rollback(ctx)
		return countRows(t, ctx, tx, "c") == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConnectionWaitsForTransaction(t *testing.T) {
	conn, ctx := setupCounter(t)
	stmt, err := conn.Prepare(ctx, "INSERT INTO c VALUES (?)")
	require.NoError(t, err)
	defer stmt.Close()

	tx, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	insert(t, ctx, tx, 1)

	execDone := make(chan error, 1)
	go func() {
		_, err := conn.Execute(ctx, "INSERT INTO c VALUES (?)", 99)
		execDone <- err
	}()
	select {
	case err := <-execDone:
		t.Fatalf("connection ran a command while its transaction was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = conn.Prepare(short, "SELECT 1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, err = stmt.Execute(short, 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, tx.Rollback(ctx))
	require.NoError(t, <-execDone)

	// The connection's insert ran after the rollback and survived it.
	assert.Equal(t, []any{int64(99)}, firstRow(t)(conn.Query(ctx, "SELECT v FROM c")))
	_, err = stmt.Execute(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), countRows(t, ctx, conn, "c"))
}

func TestSecondRootTransactionWaits(t *testing.T) {
	conn, ctx := setupCounter(t)

	first, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)

	second := make(chan *Transaction, 1)
	go func() {
		tx, err := conn.BeginTransaction(ctx, Immediate)
		if err != nil {
			t.Errorf("BeginTransaction failed: %v", err)
		}
		second <- tx
	}()
	select {
	case <-second:
		t.Fatal("second transaction began while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	insert(t, ctx, first, 1)
	require.NoError(t, first.Commit(ctx))

	tx := <-second
	require.NotNil(t, tx)
	insert(t, ctx, tx, 2)
	require.NoError(t, tx.Commit(ctx))
	assert.Equal(t, int64(2), countRows(t, ctx, conn, "c"))
}

func TestTransactionStatementWaitsForChild(t *testing.T) {
	conn, ctx := setupCounter(t)

	root, err := conn.BeginTransaction(ctx, Deferred)
	require.NoError(t, err)
	stmt, err := root.Prepare(ctx, "INSERT INTO c VALUES (:v)")
	require.NoError(t, err)
	defer stmt.Close()

	child, err := root.BeginTransaction(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = stmt.SQL(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, stmt.Reset(short), context.DeadlineExceeded)

	bound := make(chan error, 1)
	go func() { bound <- stmt.Bind("v", 5) }()
	select {
	case err := <-bound:
		t.Fatalf("bind ran while a nested transaction was open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, child.Commit(ctx))
	require.NoError(t, <-bound)
	query, err := stmt.SQL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO c VALUES (:v)", query)
	_, err = stmt.Execute(ctx)
	require.NoError(t, err)
	require.NoError(t, root.Commit(ctx))
	assert.Equal(t, []any{int64(5)}, firstRow(t)(conn.Query(ctx, "SELECT v FROM c")))
}

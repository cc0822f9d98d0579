package client

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// Result is the outcome of a query or statement execution. Results with
// columns are read lazily: rows are fetched from the worker one batch at
// a time as Next advances. Results without columns are command results
// carrying only the change count and last insert id.
//
// A row result holds its connection until the rows are exhausted or
// Close is called. A Result is not safe for concurrent use.
type Result struct {
	state     *resultState // nil for command results
	info      types.ResultInfo
	fetchSize int

	buf    [][]any
	pos    int
	row    []any
	err    error
	closed bool
}

// resultState is the part of a Result its abandonment cleanup needs.
type resultState struct {
	proc     *Processor
	id       string
	lease    *lease
	finished atomic.Bool // the worker no longer holds the result
}

func (s *resultState) close() {
	if s.lease.isDisposed() {
		return
	}
	if s.finished.CompareAndSwap(false, true) {
		_ = s.proc.CloseResult(s.id)
	}
	s.lease.dispose()
}

func newResult(proc *Processor, info types.ResultInfo, l *lease, fetchSize int) *Result {
	r := &Result{info: info, fetchSize: fetchSize}
	if len(info.Columns) == 0 {
		// Nothing left to read; give the connection back now.
		l.dispose()
		return r
	}
	r.state = &resultState{proc: proc, id: info.ID, lease: l}
	onAbandon(r, l, (*resultState).close, r.state)
	return r
}

// Columns returns the result's column names.
func (r *Result) Columns() []string {
	return r.info.Columns
}

// ColumnCount returns the number of columns. Command results have none.
func (r *Result) ColumnCount() int {
	return len(r.info.Columns)
}

// DeclTypes returns the declared type of each column, or "" for
// expressions.
func (r *Result) DeclTypes() []string {
	return r.info.DeclTypes
}

// RowCount returns the number of rows changed by a command result.
func (r *Result) RowCount() int64 {
	return r.info.RowsAffected
}

// LastInsertID returns the rowid of the last inserted row. ok is true
// only for INSERT and REPLACE statements that changed rows.
func (r *Result) LastInsertID() (id int64, ok bool) {
	if r.info.LastInsertID == nil {
		return 0, false
	}
	return *r.info.LastInsertID, true
}

// Next advances to the next row, fetching another batch from the worker
// when the current one is used up. It returns false when the rows are
// exhausted or an error occurred; see Err.
func (r *Result) Next(ctx context.Context) bool {
	r.row = nil
	if r.closed {
		r.err = ErrResultClosed
		return false
	}
	if r.state == nil || r.err != nil {
		return false
	}
	for r.pos >= len(r.buf) {
		if r.state.finished.Load() {
			r.state.close()
			return false
		}
		rows, done, err := r.state.proc.FetchNext(ctx, r.state.id, r.fetchSize)
		if err != nil {
			r.err = err
			r.state.close()
			return false
		}
		if done {
			r.state.finished.Store(true)
		}
		r.buf, r.pos = rows, 0
	}
	r.row = r.buf[r.pos]
	r.buf[r.pos] = nil
	r.pos++
	if r.pos == len(r.buf) && r.state.finished.Load() {
		r.state.close()
	}
	return true
}

// Row returns the current row. The slice belongs to the caller.
func (r *Result) Row() []any {
	return r.row
}

// Map returns the current row keyed by column name.
func (r *Result) Map() map[string]any {
	if r.row == nil {
		return nil
	}
	m := make(map[string]any, len(r.info.Columns))
	for i, col := range r.info.Columns {
		m[col] = r.row[i]
	}
	return m
}

// Scan copies the current row into dest, converting values the way
// database/sql does for the common types.
func (r *Result) Scan(dest ...any) error {
	if r.row == nil {
		return fmt.Errorf("sqlitepipe: Scan called without a current row")
	}
	if len(dest) != len(r.row) {
		return fmt.Errorf("sqlitepipe: expected %d destination arguments in Scan, not %d", len(r.row), len(dest))
	}
	for i, v := range r.row {
		if err := convertAssign(dest[i], v); err != nil {
			return fmt.Errorf("sqlitepipe: Scan error on column %q: %w", r.info.Columns[i], err)
		}
	}
	return nil
}

// Err returns the error that ended iteration, if any.
func (r *Result) Err() error {
	return r.err
}

// All iterates over the remaining rows and closes the result when done.
// A failure is yielded once as the final element.
func (r *Result) All(ctx context.Context) iter.Seq2[[]any, error] {
	return func(yield func([]any, error) bool) {
		defer r.release()
		for r.Next(ctx) {
			if !yield(r.row, nil) {
				return
			}
		}
		if r.err != nil {
			yield(nil, r.err)
		}
	}
}

func (r *Result) release() {
	r.buf = nil
	if r.state != nil {
		r.state.close()
	}
}

// Close discards any unread rows and releases the result's hold on its
// connection. It is idempotent.
func (r *Result) Close() error {
	r.closed = true
	r.release()
	return nil
}

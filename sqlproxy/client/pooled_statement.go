package client

import (
	"context"
	"strings"
	"sync"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// PooledStatement is a statement prepared against a pool rather than a
// single connection. It is compiled lazily on each worker it runs on and
// keeps its bound values on the client, so any free worker can execute it.
type PooledStatement struct {
	pool *Pool
	sql  string

	mu         sync.Mutex
	paramCount int
	ids        map[*Processor]string
	bound      []types.Param
	closed     bool
}

func newPooledStatement(pool *Pool, sql string) *PooledStatement {
	return &PooledStatement{
		pool: pool,
		sql:  sql,
		ids:  make(map[*Processor]string),
	}
}

// statementFor returns the id of the statement on proc, preparing it
// there first if needed. The caller must hold a connection on proc.
func (s *PooledStatement) statementFor(ctx context.Context, proc *Processor) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrStatementClosed
	}
	if id, ok := s.ids[proc]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	info, err := proc.Prepare(ctx, s.sql)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = proc.CloseStatement(info.ID)
		return "", ErrStatementClosed
	}
	s.ids[proc] = info.ID
	s.paramCount = info.ParamCount
	s.mu.Unlock()

	proc.OnClose(func() { s.forget(proc) })
	return info.ID, nil
}

func (s *PooledStatement) forget(proc *Processor) {
	s.mu.Lock()
	delete(s.ids, proc)
	s.mu.Unlock()
}

// Query returns the SQL text the statement was prepared from.
func (s *PooledStatement) Query() string {
	return s.sql
}

// ParamCount returns the number of parameters the statement declares.
func (s *PooledStatement) ParamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paramCount
}

// Execute runs the statement on a borrowed connection. Arguments take the
// same forms as Statement.Execute and override values set with Bind. The
// connection goes back to the pool once the result is released.
func (s *PooledStatement) Execute(ctx context.Context, args ...any) (*Result, error) {
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	id, err := s.statementFor(ctx, conn.proc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	params = append(append([]types.Param(nil), s.bound...), params...)
	s.mu.Unlock()

	info, l, err := derive(conn.lease.refs, func() (types.ResultInfo, error) {
		return conn.proc.executeStatement(ctx, nil, id, s.sql, params)
	})
	if err != nil {
		return nil, err
	}
	return newResult(conn.proc, info, l, conn.fetchSize), nil
}

// Bind sets a parameter for subsequent executions. key is a parameter
// name or a 1-based position.
func (s *PooledStatement) Bind(key any, value any) error {
	param, err := paramFor(key, value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStatementClosed
	}
	name := strings.TrimLeft(param.Name, ":@$")
	for i, b := range s.bound {
		if strings.TrimLeft(b.Name, ":@$") == name && b.Index == param.Index {
			s.bound[i] = param
			return nil
		}
	}
	s.bound = append(s.bound, param)
	return nil
}

// Reset clears every value set with Bind.
func (s *PooledStatement) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStatementClosed
	}
	s.bound = nil
	return nil
}

// SQL asks a worker for the statement's SQL text.
func (s *PooledStatement) SQL(ctx context.Context) (string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	id, err := s.statementFor(ctx, conn.proc)
	if err != nil {
		return "", err
	}
	return conn.proc.StatementSQL(ctx, id)
}

// Close finalizes the statement on every worker that prepared it.
func (s *PooledStatement) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := s.ids
	s.ids = nil
	s.bound = nil
	s.mu.Unlock()

	for proc, id := range ids {
		_ = proc.CloseStatement(id)
	}
	return nil
}

package client

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"math"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// Statement is a prepared statement held by a worker. Executing it
// returns a Result that shares the statement's hold on the connection.
// Statements prepared inside a transaction are tied to it and fail with
// ErrTransactionInactive once it concludes.
type Statement struct {
	state     *statementState
	info      types.StatementInfo
	tx        *txNode    // nil outside a transaction
	gate      gatekeeper // of the connection or transaction it was prepared on
	fetchSize int
}

type statementState struct {
	proc  *Processor
	id    string
	lease *lease
}

func (s *statementState) close() {
	if s.lease.isDisposed() {
		return
	}
	_ = s.proc.CloseStatement(s.id)
	s.lease.dispose()
}

func newStatement(proc *Processor, info types.StatementInfo, l *lease, tx *txNode, g gatekeeper, fetchSize int) *Statement {
	s := &Statement{
		state:     &statementState{proc: proc, id: info.ID, lease: l},
		info:      info,
		tx:        tx,
		gate:      g,
		fetchSize: fetchSize,
	}
	onAbandon(s, l, (*statementState).close, s.state)
	return s
}

// Query returns the SQL text the statement was prepared from.
func (s *Statement) Query() string {
	return s.info.SQL
}

// ParamCount returns the number of parameters the statement declares.
func (s *Statement) ParamCount() int {
	return s.info.ParamCount
}

func (s *Statement) usable() error {
	if s.state.lease.isDisposed() {
		return ErrStatementClosed
	}
	if s.tx != nil && !s.tx.isActive() {
		return ErrTransactionInactive
	}
	return nil
}

// Execute runs the statement. Arguments are positional values, or
// sql.NamedArg for named parameters (":name", "@name" and "$name" all
// match sql.Named("name", v)). They take precedence over values set with
// Bind.
func (s *Statement) Execute(ctx context.Context, args ...any) (*Result, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	proc := s.state.proc
	info, l, err := derive(s.state.lease.refs, func() (types.ResultInfo, error) {
		return proc.executeStatement(ctx, s.gate, s.info.ID, s.info.SQL, params)
	})
	if err != nil {
		return nil, err
	}
	return newResult(proc, info, l, s.fetchSize), nil
}

// Bind sets a parameter for subsequent executions. key is a parameter
// name or a 1-based position. Like Execute, it waits while a transaction
// nested in the statement's connection or transaction is open.
func (s *Statement) Bind(key any, value any) error {
	if err := s.usable(); err != nil {
		return err
	}
	param, err := paramFor(key, value)
	if err != nil {
		return err
	}
	return s.state.proc.bindParam(s.gate, s.info.ID, param)
}

// Reset clears every value set with Bind.
func (s *Statement) Reset(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}
	return s.state.proc.resetStatement(ctx, s.gate, s.info.ID)
}

// SQL asks the worker for the statement's SQL text.
func (s *Statement) SQL(ctx context.Context) (string, error) {
	if err := s.usable(); err != nil {
		return "", err
	}
	return s.state.proc.statementSQL(ctx, s.gate, s.info.ID)
}

// Close finalizes the statement. Results it produced stay readable.
func (s *Statement) Close() error {
	s.state.close()
	return nil
}

func paramFor(key any, value any) (types.Param, error) {
	v, err := wireValue(value)
	if err != nil {
		return types.Param{}, err
	}
	switch k := key.(type) {
	case string:
		if k == "" {
			return types.Param{}, fmt.Errorf("sqlitepipe: empty parameter name")
		}
		return types.Param{Name: k, Value: v}, nil
	case int:
		if k < 1 {
			return types.Param{}, fmt.Errorf("sqlitepipe: parameter position %d out of range", k)
		}
		return types.Param{Index: k, Value: v}, nil
	}
	return types.Param{}, fmt.Errorf("sqlitepipe: parameter key must be a name or position, not %T", key)
}

// toParams converts call arguments into wire parameters.
func toParams(args []any) ([]types.Param, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make([]types.Param, 0, len(args))
	for _, arg := range args {
		switch a := arg.(type) {
		case types.Param:
			v, err := wireValue(a.Value)
			if err != nil {
				return nil, err
			}
			a.Value = v
			params = append(params, a)
		case sql.NamedArg:
			v, err := wireValue(a.Value)
			if err != nil {
				return nil, err
			}
			params = append(params, types.Param{Name: a.Name, Value: v})
		default:
			v, err := wireValue(arg)
			if err != nil {
				return nil, err
			}
			params = append(params, types.Param{Value: v})
		}
	}
	return params, nil
}

func wireValue(v any) (any, error) {
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil {
			return nil, fmt.Errorf("sqlitepipe: converting argument: %w", err)
		}
		v = dv
	}
	var u uint64
	switch x := v.(type) {
	case uint:
		u = uint64(x)
	case uint64:
		u = x
	}
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("sqlitepipe: unsigned value %d overflows int64", u)
	}
	return types.Normalize(v), nil
}

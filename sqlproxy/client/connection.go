package client

import (
	"context"
	"fmt"
	"time"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// Connection is a handle on one worker. Results, statements and
// transactions derived from it share its hold on the worker; a pooled
// connection goes back to its pool only after Close has been called on
// it and on everything derived from it.
type Connection struct {
	proc      *Processor
	lease     *lease
	gate      *gate // held by an open root transaction
	fetchSize int
}

func newConnection(proc *Processor, release func(), fetchSize int) *Connection {
	l := newLease(newRefCount(release))
	c := &Connection{proc: proc, lease: l, gate: newGate(), fetchSize: fetchSize}
	onAbandon(c, l, func(l *lease) { l.dispose() }, l)
	return c
}

// Connect opens a standalone connection outside any pool. Closing it, and
// everything derived from it, shuts the worker down.
func Connect(ctx context.Context, config Config) (*Connection, error) {
	config = config.withDefaults()
	proc, err := dialProcessor(ctx, config)
	if err != nil {
		return nil, err
	}
	return newConnection(proc, func() { proc.Close() }, config.FetchSize), nil
}

func dialProcessor(ctx context.Context, config Config) (*Processor, error) {
	ep, err := config.Dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlitepipe: starting worker: %w", err)
	}
	return OpenProcessor(ctx, ep, config.openParams(), config.Logger)
}

func (c *Connection) usable() error {
	if c.lease.isDisposed() {
		return ErrConnectionClosed
	}
	return nil
}

// Query runs sql and returns its result.
func (c *Connection) Query(ctx context.Context, sql string) (*Result, error) {
	return c.Execute(ctx, sql)
}

// Execute runs sql with args bound to its parameters. See
// Statement.Execute for the argument forms.
func (c *Connection) Execute(ctx context.Context, sql string, args ...any) (*Result, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	info, l, err := derive(c.lease.refs, func() (types.ResultInfo, error) {
		return c.proc.query(ctx, c.gate, sql, params)
	})
	if err != nil {
		return nil, err
	}
	return newResult(c.proc, info, l, c.fetchSize), nil
}

// Prepare compiles sql into a statement.
func (c *Connection) Prepare(ctx context.Context, sql string) (*Statement, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	info, l, err := derive(c.lease.refs, func() (types.StatementInfo, error) {
		return c.proc.prepare(ctx, c.gate, sql)
	})
	if err != nil {
		return nil, err
	}
	return newStatement(c.proc, info, l, nil, c.gate, c.fetchSize), nil
}

// BeginTransaction starts a transaction on this connection. Until it
// concludes, commands issued directly on the connection, on statements
// prepared from it, and further calls to BeginTransaction wait.
func (c *Connection) BeginTransaction(ctx context.Context, isolation Isolation) (*Transaction, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	return beginRoot(ctx, c.proc, c.lease.refs, c.gate, isolation, c.fetchSize)
}

// Close releases this handle. It is idempotent.
func (c *Connection) Close() error {
	c.lease.dispose()
	return nil
}

// IsClosed reports whether the handle or its worker has closed.
func (c *Connection) IsClosed() bool {
	return c.lease.isDisposed() || c.proc.IsClosed()
}

// LastUsedAt returns when the worker last ran a command.
func (c *Connection) LastUsedAt() time.Time {
	return c.proc.LastUsedAt()
}

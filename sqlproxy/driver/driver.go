package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/client"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// DriverName is the name the driver registers with database/sql.
const DriverName = "sqlitepipe"

func init() {
	sql.Register(DriverName, &Driver{})
	sqlx.BindDriver(DriverName, sqlx.QUESTION)
}

// ParseDSN parses a data source name of the form
//
//	path/to/file.db?mode=rwc&busy_timeout=5000&fetch_size=128
//
// busy_timeout is in milliseconds or a Go duration string.
func ParseDSN(dsn string) (client.Config, error) {
	path, rawQuery, _ := strings.Cut(dsn, "?")
	config := client.Config{Path: strings.TrimPrefix(path, "file:")}
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return client.Config{}, fmt.Errorf("sqlitepipe: invalid DSN %q: %w", dsn, err)
	}
	for key, values := range query {
		value := values[len(values)-1]
		switch key {
		case "mode":
			config.Mode = value
		case "busy_timeout":
			d, err := parseMillis(value)
			if err != nil {
				return client.Config{}, fmt.Errorf("sqlitepipe: invalid busy_timeout %q: %w", value, err)
			}
			config.BusyTimeout = d
		case "fetch_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return client.Config{}, fmt.Errorf("sqlitepipe: invalid fetch_size %q: %w", value, err)
			}
			config.FetchSize = n
		default:
			return client.Config{}, fmt.Errorf("sqlitepipe: unknown DSN parameter %q", key)
		}
	}
	if config.Path == "" && config.Mode != "memory" {
		return client.Config{}, errors.New("sqlitepipe: DSN has no database path")
	}
	return config, nil
}

func parseMillis(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// --- Driver implementation ---

// Driver opens connections backed by their own worker each.
type Driver struct{}

// Open returns a new connection to the database named by dsn.
func (d *Driver) Open(dsn string) (driver.Conn, error) {
	connector, err := d.OpenConnector(dsn)
	if err != nil {
		return nil, err
	}
	return connector.Connect(context.Background())
}

// OpenConnector parses dsn once for all connections of a sql.DB.
func (d *Driver) OpenConnector(dsn string) (driver.Connector, error) {
	config, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	return &Connector{config: config, driver: d}, nil
}

// Connector opens connections with a fixed configuration. Use NewConnector
// with sql.OpenDB to pick a dialer or logger.
type Connector struct {
	config client.Config
	driver *Driver
}

// NewConnector returns a connector for config.
func NewConnector(config client.Config) *Connector {
	return &Connector{config: config, driver: &Driver{}}
}

func (c *Connector) Connect(ctx context.Context) (driver.Conn, error) {
	cn, err := client.Connect(ctx, c.config)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: cn}, nil
}

func (c *Connector) Driver() driver.Driver {
	return c.driver
}

// --- Connection implementation ---

// Conn is one worker-backed connection. database/sql never uses a Conn
// from two goroutines at once.
type Conn struct {
	conn *client.Connection
	tx   *client.Transaction // Set while a transaction is open
}

var (
	_ driver.Conn               = (*Conn)(nil)
	_ driver.ConnBeginTx        = (*Conn)(nil)
	_ driver.ConnPrepareContext = (*Conn)(nil)
	_ driver.QueryerContext     = (*Conn)(nil)
	_ driver.ExecerContext      = (*Conn)(nil)
	_ driver.Pinger             = (*Conn)(nil)
	_ driver.Validator          = (*Conn)(nil)
	_ driver.SessionResetter    = (*Conn)(nil)
)

// executor is the part of a connection or transaction the driver needs.
type executor interface {
	Execute(ctx context.Context, sql string, args ...any) (*client.Result, error)
	Prepare(ctx context.Context, sql string) (*client.Statement, error)
}

func (c *Conn) executor() executor {
	if tx := c.activeTx(); tx != nil {
		return tx
	}
	return c.conn
}

func (c *Conn) activeTx() *client.Transaction {
	if c.tx != nil && c.tx.IsActive() {
		return c.tx
	}
	return nil
}

// Prepare returns a prepared statement.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	tx := c.activeTx()
	s, err := c.executor().Prepare(ctx, query)
	if err != nil {
		return nil, err
	}
	return &Stmt{conn: c, stmt: s, tx: tx}, nil
}

// Close releases the connection's worker once nothing else holds it.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Begin starts a deferred transaction.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx starts a transaction. The default isolation level begins a
// deferred transaction, LevelSerializable an immediate one and
// LevelLinearizable an exclusive one.
func (c *Conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.activeTx() != nil {
		return nil, errors.New("sqlitepipe: transaction already active on this connection")
	}
	var isolation client.Isolation
	switch sql.IsolationLevel(opts.Isolation) {
	case sql.LevelDefault:
		isolation = client.Deferred
	case sql.LevelSerializable:
		isolation = client.Immediate
	case sql.LevelLinearizable:
		isolation = client.Exclusive
	default:
		return nil, fmt.Errorf("sqlitepipe: unsupported isolation level %v", sql.IsolationLevel(opts.Isolation))
	}
	tx, err := c.conn.BeginTransaction(ctx, isolation)
	if err != nil {
		return nil, err
	}
	c.tx = tx
	return &Tx{conn: c, tx: tx}, nil
}

func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	res, err := c.executor().Execute(ctx, query, namedArgs(args)...)
	if err != nil {
		return nil, err
	}
	return &Rows{res: res, ctx: ctx}, nil
}

func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	res, err := c.executor().Execute(ctx, query, namedArgs(args)...)
	if err != nil {
		return nil, err
	}
	return newResult(res), nil
}

func (c *Conn) Ping(ctx context.Context) error {
	res, err := c.executor().Execute(ctx, "SELECT 1")
	if err != nil {
		if c.conn.IsClosed() {
			return driver.ErrBadConn
		}
		return err
	}
	return res.Close()
}

// IsValid reports whether the worker behind the connection is alive.
func (c *Conn) IsValid() bool {
	return !c.conn.IsClosed()
}

func (c *Conn) ResetSession(ctx context.Context) error {
	if c.conn.IsClosed() {
		return driver.ErrBadConn
	}
	return nil
}

// namedArgs converts driver arguments into client arguments. Unnamed
// values keep their ordinal position.
func namedArgs(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, arg := range args {
		if arg.Name != "" {
			out[i] = sql.Named(arg.Name, arg.Value)
		} else {
			out[i] = types.Param{Index: arg.Ordinal, Value: arg.Value}
		}
	}
	return out
}

func valueArgs(args []driver.Value) []driver.NamedValue {
	named := make([]driver.NamedValue, len(args))
	for i, v := range args {
		named[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return named
}

// --- Statement implementation ---

// Stmt is a statement prepared on a connection's worker.
type Stmt struct {
	conn *Conn
	stmt *client.Statement
	tx   *client.Transaction // open when the statement was prepared
}

var (
	_ driver.Stmt             = (*Stmt)(nil)
	_ driver.StmtExecContext  = (*Stmt)(nil)
	_ driver.StmtQueryContext = (*Stmt)(nil)
)

func (s *Stmt) Close() error {
	return s.stmt.Close()
}

// NumInput returns the number of parameters the statement declares.
func (s *Stmt) NumInput() int {
	return s.stmt.ParamCount()
}

func (s *Stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.ExecContext(context.Background(), valueArgs(args))
}

func (s *Stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.QueryContext(context.Background(), valueArgs(args))
}

// execute runs the statement. database/sql reuses statements prepared on
// the connection inside a transaction opened later; those run their SQL
// through the transaction, since the connection waits for it to conclude.
func (s *Stmt) execute(ctx context.Context, args []driver.NamedValue) (*client.Result, error) {
	if tx := s.conn.activeTx(); tx != nil && tx != s.tx {
		return tx.Execute(ctx, s.stmt.Query(), namedArgs(args)...)
	}
	return s.stmt.Execute(ctx, namedArgs(args)...)
}

func (s *Stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	res, err := s.execute(ctx, args)
	if err != nil {
		return nil, err
	}
	return newResult(res), nil
}

func (s *Stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	res, err := s.execute(ctx, args)
	if err != nil {
		return nil, err
	}
	return &Rows{res: res, ctx: ctx}, nil
}

// --- Transaction implementation ---

// Tx is a transaction opened through database/sql.
type Tx struct {
	conn *Conn
	tx   *client.Transaction
}

func (t *Tx) Commit() error {
	defer t.done()
	return t.tx.Commit(context.Background())
}

func (t *Tx) Rollback() error {
	defer t.done()
	return t.tx.Rollback(context.Background())
}

func (t *Tx) done() {
	if t.conn.tx == t.tx {
		t.conn.tx = nil
	}
}

// --- Result implementation ---

// Result is the outcome of an Exec.
type Result struct {
	lastInsertID int64
	rowsAffected int64
}

func newResult(res *client.Result) *Result {
	// Rows produced by an Exec are discarded.
	defer res.Close()
	id, _ := res.LastInsertID()
	return &Result{lastInsertID: id, rowsAffected: res.RowCount()}
}

// LastInsertId returns the rowid of the last inserted row, or 0 when the
// statement inserted nothing.
func (r *Result) LastInsertId() (int64, error) {
	return r.lastInsertID, nil
}

func (r *Result) RowsAffected() (int64, error) {
	return r.rowsAffected, nil
}

// --- Rows implementation ---

// Rows streams a result from the worker one batch at a time.
type Rows struct {
	res *client.Result
	ctx context.Context
}

var (
	_ driver.Rows                           = (*Rows)(nil)
	_ driver.RowsColumnTypeDatabaseTypeName = (*Rows)(nil)
)

func (r *Rows) Columns() []string {
	return r.res.Columns()
}

func (r *Rows) ColumnTypeDatabaseTypeName(index int) string {
	declTypes := r.res.DeclTypes()
	if index < len(declTypes) {
		return declTypes[index]
	}
	return ""
}

func (r *Rows) Close() error {
	return r.res.Close()
}

// Next fetches the next row into dest. It returns io.EOF when the rows
// are exhausted.
func (r *Rows) Next(dest []driver.Value) error {
	if !r.res.Next(r.ctx) {
		if err := r.res.Err(); err != nil {
			return err
		}
		return io.EOF
	}
	row := r.res.Row()
	if len(row) != len(dest) {
		return fmt.Errorf("sqlitepipe: column count mismatch, expected %d, got %d", len(dest), len(row))
	}
	declTypes := r.res.DeclTypes()
	for i, v := range row {
		if s, ok := v.(string); ok && i < len(declTypes) && isTimeType(declTypes[i]) {
			if t, ok := parseTime(s); ok {
				v = t
			}
		}
		dest[i] = v
	}
	return nil
}

// timeLayouts are the formats timestamps are written in, most specific
// first.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

func isTimeType(declType string) bool {
	switch declType {
	case "DATE", "DATETIME", "TIMESTAMP":
		return true
	}
	return false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

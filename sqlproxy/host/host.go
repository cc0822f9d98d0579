package host

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

const defaultFetchSize = 64

// Config configures a worker host.
type Config struct {
	Logger    *slog.Logger // Optional, defaults to slog.Default()
	FetchSize int          // Optional, defaults to 64 rows per fetch
}

// SQLHost executes worker commands against a single SQLite connection.
// It owns every prepared statement and open result created through it;
// handles are scoped to the instance and never shared between hosts.
//
// SQLHost is not safe for concurrent use. Serve drives it from one
// goroutine, one command at a time.
type SQLHost struct {
	db         *sqlx.DB
	conn       *sqlx.Conn
	path       string
	statements map[string]*statementEntry
	results    map[string]*resultEntry
	fetchSize  int
	logger     *slog.Logger
}

type paramKey struct {
	name  string
	index int
}

// keyFor identifies a parameter. ":a", "@a", "$a" and "a" name the same
// parameter.
func keyFor(p types.Param) paramKey {
	return paramKey{name: strings.TrimLeft(p.Name, ":@$"), index: p.Index}
}

type statementEntry struct {
	sql        string
	stmt       *sqlx.Stmt
	paramCount int
	bound      map[paramKey]any
	next       int
	busy       bool // a result is still reading from stmt
	closed     bool
}

type resultEntry struct {
	rows    *sqlx.Rows
	owner   *statementEntry // nil when the result runs on a private statement
	private *sqlx.Stmt
}

// NewSQLHost creates a host with no database open. The first command it
// handles must be an open.
func NewSQLHost(config Config) *SQLHost {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fetchSize := config.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}
	return &SQLHost{
		statements: make(map[string]*statementEntry),
		results:    make(map[string]*resultEntry),
		fetchSize:  fetchSize,
		logger:     logger,
	}
}

// HandleCommand executes cmd and returns the response to send back. The
// response is meaningless for ops that do not reply.
func (h *SQLHost) HandleCommand(ctx context.Context, cmd types.Command) types.Response {
	if h.conn == nil && cmd.Op != types.OpOpen && cmd.Op != types.OpClose {
		return errorResponse(cmd.Op, errors.New("database is not open"))
	}

	var resp types.Response
	var opErr error

	switch cmd.Op {
	case types.OpOpen:
		opErr = h.handleOpen(ctx, &cmd)
	case types.OpQuery:
		resp.Result, opErr = h.handleQuery(ctx, &cmd)
	case types.OpPrepare:
		resp.Statement, opErr = h.handlePrepare(ctx, &cmd)
	case types.OpBind:
		h.handleBind(&cmd)
	case types.OpExecute:
		resp.Result, opErr = h.handleExecute(ctx, &cmd)
	case types.OpReset:
		opErr = h.handleReset(&cmd)
	case types.OpStatementSQL:
		resp.SQL, opErr = h.handleStatementSQL(&cmd)
	case types.OpFetch:
		resp.Rows, resp.Done, opErr = h.handleFetch(&cmd)
	case types.OpCloseStatement:
		h.handleCloseStatement(&cmd)
	case types.OpCloseResult:
		h.handleCloseResult(&cmd)
	case types.OpClose:
		h.Close()
	default:
		opErr = fmt.Errorf("unknown command: %s", cmd.Op)
	}

	if opErr != nil {
		return errorResponse(cmd.Op, opErr)
	}
	resp.Op = cmd.Op
	return resp
}

func errorResponse(op types.Op, err error) types.Response {
	return types.Response{Op: op, Error: engineError(err)}
}

// engineError converts err into the wire error form, keeping SQLite's
// result codes when the engine produced it.
func engineError(err error) *types.Error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return &types.Error{
			Code:         int(se.Code),
			ExtendedCode: int(se.ExtendedCode),
			Message:      se.Error(),
		}
	}
	return &types.Error{Code: int(sqlite3.ErrError), Message: err.Error()}
}

// dataSourceName builds a go-sqlite3 DSN for the open parameters.
func dataSourceName(p *types.OpenParams) string {
	if p.Mode == "memory" || p.Path == "" || p.Path == ":memory:" {
		return ":memory:"
	}
	q := url.Values{}
	if p.Mode != "" {
		q.Set("mode", p.Mode)
	}
	if p.BusyTimeoutMillis > 0 {
		q.Set("_busy_timeout", strconv.Itoa(p.BusyTimeoutMillis))
	}
	if len(q) == 0 {
		return "file:" + p.Path
	}
	return "file:" + p.Path + "?" + q.Encode()
}

func (h *SQLHost) handleOpen(ctx context.Context, cmd *types.Command) error {
	if h.conn != nil {
		return errors.New("database is already open")
	}
	if cmd.Open == nil {
		return errors.New("open command carries no parameters")
	}

	db, err := sqlx.Open("sqlite3", dataSourceName(cmd.Open))
	if err != nil {
		return fmt.Errorf("open failed: %w", err)
	}
	// Every command runs on the one pinned connection.
	db.SetMaxOpenConns(1)

	conn, err := db.Connx(ctx)
	if err != nil {
		db.Close()
		return fmt.Errorf("connect failed: %w", err)
	}

	if cmd.Open.EncryptionKey != "" {
		if _, err := conn.ExecContext(ctx, "PRAGMA key = "+quoteLiteral(cmd.Open.EncryptionKey)); err != nil {
			conn.Close()
			db.Close()
			return fmt.Errorf("setting encryption key failed: %w", err)
		}
	}
	for _, pragma := range cmd.Open.Pragmas {
		if _, err := conn.ExecContext(ctx, "PRAGMA "+pragma); err != nil {
			conn.Close()
			db.Close()
			return fmt.Errorf("pragma %q failed: %w", pragma, err)
		}
	}

	h.db = db
	h.conn = conn
	h.path = cmd.Open.Path
	h.logger.Debug("Database opened", "path", h.path, "mode", cmd.Open.Mode)
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// paramCount asks the engine how many parameters query declares.
func (h *SQLHost) paramCount(query string) int {
	n := -1
	_ = h.conn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*sqlite3.SQLiteConn)
		if !ok {
			return nil
		}
		st, err := sc.Prepare(query)
		if err != nil {
			return err
		}
		defer st.Close()
		n = st.NumInput()
		return nil
	})
	return n
}

func (h *SQLHost) prepare(ctx context.Context, query string) (*statementEntry, error) {
	stmt, err := h.conn.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare failed: %w", err)
	}
	return &statementEntry{
		sql:        query,
		stmt:       stmt,
		paramCount: h.paramCount(query),
		bound:      make(map[paramKey]any),
	}, nil
}

func (h *SQLHost) handlePrepare(ctx context.Context, cmd *types.Command) (*types.StatementInfo, error) {
	entry, err := h.prepare(ctx, cmd.SQL)
	if err != nil {
		return nil, err
	}
	stmtID := uuid.NewString()
	h.statements[stmtID] = entry
	return &types.StatementInfo{ID: stmtID, SQL: entry.sql, ParamCount: entry.paramCount}, nil
}

func (h *SQLHost) handleQuery(ctx context.Context, cmd *types.Command) (*types.ResultInfo, error) {
	entry, err := h.prepare(ctx, cmd.SQL)
	if err != nil {
		return nil, err
	}
	// The statement belongs to this query alone and is finalized with
	// its result.
	entry.closed = true
	info, err := h.run(ctx, entry, entry.args(cmd.Params))
	if !entry.busy {
		_ = entry.stmt.Close()
	}
	return info, err
}

func (h *SQLHost) handleExecute(ctx context.Context, cmd *types.Command) (*types.ResultInfo, error) {
	entry, ok := h.statements[cmd.ID]
	if !ok {
		return nil, fmt.Errorf("statement not found: %s", cmd.ID)
	}
	return h.run(ctx, entry, entry.args(cmd.Params))
}

// run executes a statement. Statements producing columns leave an open
// result behind; everything else is executed to completion and reports
// the change count.
func (h *SQLHost) run(ctx context.Context, entry *statementEntry, args []any) (*types.ResultInfo, error) {
	stmt := entry.stmt
	var private *sqlx.Stmt
	if entry.busy {
		// An earlier result still reads from the shared statement.
		var err error
		private, err = h.conn.PreparexContext(ctx, entry.sql)
		if err != nil {
			return nil, fmt.Errorf("prepare failed: %w", err)
		}
		stmt = private
	}
	closePrivate := func() {
		if private != nil {
			_ = private.Close()
		}
	}

	rows, err := stmt.QueryxContext(ctx, args...)
	if err != nil {
		closePrivate()
		return nil, fmt.Errorf("query failed: %w", err)
	}
	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		closePrivate()
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	if len(columns) == 0 {
		// Nothing has been stepped yet, so execute for the change count.
		rows.Close()
		res, err := stmt.ExecContext(ctx, args...)
		closePrivate()
		if err != nil {
			return nil, fmt.Errorf("exec failed: %w", err)
		}
		info := &types.ResultInfo{}
		verb := leadingVerb(entry.sql)
		if !changesRows(verb) {
			return info, nil
		}
		rowsAffected, rerr := res.RowsAffected()
		if rerr != nil {
			h.logger.Warn("Rows affected unavailable", "error", rerr)
		}
		info.RowsAffected = rowsAffected
		if rowsAffected > 0 && insertsRows(verb) {
			if lastInsertID, lerr := res.LastInsertId(); lerr == nil {
				info.LastInsertID = &lastInsertID
			}
		}
		return info, nil
	}

	var declTypes []string
	if columnTypes, err := rows.ColumnTypes(); err == nil {
		declTypes = make([]string, len(columnTypes))
		for i, ct := range columnTypes {
			declTypes[i] = ct.DatabaseTypeName()
		}
	}

	result := &resultEntry{rows: rows, private: private}
	if private == nil {
		result.owner = entry
		entry.busy = true
	}
	resultID := uuid.NewString()
	h.results[resultID] = result
	return &types.ResultInfo{ID: resultID, Columns: columns, DeclTypes: declTypes}, nil
}

// leadingVerb returns the first keyword of query in upper case.
func leadingVerb(query string) string {
	q := strings.TrimSpace(stripComments(query))
	end := strings.IndexFunc(q, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end >= 0 {
		q = q[:end]
	}
	return strings.ToUpper(q)
}

// changesRows reports whether a statement without result columns is a
// data-changing statement whose change count is meaningful. SQLite keeps
// the previous statement's count across BEGIN, SAVEPOINT, DDL and the
// like.
func changesRows(verb string) bool {
	switch verb {
	case "INSERT", "REPLACE", "UPDATE", "DELETE", "WITH":
		return true
	}
	return false
}

// insertsRows reports whether verb adds rows. SQLite's last insert rowid
// survives UPDATE and DELETE, so only these report it. A WITH prefix
// hides the verb and is treated as not inserting.
func insertsRows(verb string) bool {
	return verb == "INSERT" || verb == "REPLACE"
}

func stripComments(query string) string {
	for {
		query = strings.TrimSpace(query)
		switch {
		case strings.HasPrefix(query, "--"):
			i := strings.IndexByte(query, '\n')
			if i < 0 {
				return ""
			}
			query = query[i+1:]
		case strings.HasPrefix(query, "/*"):
			i := strings.Index(query, "*/")
			if i < 0 {
				return ""
			}
			query = query[i+2:]
		default:
			return query
		}
	}
}

// args merges the bound values with the call's parameters into the
// argument list database/sql expects: positional values in slot order
// followed by named values. Call parameters override bound ones.
func (s *statementEntry) args(params []types.Param) []any {
	values := make(map[paramKey]any, len(s.bound)+len(params))
	for k, v := range s.bound {
		values[k] = v
	}
	next := 0
	for _, p := range params {
		key := keyFor(p)
		if key.name == "" && key.index == 0 {
			next++
			key.index = next
		}
		values[key] = types.Normalize(p.Value)
	}

	maxIndex := 0
	var names []string
	for k := range values {
		if k.name != "" {
			names = append(names, k.name)
		} else if k.index > maxIndex {
			maxIndex = k.index
		}
	}
	sort.Strings(names)
	// Parameters left unset bind as NULL.
	if pad := s.paramCount - len(names); pad > maxIndex {
		maxIndex = pad
	}

	args := make([]any, 0, maxIndex+len(names))
	for i := 1; i <= maxIndex; i++ {
		args = append(args, values[paramKey{index: i}])
	}
	for _, name := range names {
		args = append(args, sql.Named(name, values[paramKey{name: name}]))
	}
	return args
}

func (h *SQLHost) handleBind(cmd *types.Command) {
	entry, ok := h.statements[cmd.ID]
	if !ok || cmd.Bind == nil {
		h.logger.Warn("Bind for unknown statement", "statementID", cmd.ID)
		return
	}
	key := keyFor(*cmd.Bind)
	if key.name == "" && key.index == 0 {
		entry.next++
		key.index = entry.next
	}
	entry.bound[key] = types.Normalize(cmd.Bind.Value)
}

func (h *SQLHost) handleReset(cmd *types.Command) error {
	entry, ok := h.statements[cmd.ID]
	if !ok {
		return fmt.Errorf("statement not found: %s", cmd.ID)
	}
	clear(entry.bound)
	entry.next = 0
	return nil
}

func (h *SQLHost) handleStatementSQL(cmd *types.Command) (string, error) {
	entry, ok := h.statements[cmd.ID]
	if !ok {
		return "", fmt.Errorf("statement not found: %s", cmd.ID)
	}
	return entry.sql, nil
}

func (h *SQLHost) handleFetch(cmd *types.Command) ([][]any, bool, error) {
	result, ok := h.results[cmd.ID]
	if !ok {
		return nil, false, fmt.Errorf("result not found: %s", cmd.ID)
	}
	limit := cmd.Limit
	if limit <= 0 {
		limit = h.fetchSize
	}

	var rows [][]any
	for len(rows) < limit {
		if !result.rows.Next() {
			err := result.rows.Err()
			h.closeResult(cmd.ID, result)
			if err != nil {
				return nil, true, fmt.Errorf("error iterating rows: %w", err)
			}
			return rows, true, nil
		}
		row, err := result.rows.SliceScan()
		if err != nil {
			h.closeResult(cmd.ID, result)
			return nil, true, fmt.Errorf("failed to scan row: %w", err)
		}
		rows = append(rows, types.NormalizeRow(row))
	}
	return rows, false, nil
}

func (h *SQLHost) closeResult(id string, result *resultEntry) {
	delete(h.results, id)
	_ = result.rows.Close()
	if result.private != nil {
		_ = result.private.Close()
	}
	if owner := result.owner; owner != nil {
		owner.busy = false
		if owner.closed {
			_ = owner.stmt.Close()
		}
	}
}

func (h *SQLHost) handleCloseResult(cmd *types.Command) {
	// Closing an unknown or already finished result is not an error.
	if result, ok := h.results[cmd.ID]; ok {
		h.closeResult(cmd.ID, result)
	}
}

func (h *SQLHost) handleCloseStatement(cmd *types.Command) {
	entry, ok := h.statements[cmd.ID]
	if !ok {
		return
	}
	delete(h.statements, cmd.ID)
	entry.closed = true
	if !entry.busy {
		_ = entry.stmt.Close()
	}
}

// Close finalizes every open handle and closes the database. Any
// transaction still open on the connection is rolled back by SQLite.
func (h *SQLHost) Close() {
	for id, result := range h.results {
		h.closeResult(id, result)
	}
	for id, entry := range h.statements {
		delete(h.statements, id)
		_ = entry.stmt.Close()
	}
	if h.conn != nil {
		_ = h.conn.Close()
		h.conn = nil
	}
	if h.db != nil {
		if err := h.db.Close(); err != nil {
			h.logger.Warn("Failed to close database", "path", h.path, "error", err)
		}
		h.db = nil
		h.logger.Debug("Database closed", "path", h.path)
	}
}

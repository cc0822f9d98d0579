package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// --- Wire structures exchanged between a client processor and a worker ---

// Op names a worker command.
type Op string

const (
	OpOpen           Op = "open"
	OpQuery          Op = "query"
	OpPrepare        Op = "prepare"
	OpBind           Op = "bind"
	OpExecute        Op = "execute"
	OpReset          Op = "reset"
	OpStatementSQL   Op = "statement_sql"
	OpCloseStatement Op = "close_statement"
	OpFetch          Op = "fetch"
	OpCloseResult    Op = "close_result"
	OpClose          Op = "close"
)

// Replies reports whether the worker answers this op. Bind and the close
// ops are fire-and-forget.
func (o Op) Replies() bool {
	switch o {
	case OpBind, OpCloseStatement, OpCloseResult, OpClose:
		return false
	}
	return true
}

// Command is a single request sent to a worker.
type Command struct {
	Op     Op          `json:"op" cbor:"op"`
	SQL    string      `json:"sql,omitempty" cbor:"sql,omitempty"`
	ID     string      `json:"id,omitempty" cbor:"id,omitempty"` // Statement or result handle
	Params []Param     `json:"params,omitempty" cbor:"params,omitempty"`
	Bind   *Param      `json:"bind,omitempty" cbor:"bind,omitempty"`
	Limit  int         `json:"limit,omitempty" cbor:"limit,omitempty"` // Fetch batch size
	Open   *OpenParams `json:"open,omitempty" cbor:"open,omitempty"`
}

// Param addresses one statement parameter. Name wins over Index; a zero
// Index with an empty Name means "next positional slot".
type Param struct {
	Name  string `json:"name,omitempty" cbor:"name,omitempty"`
	Index int    `json:"index,omitempty" cbor:"index,omitempty"` // 1-based
	Value any    `json:"value" cbor:"value"`
}

// OpenParams configures the database a worker opens.
type OpenParams struct {
	Path              string   `json:"path" cbor:"path"`
	Mode              string   `json:"mode,omitempty" cbor:"mode,omitempty"` // ro, rw, rwc or memory
	BusyTimeoutMillis int      `json:"busy_timeout_ms,omitempty" cbor:"busy_timeout_ms,omitempty"`
	Pragmas           []string `json:"pragmas,omitempty" cbor:"pragmas,omitempty"`
	EncryptionKey     string   `json:"encryption_key,omitempty" cbor:"encryption_key,omitempty"`
}

// Response is the worker's answer to a replying command.
type Response struct {
	Op        Op             `json:"op" cbor:"op"`
	Error     *Error         `json:"error,omitempty" cbor:"error,omitempty"`
	Result    *ResultInfo    `json:"result,omitempty" cbor:"result,omitempty"`
	Statement *StatementInfo `json:"statement,omitempty" cbor:"statement,omitempty"`
	Rows      [][]any        `json:"rows,omitempty" cbor:"rows,omitempty"`
	Done      bool           `json:"done,omitempty" cbor:"done,omitempty"`
	SQL       string         `json:"sql,omitempty" cbor:"sql,omitempty"`
}

// ResultInfo describes the outcome of a query or statement execution.
// A result without columns is a command result and has no ID.
type ResultInfo struct {
	ID           string   `json:"id,omitempty" cbor:"id,omitempty"`
	Columns      []string `json:"columns,omitempty" cbor:"columns,omitempty"`
	DeclTypes    []string `json:"decl_types,omitempty" cbor:"decl_types,omitempty"`
	RowsAffected int64    `json:"rows_affected" cbor:"rows_affected"`
	LastInsertID *int64   `json:"last_insert_id,omitempty" cbor:"last_insert_id,omitempty"`
}

// StatementInfo describes a prepared statement living in the worker.
type StatementInfo struct {
	ID         string `json:"id" cbor:"id"`
	SQL        string `json:"sql" cbor:"sql"`
	ParamCount int    `json:"param_count" cbor:"param_count"`
}

// Error is a failure reported by the SQL engine.
type Error struct {
	Code         int    `json:"code" cbor:"code"`
	ExtendedCode int    `json:"extended_code,omitempty" cbor:"extended_code,omitempty"`
	Message      string `json:"message" cbor:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Validate checks that r has the shape expected for an answer to op.
func (r *Response) Validate(op Op) error {
	if r.Op != op {
		return fmt.Errorf("response for %q received while awaiting %q", r.Op, op)
	}
	if r.Error != nil {
		return nil
	}
	switch op {
	case OpQuery, OpExecute:
		if r.Result == nil {
			return fmt.Errorf("%s response carries no result", op)
		}
		if len(r.Result.Columns) > 0 && r.Result.ID == "" {
			return fmt.Errorf("%s response carries columns but no result id", op)
		}
	case OpPrepare:
		if r.Statement == nil || r.Statement.ID == "" {
			return fmt.Errorf("prepare response carries no statement")
		}
	case OpOpen, OpReset, OpFetch, OpStatementSQL:
	default:
		return fmt.Errorf("unexpected response op %q", op)
	}
	return nil
}

// Handle returns the close op and id of a worker-side resource created by
// the command this response answers. Both are empty if none was created.
func (r *Response) Handle() (Op, string) {
	if r.Error != nil {
		return "", ""
	}
	switch {
	case r.Statement != nil && r.Statement.ID != "":
		return OpCloseStatement, r.Statement.ID
	case r.Result != nil && r.Result.ID != "":
		return OpCloseResult, r.Result.ID
	}
	return "", ""
}

// Normalize maps a Go value onto the small set of types that cross the
// wire: nil, int64, float64, bool, string and []byte. Values decoded from
// CBOR or JSON are folded back into the same set. time.Time becomes an
// RFC 3339 string. Unsigned values above math.MaxInt64 wrap, so callers
// taking user input reject them first.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, int64, float64, bool, string, []byte:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return v
}

// NormalizeRow applies Normalize to every value of row in place.
func NormalizeRow(row []any) []any {
	for i, v := range row {
		row[i] = Normalize(v)
	}
	return row
}

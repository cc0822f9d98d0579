package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

var (
	// ErrConnectionClosed is returned for commands issued to, or still
	// pending on, a processor that has closed.
	ErrConnectionClosed = errors.New("sqlitepipe: connection closed")

	// ErrPoolClosed is returned by acquisitions on a closed pool.
	ErrPoolClosed = errors.New("sqlitepipe: pool closed")

	// ErrTransactionInactive is returned for operations on a transaction
	// that has already been committed or rolled back.
	ErrTransactionInactive = errors.New("sqlitepipe: transaction is no longer active")

	// ErrStatementClosed is returned for operations on a closed statement.
	ErrStatementClosed = errors.New("sqlitepipe: statement closed")

	// ErrResultClosed is reported by Result.Err when rows are read after
	// Close.
	ErrResultClosed = errors.New("sqlitepipe: result closed")
)

// EngineError is a failure reported by SQLite while executing a command.
type EngineError struct {
	Code         int
	ExtendedCode int
	Message      string
	SQL          string // Empty when the command carried no SQL text
}

func (e *EngineError) Error() string {
	if e.SQL == "" {
		return "sqlitepipe: " + e.Message
	}
	return fmt.Sprintf("sqlitepipe: %s (query: %s)", e.Message, e.SQL)
}

// QuerySyntaxError is an EngineError raised because the SQL text itself
// could not be compiled.
type QuerySyntaxError struct {
	*EngineError
}

func (e *QuerySyntaxError) Unwrap() error {
	return e.EngineError
}

// newEngineError converts a wire error into the error returned to callers.
func newEngineError(e *types.Error, sql string) error {
	ee := &EngineError{
		Code:         e.Code,
		ExtendedCode: e.ExtendedCode,
		Message:      e.Message,
		SQL:          sql,
	}
	if isSyntaxMessage(e.Message) {
		return &QuerySyntaxError{EngineError: ee}
	}
	return ee
}

func isSyntaxMessage(msg string) bool {
	for _, marker := range []string{"syntax error", "incomplete input", "unrecognized token"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ProtocolError reports a response that does not match the command it
// should answer. The processor cannot recover and closes itself.
type ProtocolError struct {
	Op     types.Op
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Op == "" {
		return "sqlitepipe: protocol error: " + e.Reason
	}
	return fmt.Sprintf("sqlitepipe: protocol error awaiting %s: %s", e.Op, e.Reason)
}

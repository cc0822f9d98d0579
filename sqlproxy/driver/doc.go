// Package driver implements a database/sql/driver on top of the sqlitepipe
// client, so code written against database/sql or sqlx can run its queries
// on worker-hosted SQLite connections.
//
// Usage:
//
//  1. Import the driver package. This registers the driver with the name
//     "sqlitepipe" and tells sqlx it uses "?" bind variables.
//     import _ "github.com/tomyedwab/sqlitepipe/sqlproxy/driver"
//
//  2. Open a database with a path DSN:
//     db, err := sqlx.Open("sqlitepipe", "data/app.db?busy_timeout=5000")
//     if err != nil {
//     // handle error
//     }
//     defer db.Close()
//
//  3. Use the *sql.DB or *sqlx.DB as usual. To choose a worker dialer or a
//     logger, build the config yourself and use sql.OpenDB(NewConnector(config)).
//
// DSN parameters:
//
//   - mode: ro, rw, rwc or memory
//   - busy_timeout: milliseconds, or a duration such as "2s"
//   - fetch_size: rows fetched from the worker per round trip
//
// Every database/sql connection owns one worker. database/sql does the
// pooling, so the client Pool is not used here.
//
// Implemented Interfaces:
//
// The driver implements driver.Driver, driver.DriverContext,
// driver.Connector, driver.Conn with the context, ping and session reset
// extensions, driver.Stmt with the context extensions, driver.Tx,
// driver.Result and driver.Rows with column type names.
//
// Limitations:
//
//   - Values cross the worker channel as int64, float64, bool, string,
//     []byte or nil. time.Time arguments are stored as RFC 3339 strings.
//   - Transactions are always root transactions; nested savepoints are
//     only available through the client package.
package driver

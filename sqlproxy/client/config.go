package client

import (
	"log/slog"
	"time"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// DefaultPragmas are applied to every connection unless Config.Pragmas is
// set.
var DefaultPragmas = []string{
	"journal_mode = WAL",
	"synchronous = NORMAL",
	"foreign_keys = ON",
}

const (
	defaultMaxConnections = 4
	defaultBusyTimeout    = 5 * time.Second
	defaultFetchSize      = 64
)

// Config configures a Pool or a standalone Connection.
type Config struct {
	Path           string        // Database file, or ":memory:"
	Mode           string        // Optional: ro, rw, rwc or memory
	BusyTimeout    time.Duration // Optional, defaults to 5s
	Pragmas        []string      // Optional, defaults to DefaultPragmas
	EncryptionKey  string        // Optional, only honoured by SQLCipher builds
	MaxConnections int           // Optional, defaults to 4; always 1 in memory
	IdleTimeout    time.Duration // Optional, zero keeps idle connections forever
	FetchSize      int           // Optional, defaults to 64 rows per round trip
	Dialer         Dialer        // Optional, defaults to an in-process worker
	Logger         *slog.Logger  // Optional, defaults to slog.Default()
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	if c.Pragmas == nil {
		c.Pragmas = DefaultPragmas
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	// Each worker would open its own private in-memory database.
	if c.inMemory() && c.MaxConnections > 1 {
		c.Logger.Debug("Limiting in-memory database to one connection", "maxConnections", c.MaxConnections)
		c.MaxConnections = 1
	}
	if c.FetchSize <= 0 {
		c.FetchSize = defaultFetchSize
	}
	if c.Dialer == nil {
		c.Dialer = InProcessDialer{Logger: c.Logger, FetchSize: c.FetchSize}
	}
	return c
}

func (c Config) openParams() types.OpenParams {
	return types.OpenParams{
		Path:              c.Path,
		Mode:              c.Mode,
		BusyTimeoutMillis: int(c.BusyTimeout / time.Millisecond),
		Pragmas:           c.Pragmas,
		EncryptionKey:     c.EncryptionKey,
	}
}

// inMemory reports whether workers open a private in-memory database.
func (c Config) inMemory() bool {
	return c.Mode == "memory" || c.Path == ":memory:"
}

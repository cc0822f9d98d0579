package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/channel"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/client"
)

// Config is the CLI configuration. Values come from flags, then SQLPIPE_*
// environment variables, then sqlpipe.yaml, then defaults.
type Config struct {
	Database       string        `mapstructure:"database" validate:"required_unless=Mode memory"`
	Mode           string        `mapstructure:"mode" validate:"omitempty,oneof=ro rw rwc memory"`
	BusyTimeout    time.Duration `mapstructure:"busy_timeout" validate:"gte=0"`
	MaxConnections int           `mapstructure:"max_connections" validate:"gte=1,lte=64"`
	FetchSize      int           `mapstructure:"fetch_size" validate:"gte=1,lte=10000"`
	Worker         string        `mapstructure:"worker"` // sqlite-worker binary; empty runs workers in-process
	Codec          string        `mapstructure:"codec" validate:"oneof=cbor json"`
	Format         string        `mapstructure:"format" validate:"oneof=table json yaml"`
	LogLevel       string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

var defaults = map[string]any{
	"mode":            "",
	"busy_timeout":    5 * time.Second,
	"max_connections": 4,
	"fetch_size":      64,
	"codec":           "cbor",
	"format":          "table",
	"log_level":       "warn",
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"database":        "database",
	"mode":            "mode",
	"busy-timeout":    "busy_timeout",
	"max-connections": "max_connections",
	"fetch-size":      "fetch_size",
	"worker":          "worker",
	"codec":           "codec",
	"format":          "format",
	"log-level":       "log_level",
}

func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default ./sqlpipe.yaml)")
	fs.StringP("database", "d", "", "database file")
	fs.String("mode", "", "open mode (ro|rw|rwc|memory)")
	fs.Duration("busy-timeout", 5*time.Second, "how long to wait on a locked database")
	fs.Int("max-connections", 4, "maximum pooled connections")
	fs.Int("fetch-size", 64, "rows fetched per round trip")
	fs.String("worker", "", "path to the sqlite-worker binary (default: in-process workers)")
	fs.String("codec", "cbor", "wire codec for worker processes (cbor|json)")
	fs.StringP("format", "f", "table", "output format (table|json|yaml)")
	fs.String("log-level", "warn", "log level (debug|info|warn|error)")
}

// loadConfig resolves the configuration for fs.
func loadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sqlpipe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix("SQLPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("binding flag %s: %w", name, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := validator.New().Struct(&config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// clientConfig builds the pool configuration.
func (c *Config) clientConfig(logger *slog.Logger) client.Config {
	config := client.Config{
		Path:           c.Database,
		Mode:           c.Mode,
		BusyTimeout:    c.BusyTimeout,
		MaxConnections: c.MaxConnections,
		FetchSize:      c.FetchSize,
		Logger:         logger,
	}
	if c.Worker != "" {
		codec, _ := channel.ParseCodec(c.Codec)
		config.Dialer = client.SubprocessDialer{
			Path:   c.Worker,
			Args:   []string{"-log-level", c.LogLevel},
			Codec:  codec,
			Logger: logger,
		}
	}
	return config
}

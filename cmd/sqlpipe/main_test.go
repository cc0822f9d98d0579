package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func parseFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "sqlpipe", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"exec", "bench"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := newRootCommand()

	database := cmd.PersistentFlags().Lookup("database")
	require.NotNil(t, database)
	assert.Equal(t, "d", database.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "table", format.DefValue)

	for name := range flagKeys {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := loadConfig(parseFlags(t, "-d", "app.db"))
	require.NoError(t, err)
	assert.Equal(t, &Config{
		Database:       "app.db",
		BusyTimeout:    5 * time.Second,
		MaxConnections: 4,
		FetchSize:      64,
		Codec:          "cbor",
		Format:         "table",
		LogLevel:       "warn",
	}, config)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sqlpipe.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"database: from-file.db\nmax_connections: 8\nfetch_size: 10\nformat: yaml\n"), 0o644))
	t.Setenv("SQLPIPE_MAX_CONNECTIONS", "2")
	t.Setenv("SQLPIPE_BUSY_TIMEOUT", "250ms")

	config, err := loadConfig(parseFlags(t, "--config", file, "--fetch-size", "32"))
	require.NoError(t, err)
	assert.Equal(t, "from-file.db", config.Database)
	assert.Equal(t, 2, config.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, config.BusyTimeout)
	assert.Equal(t, 32, config.FetchSize)
	assert.Equal(t, "yaml", config.Format)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no database", nil},
		{"bad mode", []string{"-d", "a.db", "--mode", "append"}},
		{"bad format", []string{"-d", "a.db", "--format", "xml"}},
		{"bad codec", []string{"-d", "a.db", "--codec", "gob"}},
		{"no connections", []string{"-d", "a.db", "--max-connections", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(parseFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}

	config, err := loadConfig(parseFlags(t, "--mode", "memory"))
	require.NoError(t, err)
	assert.Empty(t, config.Database)

	_, err = loadConfig(parseFlags(t, "-d", "a.db", "--config", filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestExecArgs(t *testing.T) {
	args, err := execArgs([]string{"1", "two"}, []string{"name=ada", "empty="})
	require.NoError(t, err)
	assert.Len(t, args, 4)
	assert.Equal(t, "1", args[0])

	_, err = execArgs(nil, []string{"novalue"})
	assert.Error(t, err)
	_, err = execArgs(nil, []string{"=x"})
	assert.Error(t, err)
}

func TestExecCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, "exec", "-d", db, "CREATE TABLE people (id INTEGER PRIMARY KEY, name TEXT, photo BLOB)")
	require.NoError(t, err)
	assert.Equal(t, "0 row(s) affected\n", out)

	out, err = run(t, "exec", "-d", db, "INSERT INTO people (name, photo) VALUES (?, x'cafe')", "ada")
	require.NoError(t, err)
	assert.Equal(t, "1 row(s) affected, last insert id 1\n", out)

	_, err = run(t, "exec", "-d", db, "--tx", "-p", "name=grace", "INSERT INTO people (name) VALUES (:name)")
	require.NoError(t, err)

	out, err = run(t, "exec", "-d", db, "SELECT id, name, photo FROM people ORDER BY id")
	require.NoError(t, err)
	assert.Contains(t, out, "ada")
	assert.Contains(t, out, "x'cafe'")
	assert.Contains(t, out, "NULL")
	assert.Contains(t, out, "(2 rows)")

	out, err = run(t, "exec", "-d", db, "-f", "json", "SELECT name FROM people ORDER BY id")
	require.NoError(t, err)
	var decoded struct {
		Columns []string         `json:"columns"`
		Rows    []map[string]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, []string{"name"}, decoded.Columns)
	assert.Equal(t, []map[string]any{{"name": "ada"}, {"name": "grace"}}, decoded.Rows)

	out, err = run(t, "exec", "-d", db, "-f", "yaml", "SELECT count(*) AS n FROM people")
	require.NoError(t, err)
	var fromYAML struct {
		Rows []map[string]int `yaml:"rows"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &fromYAML))
	assert.Equal(t, []map[string]int{{"n": 2}}, fromYAML.Rows)

	_, err = run(t, "exec", "-d", db, "SELEC nonsense")
	assert.Error(t, err)
}

func TestBenchCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "bench.db")

	out, err := run(t, "bench", "-d", db, "--max-connections", "3", "-n", "50", "-c", "8", "-f", "json")
	require.NoError(t, err)
	var summary struct {
		Queries        int   `json:"queries"`
		Rows           int64 `json:"rows"`
		MaxConnections int   `json:"maxConnections"`
		OpenAtEnd      int   `json:"openAtEnd"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 50, summary.Queries)
	assert.Equal(t, int64(50), summary.Rows)
	assert.Equal(t, 3, summary.MaxConnections)
	assert.LessOrEqual(t, summary.OpenAtEnd, 3)

	_, err = run(t, "bench", "-d", db, "-c", "0")
	assert.Error(t, err)
}

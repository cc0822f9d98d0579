package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/client"
)

// newRootCommand creates the root command for the sqlpipe CLI.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sqlpipe",
		Short: "Run SQL against SQLite through sqlitepipe workers",
		Long: "sqlpipe opens a pool of sqlitepipe workers on a SQLite database and runs\n" +
			"statements through it. Settings come from flags, SQLPIPE_* environment\n" +
			"variables or a sqlpipe.yaml file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(newExecCommand())
	cmd.AddCommand(newBenchCommand())

	return cmd
}

// session is the resolved configuration plus an open pool.
type session struct {
	config *Config
	pool   *client.Pool
	out    io.Writer
}

// openSession loads the configuration for cmd and opens a pool on it.
func openSession(ctx context.Context, cmd *cobra.Command) (*session, error) {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := config.logger()
	pool, err := client.Open(ctx, config.clientConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", config.Database, err)
	}
	return &session{config: config, pool: pool, out: cmd.OutOrStdout()}, nil
}

func (s *session) Close() error {
	return s.pool.Close()
}

package main

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/client"
)

type execOptions struct {
	named       []string
	transaction bool
}

// newExecCommand creates the exec command.
func newExecCommand() *cobra.Command {
	opts := &execOptions{}

	cmd := &cobra.Command{
		Use:   "exec <sql> [args...]",
		Short: "Execute one SQL statement and print its result",
		Long: "Execute one SQL statement. Extra arguments bind to positional\n" +
			"parameters in order; --param name=value binds a named parameter.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, opts, args[0], args[1:])
		},
	}

	cmd.Flags().StringArrayVarP(&opts.named, "param", "p", nil, "named parameter as name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.transaction, "tx", false, "run inside a transaction and commit it")

	return cmd
}

// execArgs turns command-line arguments into statement arguments.
func execArgs(positional, named []string) ([]any, error) {
	args := make([]any, 0, len(positional)+len(named))
	for _, v := range positional {
		args = append(args, v)
	}
	for _, kv := range named {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --param %q: want name=value", kv)
		}
		args = append(args, sql.Named(name, value))
	}
	return args, nil
}

func runExec(cmd *cobra.Command, opts *execOptions, query string, rest []string) error {
	ctx := cmd.Context()
	args, err := execArgs(rest, opts.named)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var rep *report
	if opts.transaction {
		tx, err := s.pool.BeginTransaction(ctx, client.Deferred)
		if err != nil {
			return err
		}
		res, err := tx.Execute(ctx, query, args...)
		if err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if rep, err = collect(ctx, res); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	} else {
		res, err := s.pool.Execute(ctx, query, args...)
		if err != nil {
			return err
		}
		if rep, err = collect(ctx, res); err != nil {
			return err
		}
	}
	return writeReport(s.out, s.config.Format, rep)
}

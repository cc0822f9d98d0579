package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type benchOptions struct {
	queries     int
	concurrency int
}

// benchSummary is printed by the bench command.
type benchSummary struct {
	Query          string        `json:"query" yaml:"query"`
	Queries        int           `json:"queries" yaml:"queries"`
	Concurrency    int           `json:"concurrency" yaml:"concurrency"`
	Rows           int64         `json:"rows" yaml:"rows"`
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
	PerSecond      float64       `json:"perSecond" yaml:"perSecond"`
	P50            time.Duration `json:"p50" yaml:"p50"`
	P99            time.Duration `json:"p99" yaml:"p99"`
	MaxConnections int           `json:"maxConnections" yaml:"maxConnections"`
	OpenAtEnd      int           `json:"openAtEnd" yaml:"openAtEnd"`
}

// newBenchCommand creates the bench command.
func newBenchCommand() *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench [sql]",
		Short: "Run a query many times concurrently through the pool",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := "SELECT 1"
			if len(args) == 1 {
				query = args[0]
			}
			return runBench(cmd, opts, query)
		},
	}

	cmd.Flags().IntVarP(&opts.queries, "queries", "n", 1000, "total number of queries")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 16, "queries in flight at once")

	return cmd
}

func runBench(cmd *cobra.Command, opts *benchOptions, query string) error {
	if opts.queries < 1 || opts.concurrency < 1 {
		return fmt.Errorf("queries and concurrency must be positive")
	}
	ctx := cmd.Context()
	s, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		mu        sync.Mutex
		latencies = make([]time.Duration, 0, opts.queries)
		rows      int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	start := time.Now()
	for range opts.queries {
		g.Go(func() error {
			began := time.Now()
			res, err := s.pool.Query(gctx, query)
			if err != nil {
				return err
			}
			var n int64
			for _, err := range res.All(gctx) {
				if err != nil {
					return err
				}
				n++
			}
			took := time.Since(began)

			mu.Lock()
			latencies = append(latencies, took)
			rows += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	stats := s.pool.Stats()
	summary := benchSummary{
		Query:          query,
		Queries:        opts.queries,
		Concurrency:    opts.concurrency,
		Rows:           rows,
		Elapsed:        elapsed,
		PerSecond:      float64(opts.queries) / elapsed.Seconds(),
		P50:            percentile(latencies, 0.50),
		P99:            percentile(latencies, 0.99),
		MaxConnections: stats.MaxConnections,
		OpenAtEnd:      stats.Open,
	}
	return writeSummary(s.out, s.config.Format, summary)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

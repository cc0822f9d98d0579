package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/client"
)

// report is a fully read result.
type report struct {
	Columns      []string         `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty" yaml:"rows,omitempty"`
	RowsAffected int64            `json:"rowsAffected" yaml:"rowsAffected"`
	LastInsertID *int64           `json:"lastInsertId,omitempty" yaml:"lastInsertId,omitempty"`

	values [][]any
}

// collect reads every row of res and closes it.
func collect(ctx context.Context, res *client.Result) (*report, error) {
	rep := &report{Columns: res.Columns(), RowsAffected: res.RowCount()}
	if id, ok := res.LastInsertID(); ok {
		rep.LastInsertID = &id
	}
	for row, err := range res.All(ctx) {
		if err != nil {
			return nil, err
		}
		rep.values = append(rep.values, row)
		m := make(map[string]any, len(row))
		for i, col := range rep.Columns {
			m[col] = displayValue(row[i])
		}
		rep.Rows = append(rep.Rows, m)
	}
	return rep, nil
}

// displayValue makes blobs printable.
func displayValue(v any) any {
	if b, ok := v.([]byte); ok {
		return "x'" + hex.EncodeToString(b) + "'"
	}
	return v
}

func writeReport(w io.Writer, format string, rep *report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(rep); err != nil {
			return err
		}
		return enc.Close()
	default:
		return writeTable(w, rep)
	}
}

func writeTable(w io.Writer, rep *report) error {
	if len(rep.Columns) == 0 {
		if rep.LastInsertID != nil {
			_, err := fmt.Fprintf(w, "%d row(s) affected, last insert id %d\n", rep.RowsAffected, *rep.LastInsertID)
			return err
		}
		_, err := fmt.Fprintf(w, "%d row(s) affected\n", rep.RowsAffected)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(rep.Columns, "\t"))
	for _, row := range rep.values {
		cells := make([]string, len(row))
		for i, v := range row {
			if v == nil {
				cells[i] = "NULL"
				continue
			}
			cells[i] = fmt.Sprint(displayValue(v))
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "(%d rows)\n", len(rep.values))
	return err
}

func writeSummary(w io.Writer, format string, sum benchSummary) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	case "yaml":
		return yaml.NewEncoder(w).Encode(sum)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "query\t%s\n", sum.Query)
	fmt.Fprintf(tw, "queries\t%d (concurrency %d)\n", sum.Queries, sum.Concurrency)
	fmt.Fprintf(tw, "rows\t%d\n", sum.Rows)
	fmt.Fprintf(tw, "elapsed\t%s\n", sum.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "throughput\t%.0f queries/s\n", sum.PerSecond)
	fmt.Fprintf(tw, "latency p50\t%s\n", sum.P50)
	fmt.Fprintf(tw, "latency p99\t%s\n", sum.P99)
	fmt.Fprintf(tw, "connections\t%d open of %d\n", sum.OpenAtEnd, sum.MaxConnections)
	return tw.Flush()
}

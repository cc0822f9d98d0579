// Command sqlite-worker owns one SQLite connection and serves the
// sqlitepipe channel protocol on stdin and stdout. It is started by
// client.SubprocessDialer; logs go to stderr.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/channel"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/host"
)

// stdio joins the process's stdin and stdout into one stream.
type stdio struct {
	io.Reader
	io.WriteCloser
}

func main() {
	codecName := flag.String("codec", "cbor", "wire codec (cbor|json)")
	fetchSize := flag.Int("fetch-size", 0, "default rows per fetch when the client sends no limit")
	logLevel := flag.String("log-level", "info", "log level (debug|info|warn|error)")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With("pid", os.Getpid())
	slog.SetDefault(logger)

	codec, ok := channel.ParseCodec(*codecName)
	if !ok {
		logger.Error("Unknown codec", "codec", *codecName)
		os.Exit(2)
	}

	// The client closes stdin to stop the worker; signals only matter when
	// it is run by hand.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Debug("Worker starting", "codec", codec.Name())
	err := host.ServeStream(ctx, stdio{os.Stdin, os.Stdout}, codec, host.Config{
		Logger:    logger,
		FetchSize: *fetchSize,
	})
	if err != nil {
		logger.Error("Worker failed", "error", err)
		os.Exit(1)
	}
	logger.Debug("Worker exiting")
}

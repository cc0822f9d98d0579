package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/channel"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// Serve runs a worker loop on ep: it receives one command at a time,
// executes it to completion, and replies when the op calls for it. It
// returns nil once a close command arrives or the client side of the
// channel goes away.
func Serve(ctx context.Context, ep channel.Endpoint[types.Response, types.Command], config Config) error {
	h := NewSQLHost(config)
	defer ep.Close()
	defer h.Close()

	for {
		cmd, err := ep.Receive(ctx)
		if err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive failed: %w", err)
		}

		resp := h.HandleCommand(ctx, cmd)
		if cmd.Op == types.OpClose {
			return nil
		}
		if !cmd.Op.Replies() {
			continue
		}
		if err := ep.Send(ctx, resp); err != nil {
			if errors.Is(err, channel.ErrClosed) {
				return nil
			}
			return fmt.Errorf("send failed: %w", err)
		}
	}
}

// ServeStream runs Serve over a byte stream framed with codec.
func ServeStream(ctx context.Context, rwc io.ReadWriteCloser, codec channel.Codec, config Config) error {
	return Serve(ctx, channel.NewStream[types.Response, types.Command](rwc, codec), config)
}

// Spawn starts an in-process worker on its own goroutine and returns the
// client end of its channel. The worker lives until it is sent a close
// command or the returned endpoint is closed.
func Spawn(config Config) channel.Endpoint[types.Command, types.Response] {
	client, worker := channel.Pipe[types.Command, types.Response]()
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		if err := Serve(context.Background(), worker, config); err != nil {
			logger.Error("Worker stopped", "error", err)
		}
	}()
	return client
}

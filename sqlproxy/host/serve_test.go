package host

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/channel"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

func TestServeOverStream(t *testing.T) {
	a, b := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- ServeStream(context.Background(), b, channel.CBOR, Config{})
	}()

	client := channel.NewStream[types.Command, types.Response](a, channel.CBOR)
	defer client.Close()
	ctx := context.Background()

	call := func(cmd types.Command) types.Response {
		t.Helper()
		if err := client.Send(ctx, cmd); err != nil {
			t.Fatalf("Send %s failed: %v", cmd.Op, err)
		}
		resp, err := client.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %s failed: %v", cmd.Op, err)
		}
		if resp.Error != nil {
			t.Fatalf("%s failed: %s", cmd.Op, resp.Error.Message)
		}
		return resp
	}

	call(types.Command{Op: types.OpOpen, Open: &types.OpenParams{Path: filepath.Join(t.TempDir(), "serve.db")}})
	resp := call(types.Command{Op: types.OpQuery, SQL: "SELECT 40 + 2 AS answer"})
	batch := call(types.Command{Op: types.OpFetch, ID: resp.Result.ID})
	if len(batch.Rows) != 1 || types.Normalize(batch.Rows[0][0]) != int64(42) {
		t.Errorf("Expected 42, got %v", batch.Rows)
	}

	if err := client.Send(ctx, types.Command{Op: types.OpClose}); err != nil {
		t.Fatalf("Send close failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop after close")
	}
}

func TestSpawnStopsWhenClientCloses(t *testing.T) {
	ep := Spawn(Config{})
	ctx := context.Background()

	if err := ep.Send(ctx, types.Command{Op: types.OpOpen, Open: &types.OpenParams{Path: ":memory:"}}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp, err := ep.Receive(ctx); err != nil || resp.Error != nil {
		t.Fatalf("Open failed: %v %+v", err, resp.Error)
	}
	ep.Close()

	if err := ep.Send(ctx, types.Command{Op: types.OpQuery, SQL: "SELECT 1"}); !errors.Is(err, channel.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

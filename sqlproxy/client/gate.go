package client

import "context"

// gatekeeper admits one command enqueue at a time.
type gatekeeper interface {
	enter(ctx context.Context, done <-chan struct{}) error
	exit()
}

// gate is a one-slot cooperative mutex. Waiters acquire in the order
// they arrived. It guards the enqueue of a connection's or transaction's
// commands. An open root transaction holds its connection's gate, and an
// open nested transaction its parent's, until it concludes.
type gate struct {
	slot chan struct{}
}

func newGate() *gate {
	return &gate{slot: make(chan struct{}, 1)}
}

// acquire blocks until the gate is free, ctx ends or done closes.
func (g *gate) acquire(ctx context.Context, done <-chan struct{}) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	default:
	}
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return ErrConnectionClosed
	}
}

func (g *gate) enter(ctx context.Context, done <-chan struct{}) error {
	return g.acquire(ctx, done)
}

func (g *gate) exit() {
	g.release()
}

func (g *gate) release() {
	select {
	case <-g.slot:
	default:
		panic("sqlitepipe: release of an unheld gate")
	}
}

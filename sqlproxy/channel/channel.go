// Package channel carries messages between a client processor and the
// worker that owns a database connection.
//
// An Endpoint delivers messages in the order they were sent and has
// exactly one receiver. Once the remote side goes away, Receive returns
// an error wrapping ErrClosed and every later Send fails the same way.
package channel

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Send and Receive once the channel is closed.
var ErrClosed = errors.New("channel: closed")

// Endpoint is one side of a bidirectional message channel. S is the type
// sent from this side, R the type received.
type Endpoint[S, R any] interface {
	Send(ctx context.Context, msg S) error
	Receive(ctx context.Context) (R, error)
	Close() error
}

const pipeBuffer = 16

// Pipe returns two connected in-memory endpoints. Messages are passed by
// value without serialization. Closing either end closes both.
func Pipe[A, B any]() (Endpoint[A, B], Endpoint[B, A]) {
	link := &pipeLink{done: make(chan struct{})}
	ab := make(chan A, pipeBuffer)
	ba := make(chan B, pipeBuffer)
	return &pipeEnd[A, B]{link: link, out: ab, in: ba},
		&pipeEnd[B, A]{link: link, out: ba, in: ab}
}

type pipeLink struct {
	once sync.Once
	done chan struct{}
}

func (l *pipeLink) close() {
	l.once.Do(func() { close(l.done) })
}

type pipeEnd[S, R any] struct {
	link *pipeLink
	out  chan<- S
	in   <-chan R
}

func (p *pipeEnd[S, R]) Send(ctx context.Context, msg S) error {
	select {
	case <-p.link.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.link.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd[S, R]) Receive(ctx context.Context) (R, error) {
	var zero R
	select {
	case msg := <-p.in:
		return msg, nil
	case <-p.link.done:
		// Deliver anything sent before the close.
		select {
		case msg := <-p.in:
			return msg, nil
		default:
		}
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *pipeEnd[S, R]) Close() error {
	p.link.close()
	return nil
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Stream is an Endpoint over a byte stream such as a pipe, a socket or a
// child process's stdio. A background goroutine decodes incoming messages
// so Receive can honour its context.
type Stream[S, R any] struct {
	rwc io.ReadWriteCloser
	enc Encoder

	sendMu sync.Mutex
	msgs   chan R

	closeOnce sync.Once
	done      chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

// NewStream starts decoding R values from rwc and returns an endpoint that
// encodes S values onto it with codec.
func NewStream[S, R any](rwc io.ReadWriteCloser, codec Codec) *Stream[S, R] {
	if codec == nil {
		codec = CBOR
	}
	s := &Stream[S, R]{
		rwc:  rwc,
		enc:  codec.NewEncoder(rwc),
		msgs: make(chan R),
		done: make(chan struct{}),
	}
	go s.readLoop(codec.NewDecoder(rwc))
	return s
}

func (s *Stream[S, R]) readLoop(dec Decoder) {
	defer close(s.msgs)
	for {
		var msg R
		if err := dec.Decode(&msg); err != nil {
			s.fail(err)
			return
		}
		select {
		case s.msgs <- msg:
		case <-s.done:
			return
		}
	}
}

func (s *Stream[S, R]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if s.closed || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		s.err = ErrClosed
		return
	}
	s.err = fmt.Errorf("%w: %v", ErrClosed, err)
}

func (s *Stream[S, R]) cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return ErrClosed
}

func (s *Stream[S, R]) Send(ctx context.Context, msg S) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if err := s.enc.Encode(msg); err != nil {
		s.fail(err)
		return s.cause()
	}
	return nil
}

func (s *Stream[S, R]) Receive(ctx context.Context) (R, error) {
	var zero R
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			return zero, s.cause()
		}
		return msg, nil
	case <-s.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (s *Stream[S, R]) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.rwc.Close()
	})
	return err
}

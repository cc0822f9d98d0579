package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// PoolStats is a snapshot of a pool's connections.
type PoolStats struct {
	MaxConnections int
	Open           int // Idle plus borrowed plus being started
	Idle           int
	Borrowed       int
	Waiting        int
}

// Pool hands out connections to a bounded set of workers, all serving the
// same database. Callers beyond capacity wait in arrival order.
type Pool struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	idle     []*Processor
	borrowed map[*Processor]struct{}
	open     int
	closed   bool
	waiters  waitlist[*Processor]

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// Open creates a pool and starts its first worker, so a database that
// cannot be opened fails here rather than on first use.
func Open(ctx context.Context, config Config) (*Pool, error) {
	if config.Path == "" && !config.inMemory() {
		return nil, errors.New("sqlitepipe: database path is required")
	}
	config = config.withDefaults()
	p := &Pool{
		config:     config,
		logger:     config.Logger,
		borrowed:   make(map[*Processor]struct{}),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	proc, err := dialProcessor(ctx, config)
	if err != nil {
		return nil, err
	}
	p.open = 1
	p.idle = append(p.idle, proc)

	if config.IdleTimeout > 0 {
		go p.reapLoop()
	} else {
		close(p.reaperDone)
	}
	p.logger.Debug("Pool opened", "path", config.Path, "maxConnections", config.MaxConnections)
	return p, nil
}

// Acquire borrows a connection. It prefers an idle worker, starts a new
// one while below capacity, and otherwise waits for a connection to be
// returned. Waiters are served first come, first served.
func (p *Pool) Acquire(ctx context.Context) (*Connection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		if proc := p.popIdleLocked(); proc != nil {
			p.borrowed[proc] = struct{}{}
			p.mu.Unlock()
			return p.wrap(proc), nil
		}
		if p.open < p.config.MaxConnections {
			p.open++
			p.mu.Unlock()
			return p.connect(ctx)
		}
		w := p.waiters.push()
		p.mu.Unlock()

		proc, err := p.wait(ctx, w)
		if err != nil {
			return nil, err
		}
		if proc != nil {
			return p.wrap(proc), nil
		}
		// Woken without a hand-off: capacity freed up or the pool closed.
	}
}

// popIdleLocked returns the most recently used live idle worker.
func (p *Pool) popIdleLocked() *Processor {
	for len(p.idle) > 0 {
		proc := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if !proc.IsClosed() {
			return proc
		}
		p.open--
	}
	return nil
}

// connect starts a worker for a slot already counted in p.open.
func (p *Pool) connect(ctx context.Context) (*Connection, error) {
	proc, err := dialProcessor(ctx, p.config)

	p.mu.Lock()
	if err != nil {
		p.open--
		p.waiters.wake()
		p.mu.Unlock()
		return nil, err
	}
	if p.closed {
		p.open--
		p.mu.Unlock()
		proc.Close()
		return nil, ErrPoolClosed
	}
	p.borrowed[proc] = struct{}{}
	p.mu.Unlock()
	return p.wrap(proc), nil
}

func (p *Pool) wait(ctx context.Context, w *listWaiter[*Processor]) (*Processor, error) {
	select {
	case proc := <-w.ready:
		return proc, nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	removed := p.waiters.remove(w)
	p.mu.Unlock()
	if removed {
		return nil, ctx.Err()
	}
	// Someone is handing us a worker; take it and give it back.
	if proc := <-w.ready; proc != nil {
		p.put(proc)
	}
	return nil, ctx.Err()
}

func (p *Pool) wrap(proc *Processor) *Connection {
	return newConnection(proc, func() { p.put(proc) }, p.config.FetchSize)
}

// put takes back a worker once its last handle is released.
func (p *Pool) put(proc *Processor) {
	p.mu.Lock()
	delete(p.borrowed, proc)
	switch {
	case proc.IsClosed():
		p.open--
		p.waiters.wake()
	case p.closed:
		p.open--
		p.mu.Unlock()
		proc.Close()
		return
	default:
		if p.waiters.handoff(proc) {
			p.borrowed[proc] = struct{}{}
		} else {
			p.idle = append(p.idle, proc)
		}
	}
	p.mu.Unlock()
}

// Query runs sql on a borrowed connection. The connection is returned to
// the pool once the result is exhausted or closed.
func (p *Pool) Query(ctx context.Context, sql string) (*Result, error) {
	return p.Execute(ctx, sql)
}

// Execute runs sql with args on a borrowed connection. The connection is
// returned to the pool once the result is exhausted or closed.
func (p *Pool) Execute(ctx context.Context, sql string, args ...any) (*Result, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Execute(ctx, sql, args...)
}

// BeginTransaction starts a transaction on a dedicated connection, which
// returns to the pool after the transaction concludes and its results
// and statements are closed.
func (p *Pool) BeginTransaction(ctx context.Context, isolation Isolation) (*Transaction, error) {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.BeginTransaction(ctx, isolation)
}

// Prepare compiles sql into a statement usable for the pool's lifetime.
// Each execution runs on whichever worker is free.
func (p *Pool) Prepare(ctx context.Context, sql string) (*PooledStatement, error) {
	s := newPooledStatement(p, sql)
	conn, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if _, err := s.statementFor(ctx, conn.proc); err != nil {
		return nil, err
	}
	return s, nil
}

// Close stops handing out connections. Idle workers shut down now and
// borrowed ones as they are returned; pending and future acquisitions
// fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.waiters.drain()
	p.mu.Unlock()

	close(p.stopReaper)
	<-p.reaperDone
	for _, proc := range idle {
		proc.Close()
	}
	p.logger.Debug("Pool closed", "path", p.config.Path)
	return nil
}

// Terminate closes the pool and every borrowed worker immediately.
// Commands in flight on borrowed connections fail with
// ErrConnectionClosed.
func (p *Pool) Terminate() error {
	p.Close()
	p.mu.Lock()
	borrowed := make([]*Processor, 0, len(p.borrowed))
	for proc := range p.borrowed {
		borrowed = append(borrowed, proc)
	}
	p.mu.Unlock()
	for _, proc := range borrowed {
		proc.Close()
	}
	return nil
}

// Stats returns a snapshot of the pool's connections.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		MaxConnections: p.config.MaxConnections,
		Open:           p.open,
		Idle:           len(p.idle),
		Borrowed:       len(p.borrowed),
		Waiting:        p.waiters.len(),
	}
}

func (p *Pool) reapLoop() {
	defer close(p.reaperDone)
	interval := p.config.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case now := <-ticker.C:
			p.reap(now)
		}
	}
}

// reap closes idle workers unused for longer than the idle timeout.
func (p *Pool) reap(now time.Time) {
	p.mu.Lock()
	var expired []*Processor
	kept := p.idle[:0]
	for _, proc := range p.idle {
		if proc.IsClosed() || now.Sub(proc.LastUsedAt()) > p.config.IdleTimeout {
			expired = append(expired, proc)
			p.open--
			p.waiters.wake()
			continue
		}
		kept = append(kept, proc)
	}
	p.idle = kept
	p.mu.Unlock()

	for _, proc := range expired {
		p.logger.Debug("Closing idle connection", "path", p.config.Path, "idleFor", now.Sub(proc.LastUsedAt()))
		proc.Close()
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomyedwab/sqlitepipe/sqlproxy/channel"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

const closeTimeout = 2 * time.Second

// State is the lifecycle state of a Processor.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type reply struct {
	resp types.Response
	err  error
}

// waiter is the single-resolution slot a replying command's caller
// blocks on. All fields other than done are guarded by Processor.mu.
type waiter struct {
	op         types.Op
	done       chan reply
	dispatched bool
	abandoned  bool
}

type task struct {
	cmd    types.Command
	waiter *waiter // nil for fire-and-forget commands
}

// Processor multiplexes commands from many callers onto one worker's
// message channel. At most one replying command is outstanding at a time
// and responses are paired with waiters in strict FIFO order.
//
// All methods are safe for concurrent use.
type Processor struct {
	ep     channel.Endpoint[types.Command, types.Response]
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	ready    []*task
	inflight *waiter
	pumping  bool
	onClose  []func()

	lastUsed atomic.Int64
	closed   chan struct{}
}

// NewProcessor starts a processor on ep. The worker behind ep has not
// opened a database yet; see OpenProcessor.
func NewProcessor(ep channel.Endpoint[types.Command, types.Response], logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		ep:     ep,
		logger: logger,
		closed: make(chan struct{}),
	}
	p.touch()
	go p.readLoop()
	return p
}

// OpenProcessor starts a processor on ep and opens the database described
// by params in its worker.
func OpenProcessor(ctx context.Context, ep channel.Endpoint[types.Command, types.Response], params types.OpenParams, logger *slog.Logger) (*Processor, error) {
	p := NewProcessor(ep, logger)
	if _, err := p.call(ctx, nil, types.Command{Op: types.OpOpen, Open: &params}); err != nil {
		p.Close()
		return nil, fmt.Errorf("opening %s: %w", params.Path, err)
	}
	return p, nil
}

func (p *Processor) touch() {
	p.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedAt returns when the processor last queued or completed a command.
func (p *Processor) LastUsedAt() time.Time {
	return time.Unix(0, p.lastUsed.Load())
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsClosed reports whether the processor has left the open state.
func (p *Processor) IsClosed() bool {
	return p.State() != StateOpen
}

// Done returns a channel closed once the processor is closed.
func (p *Processor) Done() <-chan struct{} {
	return p.closed
}

// OnClose registers fn to run once when the processor closes. If it is
// already closed fn runs immediately.
func (p *Processor) OnClose(fn func()) {
	p.mu.Lock()
	if p.state == StateOpen {
		p.onClose = append(p.onClose, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}

// submit places cmd on the ready queue. If g is non-nil it is held for
// the duration of the enqueue only.
func (p *Processor) submit(ctx context.Context, g gatekeeper, cmd types.Command) (*task, error) {
	if g != nil {
		if err := g.enter(ctx, p.closed); err != nil {
			return nil, err
		}
		defer g.exit()
	}

	t := &task{cmd: cmd}
	if cmd.Op.Replies() {
		t.waiter = &waiter{op: cmd.Op, done: make(chan reply, 1)}
	}

	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.ready = append(p.ready, t)
	p.mu.Unlock()

	p.touch()
	p.pump()
	return t, nil
}

// call submits a replying command and waits for its response.
func (p *Processor) call(ctx context.Context, g gatekeeper, cmd types.Command) (types.Response, error) {
	if err := ctx.Err(); err != nil {
		return types.Response{}, err
	}
	t, err := p.submit(ctx, g, cmd)
	if err != nil {
		return types.Response{}, err
	}
	resp, err := p.await(ctx, t)
	if err != nil {
		return types.Response{}, err
	}
	if resp.Error != nil {
		return resp, newEngineError(resp.Error, cmd.SQL)
	}
	return resp, nil
}

// post submits a fire-and-forget command.
func (p *Processor) post(cmd types.Command) error {
	_, err := p.submit(context.Background(), nil, cmd)
	return err
}

// await blocks until t's response arrives or ctx ends. A task still on
// the ready queue is withdrawn; one already sent is marked abandoned and
// its response will be discarded when it arrives.
func (p *Processor) await(ctx context.Context, t *task) (types.Response, error) {
	w := t.waiter
	select {
	case r := <-w.done:
		return r.resp, r.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case r := <-w.done:
		return r.resp, r.err
	default:
	}
	if !w.dispatched {
		if i := slices.Index(p.ready, t); i >= 0 {
			p.ready = slices.Delete(p.ready, i, i+1)
		}
	} else {
		w.abandoned = true
	}
	return types.Response{}, ctx.Err()
}

// pump sends queued tasks while no response is outstanding. Only one
// goroutine pumps at a time; others return immediately and the active
// pump picks up their work.
func (p *Processor) pump() {
	p.mu.Lock()
	if p.pumping {
		p.mu.Unlock()
		return
	}
	p.pumping = true
	for p.state == StateOpen && p.inflight == nil && len(p.ready) > 0 {
		t := p.ready[0]
		p.ready = p.ready[1:]
		if t.waiter != nil {
			t.waiter.dispatched = true
			p.inflight = t.waiter
		}
		p.mu.Unlock()

		err := p.ep.Send(context.Background(), t.cmd)

		p.mu.Lock()
		if err != nil {
			p.pumping = false
			p.mu.Unlock()
			p.logger.Warn("Failed to send command", "op", t.cmd.Op, "error", err)
			p.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err), false)
			return
		}
	}
	p.pumping = false
	p.mu.Unlock()
}

// readLoop owns the receive side of the channel. Each response resolves
// the oldest outstanding waiter.
func (p *Processor) readLoop() {
	for {
		resp, err := p.ep.Receive(context.Background())
		if err != nil {
			p.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err), false)
			return
		}

		p.mu.Lock()
		w := p.inflight
		if w == nil {
			p.mu.Unlock()
			p.shutdown(&ProtocolError{Reason: fmt.Sprintf("unsolicited %s response", resp.Op)}, false)
			return
		}
		if verr := resp.Validate(w.op); verr != nil {
			p.mu.Unlock()
			p.shutdown(&ProtocolError{Op: w.op, Reason: verr.Error()}, false)
			return
		}
		p.inflight = nil
		if w.abandoned {
			// Nobody will see this response. Release whatever worker-side
			// handle it created.
			if op, id := resp.Handle(); op != "" && p.state == StateOpen {
				p.ready = append(p.ready, &task{cmd: types.Command{Op: op, ID: id}})
			}
		} else {
			w.done <- reply{resp: resp}
		}
		p.mu.Unlock()

		p.touch()
		p.pump()
	}
}

// shutdown moves the processor to closed, failing every pending waiter.
// The in-flight waiter receives inflightErr; everything else receives
// ErrConnectionClosed. When graceful is set the worker is asked to close
// before the channel is torn down.
func (p *Processor) shutdown(inflightErr error, graceful bool) {
	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return
	}
	p.state = StateClosing
	for _, t := range p.ready {
		if t.waiter != nil {
			t.waiter.done <- reply{err: ErrConnectionClosed}
		}
	}
	p.ready = nil
	if w := p.inflight; w != nil && !w.abandoned {
		w.done <- reply{err: inflightErr}
	}
	p.inflight = nil
	callbacks := p.onClose
	p.onClose = nil
	p.mu.Unlock()

	if graceful {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := p.ep.Send(ctx, types.Command{Op: types.OpClose}); err != nil {
			p.logger.Debug("Worker close not delivered", "error", err)
		}
		cancel()
	}
	if err := p.ep.Close(); err != nil {
		p.logger.Debug("Failed to close channel", "error", err)
	}

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()
	close(p.closed)

	for _, fn := range callbacks {
		fn()
	}
}

// Close shuts the processor down. Commands still queued or in flight fail
// with ErrConnectionClosed. Close is idempotent.
func (p *Processor) Close() error {
	p.shutdown(ErrConnectionClosed, true)
	return nil
}

// Query runs sql as a one-off statement.
func (p *Processor) Query(ctx context.Context, sql string, params ...types.Param) (types.ResultInfo, error) {
	return p.query(ctx, nil, sql, params)
}

func (p *Processor) query(ctx context.Context, g gatekeeper, sql string, params []types.Param) (types.ResultInfo, error) {
	resp, err := p.call(ctx, g, types.Command{Op: types.OpQuery, SQL: sql, Params: params})
	if err != nil {
		return types.ResultInfo{}, err
	}
	return *resp.Result, nil
}

// Prepare compiles sql into a statement held by the worker.
func (p *Processor) Prepare(ctx context.Context, sql string) (types.StatementInfo, error) {
	return p.prepare(ctx, nil, sql)
}

func (p *Processor) prepare(ctx context.Context, g gatekeeper, sql string) (types.StatementInfo, error) {
	resp, err := p.call(ctx, g, types.Command{Op: types.OpPrepare, SQL: sql})
	if err != nil {
		return types.StatementInfo{}, err
	}
	return *resp.Statement, nil
}

// ExecuteStatement runs a prepared statement with params layered over
// any bound values.
func (p *Processor) ExecuteStatement(ctx context.Context, id string, params []types.Param) (types.ResultInfo, error) {
	return p.executeStatement(ctx, nil, id, "", params)
}

func (p *Processor) executeStatement(ctx context.Context, g gatekeeper, id, sql string, params []types.Param) (types.ResultInfo, error) {
	resp, err := p.call(ctx, g, types.Command{Op: types.OpExecute, ID: id, Params: params})
	if err != nil {
		var ee *EngineError
		if errors.As(err, &ee) && ee.SQL == "" {
			ee.SQL = sql
		}
		return types.ResultInfo{}, err
	}
	return *resp.Result, nil
}

// BindParam binds a value to a statement parameter without waiting.
func (p *Processor) BindParam(id string, param types.Param) error {
	return p.bindParam(nil, id, param)
}

func (p *Processor) bindParam(g gatekeeper, id string, param types.Param) error {
	param.Value = types.Normalize(param.Value)
	_, err := p.submit(context.Background(), g, types.Command{Op: types.OpBind, ID: id, Bind: &param})
	return err
}

// ResetStatement clears a statement's bound values.
func (p *Processor) ResetStatement(ctx context.Context, id string) error {
	return p.resetStatement(ctx, nil, id)
}

func (p *Processor) resetStatement(ctx context.Context, g gatekeeper, id string) error {
	_, err := p.call(ctx, g, types.Command{Op: types.OpReset, ID: id})
	return err
}

// StatementSQL returns the SQL text of a prepared statement.
func (p *Processor) StatementSQL(ctx context.Context, id string) (string, error) {
	return p.statementSQL(ctx, nil, id)
}

func (p *Processor) statementSQL(ctx context.Context, g gatekeeper, id string) (string, error) {
	resp, err := p.call(ctx, g, types.Command{Op: types.OpStatementSQL, ID: id})
	if err != nil {
		return "", err
	}
	return resp.SQL, nil
}

// CloseStatement finalizes a prepared statement without waiting.
func (p *Processor) CloseStatement(id string) error {
	return p.post(types.Command{Op: types.OpCloseStatement, ID: id})
}

// FetchNext reads up to limit rows from an open result. done reports that
// the result is exhausted and has been released by the worker.
func (p *Processor) FetchNext(ctx context.Context, id string, limit int) (rows [][]any, done bool, err error) {
	resp, err := p.call(ctx, nil, types.Command{Op: types.OpFetch, ID: id, Limit: limit})
	if err != nil {
		return nil, false, err
	}
	for _, row := range resp.Rows {
		types.NormalizeRow(row)
	}
	return resp.Rows, resp.Done, nil
}

// CloseResult releases an open result without waiting.
func (p *Processor) CloseResult(id string) error {
	return p.post(types.Command{Op: types.OpCloseResult, ID: id})
}

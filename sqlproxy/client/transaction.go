package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tomyedwab/sqlitepipe/sqlproxy/types"
)

// Isolation selects how a root transaction takes its locks.
type Isolation int

const (
	Deferred Isolation = iota
	Immediate
	Exclusive
)

func (i Isolation) String() string {
	switch i {
	case Deferred:
		return "DEFERRED"
	case Immediate:
		return "IMMEDIATE"
	case Exclusive:
		return "EXCLUSIVE"
	}
	return fmt.Sprintf("Isolation(%d)", int(i))
}

// TxState is the lifecycle state of a transaction.
type TxState int32

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	}
	return fmt.Sprintf("TxState(%d)", int32(s))
}

// Transaction is a root transaction or a savepoint nested in one.
//
// A transaction serializes the commands issued through it. While a
// nested transaction is open its parent accepts no commands: they wait
// until the child commits or rolls back. Commit and Rollback likewise
// wait for open children, and are no-ops once the transaction has
// concluded. A transaction dropped without concluding is rolled back.
type Transaction struct {
	node *txNode
}

// txNode holds a transaction's state apart from its public handle so the
// abandonment cleanup can reach it.
type txNode struct {
	proc      *Processor
	parent    *txNode
	isolation Isolation
	savepoint string // empty for the root
	prefix    string
	gate      *gate
	connGate  *gate // the connection's gate, held by a root until it concludes
	refs      *refCount
	lease     *lease
	fetchSize int
	children  atomic.Int64

	mu         sync.Mutex
	state      TxState
	onCommit   []func()
	onRollback []func()
}

// beginRoot waits for connGate and issues BEGIN on proc. The new
// transaction keeps connGate until it concludes, and holds a reference on
// parentRefs until it and everything derived from it are released.
func beginRoot(ctx context.Context, proc *Processor, parentRefs *refCount, connGate *gate, isolation Isolation, fetchSize int) (*Transaction, error) {
	if err := connGate.acquire(ctx, proc.Done()); err != nil {
		return nil, err
	}
	// Once BEGIN is sent its outcome must be known, so only the wait
	// above is cancellable.
	beginCtx := context.WithoutCancel(ctx)
	_, l, err := derive(parentRefs, func() (types.ResultInfo, error) {
		return proc.query(beginCtx, nil, "BEGIN "+isolation.String(), nil)
	})
	if err != nil {
		connGate.release()
		return nil, err
	}
	prefix := "sp" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	node := &txNode{
		proc:      proc,
		isolation: isolation,
		prefix:    prefix,
		gate:      newGate(),
		connGate:  connGate,
		refs:      newRefCount(func() { l.dispose() }),
		fetchSize: fetchSize,
	}
	return node.handle(), nil
}

func (n *txNode) handle() *Transaction {
	n.lease = newLease(n.refs)
	tx := &Transaction{node: n}
	onAbandon(tx, n.lease, (*txNode).abandon, n)
	return tx
}

func (n *txNode) isActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == TxActive
}

// enter admits one command into the transaction.
func (n *txNode) enter(ctx context.Context, done <-chan struct{}) error {
	if !n.isActive() {
		return ErrTransactionInactive
	}
	if err := n.gate.acquire(ctx, done); err != nil {
		return err
	}
	if !n.isActive() {
		n.gate.release()
		return ErrTransactionInactive
	}
	return nil
}

func (n *txNode) exit() {
	n.gate.release()
}

func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func (n *txNode) commitSQL() []string {
	if n.parent == nil {
		return []string{"COMMIT"}
	}
	return []string{"RELEASE " + quoteIdent(n.savepoint)}
}

func (n *txNode) rollbackSQL() []string {
	if n.parent == nil {
		return []string{"ROLLBACK"}
	}
	sp := quoteIdent(n.savepoint)
	return []string{"ROLLBACK TO " + sp, "RELEASE " + sp}
}

func (n *txNode) run(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := n.proc.query(ctx, nil, stmt, nil); err != nil {
			return err
		}
	}
	return nil
}

// begin opens a savepoint nested in n. n's gate stays held by the child
// until the child concludes.
func (n *txNode) begin(ctx context.Context) (*Transaction, error) {
	if err := n.enter(ctx, n.proc.Done()); err != nil {
		return nil, err
	}
	id := fmt.Sprintf("%s_%d", n.prefix, n.children.Add(1))
	_, l, err := derive(n.refs, func() (types.ResultInfo, error) {
		return n.proc.query(ctx, nil, "SAVEPOINT "+quoteIdent(id), nil)
	})
	if err != nil {
		n.exit()
		return nil, err
	}
	child := &txNode{
		proc:      n.proc,
		parent:    n,
		isolation: n.isolation,
		savepoint: id,
		prefix:    id,
		gate:      newGate(),
		refs:      newRefCount(func() { l.dispose() }),
		fetchSize: n.fetchSize,
	}
	return child.handle(), nil
}

// conclude commits or rolls back n once its children have concluded. The
// transaction is inactive afterwards whether or not the engine accepted
// the conclusion.
func (n *txNode) conclude(ctx context.Context, commit bool) error {
	if !n.isActive() {
		return nil
	}
	if err := n.gate.acquire(ctx, n.proc.Done()); err != nil {
		if err == ErrConnectionClosed {
			// The worker is gone and SQLite discarded the transaction
			// with it.
			if n.markConcluded(TxRolledBack) {
				n.finish(TxRolledBack)
			}
		}
		return err
	}
	defer n.gate.release()

	target := TxRolledBack
	if commit {
		target = TxCommitted
	}
	if !n.markConcluded(target) {
		return nil
	}

	// The conclusion must reach the engine even if the caller gives up.
	ctx = context.WithoutCancel(ctx)
	var err error
	if commit {
		if err = n.run(ctx, n.commitSQL()); err != nil {
			// Leave the engine without a dangling transaction.
			_ = n.run(ctx, n.rollbackSQL())
			n.setState(TxRolledBack)
			target = TxRolledBack
		}
	} else {
		err = n.run(ctx, n.rollbackSQL())
	}
	n.finish(target)
	return err
}

func (n *txNode) markConcluded(state TxState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != TxActive {
		return false
	}
	n.state = state
	return true
}

func (n *txNode) setState(state TxState) {
	n.mu.Lock()
	n.state = state
	n.mu.Unlock()
}

// finish runs exactly once per node, after it leaves the active state.
func (n *txNode) finish(state TxState) {
	if n.parent != nil {
		n.parent.gate.release()
	} else {
		n.connGate.release()
	}
	n.mu.Lock()
	callbacks := n.onRollback
	if state == TxCommitted {
		callbacks = n.onCommit
	}
	n.onCommit, n.onRollback = nil, nil
	n.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	n.lease.dispose()
}

// abandon rolls back a transaction whose handle was dropped while active.
func (n *txNode) abandon() {
	if err := n.conclude(context.Background(), false); err != nil {
		n.proc.logger.Debug("Rollback of abandoned transaction failed", "savepoint", n.savepoint, "error", err)
	}
}

// BeginTransaction opens a nested transaction backed by a savepoint.
func (t *Transaction) BeginTransaction(ctx context.Context) (*Transaction, error) {
	return t.node.begin(ctx)
}

// Query runs sql inside the transaction.
func (t *Transaction) Query(ctx context.Context, sql string) (*Result, error) {
	return t.Execute(ctx, sql)
}

// Execute runs sql inside the transaction with args bound to its
// parameters.
func (t *Transaction) Execute(ctx context.Context, sql string, args ...any) (*Result, error) {
	n := t.node
	if !n.isActive() {
		return nil, ErrTransactionInactive
	}
	params, err := toParams(args)
	if err != nil {
		return nil, err
	}
	info, l, err := derive(n.refs, func() (types.ResultInfo, error) {
		return n.proc.query(ctx, n, sql, params)
	})
	if err != nil {
		return nil, err
	}
	return newResult(n.proc, info, l, n.fetchSize), nil
}

// Prepare compiles sql into a statement bound to the transaction.
func (t *Transaction) Prepare(ctx context.Context, sql string) (*Statement, error) {
	n := t.node
	if !n.isActive() {
		return nil, ErrTransactionInactive
	}
	info, l, err := derive(n.refs, func() (types.StatementInfo, error) {
		return n.proc.prepare(ctx, n, sql)
	})
	if err != nil {
		return nil, err
	}
	return newStatement(n.proc, info, l, n, n, n.fetchSize), nil
}

// Commit commits the transaction, or releases its savepoint when nested.
func (t *Transaction) Commit(ctx context.Context) error {
	return t.node.conclude(ctx, true)
}

// Rollback rolls the transaction back, or back to its savepoint when
// nested.
func (t *Transaction) Rollback(ctx context.Context) error {
	return t.node.conclude(ctx, false)
}

// OnCommit registers fn to run after a successful commit.
func (t *Transaction) OnCommit(fn func()) {
	t.node.register(fn, TxCommitted)
}

// OnRollback registers fn to run after the transaction rolls back.
func (t *Transaction) OnRollback(fn func()) {
	t.node.register(fn, TxRolledBack)
}

func (n *txNode) register(fn func(), on TxState) {
	n.mu.Lock()
	switch n.state {
	case TxActive:
		if on == TxCommitted {
			n.onCommit = append(n.onCommit, fn)
		} else {
			n.onRollback = append(n.onRollback, fn)
		}
		n.mu.Unlock()
		return
	case on:
		n.mu.Unlock()
		fn()
		return
	}
	n.mu.Unlock()
}

// IsActive reports whether the transaction can still accept commands.
func (t *Transaction) IsActive() bool {
	return t.node.isActive()
}

// State returns the transaction's lifecycle state.
func (t *Transaction) State() TxState {
	t.node.mu.Lock()
	defer t.node.mu.Unlock()
	return t.node.state
}

// IsNested reports whether the transaction is a savepoint.
func (t *Transaction) IsNested() bool {
	return t.node.parent != nil
}

// Isolation returns the isolation level of the root transaction.
func (t *Transaction) Isolation() Isolation {
	return t.node.isolation
}

// SavepointID returns the savepoint name, or "" for a root transaction.
func (t *Transaction) SavepointID() string {
	return t.node.savepoint
}

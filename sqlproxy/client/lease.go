package client

import (
	"runtime"
	"sync/atomic"
)

// refCount is shared by a borrowed connection and every handle derived
// from it. release runs exactly once, when the last reference drops.
type refCount struct {
	n       atomic.Int64
	release func()
}

func newRefCount(release func()) *refCount {
	r := &refCount{release: release}
	r.n.Store(1)
	return r
}

// tryRetain adds a reference unless the count has already reached zero.
func (r *refCount) tryRetain() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *refCount) drop() {
	switch n := r.n.Add(-1); {
	case n == 0:
		r.release()
	case n < 0:
		panic("sqlitepipe: reference count dropped below zero")
	}
}

// lease is one handle's claim on a refCount. Disposing it drops the
// claim exactly once however many times it is called.
type lease struct {
	refs     *refCount
	disposed atomic.Bool
	cleanup  runtime.Cleanup
	armed    bool
}

func newLease(refs *refCount) *lease {
	return &lease{refs: refs}
}

// dispose drops the lease's reference. It reports whether this call did
// the drop.
func (l *lease) dispose() bool {
	if !l.disposed.CompareAndSwap(false, true) {
		return false
	}
	if l.armed {
		l.cleanup.Stop()
	}
	l.refs.drop()
	return true
}

func (l *lease) isDisposed() bool {
	return l.disposed.Load()
}

// derive takes a new reference on refs for a handle that op is about to
// create. If op fails the reference is dropped again; otherwise the new
// handle owns it through the returned lease.
func derive[T any](refs *refCount, op func() (T, error)) (T, *lease, error) {
	var zero T
	if !refs.tryRetain() {
		return zero, nil, ErrConnectionClosed
	}
	v, err := op()
	if err != nil {
		refs.drop()
		return zero, nil, err
	}
	return v, newLease(refs), nil
}

// onAbandon arranges for fn to run on its own goroutine if handle becomes
// unreachable before its lease is disposed. fn must not reference handle.
func onAbandon[T, S any](handle *T, l *lease, fn func(S), state S) {
	l.cleanup = runtime.AddCleanup(handle, func(s S) {
		go fn(s)
	}, state)
	l.armed = true
}

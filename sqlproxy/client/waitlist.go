package client

import "container/list"

// waitlist queues callers waiting for a value in FIFO order. It has no
// lock of its own; the owner guards it.
type waitlist[T any] struct {
	list list.List
}

// listWaiter receives exactly one value. A zero value means "retry":
// the waiter was woken without a hand-off, for example because capacity
// freed up or the owner closed.
type listWaiter[T any] struct {
	ready chan T
	elem  *list.Element
}

func (wl *waitlist[T]) push() *listWaiter[T] {
	w := &listWaiter[T]{ready: make(chan T, 1)}
	w.elem = wl.list.PushBack(w)
	return w
}

// remove takes w off the list. It reports false if w was already popped,
// meaning a value is on its way.
func (wl *waitlist[T]) remove(w *listWaiter[T]) bool {
	if w.elem == nil {
		return false
	}
	wl.list.Remove(w.elem)
	w.elem = nil
	return true
}

func (wl *waitlist[T]) pop() *listWaiter[T] {
	front := wl.list.Front()
	if front == nil {
		return nil
	}
	w := wl.list.Remove(front).(*listWaiter[T])
	w.elem = nil
	return w
}

// handoff gives v to the oldest waiter. It reports false if nobody waits.
func (wl *waitlist[T]) handoff(v T) bool {
	w := wl.pop()
	if w == nil {
		return false
	}
	w.ready <- v
	return true
}

// wake releases the oldest waiter with the zero value.
func (wl *waitlist[T]) wake() {
	var zero T
	wl.handoff(zero)
}

// drain wakes every waiter.
func (wl *waitlist[T]) drain() {
	for wl.list.Len() > 0 {
		wl.wake()
	}
}

func (wl *waitlist[T]) len() int {
	return wl.list.Len()
}

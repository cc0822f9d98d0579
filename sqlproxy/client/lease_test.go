package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefCountReleasesOnce(t *testing.T) {
	var released int
	refs := newRefCount(func() { released++ })

	leases := []*lease{newLease(refs)}
	for range 3 {
		_, l, err := derive(refs, func() (int, error) { return 0, nil })
		require.NoError(t, err)
		leases = append(leases, l)
	}
	_, _, err := derive(refs, func() (int, error) { return 0, errors.New("boom") })
	require.EqualError(t, err, "boom")

	for _, l := range leases {
		assert.True(t, l.dispose())
		assert.False(t, l.dispose())
	}
	assert.Equal(t, 1, released)

	_, _, err = derive(refs, func() (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.Equal(t, 1, released)
}

func TestLeaseConcurrentDispose(t *testing.T) {
	var mu sync.Mutex
	var released int
	refs := newRefCount(func() {
		mu.Lock()
		released++
		mu.Unlock()
	})
	l := newLease(refs)

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.dispose()
		}()
	}
	wg.Wait()
	assert.True(t, l.isDisposed())
	assert.Equal(t, 1, released)
}

func TestRefCountUnderflowPanics(t *testing.T) {
	refs := newRefCount(func() {})
	refs.drop()
	assert.Panics(t, refs.drop)
}

func TestWaitlistOrder(t *testing.T) {
	var wl waitlist[int]
	a, b, c := wl.push(), wl.push(), wl.push()
	assert.Equal(t, 3, wl.len())

	assert.True(t, wl.remove(b))
	assert.False(t, wl.remove(b))

	assert.True(t, wl.handoff(1))
	wl.wake()
	assert.Equal(t, 1, <-a.ready)
	assert.Equal(t, 0, <-c.ready)
	assert.False(t, wl.remove(a))
	assert.False(t, wl.handoff(2))

	d, e := wl.push(), wl.push()
	wl.drain()
	assert.Equal(t, 0, wl.len())
	assert.Equal(t, 0, <-d.ready)
	assert.Equal(t, 0, <-e.ready)
}

func TestGate(t *testing.T) {
	ctx := testContext(t)
	g := newGate()
	done := make(chan struct{})

	require.NoError(t, g.acquire(ctx, done))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.acquire(short, done), context.DeadlineExceeded)

	order := make(chan int, 2)
	for i := range 2 {
		go func() {
			if g.acquire(ctx, done) == nil {
				order <- i
				g.release()
			}
		}()
		// Let each goroutine block before starting the next.
		time.Sleep(10 * time.Millisecond)
	}
	g.release()
	assert.Equal(t, 0, <-order)
	assert.Equal(t, 1, <-order)

	require.NoError(t, g.acquire(ctx, done))
	close(done)
	assert.ErrorIs(t, g.acquire(ctx, done), ErrConnectionClosed)
	g.release()
	assert.Panics(t, g.release)
}

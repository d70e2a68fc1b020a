package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlight bounds concurrent mutations (and is the weight an
// exclusive holder acquires).
const DefaultMaxInFlight = 64

// keyLocks serializes mutations per cart line.
//
// Two layers:
//   - a weighted barrier of size max: every mutation holds 1 unit while it
//     runs; Clear and hydration take all max units, so they wait for
//     in-flight mutations and block new ones until they finish
//   - one weight-1 semaphore per line key, so mutations on the same line
//     run one at a time
//
// semaphore.Weighted wakes waiters in FIFO order, which gives arrival
// order per key and keeps an exclusive waiter from being starved.
type keyLocks struct {
	max     int64
	barrier *semaphore.Weighted

	mu   sync.Mutex
	keys map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyLocks(max int64) *keyLocks {
	if max < 1 {
		max = DefaultMaxInFlight
	}
	return &keyLocks{
		max:     max,
		barrier: semaphore.NewWeighted(max),
		keys:    make(map[string]*keyLock),
	}
}

// lock acquires the line lock for key. The returned release func must be
// called exactly once.
func (l *keyLocks) lock(ctx context.Context, key string) (func(), error) {
	if err := l.barrier.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	kl := l.ref(key)
	if err := kl.sem.Acquire(ctx, 1); err != nil {
		l.unref(key)
		l.barrier.Release(1)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			kl.sem.Release(1)
			l.unref(key)
			l.barrier.Release(1)
		})
	}, nil
}

// lockAll waits until no mutation is in flight and holds off new ones.
func (l *keyLocks) lockAll(ctx context.Context) (func(), error) {
	if err := l.barrier.Acquire(ctx, l.max); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { l.barrier.Release(l.max) })
	}, nil
}

func (l *keyLocks) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLock{sem: semaphore.NewWeighted(1)}
		l.keys[key] = kl
	}
	kl.refs++
	return kl
}

func (l *keyLocks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		return
	}
	kl.refs--
	if kl.refs == 0 {
		delete(l.keys, key)
	}
}

// held returns the number of keys with a holder or waiter.
func (l *keyLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

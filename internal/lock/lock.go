// Package lock serializes work per key. Booking serializes on a slot key and
// the queue manager on a (doctor, date) key.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrLockTimeout = errors.New("timed out waiting for lock")
)

// Locker runs fn while holding the lock for key. Implementations must not
// block longer than their configured wait or the context deadline.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Lock entries live only while someone
// holds or waits for them, so the map does not grow with old keys.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
	wait  time.Duration
}

// NewKeyedMutex creates a locker whose callers give up after wait.
// A zero wait means callers wait until their context is done.
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyLock),
		wait:  wait,
	}
}

func (k *KeyedMutex) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := k.acquireRef(key)
	defer k.releaseRef(key, l)

	var timeout <-chan time.Time
	if k.wait > 0 {
		timer := time.NewTimer(k.wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case l.sem <- struct{}{}:
	case <-timeout:
		return ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.sem }()

	return fn(ctx)
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyedMutex) acquireRef(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *KeyedMutex) releaseRef(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

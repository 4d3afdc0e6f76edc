package service

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedLocker hands out one exclusive lock per key. Entries are dropped once
// nobody holds or waits for them.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*keyedLock)}
}

// Lock blocks until the key is free or ctx is done. The returned func
// releases the key.
func (k *keyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	lk, ok := k.locks[key]
	if !ok {
		lk = &keyedLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = lk
	}
	lk.refs++
	k.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		k.drop(key, lk)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lk.sem.Release(1)
			k.drop(key, lk)
		})
	}, nil
}

func (k *keyedLocker) drop(key string, lk *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	lk.refs--
	if lk.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedLocker) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

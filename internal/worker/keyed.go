// Package worker provides concurrency primitives for the update pipeline.
package worker

import (
	"context"
	"sync"

	"github.com/ethmarket/orderwatch/internal/domain"
)

// KeyedLocks serializes work per key while letting distinct keys proceed in
// parallel. The update services lock on the order hash so concurrent triggers
// for one order never interleave, which is what makes the read-reduce-save
// cycle safe without transactions across stores.
type KeyedLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedLocks creates an empty lock table.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{slots: make(map[string]*slot)}
}

// Acquire blocks until the key's lock is held or ctx is done. On success it
// returns the release func; the caller must invoke it exactly once.
func (k *KeyedLocks) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			k.mu.Lock()
			s.refs--
			if s.refs == 0 {
				delete(k.slots, key)
			}
			k.mu.Unlock()
		}, nil
	case <-ctx.Done():
		k.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(k.slots, key)
		}
		k.mu.Unlock()
		return nil, domain.ErrContextDone
	}
}

// With runs fn while holding the key's lock.
func (k *KeyedLocks) With(ctx context.Context, key string, fn func() error) error {
	release, err := k.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

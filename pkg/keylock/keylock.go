// Package keylock serializes work per key.
package keylock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive lock on a key. The returned release func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker. Idle keys are dropped once no holder or waiter references them.
type KeyedMutex struct {
	mutex sync.Mutex
	locks map[string]*keyedSlot
}

type keyedSlot struct {
	slot chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedSlot)}
}

// Lock blocks until the key is free or ctx is done.
func (keyed *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	keyed.mutex.Lock()
	if keyed.locks == nil {
		keyed.locks = make(map[string]*keyedSlot)
	}
	entry, ok := keyed.locks[key]
	if !ok {
		entry = &keyedSlot{slot: make(chan struct{}, 1)}
		keyed.locks[key] = entry
	}
	entry.refs++
	keyed.mutex.Unlock()

	select {
	case entry.slot <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-entry.slot
				keyed.release(key, entry)
			})
		}, nil
	case <-ctx.Done():
		keyed.release(key, entry)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (keyed *KeyedMutex) Len() int {
	keyed.mutex.Lock()
	defer keyed.mutex.Unlock()
	return len(keyed.locks)
}

func (keyed *KeyedMutex) release(key string, entry *keyedSlot) {
	keyed.mutex.Lock()
	defer keyed.mutex.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(keyed.locks, key)
	}
}

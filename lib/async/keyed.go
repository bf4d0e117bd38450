package async

import (
	"context"
	"sync"
)

// KeyedMutex serialises work per key. Entries are reference counted and removed once no
// goroutine holds or waits for the key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *KeyedMutex) release(key string, entry *keyedEntry) {
	k.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Lock blocks until key is held and returns the unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	entry := k.acquire(key)
	entry.ch <- struct{}{}
	return k.unlocker(key, entry)
}

// LockContext is Lock bounded by ctx.
func (k *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	entry := k.acquire(key)
	select {
	case entry.ch <- struct{}{}:
		return k.unlocker(key, entry), nil
	case <-ctx.Done():
		k.release(key, entry)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) unlocker(key string, entry *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.release(key, entry)
		})
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

package orchestrator

import (
	"sync"
)

// keyedMutex serializes work per key. Entries are removed when no longer held or awaited.
type keyedMutex struct {
	lock sync.Mutex
	keys map[string]*keyedEntry
}

type keyedEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		keys: make(map[string]*keyedEntry),
	}
}

// Lock blocks until key is available and returns the function that releases it.
func (k *keyedMutex) Lock(key string) func() {
	k.lock.Lock()
	entry, ok := k.keys[key]
	if !ok {
		entry = &keyedEntry{}
		k.keys[key] = entry
	}
	entry.refs++
	k.lock.Unlock()

	entry.Lock()

	return func() {
		entry.Unlock()

		k.lock.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.keys, key)
		}
		k.lock.Unlock()
	}
}

func (k *keyedMutex) len() int {
	k.lock.Lock()
	defer k.lock.Unlock()
	return len(k.keys)
}

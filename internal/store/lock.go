package store

import "sync"

// keyedMutex provides one mutex per session ID. Entries are reference
// counted so the map does not grow with dead sessions.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.entries == nil {
		k.entries = make(map[string]*lockEntry)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// forget drops the entry for key if nothing holds or waits on it.
func (k *keyedMutex) forget(key string) {
	k.mu.Lock()
	if e, ok := k.entries[key]; ok && e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

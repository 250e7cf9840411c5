package service

import "sync"

// keyedMutex serializes writers per record ID. Entries are dropped once
// no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until the key is free and returns its unlock function
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// inflight tracks cancel functions of response-generation calls per session
type inflight struct {
	mu    sync.Mutex
	next  uint64
	calls map[string]map[uint64]func()
}

func newInflight() *inflight {
	return &inflight{calls: make(map[string]map[uint64]func())}
}

func (f *inflight) add(sessionID string, cancel func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	if f.calls[sessionID] == nil {
		f.calls[sessionID] = make(map[uint64]func())
	}
	f.calls[sessionID][id] = cancel
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.calls[sessionID], id)
		if len(f.calls[sessionID]) == 0 {
			delete(f.calls, sessionID)
		}
	}
}

func (f *inflight) cancelAll(sessionID string) {
	f.mu.Lock()
	calls := f.calls[sessionID]
	delete(f.calls, sessionID)
	f.mu.Unlock()
	for _, cancel := range calls {
		cancel()
	}
}

package sessions

import "sync"

// sessionLocker hands out per-session reader/writer locks. Entries are
// reference counted and dropped when the last holder releases, so the map
// does not grow with session churn.
type sessionLocker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	rw   sync.RWMutex
	refs int
}

func newSessionLocker() *sessionLocker {
	return &sessionLocker{locks: make(map[string]*lockEntry)}
}

func (l *sessionLocker) entry(id string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[id]
	if !ok {
		e = &lockEntry{}
		l.locks[id] = e
	}
	e.refs++
	return e
}

func (l *sessionLocker) put(id string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// Lock acquires the write lock for id and returns the release func.
func (l *sessionLocker) Lock(id string) func() {
	e := l.entry(id)
	e.rw.Lock()
	return func() {
		e.rw.Unlock()
		l.put(id, e)
	}
}

// RLock acquires the read lock for id and returns the release func.
func (l *sessionLocker) RLock(id string) func() {
	e := l.entry(id)
	e.rw.RLock()
	return func() {
		e.rw.RUnlock()
		l.put(id, e)
	}
}

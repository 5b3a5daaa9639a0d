package storage

import "sync"

// SessionLocker provides per-session mutual exclusion for mutating
// operations. The store itself does not serialize concurrent imports or
// exports against the same session, so callers that mutate image records
// (and with them the session's image_count) take the session lock first.
type SessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionLocker creates a SessionLocker.
func NewSessionLocker() *SessionLocker {
	return &SessionLocker{locks: make(map[string]*sessionLock)}
}

// Lock acquires the lock for a session, blocking until it is available.
func (l *SessionLocker) Lock(sessionID string) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
}

// Unlock releases the lock for a session. Entries are dropped once no
// goroutine holds or waits on them, so the map does not grow unbounded.
func (l *SessionLocker) Unlock(sessionID string) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if ok {
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
	}
	l.mu.Unlock()

	if ok {
		sl.mu.Unlock()
	}
}

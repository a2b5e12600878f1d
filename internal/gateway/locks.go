package gateway

import "sync"

// identityLocks serializes turns per identity. Entries are reference counted
// and dropped once no turn holds or waits for them.
type identityLocks struct {
	mutex sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[string]*identityLock)}
}

// Lock blocks until the identity is free and returns the matching unlock.
func (l *identityLocks) Lock(identity string) func() {
	l.mutex.Lock()
	lock, exists := l.locks[identity]
	if !exists {
		lock = &identityLock{}
		l.locks[identity] = lock
	}
	lock.refs++
	l.mutex.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mutex.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, identity)
		}
		l.mutex.Unlock()
	}
}

// Len returns the number of identities with a held or awaited lock.
func (l *identityLocks) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.locks)
}

package service

import "sync"

// treeLocks serialises mutations per tree. Entries are reference counted and
// dropped when the last holder unlocks.
type treeLocks struct {
	mu    sync.Mutex
	locks map[string]*treeLock
}

type treeLock struct {
	mu   sync.Mutex
	refs int
}

func newTreeLocks() *treeLocks {
	return &treeLocks{locks: make(map[string]*treeLock)}
}

// Lock blocks until treeID is free and returns the matching unlock.
func (l *treeLocks) Lock(treeID string) (unlock func()) {
	l.mu.Lock()
	tl, ok := l.locks[treeID]
	if !ok {
		tl = &treeLock{}
		l.locks[treeID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, treeID)
		}
		l.mu.Unlock()
	}
}

func (l *treeLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package orchestrator

import "sync"

// roundLocks hands out one mutex per round id. Entries are reference counted
// and dropped once nobody holds or waits on them, so the map only grows with
// the number of rounds being written to right now.
type roundLocks struct {
	mu    sync.Mutex
	locks map[int64]*roundLock
}

type roundLock struct {
	mu   sync.Mutex
	refs int
}

func newRoundLocks() *roundLocks {
	return &roundLocks{locks: make(map[int64]*roundLock)}
}

func (l *roundLocks) lock(roundID int64) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[roundID]
	if !ok {
		entry = &roundLock{}
		l.locks[roundID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, roundID)
		}
		l.mu.Unlock()
	}
}

func (l *roundLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

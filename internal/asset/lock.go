package asset

import (
	"fmt"
	"sync"

	"examseal/internal/sealerr"
	"examseal/internal/security"
)

// Locks hands out one exclusive lock per exam: a process-local mutex for
// goroutines plus an flock on <asset>/.lock for other processes. Locks are
// not reentrant.
type Locks struct {
	layout Layout

	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks returns a lock table for assets under layout.
func NewLocks(layout Layout) *Locks {
	return &Locks{layout: layout, entries: make(map[string]*lockEntry)}
}

// Lock blocks until examID is exclusively held and returns the function
// that releases it.
func (l *Locks) Lock(examID string) (func(), error) {
	if _, err := l.layout.Dir(examID); err != nil {
		return nil, err
	}

	l.mu.Lock()
	e, ok := l.entries[examID]
	if !ok {
		e = &lockEntry{}
		l.entries[examID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	fl, err := security.AcquireLock(l.layout.LockPath(examID))
	if err != nil {
		e.mu.Unlock()
		l.release(examID, e)
		return nil, fmt.Errorf("%w: %v", sealerr.ErrStorageIO, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			fl.Release()
			e.mu.Unlock()
			l.release(examID, e)
		})
	}, nil
}

func (l *Locks) release(examID string, e *lockEntry) {
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, examID)
	}
	l.mu.Unlock()
}

// held reports how many callers hold or wait on examID.
func (l *Locks) held(examID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[examID]; ok {
		return e.refs
	}
	return 0
}

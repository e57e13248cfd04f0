package workflow

import "sync"

// lockTable serializes execution per session id. Steps within one session
// must run strictly in order; distinct sessions run fully in parallel.
type lockTable struct {
	locks map[string]*sessionLock
	mu    sync.Mutex
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sessionLock)}
}

// lock acquires the per-session mutex and returns its release function.
// Entries are reference counted so the table does not grow with every
// session ever seen.
func (t *lockTable) lock(id string) func() {
	t.mu.Lock()
	l, ok := t.locks[id]
	if !ok {
		l = &sessionLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		t.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(t.locks, id)
		}
		t.mu.Unlock()
	}
}
